package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Key addresses a persisted record. Keys are derived from the owning
// identities so any party can recompute them without a lookup.
type Key string

const (
	vaultNamespace       = "vault"
	participantNamespace = "participant"
)

// VaultKey derives the record key of the vault owned by authority.
func VaultKey(authority Identity) Key {
	return deriveKey(vaultNamespace, string(authority))
}

// ParticipantKey derives the record key of user's entry in vault.
func ParticipantKey(vault Key, user Identity) Key {
	return deriveKey(participantNamespace, string(vault), string(user))
}

// deriveKey hashes length-prefixed parts so that ("ab","c") and ("a","bc")
// never collide.
func deriveKey(namespace string, parts ...string) Key {
	h := sha256.New()
	var n [8]byte
	for _, p := range append([]string{namespace}, parts...) {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}
