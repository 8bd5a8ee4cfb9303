package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"vaultlottery/internal/models"
)

// Tx is the view of the store an instruction works against. Methods that
// write are only valid inside Store.Update.
type Tx struct {
	tx     *bbolt.Tx
	now    func() time.Time
	events []models.Event
}

// Vault loads the vault stored under key.
func (t *Tx) Vault(key models.Key) (*models.Vault, error) {
	var v models.Vault
	if err := t.get(vaultBucket, string(key), &v); err != nil {
		return nil, fmt.Errorf("vault %s: %w", key, err)
	}
	return &v, nil
}

// CreateVault stores a new vault, charging rent from payer into the
// vault's reservation. It fails with ErrAlreadyExists if the key is taken.
func (t *Tx) CreateVault(v *models.Vault, payer models.Identity, rent uint64) error {
	if t.bucket(vaultBucket).Get([]byte(v.Key)) != nil {
		return fmt.Errorf("vault %s: %w", v.Key, ErrAlreadyExists)
	}
	if err := t.Debit(payer, rent); err != nil {
		return fmt.Errorf("vault rent: %w", err)
	}
	v.Reserve = rent
	return t.put(vaultBucket, string(v.Key), v)
}

// PutVault overwrites an existing vault.
func (t *Tx) PutVault(v *models.Vault) error {
	if t.bucket(vaultBucket).Get([]byte(v.Key)) == nil {
		return fmt.Errorf("vault %s: %w", v.Key, ErrNotFound)
	}
	return t.put(vaultBucket, string(v.Key), v)
}

// DestroyVault deletes the vault and credits its reservation to refundTo.
// The vault's escrow must already be paid out.
func (t *Tx) DestroyVault(key models.Key, refundTo models.Identity) (uint64, error) {
	v, err := t.Vault(key)
	if err != nil {
		return 0, err
	}
	if bal := t.EscrowBalance(key); bal != 0 {
		return 0, fmt.Errorf("vault %s still escrows %d", key, bal)
	}
	if err := t.bucket(vaultBucket).Delete([]byte(key)); err != nil {
		return 0, fmt.Errorf("delete vault: %w", err)
	}
	if err := t.Credit(refundTo, v.Reserve); err != nil {
		return 0, err
	}
	return v.Reserve, nil
}

// NextRound hands out the round id for a vault being created at slot.
// Round ids per vault key strictly increase even when a vault is recreated
// within the same slot, so participants of a finished round stay stale.
func (t *Tx) NextRound(key models.Key, slot uint64) (uint64, error) {
	b := t.bucket(roundBucket)
	round := slot
	if raw := b.Get([]byte(key)); raw != nil {
		if last := binary.BigEndian.Uint64(raw); round <= last {
			round = last + 1
		}
	}
	if err := b.Put([]byte(key), u64(round)); err != nil {
		return 0, fmt.Errorf("store round: %w", err)
	}
	return round, nil
}

// Participant loads the participant stored under key.
func (t *Tx) Participant(key models.Key) (*models.Participant, error) {
	var p models.Participant
	if err := t.get(participantBucket, string(key), &p); err != nil {
		return nil, fmt.Errorf("participant %s: %w", key, err)
	}
	return &p, nil
}

// CreateParticipant stores a new participant, charging rent from its user.
// A live record for the same (vault, user) fails with ErrAlreadyExists.
func (t *Tx) CreateParticipant(p *models.Participant, rent uint64) error {
	if t.bucket(participantBucket).Get([]byte(p.Key)) != nil {
		return fmt.Errorf("participant %s: %w", p.Key, ErrAlreadyExists)
	}
	if err := t.Debit(p.User, rent); err != nil {
		return fmt.Errorf("participant rent: %w", err)
	}
	p.Reserve = rent
	if err := t.put(participantBucket, string(p.Key), p); err != nil {
		return err
	}
	return t.bucket(vaultParticipantsBucket).Put(indexKey(p.Vault, p.Key), nil)
}

// DestroyParticipant deletes the participant and credits its reservation to
// refundTo.
func (t *Tx) DestroyParticipant(key models.Key, refundTo models.Identity) (uint64, error) {
	p, err := t.Participant(key)
	if err != nil {
		return 0, err
	}
	if err := t.bucket(participantBucket).Delete([]byte(key)); err != nil {
		return 0, fmt.Errorf("delete participant: %w", err)
	}
	if err := t.bucket(vaultParticipantsBucket).Delete(indexKey(p.Vault, key)); err != nil {
		return 0, fmt.Errorf("delete participant index: %w", err)
	}
	if err := t.Credit(refundTo, p.Reserve); err != nil {
		return 0, err
	}
	return p.Reserve, nil
}

// Participants lists every live participant record pointing at vault,
// ordered by participant id. Records from earlier rounds are included.
func (t *Tx) Participants(vault models.Key) ([]*models.Participant, error) {
	prefix := indexKey(vault, "")
	var out []*models.Participant
	c := t.bucket(vaultParticipantsBucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		p, err := t.Participant(models.Key(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundID != out[j].RoundID {
			return out[i].RoundID < out[j].RoundID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Emit appends an event to the log. The event only becomes visible if the
// surrounding instruction commits.
func (t *Tx) Emit(ev models.Event) error {
	b := t.bucket(eventBucket)
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("event sequence: %w", err)
	}
	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = t.now().UTC()
	}
	if err := t.put(eventBucket, string(u64(seq)), ev); err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *Tx) bucket(name string) *bbolt.Bucket {
	return t.tx.Bucket([]byte(name))
}

func (t *Tx) get(bucket, key string, out any) error {
	raw := t.bucket(bucket).Get([]byte(key))
	if raw == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", bucket, err)
	}
	return nil
}

func (t *Tx) put(bucket, key string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", bucket, err)
	}
	return t.bucket(bucket).Put([]byte(key), payload)
}

func indexKey(vault, participant models.Key) []byte {
	return []byte(string(vault) + "/" + string(participant))
}
