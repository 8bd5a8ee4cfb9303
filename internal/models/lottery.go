package models

import (
	"errors"
	"fmt"
	"strings"
)

// Identity is a ledger account owner: a vault authority or a participating user.
type Identity string

// ErrInvalidIdentity is returned for blank identities.
var ErrInvalidIdentity = errors.New("identity is required")

// ParseIdentity trims the raw value and rejects blank identities.
func ParseIdentity(raw string) (Identity, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidIdentity
	}
	return Identity(id), nil
}

// Strategy selects how a vault turns a committed draw into a winner id.
type Strategy string

const (
	// StrategyNaive derives the winner from the ledger slot at settle time.
	// The slot is predictable, so it is only fit for non-adversarial use.
	StrategyNaive Strategy = "naive"
	// StrategyOracle requests randomness from an external oracle on commit
	// and reads the fulfilled value on settle.
	StrategyOracle Strategy = "oracle"
	// StrategyOperator takes the winner id from the authority as-is.
	StrategyOperator Strategy = "operator"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyNaive, StrategyOracle, StrategyOperator:
		return s, nil
	default:
		return "", fmt.Errorf("unknown draw strategy %q", raw)
	}
}

// Vault is the escrow and round state of a single lottery, one per authority.
// Claimed implies Drawn, and WinnerID is only meaningful once Drawn is set.
type Vault struct {
	Key              Key      `json:"key"`
	Authority        Identity `json:"authority"`
	RoundID          uint64   `json:"roundId"`
	Strategy         Strategy `json:"strategy"`
	Locked           bool     `json:"locked"`
	ParticipantCount uint64   `json:"participantCount"`
	RandomnessHandle string   `json:"randomnessHandle,omitempty"`
	CommitMarker     uint64   `json:"commitMarker"`
	WinnerID         uint64   `json:"winnerId"`
	Drawn            bool     `json:"drawn"`
	Claimed          bool     `json:"claimed"`
	// Reserve is the storage reservation paid at creation and handed back
	// to whoever destroys the record.
	Reserve uint64 `json:"reserve"`
}

// Participant is a user's single draw slot in one round of a vault.
type Participant struct {
	Key         Key      `json:"key"`
	Vault       Key      `json:"vault"`
	RoundID     uint64   `json:"roundId"`
	User        Identity `json:"user"`
	ID          uint64   `json:"id"`
	Initialized bool     `json:"initialized"`
	Reserve     uint64   `json:"reserve"`
}

// CurrentFor reports whether the participant belongs to the vault's live round.
func (p *Participant) CurrentFor(v *Vault) bool {
	return p.Initialized && p.Vault == v.Key && p.RoundID == v.RoundID
}
