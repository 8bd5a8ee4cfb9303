package models

import "time"

// EventKind names a domain event.
type EventKind string

const (
	EventVaultCreated      EventKind = "vault_created"
	EventLockToggled       EventKind = "lock_toggled"
	EventDeposited         EventKind = "deposited"
	EventDrawCommitted     EventKind = "draw_committed"
	EventWinnerDrawn       EventKind = "winner_drawn"
	EventWinnerClaimed     EventKind = "winner_claimed"
	EventParticipantClosed EventKind = "participant_closed"
)

// Event is appended to the event log by a successful instruction. It is a
// flat record so every sink can serialize it the same way; fields that do
// not apply to a kind are left zero. Numeric and boolean fields are always
// encoded because zero is a meaningful value for them.
type Event struct {
	Seq           uint64    `json:"seq"`
	Kind          EventKind `json:"kind"`
	At            time.Time `json:"at"`
	Vault         Key       `json:"vault"`
	Authority     Identity  `json:"authority,omitempty"`
	User          Identity  `json:"user,omitempty"`
	Locked        bool      `json:"locked"`
	Strategy      Strategy  `json:"strategy,omitempty"`
	RoundID       uint64    `json:"roundId"`
	Amount        uint64    `json:"amount"`
	ParticipantID uint64    `json:"participantId"`
	WinnerID      uint64    `json:"winnerId"`
	Handle        string    `json:"handle,omitempty"`
	CommitMarker  uint64    `json:"commitMarker"`
	Randomness    []byte    `json:"randomness,omitempty"`
}
