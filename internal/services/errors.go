package services

import (
	"context"
	"errors"

	"vaultlottery/internal/store"
)

// Vault errors. Every one of them aborts the instruction that hit it.
var (
	ErrVaultLocked            = errors.New("vault is locked")
	ErrVaultNotLocked         = errors.New("vault must be locked")
	ErrOverflow               = errors.New("participant counter overflow")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNoParticipants         = errors.New("no participants")
	ErrRandomnessNotCommitted = errors.New("randomness not committed")
	ErrRandomnessNotResolved  = errors.New("randomness not resolved")
	ErrAlreadyCommitted       = errors.New("randomness already committed")
	ErrAlreadyDrawn           = errors.New("already drawn")
	ErrNotDrawn               = errors.New("not drawn")
	ErrAlreadyClaimed         = errors.New("already claimed")
	ErrInvalidWinner          = errors.New("invalid winner")
	ErrVaultChanged           = errors.New("vault changed while waiting on the oracle")
)

var errorClasses = []struct {
	err          error
	class        string
	precondition bool
}{
	{ErrVaultLocked, "vault_locked", true},
	{ErrVaultNotLocked, "vault_not_locked", true},
	{ErrOverflow, "overflow", true},
	{ErrInsufficientBalance, "insufficient_balance", true},
	{ErrNoParticipants, "no_participants", true},
	{ErrRandomnessNotCommitted, "randomness_not_committed", true},
	{ErrRandomnessNotResolved, "randomness_not_resolved", true},
	{ErrAlreadyCommitted, "already_committed", true},
	{ErrAlreadyDrawn, "already_drawn", true},
	{ErrNotDrawn, "not_drawn", true},
	{ErrAlreadyClaimed, "already_claimed", true},
	{ErrInvalidWinner, "invalid_winner", true},
	{ErrVaultChanged, "vault_changed", false},
	{context.DeadlineExceeded, "timeout", false},
	{store.ErrNotFound, "not_found", false},
	{store.ErrAlreadyExists, "already_exists", false},
	{store.ErrInsufficientFunds, "insufficient_funds", false},
}

// ErrorClass names the error for metrics and API responses.
func ErrorClass(err error) string {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return "internal"
}

// IsPrecondition reports whether err is a vault rule violation rather than a
// storage or infrastructure failure.
func IsPrecondition(err error) bool {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.precondition
		}
	}
	return false
}
