package services

import (
	"context"
	"errors"

	"github.com/google/logger"

	"vaultlottery/internal/models"
	"vaultlottery/internal/store"
)

// ClaimIfWinner pays the whole escrow of the vault of authority to user if
// user holds the winning participant record, then destroys the vault. The
// vault's storage reservation goes to the winner as well. It returns the
// amount paid.
func (s *LotteryService) ClaimIfWinner(ctx context.Context, authority, user models.Identity) (uint64, error) {
	key := models.VaultKey(authority)
	var paid uint64
	err := s.apply(ctx, "claim", key, func(tx *store.Tx) error {
		v, err := tx.Vault(key)
		if err != nil {
			return err
		}
		switch {
		case !v.Locked:
			return ErrVaultNotLocked
		case !v.Drawn:
			return ErrNotDrawn
		case v.Claimed:
			return ErrAlreadyClaimed
		}

		p, err := tx.Participant(models.ParticipantKey(key, user))
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidWinner
		}
		if err != nil {
			return err
		}
		if !p.CurrentFor(v) || p.ID != v.WinnerID {
			return ErrInvalidWinner
		}

		v.Claimed = true
		if err := tx.PutVault(v); err != nil {
			return err
		}
		escrow, err := tx.Payout(key, user)
		if err != nil {
			return err
		}
		reserve, err := tx.DestroyVault(key, user)
		if err != nil {
			return err
		}
		paid = escrow + reserve
		return tx.Emit(models.Event{
			Kind:          models.EventWinnerClaimed,
			Vault:         key,
			User:          user,
			Amount:        paid,
			ParticipantID: p.ID,
			WinnerID:      v.WinnerID,
		})
	})
	if err != nil {
		return 0, err
	}
	logger.Infof("%s claimed %d from vault %s", user, paid, key)
	return paid, nil
}
