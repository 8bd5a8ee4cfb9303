package services

import (
	"context"

	"vaultlottery/internal/models"
	"vaultlottery/internal/store"
)

// CloseParticipant destroys user's participant record in the vault of
// authority and refunds its reservation. It works in any vault state and
// after the vault itself is gone. Closing the winning record before the
// claim forfeits the prize.
func (s *LotteryService) CloseParticipant(ctx context.Context, authority, user models.Identity) (uint64, error) {
	vault := models.VaultKey(authority)
	key := models.ParticipantKey(vault, user)
	var refunded uint64
	err := s.apply(ctx, "close_participant", vault, func(tx *store.Tx) error {
		p, err := tx.Participant(key)
		if err != nil {
			return err
		}
		refunded, err = tx.DestroyParticipant(key, user)
		if err != nil {
			return err
		}
		return tx.Emit(models.Event{
			Kind:          models.EventParticipantClosed,
			Vault:         vault,
			User:          user,
			RoundID:       p.RoundID,
			ParticipantID: p.ID,
			Amount:        refunded,
		})
	})
	return refunded, err
}

// ListParticipants returns the participants of the vault's current round
// ordered by id. Stale records of earlier rounds are left out.
func (s *LotteryService) ListParticipants(ctx context.Context, authority models.Identity) ([]*models.Participant, error) {
	var out []*models.Participant
	err := s.store.View(ctx, func(tx *store.Tx) error {
		v, err := tx.Vault(models.VaultKey(authority))
		if err != nil {
			return err
		}
		all, err := tx.Participants(v.Key)
		if err != nil {
			return err
		}
		for _, p := range all {
			if p.CurrentFor(v) {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}
