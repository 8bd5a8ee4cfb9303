package services

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/logger"

	"vaultlottery/internal/models"
	"vaultlottery/internal/randomness"
	"vaultlottery/internal/store"
)

var errNoOracle = errors.New("no randomness provider configured")

// checkDrawable applies the guards shared by CommitDraw and SettleDraw. The
// first violated guard is the one reported.
func checkDrawable(v *models.Vault) error {
	switch {
	case !v.Locked:
		return ErrVaultNotLocked
	case v.ParticipantCount == 0:
		return ErrNoParticipants
	case v.Drawn:
		return ErrAlreadyDrawn
	case v.Claimed:
		return ErrAlreadyClaimed
	}
	return nil
}

// CommitDraw starts the draw for the vault of authority. Oracle vaults send
// a randomness request carrying seed and record its handle. Naive and
// operator vaults only record the commit slot.
//
// The oracle is called between a read of the vault and the transaction
// that records the handle, and the guards are checked again in that
// transaction. A request orphaned by a failed commit is never polled.
func (s *LotteryService) CommitDraw(ctx context.Context, authority models.Identity, seed [32]byte) (*models.Vault, error) {
	key := models.VaultKey(authority)
	var committed *models.Vault
	err := s.instruction(ctx, "commit_draw", key, func(ctx context.Context) error {
		seen, err := s.drawableVault(ctx, key)
		if err != nil {
			return err
		}
		var handle randomness.Handle
		if seen.Strategy == models.StrategyOracle {
			if seen.RandomnessHandle != "" {
				return ErrAlreadyCommitted
			}
			if handle, err = s.requestRandomness(ctx, seed); err != nil {
				return err
			}
		}

		return s.commit(ctx, func(tx *store.Tx) error {
			v, err := tx.Vault(key)
			if err != nil {
				return err
			}
			if err := checkDrawable(v); err != nil {
				return err
			}
			if v.Strategy == models.StrategyOracle && v.RandomnessHandle != "" {
				return ErrAlreadyCommitted
			}
			if v.RoundID != seen.RoundID || v.Strategy != seen.Strategy {
				return ErrVaultChanged
			}

			v.CommitMarker = s.clock.Slot()
			v.RandomnessHandle = string(handle)
			if err := tx.PutVault(v); err != nil {
				return err
			}
			committed = v
			return tx.Emit(models.Event{
				Kind:         models.EventDrawCommitted,
				Vault:        key,
				Authority:    authority,
				Strategy:     v.Strategy,
				Handle:       v.RandomnessHandle,
				CommitMarker: v.CommitMarker,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// SettleDraw picks the winner of the vault of authority. winnerID is only
// read for operator vaults, where it is required. Oracle vaults are polled
// before the settling transaction opens.
func (s *LotteryService) SettleDraw(ctx context.Context, authority models.Identity, winnerID *uint64) (*models.Vault, error) {
	key := models.VaultKey(authority)
	var settled *models.Vault
	err := s.instruction(ctx, "settle_draw", key, func(ctx context.Context) error {
		seen, err := s.drawableVault(ctx, key)
		if err != nil {
			return err
		}
		var value []byte
		if seen.Strategy == models.StrategyOracle {
			if seen.RandomnessHandle == "" {
				return ErrRandomnessNotCommitted
			}
			if value, err = s.pollRandomness(ctx, randomness.Handle(seen.RandomnessHandle)); err != nil {
				return err
			}
		}

		return s.commit(ctx, func(tx *store.Tx) error {
			v, err := tx.Vault(key)
			if err != nil {
				return err
			}
			if err := checkDrawable(v); err != nil {
				return err
			}
			if v.RoundID != seen.RoundID || v.Strategy != seen.Strategy || v.RandomnessHandle != seen.RandomnessHandle {
				return ErrVaultChanged
			}

			winner, seed, err := s.pickWinner(v, winnerID, value)
			if err != nil {
				return err
			}
			v.WinnerID = winner
			v.Drawn = true
			if err := tx.PutVault(v); err != nil {
				return err
			}
			settled = v
			return tx.Emit(models.Event{
				Kind:       models.EventWinnerDrawn,
				Vault:      key,
				Strategy:   v.Strategy,
				WinnerID:   winner,
				Randomness: seed,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Vault %s drew participant %d of %d", key, settled.WinnerID, settled.ParticipantCount)
	return settled, nil
}

// drawableVault reads the vault under key from a snapshot and applies the
// draw guards to it.
func (s *LotteryService) drawableVault(ctx context.Context, key models.Key) (*models.Vault, error) {
	var v *models.Vault
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		v, err = tx.Vault(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := checkDrawable(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *LotteryService) requestRandomness(ctx context.Context, seed [32]byte) (randomness.Handle, error) {
	if s.oracle == nil {
		return "", errNoOracle
	}
	ctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()
	h, err := s.oracle.Request(ctx, seed)
	if err != nil {
		return "", fmt.Errorf("request randomness: %w", err)
	}
	if h == "" {
		return "", fmt.Errorf("request randomness: oracle returned an empty handle")
	}
	return h, nil
}

// pollRandomness returns the fulfilled value of h, or
// ErrRandomnessNotResolved while the oracle has not answered.
func (s *LotteryService) pollRandomness(ctx context.Context, h randomness.Handle) ([]byte, error) {
	if s.oracle == nil {
		return nil, errNoOracle
	}
	ctx, cancel := context.WithTimeout(ctx, s.oracleTimeout)
	defer cancel()
	value, ok, err := s.oracle.Poll(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("poll randomness: %w", err)
	}
	if !ok {
		return nil, ErrRandomnessNotResolved
	}
	return value, nil
}

// pickWinner returns the winning participant id and the 32 bytes of
// randomness it was derived from. value is the oracle's answer for oracle
// vaults.
func (s *LotteryService) pickWinner(v *models.Vault, winnerID *uint64, value []byte) (uint64, []byte, error) {
	switch v.Strategy {
	case models.StrategyNaive:
		// The slot is known before the settling instruction lands, so
		// whoever times it can steer the outcome.
		slot := s.clock.Slot()
		return slot % v.ParticipantCount, le32(slot), nil

	case models.StrategyOracle:
		if len(value) < 8 {
			return 0, nil, fmt.Errorf("%w: fulfilled value has %d bytes", ErrRandomnessNotResolved, len(value))
		}
		out := make([]byte, 32)
		copy(out, value)
		return binary.LittleEndian.Uint64(value[:8]) % v.ParticipantCount, out, nil

	case models.StrategyOperator:
		if winnerID == nil || *winnerID >= v.ParticipantCount {
			return 0, nil, ErrInvalidWinner
		}
		return *winnerID, le32(*winnerID), nil
	}
	return 0, nil, fmt.Errorf("vault %s has unknown strategy %q", v.Key, v.Strategy)
}

func le32(n uint64) []byte {
	out := make([]byte, 32)
	binary.LittleEndian.PutUint64(out, n)
	return out
}
