package services

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"go.uber.org/mock/gomock"

	"vaultlottery/internal/ledger"
	"vaultlottery/internal/models"
	"vaultlottery/internal/randomness"
	"vaultlottery/internal/randomness/mocks"
	"vaultlottery/internal/store"
)

// lockedOracleVault opens an oracle vault for authority with three entrants
// and locks it.
func (s *LotteryServiceSuite) lockedOracleVault() {
	s.fund(map[models.Identity]uint64{authority: 10, alice: 10, bob: 10, carol: 10})
	_, err := s.service.CreateVault(s.ctx, authority, false, models.StrategyOracle)
	s.Require().NoError(err)
	for _, u := range []models.Identity{alice, bob, carol} {
		_, err = s.service.Deposit(s.ctx, authority, u, 2)
		s.Require().NoError(err)
	}
	_, err = s.service.ToggleLock(s.ctx, authority)
	s.Require().NoError(err)
}

func (s *LotteryServiceSuite) TestOracleSettleWaitsForFulfilment() {
	ctrl := gomock.NewController(s.T())
	oracle := mocks.NewMockProvider(ctrl)
	s.service = s.newService(ledger.FixedClock(107), WithOracle(oracle))
	s.lockedOracleVault()

	seed := [32]byte{42}
	_, err := s.service.SettleDraw(s.ctx, authority, nil)
	s.ErrorIs(err, ErrRandomnessNotCommitted)

	oracle.EXPECT().Request(gomock.Any(), seed).Return(randomness.Handle("h-1"), nil).Times(1)
	v, err := s.service.CommitDraw(s.ctx, authority, seed)
	s.Require().NoError(err)
	s.Equal("h-1", v.RandomnessHandle)
	s.Equal(uint64(107), v.CommitMarker)

	_, err = s.service.CommitDraw(s.ctx, authority, [32]byte{43})
	s.ErrorIs(err, ErrAlreadyCommitted)

	gomock.InOrder(
		oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-1")).Return(nil, false, nil).Times(2),
		oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-1")).Return([]byte{1, 2, 3}, true, nil),
		oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-1")).Return(nil, false, errors.New("oracle offline")),
		oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-1")).Return(s.value(1000), true, nil),
	)
	for i := 0; i < 2; i++ {
		_, err = s.service.SettleDraw(s.ctx, authority, nil)
		s.ErrorIs(err, ErrRandomnessNotResolved)
	}
	_, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.ErrorIs(err, ErrRandomnessNotResolved, "short value")
	_, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.Require().Error(err)
	s.Equal("internal", ErrorClass(err))

	v, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.Require().NoError(err)
	s.Equal(uint64(1000%3), v.WinnerID)

	_, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.ErrorIs(err, ErrAlreadyDrawn)
}

func (s *LotteryServiceSuite) TestOracleRequestFailureRollsBack() {
	ctrl := gomock.NewController(s.T())
	oracle := mocks.NewMockProvider(ctrl)
	s.service = s.newService(ledger.FixedClock(107), WithOracle(oracle))
	s.lockedOracleVault()
	before := len(s.sink.got)

	oracle.EXPECT().Request(gomock.Any(), gomock.Any()).Return(randomness.Handle(""), errors.New("rate limited"))
	_, err := s.service.CommitDraw(s.ctx, authority, [32]byte{})
	s.Require().Error(err)

	view, err := s.service.GetVault(s.ctx, authority)
	s.Require().NoError(err)
	s.Empty(view.RandomnessHandle)
	s.Zero(view.CommitMarker)
	s.Len(s.sink.got, before)
}

func (s *LotteryServiceSuite) TestOracleRequestTimeout() {
	ctrl := gomock.NewController(s.T())
	oracle := mocks.NewMockProvider(ctrl)
	s.service = s.newService(ledger.FixedClock(107), WithOracle(oracle), WithOracleTimeout(20*time.Millisecond))
	s.lockedOracleVault()

	oracle.EXPECT().Request(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ [32]byte) (randomness.Handle, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	_, err := s.service.CommitDraw(s.ctx, authority, [32]byte{})
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal("timeout", ErrorClass(err))

	view, err := s.service.GetVault(s.ctx, authority)
	s.Require().NoError(err)
	s.Empty(view.RandomnessHandle)
}

// toggleLockWhileWaiting flips the lock from another goroutine and fails the
// test if the store stays busy, which it would if the caller held a write
// transaction.
func (s *LotteryServiceSuite) toggleLockWhileWaiting() {
	done := make(chan error, 1)
	go func() {
		_, err := s.service.ToggleLock(s.ctx, authority)
		done <- err
	}()
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("store stayed busy while the oracle was called")
	}
}

func (s *LotteryServiceSuite) TestOracleCalledOutsideTransaction() {
	ctrl := gomock.NewController(s.T())
	oracle := mocks.NewMockProvider(ctrl)
	s.service = s.newService(ledger.FixedClock(107), WithOracle(oracle))
	s.lockedOracleVault()

	s.Run("commit rechecks guards after the request", func() {
		oracle.EXPECT().Request(gomock.Any(), gomock.Any()).DoAndReturn(
			func(context.Context, [32]byte) (randomness.Handle, error) {
				s.toggleLockWhileWaiting()
				return "orphan", nil
			})
		_, err := s.service.CommitDraw(s.ctx, authority, [32]byte{})
		s.ErrorIs(err, ErrVaultNotLocked)

		view, err := s.service.GetVault(s.ctx, authority)
		s.Require().NoError(err)
		s.Empty(view.RandomnessHandle)
		s.False(view.Locked)
	})

	s.Run("settle rechecks guards after the poll", func() {
		_, err := s.service.ToggleLock(s.ctx, authority)
		s.Require().NoError(err)
		oracle.EXPECT().Request(gomock.Any(), gomock.Any()).Return(randomness.Handle("h-2"), nil)
		_, err = s.service.CommitDraw(s.ctx, authority, [32]byte{})
		s.Require().NoError(err)

		gomock.InOrder(
			oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-2")).DoAndReturn(
				func(context.Context, randomness.Handle) ([]byte, bool, error) {
					s.toggleLockWhileWaiting()
					return s.value(5), true, nil
				}),
			oracle.EXPECT().Poll(gomock.Any(), randomness.Handle("h-2")).Return(s.value(5), true, nil),
		)
		_, err = s.service.SettleDraw(s.ctx, authority, nil)
		s.ErrorIs(err, ErrVaultNotLocked)

		_, err = s.service.ToggleLock(s.ctx, authority)
		s.Require().NoError(err)
		v, err := s.service.SettleDraw(s.ctx, authority, nil)
		s.Require().NoError(err)
		s.Equal(uint64(5%3), v.WinnerID)
	})
}

func (s *LotteryServiceSuite) TestOracleHandleSurvivesRestart() {
	oracle, err := randomness.NewLocalOracle(s.store.DB())
	s.Require().NoError(err)
	s.service = s.newService(ledger.FixedClock(9), WithOracle(oracle))
	s.lockedOracleVault()

	v, err := s.service.CommitDraw(s.ctx, authority, [32]byte{5})
	s.Require().NoError(err)
	s.Require().NotEmpty(v.RandomnessHandle)

	s.Require().NoError(s.store.Close())
	st, err := store.Open(s.path)
	s.Require().NoError(err)
	s.store = st
	oracle, err = randomness.NewLocalOracle(st.DB())
	s.Require().NoError(err)
	s.service = s.newService(ledger.FixedClock(9), WithOracle(oracle))

	_, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.ErrorIs(err, ErrRandomnessNotResolved)

	done, err := randomness.NewFulfiller(oracle, 0).FulfillDue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, done)

	settled, err := s.service.SettleDraw(s.ctx, authority, nil)
	s.Require().NoError(err)
	s.True(settled.Drawn)
}

func (s *LotteryServiceSuite) TestOracleWithLocalFulfiller() {
	oracle, err := randomness.NewLocalOracle(s.store.DB())
	s.Require().NoError(err)
	s.service = s.newService(ledger.FixedClock(9), WithOracle(oracle))
	s.lockedOracleVault()

	v, err := s.service.CommitDraw(s.ctx, authority, [32]byte{1})
	s.Require().NoError(err)
	_, err = s.service.SettleDraw(s.ctx, authority, nil)
	s.ErrorIs(err, ErrRandomnessNotResolved)

	done, err := randomness.NewFulfiller(oracle, 0).FulfillDue(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, done)

	value, ok, err := oracle.Poll(s.ctx, randomness.Handle(v.RandomnessHandle))
	s.Require().NoError(err)
	s.Require().True(ok)

	settled, err := s.service.SettleDraw(s.ctx, authority, nil)
	s.Require().NoError(err)
	s.Equal(binary.LittleEndian.Uint64(value[:8])%3, settled.WinnerID)

	last := s.sink.got[len(s.sink.got)-1]
	s.Equal(value, last.Randomness)

	winner := []models.Identity{alice, bob, carol}[settled.WinnerID]
	paid, err := s.service.ClaimIfWinner(s.ctx, authority, winner)
	s.Require().NoError(err)
	s.Equal(uint64(6+3), paid)
}

func (s *LotteryServiceSuite) value(n uint64) []byte {
	out := make([]byte, 32)
	binary.LittleEndian.PutUint64(out, n)
	return out
}
