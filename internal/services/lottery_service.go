package services

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/google/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vaultlottery/internal/events"
	"vaultlottery/internal/ledger"
	"vaultlottery/internal/metrics"
	"vaultlottery/internal/models"
	"vaultlottery/internal/randomness"
	"vaultlottery/internal/store"
)

// Rent is the storage reservation charged when a record is created and
// returned when it is destroyed.
type Rent struct {
	Vault       uint64
	Participant uint64
}

// LotteryService applies lottery instructions to vaults. Each exported
// mutating method is one instruction: it runs in a single store
// transaction and either applies all of its writes or none.
type LotteryService struct {
	store           *store.Store
	clock           ledger.Clock
	oracle          randomness.Provider
	oracleTimeout   time.Duration
	publisher       *events.Publisher
	metrics         *metrics.Metrics
	tracer          trace.Tracer
	rent            Rent
	defaultStrategy models.Strategy
}

type Option func(s *LotteryService)

// WithOracle sets the randomness provider used by oracle-strategy vaults.
func WithOracle(p randomness.Provider) Option {
	return func(s *LotteryService) {
		s.oracle = p
	}
}

// WithOracleTimeout bounds each oracle request or poll made by a draw.
func WithOracleTimeout(d time.Duration) Option {
	return func(s *LotteryService) {
		if d > 0 {
			s.oracleTimeout = d
		}
	}
}

func WithPublisher(p *events.Publisher) Option {
	return func(s *LotteryService) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *LotteryService) {
		s.metrics = m
	}
}

func WithRent(r Rent) Option {
	return func(s *LotteryService) {
		s.rent = r
	}
}

// WithTracerProvider traces instructions with tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *LotteryService) {
		s.tracer = tp.Tracer("vaultlottery/services")
	}
}

// WithDefaultStrategy sets the strategy used when CreateVault is given none.
func WithDefaultStrategy(st models.Strategy) Option {
	return func(s *LotteryService) {
		s.defaultStrategy = st
	}
}

// NewLotteryService creates and initializes a new LotteryService.
func NewLotteryService(st *store.Store, clock ledger.Clock, opts ...Option) *LotteryService {
	s := &LotteryService{
		store:           st,
		clock:           clock,
		oracleTimeout:   5 * time.Second,
		tracer:          otel.Tracer("vaultlottery/services"),
		defaultStrategy: models.StrategyNaive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// apply runs one instruction against vault and publishes its events once
// it has committed.
func (s *LotteryService) apply(ctx context.Context, op string, vault models.Key, fn func(*store.Tx) error) error {
	return s.instruction(ctx, op, vault, func(ctx context.Context) error {
		return s.commit(ctx, fn)
	})
}

// instruction traces, counts and logs run as the instruction op. run may
// talk to the oracle before it commits, but never while a store
// transaction is open.
func (s *LotteryService) instruction(ctx context.Context, op string, vault models.Key, run func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "lottery."+op,
		trace.WithAttributes(attribute.String("lottery.vault", string(vault))))
	defer span.End()

	err := run(ctx)
	s.metrics.ObserveInstruction(op, err, ErrorClass)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorClass(err))
		logger.Warningf("%s on vault %s failed: %v", op, vault, err)
		return err
	}
	return nil
}

// commit applies fn in one store transaction and publishes its events.
func (s *LotteryService) commit(ctx context.Context, fn func(*store.Tx) error) error {
	emitted, err := s.store.Update(ctx, fn)
	if err != nil {
		return err
	}
	s.publisher.Publish(ctx, emitted)
	return nil
}

// VaultView is a vault together with its current escrow balance.
type VaultView struct {
	*models.Vault
	Escrow uint64 `json:"escrow"`
}

// GetVault returns the vault owned by authority.
func (s *LotteryService) GetVault(ctx context.Context, authority models.Identity) (*VaultView, error) {
	var view *VaultView
	err := s.store.View(ctx, func(tx *store.Tx) error {
		v, err := tx.Vault(models.VaultKey(authority))
		if err != nil {
			return err
		}
		view = &VaultView{Vault: v, Escrow: tx.EscrowBalance(v.Key)}
		return nil
	})
	return view, err
}

// Balance returns the ledger balance of an identity.
func (s *LotteryService) Balance(ctx context.Context, id models.Identity) (uint64, error) {
	var bal uint64
	err := s.store.View(ctx, func(tx *store.Tx) error {
		bal = tx.Balance(id)
		return nil
	})
	return bal, err
}

// Fund credits an identity out of thin air. It backs the development
// faucet and test fixtures.
func (s *LotteryService) Fund(ctx context.Context, id models.Identity, amount uint64) error {
	_, err := s.store.Update(ctx, func(tx *store.Tx) error {
		return tx.Credit(id, amount)
	})
	if err != nil {
		return err
	}
	logger.Infof("Funded %s with %d", id, amount)
	return nil
}

// Events returns logged events after the given sequence number.
func (s *LotteryService) Events(ctx context.Context, after uint64, limit int) ([]models.Event, error) {
	return s.store.Events(ctx, after, limit)
}

// CreateVault opens a new round for authority. An empty strategy falls
// back to the configured default. The vault's key is derived from the
// authority, so an authority holds at most one vault at a time.
func (s *LotteryService) CreateVault(ctx context.Context, authority models.Identity, locked bool, strategy models.Strategy) (*models.Vault, error) {
	if strategy == "" {
		strategy = s.defaultStrategy
	}
	strategy, err := models.ParseStrategy(string(strategy))
	if err != nil {
		return nil, err
	}
	if strategy == models.StrategyOracle && s.oracle == nil {
		return nil, fmt.Errorf("oracle strategy: %w", errNoOracle)
	}

	key := models.VaultKey(authority)
	var created *models.Vault
	err = s.apply(ctx, "create_vault", key, func(tx *store.Tx) error {
		round, err := tx.NextRound(key, s.clock.Slot())
		if err != nil {
			return err
		}
		v := &models.Vault{
			Key:       key,
			Authority: authority,
			RoundID:   round,
			Strategy:  strategy,
			Locked:    locked,
		}
		if err := tx.CreateVault(v, authority, s.rent.Vault); err != nil {
			return err
		}
		created = v
		return tx.Emit(models.Event{
			Kind:      models.EventVaultCreated,
			Vault:     key,
			Authority: authority,
			Locked:    locked,
			Strategy:  strategy,
			RoundID:   round,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("Created %s vault %s for %s (round %d)", strategy, key, authority, created.RoundID)
	return created, nil
}

// ToggleLock flips the vault's lock. It is allowed at any point of the
// round, including after the draw.
func (s *LotteryService) ToggleLock(ctx context.Context, authority models.Identity) (bool, error) {
	key := models.VaultKey(authority)
	var locked bool
	err := s.apply(ctx, "toggle_lock", key, func(tx *store.Tx) error {
		v, err := tx.Vault(key)
		if err != nil {
			return err
		}
		v.Locked = !v.Locked
		locked = v.Locked
		if err := tx.PutVault(v); err != nil {
			return err
		}
		return tx.Emit(models.Event{
			Kind:      models.EventLockToggled,
			Vault:     key,
			Authority: authority,
			Locked:    locked,
		})
	})
	return locked, err
}

// Deposit enters user into the vault of authority and escrows amount.
// Every participant gets exactly one draw slot whatever the amount.
func (s *LotteryService) Deposit(ctx context.Context, authority, user models.Identity, amount uint64) (*models.Participant, error) {
	key := models.VaultKey(authority)
	var entered *models.Participant
	err := s.apply(ctx, "deposit", key, func(tx *store.Tx) error {
		v, err := tx.Vault(key)
		if err != nil {
			return err
		}
		if v.Locked {
			return ErrVaultLocked
		}
		// The participant record's rent comes out of the same balance.
		if available(tx.Balance(user), s.rent.Participant) < amount {
			return ErrInsufficientBalance
		}

		p := &models.Participant{
			Key:         models.ParticipantKey(key, user),
			Vault:       key,
			RoundID:     v.RoundID,
			User:        user,
			ID:          v.ParticipantCount,
			Initialized: true,
		}
		if err := tx.CreateParticipant(p, s.rent.Participant); err != nil {
			return err
		}
		next, carry := bits.Add64(v.ParticipantCount, 1, 0)
		if carry != 0 {
			return ErrOverflow
		}
		v.ParticipantCount = next

		if err := tx.Escrow(user, key, amount); err != nil {
			return err
		}
		if err := tx.PutVault(v); err != nil {
			return err
		}
		entered = p
		return tx.Emit(models.Event{
			Kind:          models.EventDeposited,
			Vault:         key,
			User:          user,
			Amount:        amount,
			ParticipantID: p.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("%s deposited %d into vault %s as participant %d", user, amount, key, entered.ID)
	return entered, nil
}

func available(balance, reserved uint64) uint64 {
	if balance < reserved {
		return 0
	}
	return balance - reserved
}

// IsNotFound reports whether err means the addressed record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
