// Package store persists vaults, participants, ledger balances and the event
// log in a single BoltDB file. Every instruction runs inside one read-write
// transaction, so its writes are applied all together or not at all and
// concurrent instructions are serialized by Bolt's single writer.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"vaultlottery/internal/models"
)

const (
	metaBucket              = "meta"
	vaultBucket             = "vaults"
	participantBucket       = "participants"
	vaultParticipantsBucket = "vault_participants"
	roundBucket             = "rounds"
	balanceBucket           = "balances"
	escrowBucket            = "escrow"
	eventBucket             = "events"

	genesisKey = "genesis"
)

var allBuckets = []string{
	metaBucket,
	vaultBucket,
	participantBucket,
	vaultParticipantsBucket,
	roundBucket,
	balanceBucket,
	escrowBucket,
	eventBucket,
}

var (
	// ErrNotFound is returned when an addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInsufficientFunds is returned when a debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrBalanceOverflow is returned when a credit would wrap the balance.
	ErrBalanceOverflow = errors.New("balance overflow")
)

// Store provides a BoltDB-backed entity store and escrow ledger.
type Store struct {
	db      *bbolt.DB
	genesis time.Time
	now     func() time.Time
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying database so components that keep their own
// buckets, such as the local randomness oracle, share the file and its lock.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Genesis is the time the ledger was first opened. Slot clocks count from it.
func (s *Store) Genesis() time.Time {
	return s.genesis
}

// Update runs fn as one atomic instruction. If fn returns an error every
// write it made is discarded. On success the events fn emitted are returned
// in append order.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var emitted []models.Event
	err := s.db.Update(func(btx *bbolt.Tx) error {
		tx := &Tx{tx: btx, now: s.now}
		if err := fn(tx); err != nil {
			return err
		}
		emitted = tx.events
		return nil
	})
	if err != nil {
		return nil, err
	}
	return emitted, nil
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx, now: s.now})
	})
}

// Events returns up to limit logged events with a sequence number above after.
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]models.Event, error) {
	var out []models.Event
	err := s.View(ctx, func(tx *Tx) error {
		c := tx.tx.Bucket([]byte(eventBucket)).Cursor()
		for k, v := c.Seek(u64(after + 1)); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ev models.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event: %w", err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if raw := meta.Get([]byte(genesisKey)); raw != nil {
			g, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return fmt.Errorf("parse genesis: %w", err)
			}
			s.genesis = g
			return nil
		}
		s.genesis = s.now().UTC()
		return meta.Put([]byte(genesisKey), []byte(s.genesis.Format(time.RFC3339Nano)))
	})
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
