package randomness

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/google/logger"
)

// Fulfiller plays the part of the oracle network: it resolves pending
// requests once they are older than Delay.
type Fulfiller struct {
	backend Backend
	delay   time.Duration
	entropy io.Reader
	now     func() time.Time
}

// NewFulfiller creates a Fulfiller that draws entropy from crypto/rand.
func NewFulfiller(backend Backend, delay time.Duration) *Fulfiller {
	return &Fulfiller{backend: backend, delay: delay, entropy: rand.Reader, now: time.Now}
}

// FulfillDue resolves every pending request that has waited at least the
// configured delay and reports how many it resolved.
func (f *Fulfiller) FulfillDue(ctx context.Context) (int, error) {
	pending, err := f.backend.Pending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, req := range pending {
		if f.now().Sub(req.RequestedAt) < f.delay {
			continue
		}
		entropy := make([]byte, 32)
		if _, err := io.ReadFull(f.entropy, entropy); err != nil {
			return done, fmt.Errorf("read entropy: %w", err)
		}
		if err := f.backend.Fulfill(ctx, req.Handle, Derive(req.Seed, entropy)); err != nil {
			return done, err
		}
		logger.Infof("Fulfilled randomness request %s", req.Handle)
		done++
	}
	return done, nil
}

// Run calls FulfillDue every interval until ctx is cancelled.
func (f *Fulfiller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := f.FulfillDue(ctx); err != nil {
				logger.Warningf("Randomness fulfilment pass failed: %v", err)
			}
		}
	}
}
