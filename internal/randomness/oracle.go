// Package randomness models the external randomness oracle. A draw commits by
// requesting randomness for a seed and later polls the returned handle; the
// oracle fulfils requests on its own schedule.
package randomness

//go:generate mockgen -source=oracle.go -destination=mocks/mocks.go -package=mocks Provider

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"
)

// Handle references one randomness request.
type Handle string

// ErrUnknownHandle is returned when polling a handle the oracle never issued.
var ErrUnknownHandle = errors.New("unknown randomness handle")

// Provider is the oracle contract the draw depends on. Poll never blocks on
// fulfilment: it reports ok=false until a value is available.
type Provider interface {
	Request(ctx context.Context, seed [32]byte) (Handle, error)
	Poll(ctx context.Context, h Handle) (value []byte, ok bool, err error)
}

// Request is an outstanding randomness request.
type Request struct {
	Handle      Handle
	Seed        [32]byte
	RequestedAt time.Time
}

// Backend is an oracle that can also be driven by a Fulfiller.
type Backend interface {
	Provider
	Pending(ctx context.Context) ([]Request, error)
	Fulfill(ctx context.Context, h Handle, value []byte) error
}

// Derive mixes the caller's seed with oracle entropy into a 32-byte value.
func Derive(seed [32]byte, entropy []byte) []byte {
	h := sha256.New()
	h.Write(seed[:])
	h.Write(entropy)
	return h.Sum(nil)
}
