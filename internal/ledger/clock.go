// Package ledger provides the ledger clock: a slot counter that advances at a
// fixed rate from the ledger's genesis. Slots stamp round ids and commit
// markers and feed the naive draw.
package ledger

import "time"

// Clock reports the current ledger slot.
type Clock interface {
	Slot() uint64
}

// SlotClock derives slots from wall time.
type SlotClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time
}

// NewSlotClock returns a clock that ticks once per duration after genesis.
func NewSlotClock(genesis time.Time, duration time.Duration) *SlotClock {
	if duration <= 0 {
		duration = 400 * time.Millisecond
	}
	return &SlotClock{genesis: genesis, duration: duration, now: time.Now}
}

func (c *SlotClock) Slot() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.duration)
}

// FixedClock always reports the same slot.
type FixedClock uint64

func (c FixedClock) Slot() uint64 { return uint64(c) }
