package exitqueue

import (
	"github.com/holiman/uint256"
)

// Checkpoint is one entry of the append-only exit-queue ledger. Both fields
// are cumulative over the life of the queue and never decrease.
type Checkpoint struct {
	CumulativeShares *uint256.Int
	CumulativeAssets *uint256.Int
}

// Clone produces a deep copy so callers cannot mutate ledger internals.
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{
		CumulativeShares: uint256.NewInt(0),
		CumulativeAssets: uint256.NewInt(0),
	}
	if c.CumulativeShares != nil {
		out.CumulativeShares.Set(c.CumulativeShares)
	}
	if c.CumulativeAssets != nil {
		out.CumulativeAssets.Set(c.CumulativeAssets)
	}
	return out
}

// Position tracks a single withdrawal request. The ticket doubles as the
// lookup key into the ledger's cumulative-shares space; it is never a
// balance.
type Position struct {
	Owner    [20]byte
	Receiver [20]byte
	Ticket   *uint256.Int
	Amount   *uint256.Int
}

// Clone produces a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{
		Owner:    p.Owner,
		Receiver: p.Receiver,
		Ticket:   uint256.NewInt(0),
		Amount:   uint256.NewInt(0),
	}
	if p.Ticket != nil {
		clone.Ticket.Set(p.Ticket)
	}
	if p.Amount != nil {
		clone.Amount.Set(p.Amount)
	}
	return clone
}

// Totals aggregates the live queue counters. QueuedShares counts shares
// awaiting resolution; UnclaimedAssets counts assets resolved by checkpoints
// but not yet paid out.
type Totals struct {
	QueuedShares    *uint256.Int
	UnclaimedAssets *uint256.Int
}

// NewTotals returns zeroed queue counters.
func NewTotals() *Totals {
	return &Totals{
		QueuedShares:    uint256.NewInt(0),
		UnclaimedAssets: uint256.NewInt(0),
	}
}

// Clone produces a deep copy of the totals.
func (t *Totals) Clone() *Totals {
	if t == nil {
		return NewTotals()
	}
	clone := NewTotals()
	if t.QueuedShares != nil {
		clone.QueuedShares.Set(t.QueuedShares)
	}
	if t.UnclaimedAssets != nil {
		clone.UnclaimedAssets.Set(t.UnclaimedAssets)
	}
	return clone
}
