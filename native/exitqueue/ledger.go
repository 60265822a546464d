package exitqueue

import (
	"errors"
	"math/big"
	"sort"

	"github.com/holiman/uint256"
)

var (
	// ErrInvalidAmount rejects zero-amount mutations of the queue.
	ErrInvalidAmount = errors.New("exitqueue: invalid amount")
	// ErrInvalidCheckpoint rejects a checkpoint index that does not cover
	// the supplied ticket.
	ErrInvalidCheckpoint = errors.New("exitqueue: invalid checkpoint index")
	// ErrCheckpointNotFound signals that a ticket is not yet covered by any
	// checkpoint.
	ErrCheckpointNotFound = errors.New("exitqueue: checkpoint not found")
	// ErrLedgerOverflow signals that a cumulative counter would exceed the
	// 256-bit domain.
	ErrLedgerOverflow = errors.New("exitqueue: cumulative counter overflow")
)

// dustShares is the residual share count absorbed as fully exited rather
// than left behind as a permanently unresolvable position remainder.
const dustShares = 1

// Ledger is the append-only checkpoint history of the exit queue. The only
// mutator is Push; every other method is a read. Past entries never change,
// so an index computed for a ticket stays valid forever.
type Ledger struct {
	checkpoints []Checkpoint
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// NewLedgerFromCheckpoints rebuilds a ledger from persisted history. The
// checkpoints must already be cumulative and non-decreasing.
func NewLedgerFromCheckpoints(checkpoints []Checkpoint) (*Ledger, error) {
	l := NewLedger()
	prev := Checkpoint{CumulativeShares: uint256.NewInt(0), CumulativeAssets: uint256.NewInt(0)}
	for _, cp := range checkpoints {
		cp = cp.Clone()
		if cp.CumulativeShares.Lt(prev.CumulativeShares) || cp.CumulativeAssets.Lt(prev.CumulativeAssets) {
			return nil, errors.New("exitqueue: persisted checkpoints not monotonic")
		}
		l.checkpoints = append(l.checkpoints, cp)
		prev = cp
	}
	return l, nil
}

// Len reports the number of checkpoints.
func (l *Ledger) Len() int {
	return len(l.checkpoints)
}

// At returns a copy of the checkpoint at the given index.
func (l *Ledger) At(index uint64) (Checkpoint, error) {
	if index >= uint64(len(l.checkpoints)) {
		return Checkpoint{}, ErrInvalidCheckpoint
	}
	return l.checkpoints[index].Clone(), nil
}

// LatestCumulativeShares returns the cumulative shares resolved by the most
// recent checkpoint, or zero for an empty ledger.
func (l *Ledger) LatestCumulativeShares() *uint256.Int {
	if len(l.checkpoints) == 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(l.checkpoints[len(l.checkpoints)-1].CumulativeShares)
}

// LatestCumulativeAssets returns the cumulative assets paid by the most
// recent checkpoint, or zero for an empty ledger.
func (l *Ledger) LatestCumulativeAssets() *uint256.Int {
	if len(l.checkpoints) == 0 {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(l.checkpoints[len(l.checkpoints)-1].CumulativeAssets)
}

// Push appends a checkpoint whose cumulative fields extend the latest entry
// by the supplied increments. It returns the appended checkpoint.
func (l *Ledger) Push(sharesResolved, assetsUnlocked *uint256.Int) (Checkpoint, error) {
	if sharesResolved == nil || assetsUnlocked == nil {
		return Checkpoint{}, ErrInvalidAmount
	}
	if sharesResolved.IsZero() && assetsUnlocked.IsZero() {
		return Checkpoint{}, ErrInvalidAmount
	}
	cp := Checkpoint{
		CumulativeShares: uint256.NewInt(0),
		CumulativeAssets: uint256.NewInt(0),
	}
	if _, overflow := cp.CumulativeShares.AddOverflow(l.LatestCumulativeShares(), sharesResolved); overflow {
		return Checkpoint{}, ErrLedgerOverflow
	}
	if _, overflow := cp.CumulativeAssets.AddOverflow(l.LatestCumulativeAssets(), assetsUnlocked); overflow {
		return Checkpoint{}, ErrLedgerOverflow
	}
	l.checkpoints = append(l.checkpoints, cp)
	return cp.Clone(), nil
}

// CheckpointIndex binary-searches for the first checkpoint whose cumulative
// shares strictly exceed the ticket value. ErrCheckpointNotFound means the
// ticket is not yet resolved by any checkpoint.
func (l *Ledger) CheckpointIndex(ticket *uint256.Int) (uint64, error) {
	if ticket == nil {
		return 0, ErrInvalidAmount
	}
	n := len(l.checkpoints)
	idx := sort.Search(n, func(i int) bool {
		return l.checkpoints[i].CumulativeShares.Gt(ticket)
	})
	if idx == n {
		return 0, ErrCheckpointNotFound
	}
	return uint64(idx), nil
}

// Resolve settles up to amountQueued shares of the position identified by
// ticket against the checkpoint at index. It returns the shares left
// unresolved, the shares exited, and the assets owed for them. Asset
// rounding always floors in favour of the ledger; a 1-share remainder is
// absorbed as fully exited (the dust rule) so no position can be stranded
// by rounding.
//
// Resolve is a pure read: it never mutates the ledger.
func (l *Ledger) Resolve(ticket, amountQueued *uint256.Int, index uint64) (leftShares, exitedShares, exitedAssets *uint256.Int, err error) {
	if ticket == nil || amountQueued == nil || amountQueued.IsZero() {
		return nil, nil, nil, ErrInvalidAmount
	}
	if index >= uint64(len(l.checkpoints)) {
		return nil, nil, nil, ErrInvalidCheckpoint
	}
	cp := l.checkpoints[index]
	prevShares := uint256.NewInt(0)
	prevAssets := uint256.NewInt(0)
	if index > 0 {
		prevShares = l.checkpoints[index-1].CumulativeShares
		prevAssets = l.checkpoints[index-1].CumulativeAssets
	}
	// The ticket must fall inside this checkpoint's resolved window.
	if !cp.CumulativeShares.Gt(ticket) || ticket.Lt(prevShares) {
		return nil, nil, nil, ErrInvalidCheckpoint
	}

	// Shares covered by this checkpoint, capped by the position size.
	window := new(uint256.Int).Sub(cp.CumulativeShares, ticket)
	exitedShares = new(uint256.Int).Set(amountQueued)
	if window.Lt(exitedShares) {
		exitedShares.Set(window)
	}

	sharesDelta := new(uint256.Int).Sub(cp.CumulativeShares, prevShares)
	assetsDelta := new(uint256.Int).Sub(cp.CumulativeAssets, prevAssets)
	exitedAssets = proportionalAssets(exitedShares, assetsDelta, sharesDelta)

	leftShares = new(uint256.Int).Sub(amountQueued, exitedShares)
	if leftShares.Eq(uint256.NewInt(dustShares)) {
		// Absorb the rounding remainder instead of stranding a
		// one-share position forever.
		leftShares = uint256.NewInt(0)
		exitedShares = new(uint256.Int).Set(amountQueued)
	}
	return leftShares, exitedShares, exitedAssets, nil
}

// proportionalAssets computes floor(shares * assetsDelta / sharesDelta). The
// intermediate product needs more than 256 bits in the worst case, so the
// division runs over big.Int.
func proportionalAssets(shares, assetsDelta, sharesDelta *uint256.Int) *uint256.Int {
	if sharesDelta.IsZero() {
		return uint256.NewInt(0)
	}
	product := new(big.Int).Mul(shares.ToBig(), assetsDelta.ToBig())
	quotient := product.Div(product, sharesDelta.ToBig())
	out, _ := uint256.FromBig(quotient)
	return out
}
