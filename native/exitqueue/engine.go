package exitqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"vaultkeeper/core/events"
	"vaultkeeper/observability/metrics"
)

var (
	errNilState = errors.New("exitqueue engine: state not configured")
	// ErrPositionNotFound signals that no position exists for the supplied
	// owner and ticket.
	ErrPositionNotFound = errors.New("exitqueue: position not found")
	// ErrExitRequestNotProcessed rejects a claim whose ticket has not yet
	// been covered by any asset-bearing checkpoint.
	ErrExitRequestNotProcessed = errors.New("exitqueue: exit request not processed")
	// ErrInsufficientQueuedShares rejects a push that resolves more shares
	// than are currently queued.
	ErrInsufficientQueuedShares = errors.New("exitqueue: push exceeds queued shares")
)

// engineState is the persistence boundary of the queue engine. Apply*
// methods commit all of their writes atomically.
type engineState interface {
	QueueCheckpoints() ([]Checkpoint, error)
	QueueTotals() (*Totals, error)
	PositionGet(owner [20]byte, ticket *uint256.Int) (*Position, bool, error)
	ApplyEnter(pos *Position, totals *Totals) error
	ApplyCheckpoint(cp Checkpoint, totals *Totals) error
	ApplyClaim(prev *Position, successor *Position, totals *Totals) error
}

// AssetTransferor moves resolved assets to a receiver. It is the single
// external interaction of the claim flow and runs only after all queue
// state has been finalized.
type AssetTransferor interface {
	Transfer(to [20]byte, amount *uint256.Int) error
}

// NoopTransferor discards transfers. Useful when the payout leg is handled
// by an outer layer.
type NoopTransferor struct{}

// Transfer implements the AssetTransferor interface.
func (NoopTransferor) Transfer([20]byte, *uint256.Int) error { return nil }

// Engine drives the withdrawal-position lifecycle for one vault: entering
// the queue, folding unlocked assets into checkpoints, and settling claims
// against the ledger.
type Engine struct {
	mu         sync.Mutex
	vault      [20]byte
	state      engineState
	ledger     *Ledger
	totals     *Totals
	emitter    events.Emitter
	transferor AssetTransferor
	telemetry  *metrics.KeeperMetrics
}

// NewEngine creates a queue engine for the given vault, restoring ledger
// history and totals from state.
func NewEngine(vault [20]byte, state engineState) (*Engine, error) {
	if state == nil {
		return nil, errNilState
	}
	checkpoints, err := state.QueueCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("exitqueue: load checkpoints: %w", err)
	}
	ledger, err := NewLedgerFromCheckpoints(checkpoints)
	if err != nil {
		return nil, err
	}
	totals, err := state.QueueTotals()
	if err != nil {
		return nil, fmt.Errorf("exitqueue: load totals: %w", err)
	}
	return &Engine{
		vault:      vault,
		state:      state,
		ledger:     ledger,
		totals:     totals.Clone(),
		emitter:    events.NoopEmitter{},
		transferor: NoopTransferor{},
		telemetry:  metrics.Keeper(),
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTransferor configures the asset payout leg. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetTransferor(transferor AssetTransferor) {
	if transferor == nil {
		e.transferor = NoopTransferor{}
		return
	}
	e.transferor = transferor
}

// Vault returns the vault this queue belongs to.
func (e *Engine) Vault() [20]byte { return e.vault }

// Totals returns a copy of the live queue counters.
func (e *Engine) Totals() *Totals {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totals.Clone()
}

// Checkpoint returns a copy of the checkpoint at the given index.
func (e *Engine) Checkpoint(index uint64) (Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.At(index)
}

// CheckpointCount reports the ledger length.
func (e *Engine) CheckpointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Len()
}

// CheckpointIndex locates the first checkpoint resolving the given ticket.
func (e *Engine) CheckpointIndex(ticket *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.CheckpointIndex(ticket)
}

// Position returns a copy of the stored position for owner and ticket.
func (e *Engine) Position(owner [20]byte, ticket *uint256.Int) (*Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok, err := e.state.PositionGet(owner, ticket)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	return pos.Clone(), nil
}

// Enter takes custody of amount shares for owner and issues a ticket. The
// ticket is the global cumulative-queued counter read before the increment,
// which keeps ticket space aligned with the ledger's cumulative-shares
// space.
func (e *Engine) Enter(owner, receiver [20]byte, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ticket := new(uint256.Int).Add(e.ledger.LatestCumulativeShares(), e.totals.QueuedShares)
	totals := e.totals.Clone()
	if _, overflow := totals.QueuedShares.AddOverflow(totals.QueuedShares, amount); overflow {
		return nil, ErrLedgerOverflow
	}
	pos := &Position{
		Owner:    owner,
		Receiver: receiver,
		Ticket:   new(uint256.Int).Set(ticket),
		Amount:   new(uint256.Int).Set(amount),
	}
	if err := e.state.ApplyEnter(pos, totals); err != nil {
		return nil, fmt.Errorf("exitqueue: persist entry: %w", err)
	}
	e.totals = totals
	e.emit(events.QueueEntered{
		Owner:        owner,
		Receiver:     receiver,
		Ticket:       new(uint256.Int).Set(ticket),
		AmountQueued: new(uint256.Int).Set(amount),
	})
	if e.telemetry != nil {
		e.telemetry.IncQueueEntered()
	}
	return ticket, nil
}

// Push folds one state-update cycle into the ledger: sharesResolved queued
// shares leave the waiting pool and assetsUnlocked become claimable.
func (e *Engine) Push(sharesResolved, assetsUnlocked *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushLocked(sharesResolved, assetsUnlocked)
}

func (e *Engine) pushLocked(sharesResolved, assetsUnlocked *uint256.Int) error {
	if sharesResolved == nil || assetsUnlocked == nil {
		return ErrInvalidAmount
	}
	if sharesResolved.Gt(e.totals.QueuedShares) {
		return ErrInsufficientQueuedShares
	}
	totals := e.totals.Clone()
	totals.QueuedShares.Sub(totals.QueuedShares, sharesResolved)
	if _, overflow := totals.UnclaimedAssets.AddOverflow(totals.UnclaimedAssets, assetsUnlocked); overflow {
		return ErrLedgerOverflow
	}

	cp, err := e.ledger.Push(sharesResolved, assetsUnlocked)
	if err != nil {
		return err
	}
	if err := e.state.ApplyCheckpoint(cp, totals); err != nil {
		// Roll the in-memory append back so memory and disk stay in
		// step.
		e.ledger.checkpoints = e.ledger.checkpoints[:len(e.ledger.checkpoints)-1]
		return fmt.Errorf("exitqueue: persist checkpoint: %w", err)
	}
	e.totals = totals
	e.emit(events.CheckpointCreated{
		Index:          uint64(e.ledger.Len() - 1),
		SharesResolved: new(uint256.Int).Set(sharesResolved),
		AssetsUnlocked: new(uint256.Int).Set(assetsUnlocked),
	})
	if e.telemetry != nil {
		e.telemetry.IncCheckpointPushed()
	}
	return nil
}

// Claim settles the position identified by owner and ticket against the
// checkpoint at index. When the position is only partially covered a
// successor position is minted for the remainder. Assets move to the
// position's receiver strictly after all bookkeeping has been committed;
// a failed payout restores the position and counters so the claim can be
// retried.
func (e *Engine) Claim(owner [20]byte, ticket *uint256.Int, index uint64) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok, err := e.state.PositionGet(owner, ticket)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrPositionNotFound
	}

	leftShares, exitedShares, exitedAssets, err := e.ledger.Resolve(pos.Ticket, pos.Amount, index)
	if err != nil {
		return nil, nil, err
	}
	if exitedAssets.IsZero() {
		return nil, nil, ErrExitRequestNotProcessed
	}

	totals := e.totals.Clone()
	if exitedAssets.Gt(totals.UnclaimedAssets) {
		return nil, nil, fmt.Errorf("exitqueue: resolved assets %s exceed unclaimed pool %s", exitedAssets.Dec(), totals.UnclaimedAssets.Dec())
	}
	totals.UnclaimedAssets.Sub(totals.UnclaimedAssets, exitedAssets)

	var successor *Position
	if !leftShares.IsZero() {
		successor = &Position{
			Owner:    pos.Owner,
			Receiver: pos.Receiver,
			Ticket:   new(uint256.Int).Add(pos.Ticket, exitedShares),
			Amount:   new(uint256.Int).Set(leftShares),
		}
	}
	if err := e.state.ApplyClaim(pos, successor, totals); err != nil {
		return nil, nil, fmt.Errorf("exitqueue: persist claim: %w", err)
	}
	prevTotals := e.totals
	e.totals = totals

	// Checks-effects-interactions: every counter and record above is
	// final before the transfer leg runs.
	if err := e.transferor.Transfer(pos.Receiver, exitedAssets); err != nil {
		// Put the committed claim back so the position stays claimable
		// after a failed payout.
		var restoreErr error
		if successor != nil {
			restoreErr = e.state.ApplyClaim(successor, pos, prevTotals)
		} else {
			restoreErr = e.state.ApplyEnter(pos, prevTotals)
		}
		if restoreErr != nil {
			return nil, nil, fmt.Errorf("exitqueue: restore position after failed payout (%v): %w", restoreErr, err)
		}
		e.totals = prevTotals
		return nil, nil, fmt.Errorf("exitqueue: transfer payout: %w", err)
	}

	evt := events.AssetsClaimed{
		Receiver:       pos.Receiver,
		PreviousTicket: new(uint256.Int).Set(pos.Ticket),
		AmountPaid:     new(uint256.Int).Set(exitedAssets),
	}
	var successorTicket *uint256.Int
	if successor != nil {
		successorTicket = new(uint256.Int).Set(successor.Ticket)
		evt.NewTicket = new(uint256.Int).Set(successor.Ticket)
	}
	e.emit(evt)
	if e.telemetry != nil {
		e.telemetry.IncClaimSettled()
		if !leftShares.IsZero() {
			e.telemetry.IncPartialClaim()
		}
	}
	return exitedAssets, successorTicket, nil
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}
