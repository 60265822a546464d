package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"vaultkeeper/core/events"
	"vaultkeeper/crypto"
	"vaultkeeper/observability/metrics"
)

var (
	errNilState    = errors.New("oracle engine: state not configured")
	errNilRegistry = errors.New("oracle engine: attestor registry not configured")

	// ErrInvalidRoot rejects a zero root or a root equal to the current
	// one.
	ErrInvalidRoot = errors.New("oracle: invalid root")
	// ErrFutureTimestamp rejects a snapshot timestamped ahead of the
	// keeper's clock.
	ErrFutureTimestamp = errors.New("oracle: future timestamp")
	// ErrTooEarlyUpdate rejects a snapshot submitted before the minimum
	// delay since the last accepted update has elapsed.
	ErrTooEarlyUpdate = errors.New("oracle: update delay not elapsed")
	// ErrInvalidSigner rejects a signature from an unregistered attestor,
	// or signatures supplied out of ascending signer order (which is how
	// duplicates are caught in a single scan).
	ErrInvalidSigner = errors.New("oracle: invalid signer")
	// ErrNotEnoughSignatures rejects a submission carrying fewer distinct
	// valid attestor signatures than the quorum threshold.
	ErrNotEnoughSignatures = errors.New("oracle: not enough signatures")
)

// AttestorRegistry is the boundary to the attestor set. Quorum is the
// minimum number of distinct valid signers a snapshot needs.
type AttestorRegistry interface {
	IsAttestor(addr [20]byte) bool
	Quorum() int
}

type engineState interface {
	SnapshotGet() (*RewardsSnapshot, bool, error)
	SnapshotPut(*RewardsSnapshot) error
}

// Engine gates acceptance of global rewards snapshots behind attestor
// quorum, strictly increasing nonces, and a minimum inter-update delay.
type Engine struct {
	mu          sync.Mutex
	state       engineState
	registry    AttestorRegistry
	updateDelay uint64
	snapshot    *RewardsSnapshot
	emitter     events.Emitter
	nowFn       func() int64
	telemetry   *metrics.KeeperMetrics
}

// NewEngine restores the last accepted snapshot from state and returns a
// consensus engine enforcing the given inter-update delay in seconds.
func NewEngine(state engineState, registry AttestorRegistry, updateDelaySeconds uint64) (*Engine, error) {
	if state == nil {
		return nil, errNilState
	}
	if registry == nil {
		return nil, errNilRegistry
	}
	snapshot, ok, err := state.SnapshotGet()
	if err != nil {
		return nil, fmt.Errorf("oracle: load snapshot: %w", err)
	}
	if !ok {
		snapshot = &RewardsSnapshot{}
	}
	return &Engine{
		state:       state,
		registry:    registry,
		updateDelay: updateDelaySeconds,
		snapshot:    snapshot,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		telemetry:   metrics.Keeper(),
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

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Snapshot returns a copy of the last accepted snapshot.
func (e *Engine) Snapshot() *RewardsSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Clone()
}

// CurrentRoot returns the root of the last accepted snapshot.
func (e *Engine) CurrentRoot() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Root
}

// PreviousRoot returns the root the current one replaced.
func (e *Engine) PreviousRoot() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.PreviousRoot
}

// Nonce returns the snapshot nonce, incremented once per accepted update.
func (e *Engine) Nonce() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot.Nonce
}

// CanUpdate reports whether the inter-update delay has elapsed since the
// last accepted snapshot.
func (e *Engine) CanUpdate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(e.nowFn()) >= e.snapshot.UpdateTimestamp+e.updateDelay
}

// SubmitSnapshot verifies attestor consensus over (root, timestamp, next
// nonce) and, on success, installs root as the current snapshot. Signatures
// must be ordered by strictly increasing recovered signer address; the
// ordering requirement is what lets duplicate detection run as one linear
// scan. Any failure leaves the engine state untouched.
func (e *Engine) SubmitSnapshot(caller [20]byte, root [32]byte, timestamp uint64, payloadHash [32]byte, sigs [][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateSubmission(root, timestamp, sigs); err != nil {
		if e.telemetry != nil {
			e.telemetry.ObserveSnapshotRejected(rejectReason(err))
		}
		return err
	}

	updated := &RewardsSnapshot{
		Root:            root,
		PreviousRoot:    e.snapshot.Root,
		Nonce:           e.snapshot.Nonce + 1,
		UpdateTimestamp: timestamp,
	}
	if err := e.state.SnapshotPut(updated); err != nil {
		return fmt.Errorf("oracle: persist snapshot: %w", err)
	}
	e.snapshot = updated

	e.emit(events.SnapshotUpdated{
		Caller:          caller,
		Root:            root,
		UpdateTimestamp: timestamp,
		Nonce:           updated.Nonce,
		PayloadHash:     payloadHash,
	})
	if e.telemetry != nil {
		e.telemetry.ObserveSnapshotAccepted(updated.Nonce)
	}
	return nil
}

func (e *Engine) validateSubmission(root [32]byte, timestamp uint64, sigs [][]byte) error {
	if root == ([32]byte{}) || root == e.snapshot.Root {
		return ErrInvalidRoot
	}
	now := uint64(e.nowFn())
	if timestamp > now {
		return ErrFutureTimestamp
	}
	if timestamp <= e.snapshot.UpdateTimestamp+e.updateDelay {
		return ErrTooEarlyUpdate
	}

	quorum := e.registry.Quorum()
	if len(sigs) < quorum {
		return ErrNotEnoughSignatures
	}

	digest := crypto.SnapshotDigest(root, timestamp, e.snapshot.Nonce+1)
	var prev [20]byte
	for i, sig := range sigs {
		signer, err := crypto.RecoverSigner(digest, sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSigner, err)
		}
		// Strictly increasing signer order rules out duplicates
		// without an all-pairs comparison.
		if i > 0 && bytes.Compare(signer[:], prev[:]) <= 0 {
			return fmt.Errorf("%w: signatures not in ascending signer order", ErrInvalidSigner)
		}
		if !e.registry.IsAttestor(signer) {
			return fmt.Errorf("%w: %x is not a registered attestor", ErrInvalidSigner, signer)
		}
		prev = signer
	}
	return nil
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRoot):
		return "invalid_root"
	case errors.Is(err, ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, ErrTooEarlyUpdate):
		return "too_early"
	case errors.Is(err, ErrInvalidSigner):
		return "invalid_signer"
	case errors.Is(err, ErrNotEnoughSignatures):
		return "not_enough_signatures"
	default:
		return "unknown"
	}
}
