package rewards

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"vaultkeeper/core/events"
	"vaultkeeper/observability/metrics"
)

var (
	errNilState  = errors.New("rewards engine: state not configured")
	errNilSource = errors.New("rewards engine: snapshot source not configured")

	// ErrInvalidProof rejects a harvest whose inclusion proof fails
	// against both the current and the previous snapshot root.
	ErrInvalidProof = errors.New("rewards: invalid inclusion proof")
	// ErrExecRewardRegression rejects an attested execution-layer
	// cumulative value below the stored one; that stream only grows.
	ErrExecRewardRegression = errors.New("rewards: execution reward regression")
	// ErrInvalidAmount rejects a harvest with no attested values.
	ErrInvalidAmount = errors.New("rewards: invalid amount")
)

// VaultReward is the stored per-vault cursor into the attested reward
// streams. CumulativeAssets is signed: penalties drive it down.
type VaultReward struct {
	CumulativeAssets     *big.Int
	CumulativeExecReward *uint256.Int
	SyncedNonce          uint64
}

// NewVaultReward returns a zeroed reward record.
func NewVaultReward() *VaultReward {
	return &VaultReward{
		CumulativeAssets:     new(big.Int),
		CumulativeExecReward: uint256.NewInt(0),
	}
}

// Clone produces a deep copy of the reward record.
func (r *VaultReward) Clone() *VaultReward {
	if r == nil {
		return NewVaultReward()
	}
	clone := NewVaultReward()
	clone.SyncedNonce = r.SyncedNonce
	if r.CumulativeAssets != nil {
		clone.CumulativeAssets.Set(r.CumulativeAssets)
	}
	if r.CumulativeExecReward != nil {
		clone.CumulativeExecReward.Set(r.CumulativeExecReward)
	}
	return clone
}

// HarvestParams carries a vault's attested cumulative values and the
// inclusion proof binding them to a snapshot root.
type HarvestParams struct {
	CumulativeReward     *big.Int
	CumulativeExecReward *uint256.Int
	Proof                [][32]byte
}

// SnapshotSource exposes the oracle consensus state the harvester reads:
// the current root, the immediately previous root (the one-generation grace
// window), and the current nonce.
type SnapshotSource interface {
	CurrentRoot() [32]byte
	PreviousRoot() [32]byte
	Nonce() uint64
}

type engineState interface {
	VaultRewardGet(vault [20]byte) (*VaultReward, bool, error)
	VaultRewardPut(vault [20]byte, reward *VaultReward) error
}

// Engine applies attested cumulative rewards to per-vault records exactly
// once per snapshot nonce and reports the signed delta to the caller.
type Engine struct {
	mu        sync.Mutex
	state     engineState
	source    SnapshotSource
	emitter   events.Emitter
	telemetry *metrics.KeeperMetrics
}

// NewEngine constructs a harvester bound to the given state and snapshot
// source.
func NewEngine(state engineState, source SnapshotSource) (*Engine, error) {
	if state == nil {
		return nil, errNilState
	}
	if source == nil {
		return nil, errNilSource
	}
	return &Engine{
		state:     state,
		source:    source,
		emitter:   events.NoopEmitter{},
		telemetry: metrics.Keeper(),
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

// VaultReward returns a copy of the stored cursor for the vault.
func (e *Engine) VaultReward(vault [20]byte) (*VaultReward, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, ok, err := e.state.VaultRewardGet(vault)
	if err != nil {
		return nil, err
	}
	if !ok {
		return NewVaultReward(), nil
	}
	return stored.Clone(), nil
}

// IsHarvestRequired reports whether the vault has yet to sync with the
// current snapshot nonce.
func (e *Engine) IsHarvestRequired(vault [20]byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored, ok, err := e.state.VaultRewardGet(vault)
	if err != nil {
		return false, err
	}
	if !ok {
		return e.source.Nonce() != 0, nil
	}
	return stored.SyncedNonce != e.source.Nonce(), nil
}

// CanHarvest reports whether the supplied params verify against the current
// or previous root. No state is mutated.
func (e *Engine) CanHarvest(vault [20]byte, params HarvestParams) bool {
	_, err := e.proofRoot(vault, params)
	return err == nil
}

// Harvest verifies the inclusion proof against the current root, falling
// back to the previous root for vaults that missed the latest snapshot,
// then advances the stored cursor and returns the signed primary delta and
// the unsigned execution-layer delta. Re-harvesting identical inputs is
// harmless: both deltas recompute to zero.
func (e *Engine) Harvest(vault [20]byte, params HarvestParams) (*big.Int, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	root, err := e.proofRoot(vault, params)
	if err != nil {
		if e.telemetry != nil {
			e.telemetry.ObserveHarvestFailure(harvestFailureReason(err))
		}
		return nil, nil, err
	}

	stored, ok, err := e.state.VaultRewardGet(vault)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		stored = NewVaultReward()
	}

	exec := uint256.NewInt(0)
	if params.CumulativeExecReward != nil {
		exec.Set(params.CumulativeExecReward)
	}
	if exec.Lt(stored.CumulativeExecReward) {
		if e.telemetry != nil {
			e.telemetry.ObserveHarvestFailure("exec_regression")
		}
		return nil, nil, ErrExecRewardRegression
	}

	delta := new(big.Int).Sub(params.CumulativeReward, stored.CumulativeAssets)
	execDelta := new(uint256.Int).Sub(exec, stored.CumulativeExecReward)

	updated := &VaultReward{
		CumulativeAssets:     new(big.Int).Set(params.CumulativeReward),
		CumulativeExecReward: exec,
		SyncedNonce:          e.source.Nonce(),
	}
	if err := e.state.VaultRewardPut(vault, updated); err != nil {
		return nil, nil, fmt.Errorf("rewards: persist vault reward: %w", err)
	}

	e.emit(events.VaultHarvested{
		Vault:     vault,
		Root:      root,
		Delta:     new(big.Int).Set(delta),
		ExecDelta: execDelta.ToBig(),
	})
	if e.telemetry != nil {
		e.telemetry.IncVaultHarvested()
	}
	return delta, execDelta.ToBig(), nil
}

// proofRoot verifies the leaf under the current root first and the previous
// root second, returning whichever matched.
func (e *Engine) proofRoot(vault [20]byte, params HarvestParams) ([32]byte, error) {
	if params.CumulativeReward == nil {
		return [32]byte{}, ErrInvalidAmount
	}
	leaf := HarvestLeaf(vault, params.CumulativeReward, params.CumulativeExecReward)
	current := e.source.CurrentRoot()
	if current != ([32]byte{}) && VerifyProof(leaf, params.Proof, current) {
		return current, nil
	}
	previous := e.source.PreviousRoot()
	if previous != ([32]byte{}) && VerifyProof(leaf, params.Proof, previous) {
		return previous, nil
	}
	return [32]byte{}, ErrInvalidProof
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func harvestFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidProof):
		return "invalid_proof"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	default:
		return "unknown"
	}
}
