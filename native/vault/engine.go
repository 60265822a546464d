package vault

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"vaultkeeper/native/exitqueue"
	"vaultkeeper/native/rewards"
)

var (
	errNilRegistry  = errors.New("vault engine: registry not configured")
	errNilHarvester = errors.New("vault engine: harvester not configured")
	errNilFactory   = errors.New("vault engine: queue factory not configured")
	errNilState     = errors.New("vault engine: state not configured")

	// ErrAccessDenied rejects operations on addresses that are not
	// registered vaults.
	ErrAccessDenied = errors.New("vault: access denied")
)

type engineState interface {
	VaultLiquidityGet(vault [20]byte) (*uint256.Int, bool, error)
	VaultLiquidityPut(vault [20]byte, liquidity *uint256.Int) error
}

// QueueFactory builds (or restores) the exit-queue engine for a vault.
type QueueFactory func(vault [20]byte) (*exitqueue.Engine, error)

// UpdateResult summarises one vault state-update cycle.
type UpdateResult struct {
	Delta          *big.Int
	ExecDelta      *big.Int
	SharesResolved *uint256.Int
	AssetsUnlocked *uint256.Int
	Liquidity      *uint256.Int
}

// Engine coordinates a vault state update: harvest the attested reward
// delta, fold it plus any other freed liquidity into the vault's available
// pool, and resolve as many queued shares as that pool covers at the
// prevailing rate.
type Engine struct {
	mu        sync.Mutex
	registry  Registry
	harvester *rewards.Engine
	state     engineState
	converter ShareConverter
	factory   QueueFactory
	queues    map[[20]byte]*exitqueue.Engine
}

// NewEngine wires the coordinator. The converter defaults to the identity
// rate when nil.
func NewEngine(registry Registry, harvester *rewards.Engine, state engineState, factory QueueFactory, converter ShareConverter) (*Engine, error) {
	if registry == nil {
		return nil, errNilRegistry
	}
	if harvester == nil {
		return nil, errNilHarvester
	}
	if state == nil {
		return nil, errNilState
	}
	if factory == nil {
		return nil, errNilFactory
	}
	if converter == nil {
		converter = IdentityConverter{}
	}
	return &Engine{
		registry:  registry,
		harvester: harvester,
		state:     state,
		converter: converter,
		factory:   factory,
		queues:    make(map[[20]byte]*exitqueue.Engine),
	}, nil
}

// Queue returns the exit-queue engine for a registered vault, creating it
// on first use.
func (e *Engine) Queue(vault [20]byte) (*exitqueue.Engine, error) {
	if !e.registry.IsVault(vault) {
		return nil, ErrAccessDenied
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueLocked(vault)
}

func (e *Engine) queueLocked(vault [20]byte) (*exitqueue.Engine, error) {
	if q, ok := e.queues[vault]; ok {
		return q, nil
	}
	q, err := e.factory(vault)
	if err != nil {
		return nil, fmt.Errorf("vault: build exit queue: %w", err)
	}
	e.queues[vault] = q
	return q, nil
}

// Harvester exposes the reward harvester for read-only queries.
func (e *Engine) Harvester() *rewards.Engine { return e.harvester }

// Liquidity returns the vault's currently available (unlocked, unpushed)
// asset pool.
func (e *Engine) Liquidity(vault [20]byte) (*uint256.Int, error) {
	if !e.registry.IsVault(vault) {
		return nil, ErrAccessDenied
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidityLocked(vault)
}

func (e *Engine) liquidityLocked(vault [20]byte) (*uint256.Int, error) {
	stored, ok, err := e.state.VaultLiquidityGet(vault)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return new(uint256.Int).Set(stored), nil
}

// UpdateState runs one accounting cycle for the vault. When harvest is
// non-nil the attested deltas are pulled in first; extraUnlocked adds any
// liquidity freed outside the reward streams. Whatever the pool then covers
// is pushed into the exit-queue ledger as a new checkpoint.
func (e *Engine) UpdateState(vault [20]byte, harvest *rewards.HarvestParams, extraUnlocked *uint256.Int) (*UpdateResult, error) {
	if !e.registry.IsVault(vault) {
		return nil, ErrAccessDenied
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	queue, err := e.queueLocked(vault)
	if err != nil {
		return nil, err
	}
	liquidity, err := e.liquidityLocked(vault)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{
		Delta:          new(big.Int),
		ExecDelta:      new(big.Int),
		SharesResolved: uint256.NewInt(0),
		AssetsUnlocked: uint256.NewInt(0),
	}

	if harvest != nil {
		delta, execDelta, err := e.harvester.Harvest(vault, *harvest)
		if err != nil {
			return nil, err
		}
		result.Delta.Set(delta)
		result.ExecDelta.Set(execDelta)
		liquidity, err = applySignedDelta(liquidity, new(big.Int).Add(delta, execDelta))
		if err != nil {
			return nil, err
		}
	}
	if extraUnlocked != nil {
		if _, overflow := liquidity.AddOverflow(liquidity, extraUnlocked); overflow {
			return nil, exitqueue.ErrLedgerOverflow
		}
	}

	shares, assets := e.resolvable(vault, queue, liquidity)
	if !shares.IsZero() || !assets.IsZero() {
		if err := queue.Push(shares, assets); err != nil {
			return nil, err
		}
		liquidity.Sub(liquidity, assets)
		result.SharesResolved.Set(shares)
		result.AssetsUnlocked.Set(assets)
	}

	if err := e.state.VaultLiquidityPut(vault, liquidity); err != nil {
		return nil, fmt.Errorf("vault: persist liquidity: %w", err)
	}
	result.Liquidity = new(uint256.Int).Set(liquidity)
	return result, nil
}

// resolvable caps this cycle's resolution by the queued shares and by the
// assets the pool can cover at the prevailing rate.
func (e *Engine) resolvable(vault [20]byte, queue *exitqueue.Engine, liquidity *uint256.Int) (*uint256.Int, *uint256.Int) {
	queued := queue.Totals().QueuedShares
	if queued.IsZero() || liquidity.IsZero() {
		return uint256.NewInt(0), uint256.NewInt(0)
	}
	fullAssets := e.converter.SharesToAssets(vault, queued)
	if !fullAssets.Gt(liquidity) {
		return new(uint256.Int).Set(queued), fullAssets
	}
	shares := e.converter.AssetsToShares(vault, liquidity)
	if shares.Gt(queued) {
		shares = new(uint256.Int).Set(queued)
	}
	if shares.IsZero() {
		return uint256.NewInt(0), uint256.NewInt(0)
	}
	// Recompute assets from the flooring conversion so the push never
	// pays out more than the rate allows.
	assets := e.converter.SharesToAssets(vault, shares)
	if assets.Gt(liquidity) {
		assets = new(uint256.Int).Set(liquidity)
	}
	return shares, assets
}

// Enter queues shares for exit on a registered vault.
func (e *Engine) Enter(vault, owner, receiver [20]byte, amount *uint256.Int) (*uint256.Int, error) {
	queue, err := e.Queue(vault)
	if err != nil {
		return nil, err
	}
	return queue.Enter(owner, receiver, amount)
}

// Claim settles a ticket on a registered vault.
func (e *Engine) Claim(vault, owner [20]byte, ticket *uint256.Int, index uint64) (*uint256.Int, *uint256.Int, error) {
	queue, err := e.Queue(vault)
	if err != nil {
		return nil, nil, err
	}
	return queue.Claim(owner, ticket, index)
}

// applySignedDelta folds a signed asset delta into an unsigned pool,
// clamping at zero. A penalty larger than the liquid pool is borne by
// staked principal, which sits outside this core's accounting.
func applySignedDelta(pool *uint256.Int, delta *big.Int) (*uint256.Int, error) {
	next := new(big.Int).Add(pool.ToBig(), delta)
	if next.Sign() < 0 {
		return uint256.NewInt(0), nil
	}
	out, overflow := uint256.FromBig(next)
	if overflow {
		return nil, exitqueue.ErrLedgerOverflow
	}
	return out, nil
}
