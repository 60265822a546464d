// Package state persists the keeper's accounting records over a key-value
// store. It implements the narrow state interfaces the native engines
// declare, mapping the host ledger's persistent storage onto explicit,
// threaded-through store objects.
package state

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"vaultkeeper/native/oracle"
	"vaultkeeper/native/rewards"
	"vaultkeeper/storage"
)

const (
	snapshotKey          = "keeper/oracle/snapshot"
	vaultRewardKeyFormat = "keeper/rewards/%x"
	liquidityKeyFormat   = "keeper/vaults/%x/liquidity"
)

// KeeperStore is the persistence root for the accounting core. One store
// serves the oracle, the harvester, and every vault's exit queue.
type KeeperStore struct {
	db storage.Database
	mu sync.RWMutex
}

// NewKeeperStore wraps the supplied database.
func NewKeeperStore(db storage.Database) *KeeperStore {
	return &KeeperStore{db: db}
}

// --- oracle state ---

type storedSnapshot struct {
	Root            [32]byte
	PreviousRoot    [32]byte
	Nonce           uint64
	UpdateTimestamp uint64
}

// SnapshotGet loads the last accepted rewards snapshot.
func (s *KeeperStore) SnapshotGet() (*oracle.RewardsSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get([]byte(snapshotKey))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var stored storedSnapshot
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode snapshot: %w", err)
	}
	return &oracle.RewardsSnapshot{
		Root:            stored.Root,
		PreviousRoot:    stored.PreviousRoot,
		Nonce:           stored.Nonce,
		UpdateTimestamp: stored.UpdateTimestamp,
	}, true, nil
}

// SnapshotPut persists an accepted rewards snapshot.
func (s *KeeperStore) SnapshotPut(snapshot *oracle.RewardsSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("state: nil snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := rlp.EncodeToBytes(&storedSnapshot{
		Root:            snapshot.Root,
		PreviousRoot:    snapshot.PreviousRoot,
		Nonce:           snapshot.Nonce,
		UpdateTimestamp: snapshot.UpdateTimestamp,
	})
	if err != nil {
		return fmt.Errorf("state: encode snapshot: %w", err)
	}
	return s.db.Put([]byte(snapshotKey), raw)
}

// --- reward harvester state ---

// storedVaultReward carries the signed cumulative value as sign plus
// magnitude because RLP has no negative integer encoding.
type storedVaultReward struct {
	Negative   bool
	Cumulative []byte
	ExecReward []byte
	Nonce      uint64
}

// VaultRewardGet loads the per-vault reward cursor.
func (s *KeeperStore) VaultRewardGet(vault [20]byte) (*rewards.VaultReward, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get([]byte(fmt.Sprintf(vaultRewardKeyFormat, vault)))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var stored storedVaultReward
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode vault reward: %w", err)
	}
	reward := rewards.NewVaultReward()
	reward.SyncedNonce = stored.Nonce
	reward.CumulativeAssets.SetBytes(stored.Cumulative)
	if stored.Negative {
		reward.CumulativeAssets.Neg(reward.CumulativeAssets)
	}
	reward.CumulativeExecReward.SetBytes(stored.ExecReward)
	return reward, true, nil
}

// VaultRewardPut persists the per-vault reward cursor.
func (s *KeeperStore) VaultRewardPut(vault [20]byte, reward *rewards.VaultReward) error {
	if reward == nil {
		return fmt.Errorf("state: nil vault reward")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cumulative := reward.CumulativeAssets
	if cumulative == nil {
		cumulative = new(big.Int)
	}
	exec := reward.CumulativeExecReward
	if exec == nil {
		exec = uint256.NewInt(0)
	}
	raw, err := rlp.EncodeToBytes(&storedVaultReward{
		Negative:   cumulative.Sign() < 0,
		Cumulative: new(big.Int).Abs(cumulative).Bytes(),
		ExecReward: exec.Bytes(),
		Nonce:      reward.SyncedNonce,
	})
	if err != nil {
		return fmt.Errorf("state: encode vault reward: %w", err)
	}
	return s.db.Put([]byte(fmt.Sprintf(vaultRewardKeyFormat, vault)), raw)
}

// --- vault liquidity state ---

// VaultLiquidityGet loads a vault's available asset pool.
func (s *KeeperStore) VaultLiquidityGet(vault [20]byte) (*uint256.Int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get([]byte(fmt.Sprintf(liquidityKeyFormat, vault)))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return new(uint256.Int).SetBytes(raw), true, nil
}

// VaultLiquidityPut persists a vault's available asset pool.
func (s *KeeperStore) VaultLiquidityPut(vault [20]byte, liquidity *uint256.Int) error {
	if liquidity == nil {
		liquidity = uint256.NewInt(0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put([]byte(fmt.Sprintf(liquidityKeyFormat, vault)), liquidity.Bytes())
}
