package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"vaultkeeper/core/types"
)

const (
	// TypeSnapshotUpdated is emitted when a rewards snapshot passes
	// consensus and becomes the current root.
	TypeSnapshotUpdated = "oracle.snapshotUpdated"
	// TypeVaultHarvested captures a vault pulling its attested cumulative
	// reward into on-ledger accounting.
	TypeVaultHarvested = "vault.harvested"
)

// SnapshotUpdated records acceptance of a new global rewards snapshot.
type SnapshotUpdated struct {
	Caller          [20]byte
	Root            [32]byte
	UpdateTimestamp uint64
	Nonce           uint64
	PayloadHash     [32]byte
}

// EventType implements the Event interface.
func (SnapshotUpdated) EventType() string { return TypeSnapshotUpdated }

// Event converts the struct into a types.Event payload.
func (e SnapshotUpdated) Event() *types.Event {
	attrs := map[string]string{
		"caller":          hex.EncodeToString(e.Caller[:]),
		"root":            hex.EncodeToString(e.Root[:]),
		"updateTimestamp": strconv.FormatUint(e.UpdateTimestamp, 10),
		"nonce":           strconv.FormatUint(e.Nonce, 10),
		"payloadHash":     hex.EncodeToString(e.PayloadHash[:]),
	}
	return &types.Event{Type: TypeSnapshotUpdated, Attributes: attrs}
}

// VaultHarvested captures the signed delta applied when a vault syncs with
// the current snapshot, alongside the secondary execution-layer delta.
type VaultHarvested struct {
	Vault     [20]byte
	Root      [32]byte
	Delta     *big.Int
	ExecDelta *big.Int
}

// EventType implements the Event interface.
func (VaultHarvested) EventType() string { return TypeVaultHarvested }

// Event converts the struct into a types.Event payload.
func (e VaultHarvested) Event() *types.Event {
	attrs := map[string]string{
		"vault":     hex.EncodeToString(e.Vault[:]),
		"root":      hex.EncodeToString(e.Root[:]),
		"delta":     formatAmount(e.Delta),
		"execDelta": formatAmount(e.ExecDelta),
	}
	return &types.Event{Type: TypeVaultHarvested, Attributes: attrs}
}
