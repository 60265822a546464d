package events

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"vaultkeeper/core/types"
)

const (
	// TypeQueueEntered is emitted when shares are taken into exit-queue
	// custody and a ticket is issued.
	TypeQueueEntered = "exitqueue.entered"
	// TypeCheckpointCreated is emitted for every checkpoint appended to the
	// exit-queue ledger.
	TypeCheckpointCreated = "exitqueue.checkpoint"
	// TypeAssetsClaimed is emitted when a ticket holder withdraws resolved
	// assets.
	TypeAssetsClaimed = "exitqueue.claimed"
)

// QueueEntered records a new withdrawal position joining the exit queue.
type QueueEntered struct {
	Owner        [20]byte
	Receiver     [20]byte
	Ticket       *uint256.Int
	AmountQueued *uint256.Int
}

// EventType implements the Event interface.
func (QueueEntered) EventType() string { return TypeQueueEntered }

// Event converts the struct into a types.Event payload.
func (e QueueEntered) Event() *types.Event {
	attrs := map[string]string{
		"owner":    hex.EncodeToString(e.Owner[:]),
		"receiver": hex.EncodeToString(e.Receiver[:]),
		"ticket":   formatUint(e.Ticket),
		"amount":   formatUint(e.AmountQueued),
	}
	return &types.Event{Type: TypeQueueEntered, Attributes: attrs}
}

// CheckpointCreated records the per-cycle increments folded into the ledger.
type CheckpointCreated struct {
	Index          uint64
	SharesResolved *uint256.Int
	AssetsUnlocked *uint256.Int
}

// EventType implements the Event interface.
func (CheckpointCreated) EventType() string { return TypeCheckpointCreated }

// Event converts the struct into a types.Event payload.
func (e CheckpointCreated) Event() *types.Event {
	attrs := map[string]string{
		"index":          strconv.FormatUint(e.Index, 10),
		"sharesResolved": formatUint(e.SharesResolved),
		"assetsUnlocked": formatUint(e.AssetsUnlocked),
	}
	return &types.Event{Type: TypeCheckpointCreated, Attributes: attrs}
}

// AssetsClaimed records a claim payout, including the successor ticket when
// the position was only partially resolved.
type AssetsClaimed struct {
	Receiver       [20]byte
	PreviousTicket *uint256.Int
	NewTicket      *uint256.Int
	AmountPaid     *uint256.Int
}

// EventType implements the Event interface.
func (AssetsClaimed) EventType() string { return TypeAssetsClaimed }

// Event converts the struct into a types.Event payload.
func (e AssetsClaimed) Event() *types.Event {
	attrs := map[string]string{
		"receiver":       hex.EncodeToString(e.Receiver[:]),
		"previousTicket": formatUint(e.PreviousTicket),
		"amountPaid":     formatUint(e.AmountPaid),
	}
	if e.NewTicket != nil {
		attrs["newTicket"] = formatUint(e.NewTicket)
	}
	return &types.Event{Type: TypeAssetsClaimed, Attributes: attrs}
}
