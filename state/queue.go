package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"vaultkeeper/native/exitqueue"
	"vaultkeeper/storage"
)

const (
	checkpointCountKeyFormat = "keeper/queue/%x/checkpoints"
	checkpointKeyFormat      = "keeper/queue/%x/checkpoint/%020d"
	queueTotalsKeyFormat     = "keeper/queue/%x/totals"
	positionKeyFormat        = "keeper/queue/%x/pos/%x/%x"
)

// QueueState is a vault-scoped view of the store implementing the exit
// queue engine's persistence boundary. Apply* methods commit through the
// database's atomic batch so a failure leaves no partial write.
type QueueState struct {
	store *KeeperStore
	vault [20]byte
}

// QueueState returns the exit-queue persistence view for a vault.
func (s *KeeperStore) QueueState(vault [20]byte) *QueueState {
	return &QueueState{store: s, vault: vault}
}

type storedCheckpoint struct {
	CumulativeShares []byte
	CumulativeAssets []byte
}

type storedTotals struct {
	QueuedShares    []byte
	UnclaimedAssets []byte
}

type storedPosition struct {
	Owner    [20]byte
	Receiver [20]byte
	Ticket   []byte
	Amount   []byte
}

func (q *QueueState) checkpointCountKey() []byte {
	return []byte(fmt.Sprintf(checkpointCountKeyFormat, q.vault))
}

func (q *QueueState) checkpointKey(index uint64) []byte {
	return []byte(fmt.Sprintf(checkpointKeyFormat, q.vault, index))
}

func (q *QueueState) totalsKey() []byte {
	return []byte(fmt.Sprintf(queueTotalsKeyFormat, q.vault))
}

func (q *QueueState) positionKey(owner [20]byte, ticket *uint256.Int) []byte {
	t := ticket.Bytes32()
	return []byte(fmt.Sprintf(positionKeyFormat, q.vault, owner, t))
}

func (q *QueueState) checkpointCount() (uint64, error) {
	raw, err := q.store.db.Get(q.checkpointCountKey())
	if err != nil {
		if err == storage.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	var count uint64
	if err := rlp.DecodeBytes(raw, &count); err != nil {
		return 0, fmt.Errorf("state: decode checkpoint count: %w", err)
	}
	return count, nil
}

// QueueCheckpoints loads the vault's full checkpoint history in order.
func (q *QueueState) QueueCheckpoints() ([]exitqueue.Checkpoint, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	count, err := q.checkpointCount()
	if err != nil {
		return nil, err
	}
	checkpoints := make([]exitqueue.Checkpoint, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := q.store.db.Get(q.checkpointKey(i))
		if err != nil {
			return nil, fmt.Errorf("state: load checkpoint %d: %w", i, err)
		}
		var stored storedCheckpoint
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, fmt.Errorf("state: decode checkpoint %d: %w", i, err)
		}
		checkpoints = append(checkpoints, exitqueue.Checkpoint{
			CumulativeShares: new(uint256.Int).SetBytes(stored.CumulativeShares),
			CumulativeAssets: new(uint256.Int).SetBytes(stored.CumulativeAssets),
		})
	}
	return checkpoints, nil
}

// QueueTotals loads the vault's live queue counters.
func (q *QueueState) QueueTotals() (*exitqueue.Totals, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	raw, err := q.store.db.Get(q.totalsKey())
	if err != nil {
		if err == storage.ErrNotFound {
			return exitqueue.NewTotals(), nil
		}
		return nil, err
	}
	var stored storedTotals
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode queue totals: %w", err)
	}
	totals := exitqueue.NewTotals()
	totals.QueuedShares.SetBytes(stored.QueuedShares)
	totals.UnclaimedAssets.SetBytes(stored.UnclaimedAssets)
	return totals, nil
}

// PositionGet loads a withdrawal position by owner and ticket.
func (q *QueueState) PositionGet(owner [20]byte, ticket *uint256.Int) (*exitqueue.Position, bool, error) {
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	raw, err := q.store.db.Get(q.positionKey(owner, ticket))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var stored storedPosition
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("state: decode position: %w", err)
	}
	return &exitqueue.Position{
		Owner:    stored.Owner,
		Receiver: stored.Receiver,
		Ticket:   new(uint256.Int).SetBytes(stored.Ticket),
		Amount:   new(uint256.Int).SetBytes(stored.Amount),
	}, true, nil
}

// ApplyEnter atomically persists a new position together with the updated
// totals.
func (q *QueueState) ApplyEnter(pos *exitqueue.Position, totals *exitqueue.Totals) error {
	if pos == nil || totals == nil {
		return fmt.Errorf("state: nil position or totals")
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	batch := new(storage.Batch)
	if err := q.batchPosition(batch, pos); err != nil {
		return err
	}
	if err := q.batchTotals(batch, totals); err != nil {
		return err
	}
	return q.store.db.Write(batch)
}

// ApplyCheckpoint atomically appends a checkpoint and persists the updated
// totals.
func (q *QueueState) ApplyCheckpoint(cp exitqueue.Checkpoint, totals *exitqueue.Totals) error {
	if totals == nil {
		return fmt.Errorf("state: nil totals")
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	count, err := q.checkpointCount()
	if err != nil {
		return err
	}
	rawCp, err := rlp.EncodeToBytes(&storedCheckpoint{
		CumulativeShares: cp.CumulativeShares.Bytes(),
		CumulativeAssets: cp.CumulativeAssets.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("state: encode checkpoint: %w", err)
	}
	rawCount, err := rlp.EncodeToBytes(count + 1)
	if err != nil {
		return fmt.Errorf("state: encode checkpoint count: %w", err)
	}
	batch := new(storage.Batch)
	batch.Put(q.checkpointKey(count), rawCp)
	batch.Put(q.checkpointCountKey(), rawCount)
	if err := q.batchTotals(batch, totals); err != nil {
		return err
	}
	return q.store.db.Write(batch)
}

// ApplyClaim atomically deletes the settled position, writes the successor
// when one was minted, and persists the updated totals.
func (q *QueueState) ApplyClaim(prev, successor *exitqueue.Position, totals *exitqueue.Totals) error {
	if prev == nil || totals == nil {
		return fmt.Errorf("state: nil position or totals")
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	batch := new(storage.Batch)
	batch.Delete(q.positionKey(prev.Owner, prev.Ticket))
	if successor != nil {
		if err := q.batchPosition(batch, successor); err != nil {
			return err
		}
	}
	if err := q.batchTotals(batch, totals); err != nil {
		return err
	}
	return q.store.db.Write(batch)
}

func (q *QueueState) batchPosition(batch *storage.Batch, pos *exitqueue.Position) error {
	raw, err := rlp.EncodeToBytes(&storedPosition{
		Owner:    pos.Owner,
		Receiver: pos.Receiver,
		Ticket:   pos.Ticket.Bytes(),
		Amount:   pos.Amount.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("state: encode position: %w", err)
	}
	batch.Put(q.positionKey(pos.Owner, pos.Ticket), raw)
	return nil
}

func (q *QueueState) batchTotals(batch *storage.Batch, totals *exitqueue.Totals) error {
	raw, err := rlp.EncodeToBytes(&storedTotals{
		QueuedShares:    totals.QueuedShares.Bytes(),
		UnclaimedAssets: totals.UnclaimedAssets.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("state: encode queue totals: %w", err)
	}
	batch.Put(q.totalsKey(), raw)
	return nil
}
