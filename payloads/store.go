// Package payloads keeps the off-chain audit blobs referenced by snapshot
// and settlement records. Blobs are content-addressed; only their hash is
// ever recorded on the accounting path.
package payloads

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"vaultkeeper/storage"
)

const (
	payloadKeyFormat = "keeper/payloads/%x"
	batchKeyFormat   = "keeper/payloads/batch/%s"
)

// Store persists audit payloads keyed by their BLAKE3 content hash.
type Store struct {
	db storage.Database
	mu sync.Mutex
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// HashPayload computes the content address of a payload blob.
func HashPayload(blob []byte) [32]byte {
	return blake3.Sum256(blob)
}

// Put stores a payload blob and returns its content hash. Storing the same
// blob twice is a no-op that yields the same hash.
func (s *Store) Put(blob []byte) ([32]byte, error) {
	hash := HashPayload(blob)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte(fmt.Sprintf(payloadKeyFormat, hash)), blob); err != nil {
		return hash, fmt.Errorf("payloads: store blob: %w", err)
	}
	return hash, nil
}

// Get fetches a payload blob by content hash.
func (s *Store) Get(hash [32]byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, err := s.db.Get([]byte(fmt.Sprintf(payloadKeyFormat, hash)))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("payloads: unknown hash %x", hash)
		}
		return nil, err
	}
	return blob, nil
}

// Batch records a settlement batch reference: a generated identity mapped
// to the content hashes it covers, with the submission time for audit.
type Batch struct {
	ID        string
	Hashes    [][32]byte
	CreatedAt int64
}

// RecordBatch assigns a fresh batch ID to a group of payload hashes and
// persists the association.
func (s *Store) RecordBatch(hashes [][32]byte) (*Batch, error) {
	batch := &Batch{
		ID:        uuid.NewString(),
		Hashes:    hashes,
		CreatedAt: time.Now().Unix(),
	}
	encoded := make([]byte, 8, 8+len(hashes)*32)
	binary.BigEndian.PutUint64(encoded, uint64(batch.CreatedAt))
	for _, h := range hashes {
		encoded = append(encoded, h[:]...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte(fmt.Sprintf(batchKeyFormat, batch.ID)), encoded); err != nil {
		return nil, fmt.Errorf("payloads: store batch: %w", err)
	}
	return batch, nil
}

// GetBatch loads a recorded settlement batch by identity.
func (s *Store) GetBatch(id string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get([]byte(fmt.Sprintf(batchKeyFormat, id)))
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, fmt.Errorf("payloads: unknown batch %s", id)
		}
		return nil, err
	}
	if len(raw) < 8 || (len(raw)-8)%32 != 0 {
		return nil, fmt.Errorf("payloads: corrupt batch record %s", id)
	}
	batch := &Batch{ID: id, CreatedAt: int64(binary.BigEndian.Uint64(raw))}
	for offset := 8; offset < len(raw); offset += 32 {
		var h [32]byte
		copy(h[:], raw[offset:offset+32])
		batch.Hashes = append(batch.Hashes, h)
	}
	return batch, nil
}
