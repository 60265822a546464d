// Package registry provides a file-backed implementation of the attestor
// and vault registries the accounting engines consume at their boundaries.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"vaultkeeper/crypto"
)

// File is the on-disk registry document.
type File struct {
	// Quorum is the minimum number of distinct attestor signatures a
	// snapshot needs.
	Quorum int `yaml:"quorum"`
	// Attestors lists bech32 attestor addresses.
	Attestors []string `yaml:"attestors"`
	// Vaults lists bech32 addresses authorized for harvest/push
	// operations.
	Vaults []string `yaml:"vaults"`
}

// Registry holds the attestor set, the quorum threshold, and the vault
// whitelist. It satisfies both oracle.AttestorRegistry and vault.Registry.
type Registry struct {
	mu        sync.RWMutex
	quorum    int
	attestors map[[20]byte]struct{}
	vaults    map[[20]byte]struct{}
}

// New returns an empty registry with the given quorum.
func New(quorum int) *Registry {
	return &Registry{
		quorum:    quorum,
		attestors: make(map[[20]byte]struct{}),
		vaults:    make(map[[20]byte]struct{}),
	}
}

// Load reads and validates a registry document from path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var doc File
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	return FromFile(doc)
}

// FromFile builds a registry from a parsed document.
func FromFile(doc File) (*Registry, error) {
	if doc.Quorum <= 0 {
		return nil, fmt.Errorf("registry: quorum must be positive, got %d", doc.Quorum)
	}
	r := New(doc.Quorum)
	for _, entry := range doc.Attestors {
		addr, err := decode(entry)
		if err != nil {
			return nil, fmt.Errorf("registry: attestor %q: %w", entry, err)
		}
		r.attestors[addr] = struct{}{}
	}
	if len(r.attestors) < doc.Quorum {
		return nil, fmt.Errorf("registry: %d attestors cannot satisfy quorum %d", len(r.attestors), doc.Quorum)
	}
	for _, entry := range doc.Vaults {
		addr, err := decode(entry)
		if err != nil {
			return nil, fmt.Errorf("registry: vault %q: %w", entry, err)
		}
		r.vaults[addr] = struct{}{}
	}
	return r, nil
}

func decode(entry string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(entry)
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

// IsAttestor implements oracle.AttestorRegistry.
func (r *Registry) IsAttestor(addr [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.attestors[addr]
	return ok
}

// Quorum implements oracle.AttestorRegistry.
func (r *Registry) Quorum() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quorum
}

// IsVault implements vault.Registry.
func (r *Registry) IsVault(addr [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vaults[addr]
	return ok
}

// AddAttestor registers an attestor at runtime.
func (r *Registry) AddAttestor(addr [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attestors[addr] = struct{}{}
}

// AddVault whitelists a vault at runtime.
func (r *Registry) AddVault(addr [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[addr] = struct{}{}
}

// Attestors returns the registered attestor addresses in ascending order.
func (r *Registry) Attestors() [][20]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([][20]byte, 0, len(r.attestors))
	for addr := range r.attestors {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
