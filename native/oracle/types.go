package oracle

// RewardsSnapshot is the accepted global commitment to every vault's
// cumulative rewards at a point in time.
type RewardsSnapshot struct {
	Root            [32]byte
	PreviousRoot    [32]byte
	Nonce           uint64
	UpdateTimestamp uint64
}

// Clone produces a copy of the snapshot.
func (s *RewardsSnapshot) Clone() *RewardsSnapshot {
	if s == nil {
		return &RewardsSnapshot{}
	}
	clone := *s
	return &clone
}
