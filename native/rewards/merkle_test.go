package rewards

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func vaultAddr(index byte) [20]byte {
	var out [20]byte
	out[19] = index
	return out
}

// buildTree folds a power-of-two leaf set into a sorted-pair root and returns
// it alongside a proof per leaf.
func buildTree(t *testing.T, leaves [][32]byte) ([32]byte, [][][32]byte) {
	t.Helper()
	if len(leaves) == 0 || len(leaves)&(len(leaves)-1) != 0 {
		t.Fatalf("leaf count %d is not a power of two", len(leaves))
	}
	proofs := make([][][32]byte, len(leaves))
	level := append([][32]byte(nil), leaves...)
	cursor := make([]int, len(leaves))
	for i := range cursor {
		cursor[i] = i
	}
	for len(level) > 1 {
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			for leaf, pos := range cursor {
				if pos == i {
					proofs[leaf] = append(proofs[leaf], level[i+1])
				} else if pos == i+1 {
					proofs[leaf] = append(proofs[leaf], level[i])
				}
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		for leaf := range cursor {
			cursor[leaf] /= 2
		}
		level = next
	}
	return level[0], proofs
}

func TestHarvestLeafDeterministic(t *testing.T) {
	a := HarvestLeaf(vaultAddr(1), big.NewInt(100), uint256.NewInt(5))
	b := HarvestLeaf(vaultAddr(1), big.NewInt(100), uint256.NewInt(5))
	if a != b {
		t.Fatal("identical inputs must hash to the same leaf")
	}
	if a == HarvestLeaf(vaultAddr(2), big.NewInt(100), uint256.NewInt(5)) {
		t.Fatal("different vaults must hash to different leaves")
	}
	if a == HarvestLeaf(vaultAddr(1), big.NewInt(101), uint256.NewInt(5)) {
		t.Fatal("different rewards must hash to different leaves")
	}
	if a == HarvestLeaf(vaultAddr(1), big.NewInt(100), uint256.NewInt(6)) {
		t.Fatal("different exec rewards must hash to different leaves")
	}
}

func TestHarvestLeafNegativeReward(t *testing.T) {
	neg := HarvestLeaf(vaultAddr(1), big.NewInt(-100), uint256.NewInt(0))
	pos := HarvestLeaf(vaultAddr(1), big.NewInt(100), uint256.NewInt(0))
	if neg == pos {
		t.Fatal("sign must participate in the leaf encoding")
	}
	// -1 and max uint256 share the same two's-complement bytes, so the
	// leaves must match.
	maxVal := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if got := int256Bytes(big.NewInt(-1)); string(got) != string(int256Bytes(maxVal)) {
		t.Fatal("-1 must encode as all-ones")
	}
}

func TestVerifyProofRoundTrip(t *testing.T) {
	leaves := make([][32]byte, 4)
	for i := range leaves {
		leaves[i] = HarvestLeaf(vaultAddr(byte(i+1)), big.NewInt(int64(100*(i+1))), uint256.NewInt(uint64(i)))
	}
	root, proofs := buildTree(t, leaves)
	for i, leaf := range leaves {
		if !VerifyProof(leaf, proofs[i], root) {
			t.Fatalf("proof for leaf %d failed", i)
		}
	}
}

func TestVerifyProofRejectsMutation(t *testing.T) {
	leaves := make([][32]byte, 4)
	for i := range leaves {
		leaves[i] = HarvestLeaf(vaultAddr(byte(i+1)), big.NewInt(int64(100*(i+1))), uint256.NewInt(0))
	}
	root, proofs := buildTree(t, leaves)

	// Mutated leaf value.
	wrong := HarvestLeaf(vaultAddr(1), big.NewInt(101), uint256.NewInt(0))
	if VerifyProof(wrong, proofs[0], root) {
		t.Fatal("mutated leaf must not verify")
	}
	// Mutated sibling hash.
	badProof := append([][32]byte(nil), proofs[0]...)
	badProof[0][0] ^= 0x01
	if VerifyProof(leaves[0], badProof, root) {
		t.Fatal("mutated proof must not verify")
	}
	// Proof transplanted onto the wrong leaf.
	if VerifyProof(leaves[1], proofs[0], root) {
		t.Fatal("transplanted proof must not verify")
	}
}

func TestVerifyProofSingleLeafTree(t *testing.T) {
	leaf := HarvestLeaf(vaultAddr(1), big.NewInt(100), uint256.NewInt(0))
	// A one-leaf tree's root is the leaf itself and carries an empty proof.
	if !VerifyProof(leaf, nil, leaf) {
		t.Fatal("single-leaf proof failed")
	}
	other := HarvestLeaf(vaultAddr(2), big.NewInt(100), uint256.NewInt(0))
	if VerifyProof(other, nil, leaf) {
		t.Fatal("wrong leaf must not verify against a single-leaf root")
	}
}
