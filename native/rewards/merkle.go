package rewards

import (
	"bytes"
	"math/big"

	"github.com/holiman/uint256"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// HarvestLeaf computes the Merkle leaf committing a vault's cumulative
// reward streams: keccak256(keccak256(vault || int256(reward) ||
// uint256(execReward))). The double hash keeps leaves from being
// reinterpreted as interior nodes.
func HarvestLeaf(vault [20]byte, cumulativeReward *big.Int, cumulativeExecReward *uint256.Int) [32]byte {
	buf := make([]byte, 0, 20+32+32)
	buf = append(buf, vault[:]...)
	buf = append(buf, int256Bytes(cumulativeReward)...)
	exec := uint256.NewInt(0)
	if cumulativeExecReward != nil {
		exec.Set(cumulativeExecReward)
	}
	execBytes := exec.Bytes32()
	buf = append(buf, execBytes[:]...)

	var leaf [32]byte
	copy(leaf[:], ethcrypto.Keccak256(ethcrypto.Keccak256(buf)))
	return leaf
}

// VerifyProof checks a sorted-pair keccak Merkle proof for leaf against
// root. Sibling hashes are combined smaller-first, so the proof carries no
// left/right flags.
func VerifyProof(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

func hashPair(a, b [32]byte) [32]byte {
	var out [32]byte
	if bytes.Compare(a[:], b[:]) <= 0 {
		copy(out[:], ethcrypto.Keccak256(a[:], b[:]))
	} else {
		copy(out[:], ethcrypto.Keccak256(b[:], a[:]))
	}
	return out
}

// int256Bytes renders a signed value as a 32-byte big-endian two's
// complement quantity.
func int256Bytes(v *big.Int) []byte {
	out := make([]byte, 32)
	if v == nil || v.Sign() == 0 {
		return out
	}
	enc := new(big.Int).Set(v)
	if enc.Sign() < 0 {
		// two's complement: 2^256 + v
		enc.Add(enc, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	enc.FillBytes(out)
	return out
}
