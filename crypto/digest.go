package crypto

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// snapshotDigestPrefix domain-separates snapshot signatures from any other
// message an attestor key might ever sign.
const snapshotDigestPrefix = "\x19vaultkeeper snapshot:\n"

// SignatureLength is the size of a recoverable [R || S || V] signature.
const SignatureLength = 65

// SnapshotDigest computes the 32-byte digest attestors sign when endorsing a
// rewards snapshot.
func SnapshotDigest(root [32]byte, timestamp, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(snapshotDigestPrefix)+32+8+8)
	buf = append(buf, snapshotDigestPrefix...)
	buf = append(buf, root[:]...)
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

// RecoverSigner recovers the 20-byte signer address from a 65-byte
// recoverable signature over the given digest.
func RecoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	var addr [20]byte
	if len(sig) != SignatureLength {
		return addr, fmt.Errorf("crypto: signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	pubKey, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return addr, fmt.Errorf("crypto: recover signer: %w", err)
	}
	copy(addr[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return addr, nil
}
