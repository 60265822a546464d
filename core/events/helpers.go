package events

import (
	"math/big"

	"github.com/holiman/uint256"
)

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatUint(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
