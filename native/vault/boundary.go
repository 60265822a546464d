package vault

import "github.com/holiman/uint256"

// Registry is the boundary to the vault whitelist. Only registered vaults
// may drive harvest and push style operations.
type Registry interface {
	IsVault(addr [20]byte) bool
}

// ShareConverter is the boundary to the vault's share bookkeeping, which is
// policy glue outside this core. It supplies the prevailing exchange rate
// in both directions; implementations must floor in both conversions.
type ShareConverter interface {
	SharesToAssets(vault [20]byte, shares *uint256.Int) *uint256.Int
	AssetsToShares(vault [20]byte, assets *uint256.Int) *uint256.Int
}

// IdentityConverter values one share at exactly one asset unit.
type IdentityConverter struct{}

// SharesToAssets implements the ShareConverter interface.
func (IdentityConverter) SharesToAssets(_ [20]byte, shares *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(shares)
}

// AssetsToShares implements the ShareConverter interface.
func (IdentityConverter) AssetsToShares(_ [20]byte, assets *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(assets)
}
