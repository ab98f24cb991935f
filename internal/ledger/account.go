package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountKey identifies one holder's balance of one asset.
type AccountKey struct {
	Holder common.Address
	Asset  common.Address
}

// NewAccountKey creates a key for holder's balance of asset.
func NewAccountKey(holder, asset common.Address) AccountKey {
	return AccountKey{Holder: holder, Asset: asset}
}

// ExternalAccountKey is the boundary account deposits are drawn from. It is
// never tracked as a balance.
func ExternalAccountKey(asset common.Address) AccountKey {
	return AccountKey{Asset: asset}
}

// IsExternal reports whether the key is the deposit boundary.
func (k AccountKey) IsExternal() bool {
	return k.Holder == (common.Address{})
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	if k.IsExternal() {
		return fmt.Sprintf("external:%s", k.Asset.Hex())
	}
	return fmt.Sprintf("holder:%s:%s", k.Holder.Hex(), k.Asset.Hex())
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	if asset, ok := strings.CutPrefix(path, "external:"); ok {
		if !common.IsHexAddress(asset) {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		return ExternalAccountKey(common.HexToAddress(asset)), nil
	}

	rest, ok := strings.CutPrefix(path, "holder:")
	if !ok {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	holder, asset, ok := strings.Cut(rest, ":")
	if !ok || !common.IsHexAddress(holder) || !common.IsHexAddress(asset) {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	return NewAccountKey(common.HexToAddress(holder), common.HexToAddress(asset)), nil
}
