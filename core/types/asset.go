package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// AssetKind distinguishes balance-style assets from unique tokens.
type AssetKind uint8

const (
	AssetNone AssetKind = iota
	AssetFungible
	AssetUnique
)

// MaxAmountBits bounds fungible amounts to unsigned 128-bit values.
const MaxAmountBits = 128

var ErrInvalidAsset = errors.New("types: invalid asset")

func (k AssetKind) String() string {
	switch k {
	case AssetFungible:
		return "fungible"
	case AssetUnique:
		return "unique"
	default:
		return "none"
	}
}

// ParseAssetKind accepts the names produced by String plus the ft/nft short
// forms.
func ParseAssetKind(raw string) (AssetKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fungible", "ft":
		return AssetFungible, nil
	case "unique", "nft":
		return AssetUnique, nil
	default:
		return AssetNone, fmt.Errorf("%w: unknown kind %q", ErrInvalidAsset, raw)
	}
}

// Asset describes a quantity of a single asset contract. Fungible assets use
// Amount, unique assets use TokenID.
type Asset struct {
	Kind     AssetKind `json:"kind"`
	Contract string    `json:"contract"`
	Amount   *big.Int  `json:"amount,omitempty"`
	TokenID  string    `json:"tokenId,omitempty"`
}

// Fungible builds a fungible asset descriptor.
func Fungible(contract string, amount *big.Int) Asset {
	return Asset{Kind: AssetFungible, Contract: contract, Amount: cloneAmount(amount)}
}

// Unique builds a unique-token asset descriptor.
func Unique(contract, tokenID string) Asset {
	return Asset{Kind: AssetUnique, Contract: contract, TokenID: tokenID, Amount: new(big.Int)}
}

// IsZero reports whether the descriptor is unset.
func (a Asset) IsZero() bool { return a.Kind == AssetNone }

// Clone returns a deep copy.
func (a Asset) Clone() Asset {
	clone := a
	clone.Amount = cloneAmount(a.Amount)
	return clone
}

// Equal reports whether two descriptors name exactly the same asset and
// quantity, including the contract identity.
func (a Asset) Equal(other Asset) bool {
	if a.Kind != other.Kind || a.Contract != other.Contract {
		return false
	}
	switch a.Kind {
	case AssetFungible:
		return cloneAmount(a.Amount).Cmp(cloneAmount(other.Amount)) == 0
	case AssetUnique:
		return a.TokenID == other.TokenID
	default:
		return true
	}
}

// Sanitize validates the descriptor and returns its canonical form.
func (a Asset) Sanitize() (Asset, error) {
	contract, err := NormalizeAccount(a.Contract)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: contract: %v", ErrInvalidAsset, err)
	}
	out := Asset{Kind: a.Kind, Contract: contract, Amount: new(big.Int)}
	switch a.Kind {
	case AssetFungible:
		amount := cloneAmount(a.Amount)
		if amount.Sign() <= 0 {
			return Asset{}, fmt.Errorf("%w: amount must be positive", ErrInvalidAsset)
		}
		if amount.BitLen() > MaxAmountBits {
			return Asset{}, fmt.Errorf("%w: amount exceeds %d bits", ErrInvalidAsset, MaxAmountBits)
		}
		out.Amount = amount
	case AssetUnique:
		tokenID := strings.TrimSpace(a.TokenID)
		if tokenID == "" {
			return Asset{}, fmt.Errorf("%w: token id required", ErrInvalidAsset)
		}
		out.TokenID = tokenID
	default:
		return Asset{}, fmt.Errorf("%w: kind %d", ErrInvalidAsset, a.Kind)
	}
	return out, nil
}

// String renders the descriptor for logs and events.
func (a Asset) String() string {
	switch a.Kind {
	case AssetFungible:
		return fmt.Sprintf("%s:%s", a.Contract, cloneAmount(a.Amount).String())
	case AssetUnique:
		return fmt.Sprintf("%s#%s", a.Contract, a.TokenID)
	default:
		return "none"
	}
}

// ParseAmount parses a base-10 fungible amount.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidAsset)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrInvalidAsset, raw)
	}
	return amount, nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
