package offers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"offerbook/core/types"
)

// Instruction is the payload a depositor attaches to an asset arrival. A
// payload naming a counterparty creates an offer. A payload naming only an
// offer id accepts it.
type Instruction struct {
	Counterparty        string `json:"counterparty,omitempty"`
	AssetOutFTContract  string `json:"asset_out_ft_contract,omitempty"`
	AssetOutAmount      string `json:"asset_out_amount,omitempty"`
	AssetOutNFTContract string `json:"asset_out_nft_contract,omitempty"`
	AssetOutToken       string `json:"asset_out_token,omitempty"`
	OfferID             string `json:"offer_id,omitempty"`
}

// ParseInstruction decodes msg strictly. Unknown fields are rejected.
func ParseInstruction(msg []byte) (Instruction, error) {
	var inst Instruction
	if len(bytes.TrimSpace(msg)) == 0 {
		return inst, fmt.Errorf("%w: empty payload", ErrInvalidInstruction)
	}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inst); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if dec.More() {
		return Instruction{}, fmt.Errorf("%w: trailing data", ErrInvalidInstruction)
	}
	return inst, nil
}

// CreateInstruction builds the creation payload requesting out from
// counterparty. offerID may be empty to let the engine derive one.
func CreateInstruction(counterparty string, out types.Asset, offerID string) Instruction {
	inst := Instruction{Counterparty: counterparty, OfferID: offerID}
	switch out.Kind {
	case types.AssetFungible:
		inst.AssetOutFTContract = out.Contract
		if out.Amount != nil {
			inst.AssetOutAmount = out.Amount.String()
		}
	case types.AssetUnique:
		inst.AssetOutNFTContract = out.Contract
		inst.AssetOutToken = out.TokenID
	}
	return inst
}

// AcceptInstruction builds the acceptance payload for offerID.
func AcceptInstruction(offerID string) Instruction {
	return Instruction{OfferID: offerID}
}

// Encode renders the instruction as JSON.
func (i Instruction) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// IsCreate reports whether the payload requests offer creation.
func (i Instruction) IsCreate() bool {
	return strings.TrimSpace(i.Counterparty) != ""
}

// IsAccept reports whether the payload only references an existing offer.
func (i Instruction) IsAccept() bool {
	return !i.IsCreate() && strings.TrimSpace(i.OfferID) != "" && !i.hasRequest()
}

func (i Instruction) hasRequest() bool {
	return i.AssetOutFTContract != "" || i.AssetOutAmount != "" || i.AssetOutNFTContract != "" || i.AssetOutToken != ""
}

// RequestedAsset returns the asset the maker expects. Exactly one of the
// fungible pair (contract, amount) or the unique pair (contract, token) must
// be complete and the other pair must be absent.
func (i Instruction) RequestedAsset() (types.Asset, error) {
	ftContract := strings.TrimSpace(i.AssetOutFTContract)
	ftAmount := strings.TrimSpace(i.AssetOutAmount)
	nftContract := strings.TrimSpace(i.AssetOutNFTContract)
	nftToken := strings.TrimSpace(i.AssetOutToken)

	ftAny, ftAll := ftContract != "" || ftAmount != "", ftContract != "" && ftAmount != ""
	nftAny, nftAll := nftContract != "" || nftToken != "", nftContract != "" && nftToken != ""
	switch {
	case ftAll && !nftAny:
		amount, err := types.ParseAmount(ftAmount)
		if err != nil {
			return types.Asset{}, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
		}
		asset, err := types.Fungible(ftContract, amount).Sanitize()
		if err != nil {
			return types.Asset{}, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
		}
		return asset, nil
	case nftAll && !ftAny:
		asset, err := types.Unique(nftContract, nftToken).Sanitize()
		if err != nil {
			return types.Asset{}, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
		}
		return asset, nil
	default:
		return types.Asset{}, ErrUnderspecified
	}
}
