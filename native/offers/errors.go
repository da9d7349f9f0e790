package offers

import "errors"

var (
	ErrNotFound           = errors.New("offers: offer not found")
	ErrUnauthorized       = errors.New("offers: caller not authorized")
	ErrTermsMismatch      = errors.New("offers: deposit does not match offer terms")
	ErrInsufficientBudget = errors.New("offers: insufficient gas reserved for settlement")
	ErrSelfDealing        = errors.New("offers: maker and counterparty must differ")
	ErrUnderspecified     = errors.New("offers: exactly one requested asset must be specified")
	ErrInvalidInstruction = errors.New("offers: invalid instruction")
	ErrOfferExists        = errors.New("offers: offer id already used")
	ErrInvalidLimit       = errors.New("offers: limit must be positive")
	ErrSettlementMismatch = errors.New("offers: callback does not match settlement log")
	ErrTransferFailed     = errors.New("offers: transfer failed")
	ErrNilState           = errors.New("offers: state not configured")
)
