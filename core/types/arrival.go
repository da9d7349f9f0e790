package types

// Arrival is the notification delivered to a receiver after an asset ledger
// moved Asset from Sender into the receiver's custody. Msg is the opaque
// instruction payload supplied by the sender.
type Arrival struct {
	Sender string
	Asset  Asset
	Msg    []byte
}
