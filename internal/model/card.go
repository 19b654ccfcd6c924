package model

import "time"

// CardKind discriminates the two kinds of cards a customer can link.
type CardKind string

const (
	// CardBank is a debit card held at a bank and charged through the
	// payment gateway.
	CardBank CardKind = "bank"
	// CardTransport is a metro/bus card topped up through the aggregator.
	CardTransport CardKind = "transport"
)

// Valid reports whether k is a known kind.
func (k CardKind) Valid() bool { return k == CardBank || k == CardTransport }

// Card is a row of the `cards` table.  Bank card numbers are never stored:
// the row keeps the masked PAN, a SHA‑256 fingerprint for uniqueness and the
// gateway's card token.  Transport cards keep their number in Reference
// because the aggregator addresses them by number.
//
// Fields:
//
//	ID         – primary key identifier.
//	CustomerID – owner of the card.
//	Kind       – bank or transport.
//	Masked     – display form of the number.
//	NumberHash – SHA‑256 hex of the full number; unique per kind.
//	Reference  – gateway token (bank) or card number (transport).
//	Expiry     – MMYY, bank cards only.
//	Holder     – name printed on the card, bank cards only.
//	Label      – optional user‑chosen name.
//	CreatedAt  – timestamp of linking.
type Card struct {
	ID         int64
	CustomerID int64
	Kind       CardKind
	Masked     string
	NumberHash string
	Reference  string
	Expiry     string
	Holder     string
	Label      string
	CreatedAt  time.Time
}

// CardView is what a customer sees when listing cards: the stored row plus
// a live balance.  Balance is nil when the upstream lookup failed.
type CardView struct {
	Card
	Balance *int64
}
