package model

import "time"

// Transaction kinds.
const (
	TxTopUp   = "topup"
	TxPayment = "payment"
)

// Transaction statuses.  A row is written only once the gateway confirmed
// the charge (completed) or after a confirmed reversal (reversed).
const (
	TxCompleted = "completed"
	TxReversed  = "reversed"
)

// Transaction is a row of the `transactions` table.
//
// Fields:
//
//	ID             – primary key identifier.
//	CustomerID     – who paid.
//	CardID         – bank card that was charged.
//	Kind           – topup or payment.
//	Amount         – amount in minor units (tiyin).
//	ExternalRef    – our idempotency id sent to the gateway (ext_id).
//	GatewayRef     – the gateway's reference for the charge.
//	Destination    – transport card id or merchant id, as text.
//	IdempotencyKey – client supplied key; unique per customer.
//	Status         – completed or reversed.
//	CreatedAt      – timestamp of the row.
type Transaction struct {
	ID             int64     `json:"id"`
	CustomerID     int64     `json:"customer_id"`
	CardID         int64     `json:"card_id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	ExternalRef    string    `json:"external_ref"`
	GatewayRef     string    `json:"gateway_ref"`
	Destination    string    `json:"destination"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}
