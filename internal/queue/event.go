// Package queue carries messages between the API and background workers over
// RabbitMQ: outbound SMS and e-mail notifications, and transaction events.
package queue

import "time"

// Queue names.  All queues are durable.
const (
	QueueEmail                = "notify.email"
	QueueSMS                  = "notify.sms"
	QueueTransactionCompleted = "transaction.completed"
)

// Notification is one outbound message for the SMS or e-mail gateway
// worker.
type Notification struct {
	To        string    `json:"to"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionCompletedEvent is published once a payment or top-up has been
// recorded.  It carries enough for downstream consumers to log or notify
// without querying the primary database.
type TransactionCompletedEvent struct {
	TransactionID int64  `json:"transaction_id"`
	CustomerID    int64  `json:"customer_id"`
	CardID        int64  `json:"card_id"`
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	ExternalRef   string `json:"external_ref"`
	GatewayRef    string `json:"gateway_ref"`
	Destination   string `json:"destination"`
	CompletedAt   string `json:"completed_at"`
}
