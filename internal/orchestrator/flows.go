package orchestrator

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/aggregator"
	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/gateway"
	"github.com/iliyamo/paylink/internal/model"
)

type CardStore interface {
	GetOwned(ctx context.Context, customerID, cardID int64) (*model.Card, error)
}

type MerchantStore interface {
	GetByID(ctx context.Context, id int64) (*model.Merchant, error)
}

type TransactionStore interface {
	ExistsByKey(ctx context.Context, customerID int64, key string) (bool, error)
	Create(ctx context.Context, tx *model.Transaction) error
}

// TopUpper credits transport cards.
type TopUpper interface {
	TopUp(ctx context.Context, number string, amount int64, extID string) (*aggregator.TopUp, error)
}

// EventPublisher announces completed transactions.  Publishing is best
// effort and never fails a payment.
type EventPublisher interface {
	PublishTransaction(ctx context.Context, tx model.Transaction) error
}

// Flows are the concrete payment operations built on Run.
type Flows struct {
	orch      *Orchestrator
	cards     CardStore
	merchants MerchantStore
	txs       TransactionStore
	transit   TopUpper
	events    EventPublisher
}

// NewFlows wires the payment flows.  events may be nil.
func NewFlows(orch *Orchestrator, cards CardStore, merchants MerchantStore, txs TransactionStore, transit TopUpper, events EventPublisher) *Flows {
	return &Flows{orch: orch, cards: cards, merchants: merchants, txs: txs, transit: transit, events: events}
}

// TopUpRequest moves money from a bank card to a transport card.
type TopUpRequest struct {
	CustomerID      int64
	BankCardID      int64
	TransportCardID int64
	Amount          int64
	IdempotencyKey  string
}

// PaymentRequest pays a merchant from a bank card.
type PaymentRequest struct {
	CustomerID     int64
	CardID         int64
	MerchantID     int64
	Amount         int64
	IdempotencyKey string
}

// TopUpTransport charges the bank card, credits the transport card at the
// aggregator and records the transaction.  A failed credit or a failed
// write reverses the charge.
func (f *Flows) TopUpTransport(ctx context.Context, req TopUpRequest) (*model.Transaction, error) {
	if req.Amount <= 0 {
		return nil, apperr.Newf(apperr.InvalidRequest, "amount must be positive")
	}
	bank, err := f.ownedCard(ctx, req.CustomerID, req.BankCardID, model.CardBank)
	if err != nil {
		return nil, err
	}
	transport, err := f.ownedCard(ctx, req.CustomerID, req.TransportCardID, model.CardTransport)
	if err != nil {
		return nil, err
	}

	intent := NewIntent(req.Amount, bank.Reference, "")
	tx := &model.Transaction{
		CustomerID:     req.CustomerID,
		CardID:         bank.ID,
		Kind:           model.TxTopUp,
		Amount:         req.Amount,
		ExternalRef:    intent.ExternalRef,
		Destination:    strconv.FormatInt(transport.ID, 10),
		IdempotencyKey: idempotencyKey(req.IdempotencyKey, intent.ExternalRef),
		Status:         model.TxCompleted,
	}
	if err := f.checkDuplicate(ctx, tx); err != nil {
		return nil, err
	}

	var credit *aggregator.TopUp
	record := f.recordStep(tx)
	_, err = f.orch.Run(ctx, &intent,
		Step{Name: "aggregator.topup", Run: func(ctx context.Context, p *gateway.Payment) error {
			c, err := f.transit.TopUp(ctx, transport.Reference, req.Amount, intent.ExternalRef)
			credit = c
			return err
		}},
		Step{Name: record.Name, Run: func(ctx context.Context, p *gateway.Payment) error {
			err := record.Run(ctx, p)
			if err != nil && credit != nil {
				// the aggregator has no reversal; the card keeps the credit
				// while the bank charge is reversed
				log.Error().Err(err).Str("component", "orchestrator").
					Str("topup_id", credit.ID).Str("ext_ref", intent.ExternalRef).
					Int64("transport_card_id", transport.ID).Int64("amount", req.Amount).
					Msg("CRITICAL: transport credit not reversed, manual reconciliation required")
			}
			return err
		}},
	)
	return f.finish(ctx, tx, err)
}

// PayMerchant charges the bank card in favour of a verified merchant and
// records the transaction.
func (f *Flows) PayMerchant(ctx context.Context, req PaymentRequest) (*model.Transaction, error) {
	if req.Amount <= 0 {
		return nil, apperr.Newf(apperr.InvalidRequest, "amount must be positive")
	}
	card, err := f.ownedCard(ctx, req.CustomerID, req.CardID, model.CardBank)
	if err != nil {
		return nil, err
	}
	merchant, err := f.merchants.GetByID(ctx, req.MerchantID)
	if err != nil {
		return nil, err
	}
	if !merchant.EmailVerified || merchant.GatewayAccount == "" {
		return nil, apperr.Newf(apperr.NotAllowed, "merchant cannot accept payments yet")
	}

	intent := NewIntent(req.Amount, card.Reference, merchant.GatewayAccount)
	tx := &model.Transaction{
		CustomerID:     req.CustomerID,
		CardID:         card.ID,
		Kind:           model.TxPayment,
		Amount:         req.Amount,
		ExternalRef:    intent.ExternalRef,
		Destination:    strconv.FormatInt(merchant.ID, 10),
		IdempotencyKey: idempotencyKey(req.IdempotencyKey, intent.ExternalRef),
		Status:         model.TxCompleted,
	}
	if err := f.checkDuplicate(ctx, tx); err != nil {
		return nil, err
	}

	_, err = f.orch.Run(ctx, &intent, f.recordStep(tx))
	return f.finish(ctx, tx, err)
}

func (f *Flows) ownedCard(ctx context.Context, customerID, cardID int64, kind model.CardKind) (*model.Card, error) {
	card, err := f.cards.GetOwned(ctx, customerID, cardID)
	if err != nil {
		return nil, err
	}
	if card.Kind != kind {
		return nil, apperr.Newf(apperr.InvalidRequest, "card %d is not a %s card", cardID, kind)
	}
	return card, nil
}

func (f *Flows) checkDuplicate(ctx context.Context, tx *model.Transaction) error {
	dup, err := f.txs.ExistsByKey(ctx, tx.CustomerID, tx.IdempotencyKey)
	if err != nil {
		return err
	}
	if dup {
		return apperr.Newf(apperr.AlreadyExists, "transaction already processed")
	}
	return nil
}

func (f *Flows) recordStep(tx *model.Transaction) Step {
	return Step{Name: "transaction.insert", Run: func(ctx context.Context, p *gateway.Payment) error {
		tx.GatewayRef = p.RefNum
		return f.txs.Create(ctx, tx)
	}}
}

// finish publishes a completed transaction or, after a confirmed reversal,
// writes the reversed row.  The error returned is always Run's.
func (f *Flows) finish(ctx context.Context, tx *model.Transaction, runErr error) (*model.Transaction, error) {
	if runErr == nil {
		if f.events != nil {
			if err := f.events.PublishTransaction(context.WithoutCancel(ctx), *tx); err != nil {
				log.Warn().Err(err).Str("component", "orchestrator").Int64("tx_id", tx.ID).Msg("publish transaction event failed")
			}
		}
		return tx, nil
	}

	if ce, ok := AsCompensated(runErr); ok && ce.Reversed() {
		reversed := *tx
		reversed.ID = 0
		reversed.GatewayRef = ce.Ref
		reversed.Status = model.TxReversed
		if err := f.txs.Create(context.WithoutCancel(ctx), &reversed); err != nil {
			log.Error().Err(err).Str("component", "orchestrator").Str("ref", ce.Ref).Msg("record reversal failed")
		}
	}
	return nil, runErr
}

func idempotencyKey(client, fallback string) string {
	if client != "" {
		return client
	}
	return fallback
}
