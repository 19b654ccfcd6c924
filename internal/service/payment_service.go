package service

import (
	"context"

	"github.com/iliyamo/paylink/internal/aggregator"
	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/orchestrator"
)

// Payer runs the compensating money flows.
type Payer interface {
	TopUpTransport(ctx context.Context, req orchestrator.TopUpRequest) (*model.Transaction, error)
	PayMerchant(ctx context.Context, req orchestrator.PaymentRequest) (*model.Transaction, error)
}

type Transit interface {
	Balance(ctx context.Context, number string) (int64, error)
	Stations(ctx context.Context) ([]aggregator.Station, error)
}

type OwnedCards interface {
	GetOwned(ctx context.Context, customerID, cardID int64) (*model.Card, error)
}

type TransactionHistory interface {
	ListByCustomer(ctx context.Context, customerID int64, limit int) ([]model.Transaction, error)
}

const (
	defaultHistory = 20
	maxHistory     = 100
)

// PaymentService is the customer's money surface: top-ups, merchant
// payments and the read-only transit lookups around them.
type PaymentService struct {
	payer   Payer
	cards   OwnedCards
	transit Transit
	history TransactionHistory
}

func NewPaymentService(payer Payer, cards OwnedCards, transit Transit, history TransactionHistory) *PaymentService {
	return &PaymentService{payer: payer, cards: cards, transit: transit, history: history}
}

func (s *PaymentService) TopUp(ctx context.Context, req orchestrator.TopUpRequest) (*model.Transaction, error) {
	return s.payer.TopUpTransport(ctx, req)
}

func (s *PaymentService) Pay(ctx context.Context, req orchestrator.PaymentRequest) (*model.Transaction, error) {
	return s.payer.PayMerchant(ctx, req)
}

// TransportBalance returns the live balance of one of the customer's
// transport cards.
func (s *PaymentService) TransportBalance(ctx context.Context, customerID, cardID int64) (int64, error) {
	card, err := s.cards.GetOwned(ctx, customerID, cardID)
	if err != nil {
		return 0, err
	}
	if card.Kind != model.CardTransport {
		return 0, apperr.Newf(apperr.InvalidRequest, "not a transport card")
	}
	return s.transit.Balance(ctx, card.Reference)
}

func (s *PaymentService) Stations(ctx context.Context) ([]aggregator.Station, error) {
	return s.transit.Stations(ctx)
}

// History returns the customer's latest transactions, newest first.
func (s *PaymentService) History(ctx context.Context, customerID int64, limit int) ([]model.Transaction, error) {
	switch {
	case limit <= 0:
		limit = defaultHistory
	case limit > maxHistory:
		limit = maxHistory
	}
	return s.history.ListByCustomer(ctx, customerID, limit)
}
