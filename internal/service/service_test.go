package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/paylink/internal/aggregator"
	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/gateway"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/repository"
	"github.com/iliyamo/paylink/internal/token"
)

const testCode = "482913"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mr      *miniredis.Miniredis
	store   *kv.RedisStore
	clk     *clock
	tokens  *token.Service
	limiter *ratelimit.Limiter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := kv.NewRedisStore(rdb)
	clk := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	return &harness{
		mr:      mr,
		store:   store,
		clk:     clk,
		tokens:  token.NewService(store, time.Hour).WithClock(clk.Now),
		limiter: ratelimit.New(store, 0, nil).WithClock(clk.Now),
	}
}

func (h *harness) engine(kind string, d challenge.Deliverer) *challenge.Engine {
	cfg := challenge.Config{Kind: kind, TTL: 5 * time.Minute, Generate: challenge.Fixed(testCode), Deliverer: d}
	return challenge.NewEngine(h.store, cfg, nil).WithClock(h.clk.Now)
}

type delivery struct{ to, message string }

type outbox struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (o *outbox) Deliver(_ context.Context, destination, message string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, delivery{to: destination, message: message})
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

// ---- relational store stubs ----

type stubCustomers struct {
	byPhone map[string]model.Customer
}

func (s *stubCustomers) Create(_ context.Context, phone, name, hash string) (int64, error) {
	if s.byPhone == nil {
		s.byPhone = map[string]model.Customer{}
	}
	if _, ok := s.byPhone[phone]; ok {
		return 0, apperr.Newf(apperr.AlreadyExists, "phone already registered")
	}
	id := int64(len(s.byPhone) + 1)
	s.byPhone[phone] = model.Customer{ID: id, Phone: phone, Name: name, PasswordHash: hash}
	return id, nil
}

func (s *stubCustomers) GetByPhone(_ context.Context, phone string) (*model.Customer, error) {
	c, ok := s.byPhone[phone]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "customer not found")
	}
	return &c, nil
}

type stubMerchants struct {
	byID map[int64]*model.Merchant
}

func newStubMerchants() *stubMerchants { return &stubMerchants{byID: map[int64]*model.Merchant{}} }

func (s *stubMerchants) Create(_ context.Context, email, name, hash, account string) (int64, error) {
	for _, m := range s.byID {
		if m.Email == email {
			return 0, apperr.Newf(apperr.AlreadyExists, "email already registered")
		}
	}
	id := int64(len(s.byID) + 1)
	s.byID[id] = &model.Merchant{ID: id, Email: email, Name: name, PasswordHash: hash, GatewayAccount: account}
	return id, nil
}

func (s *stubMerchants) GetByEmail(_ context.Context, email string) (*model.Merchant, error) {
	for _, m := range s.byID {
		if m.Email == email {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.NotFound, "merchant not found")
}

func (s *stubMerchants) GetByID(_ context.Context, id int64) (*model.Merchant, error) {
	m, ok := s.byID[id]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "merchant not found")
	}
	cp := *m
	return &cp, nil
}

func (s *stubMerchants) MarkEmailVerified(_ context.Context, id int64) error {
	m, ok := s.byID[id]
	if !ok {
		return apperr.Newf(apperr.NotFound, "merchant not found")
	}
	m.EmailVerified = true
	return nil
}

type stubCards struct {
	mu      sync.Mutex
	cards   []model.Card
	listErr map[model.CardKind]error
}

func (s *stubCards) CheckLinkable(_ context.Context, customerID int64, card repository.CardSaver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if c.Kind == card.Kind() && c.NumberHash == card.NumberHash() {
			if c.CustomerID == customerID {
				return apperr.Newf(apperr.AlreadyExists, "card already linked")
			}
			return apperr.Newf(apperr.BelongsToAnother, "card linked to another account")
		}
	}
	return nil
}

func (s *stubCards) Add(ctx context.Context, customerID int64, card repository.CardSaver) (int64, error) {
	if err := s.CheckLinkable(ctx, customerID, card); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := model.Card{ID: int64(len(s.cards) + 1), CustomerID: customerID, Kind: card.Kind(), NumberHash: card.NumberHash()}
	switch v := card.(type) {
	case repository.BankCard:
		c.Reference, c.Expiry, c.Holder, c.Label = v.Token, v.Expiry, v.Holder, v.Label
	case repository.TransportCard:
		c.Reference, c.Label = v.Number, v.Label
	}
	s.cards = append(s.cards, c)
	return c.ID, nil
}

func (s *stubCards) GetOwned(_ context.Context, customerID, cardID int64) (*model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if c.ID == cardID && c.CustomerID == customerID {
			cp := c
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.NotFound, "card not found")
}

func (s *stubCards) ListByCustomer(_ context.Context, customerID int64, kind model.CardKind) ([]model.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listErr[kind]; err != nil {
		return nil, err
	}
	var out []model.Card
	for _, c := range s.cards {
		if c.CustomerID == customerID && c.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *stubCards) Delete(_ context.Context, customerID, cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.cards {
		if c.ID == cardID && c.CustomerID == customerID {
			s.cards = append(s.cards[:i], s.cards[i+1:]...)
			return nil
		}
	}
	return apperr.Newf(apperr.NotFound, "card not found")
}

// ---- upstream stubs ----

type stubGateway struct {
	info     *gateway.CardInfo
	infoErr  error
	balances map[string]int64
}

func (g *stubGateway) CardInfo(context.Context, string, string) (*gateway.CardInfo, error) {
	if g.infoErr != nil {
		return nil, g.infoErr
	}
	cp := *g.info
	return &cp, nil
}

func (g *stubGateway) Balance(_ context.Context, tok string) (int64, error) {
	b, ok := g.balances[tok]
	if !ok {
		return 0, gateway.ErrTransport
	}
	return b, nil
}

type stubTransit struct {
	known    map[string]int64
	stations []aggregator.Station
}

func (s *stubTransit) Card(_ context.Context, number string) (*aggregator.TransportCard, error) {
	b, ok := s.known[number]
	if !ok {
		return nil, apperr.Newf(apperr.CardNotFound, "transport card not registered")
	}
	return &aggregator.TransportCard{Number: number, Balance: b, Active: true}, nil
}

func (s *stubTransit) Balance(_ context.Context, number string) (int64, error) {
	b, ok := s.known[number]
	if !ok {
		return 0, aggregator.ErrTransport
	}
	return b, nil
}

func (s *stubTransit) Stations(context.Context) ([]aggregator.Station, error) {
	return s.stations, nil
}
