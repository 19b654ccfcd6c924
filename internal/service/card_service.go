package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/aggregator"
	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/gateway"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/repository"
)

// CardStore is the part of the card repository the card flows use.
type CardStore interface {
	CheckLinkable(ctx context.Context, customerID int64, card repository.CardSaver) error
	Add(ctx context.Context, customerID int64, card repository.CardSaver) (int64, error)
	GetOwned(ctx context.Context, customerID, cardID int64) (*model.Card, error)
	ListByCustomer(ctx context.Context, customerID int64, kind model.CardKind) ([]model.Card, error)
	Delete(ctx context.Context, customerID, cardID int64) error
}

type CardGateway interface {
	CardInfo(ctx context.Context, number, expiry string) (*gateway.CardInfo, error)
	Balance(ctx context.Context, cardToken string) (int64, error)
}

type TransitCards interface {
	Card(ctx context.Context, number string) (*aggregator.TransportCard, error)
	Balance(ctx context.Context, number string) (int64, error)
}

// CardService links, lists and removes customer cards.
type CardService struct {
	cards    CardStore
	gw       CardGateway
	transit  TransitCards
	cardLink *challenge.Engine
	limiter  *ratelimit.Limiter
}

func NewCardService(cards CardStore, gw CardGateway, transit TransitCards, cardLink *challenge.Engine, limiter *ratelimit.Limiter) *CardService {
	return &CardService{cards: cards, gw: gw, transit: transit, cardLink: cardLink, limiter: limiter}
}

type LinkBankCardInput struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	Label  string `json:"label"`
}

// LinkStarted tells the client where the code went and how long it lives.
type LinkStarted struct {
	Phone     string `json:"phone"`
	ExpiresIn int    `json:"expires_in"`
}

// pendingCard is the challenge payload: what gets saved once the holder
// proves possession of the phone on file at the bank.
type pendingCard struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	Token  string `json:"token"`
	Holder string `json:"holder"`
	Label  string `json:"label"`
}

func linkHandle(customerID int64, deviceID string) string {
	return fmt.Sprintf("%d:%s", customerID, deviceID)
}

// StartBankCardLink checks that the card can be linked, asks the gateway
// for the holder's phone and sends a code there.  Every sent code counts
// against the otp_send limiter.
func (s *CardService) StartBankCardLink(ctx context.Context, customerID int64, deviceID string, in LinkBankCardInput) (*LinkStarted, error) {
	number := digitsOnly(in.Number)
	if len(number) < 12 || len(in.Expiry) != 4 {
		return nil, apperr.Newf(apperr.InvalidRequest, "card number and expiry (MMYY) required")
	}
	if err := requireDevice(deviceID); err != nil {
		return nil, err
	}
	card := repository.BankCard{Number: number, Expiry: in.Expiry, Label: in.Label}
	if err := s.cards.CheckLinkable(ctx, customerID, card); err != nil {
		return nil, err
	}
	info, err := s.gw.CardInfo(ctx, number, in.Expiry)
	if err != nil {
		return nil, err
	}
	if info.Phone == "" {
		return nil, apperr.Newf(apperr.GatewayError, "card has no phone on file")
	}

	payload := pendingCard{Number: number, Expiry: in.Expiry, Token: info.Token, Holder: info.Holder, Label: in.Label}
	dec, err := s.limiter.Do(ctx, ratelimit.OTPSend, deviceID, func(ctx context.Context) (bool, error) {
		_, err := s.cardLink.Issue(ctx, linkHandle(customerID, deviceID), info.Phone, payload)
		return err == nil, err
	})
	if err != nil {
		return nil, limited(ratelimit.OTPSend, dec, err)
	}
	return &LinkStarted{Phone: maskPhone(info.Phone), ExpiresIn: apperr.Seconds(s.cardLink.TTL())}, nil
}

// ConfirmBankCardLink verifies the code and saves the card.  Wrong codes are
// strikes on the otp_verify limiter.
func (s *CardService) ConfirmBankCardLink(ctx context.Context, customerID int64, deviceID, code string) (*model.Card, error) {
	if err := requireDevice(deviceID); err != nil {
		return nil, err
	}
	var p pendingCard
	dec, err := s.limiter.Do(ctx, ratelimit.OTPVerify, deviceID, func(ctx context.Context) (bool, error) {
		err := s.cardLink.Verify(ctx, linkHandle(customerID, deviceID), strings.TrimSpace(code), &p)
		return apperr.IsKind(err, apperr.WrongOtp), err
	})
	if err != nil {
		return nil, limited(ratelimit.OTPVerify, dec, err)
	}

	id, err := s.cards.Add(ctx, customerID, repository.BankCard{
		Number: p.Number,
		Expiry: p.Expiry,
		Token:  p.Token,
		Holder: p.Holder,
		Label:  p.Label,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "cards").Int64("customer_id", customerID).Int64("card_id", id).Msg("bank card linked")
	return s.cards.GetOwned(ctx, customerID, id)
}

// AddTransportCard links a transport card the aggregator knows about.  No
// challenge is involved: the card carries no money that can leave it.
func (s *CardService) AddTransportCard(ctx context.Context, customerID int64, number, label string) (*model.Card, error) {
	number = digitsOnly(number)
	if number == "" {
		return nil, apperr.Newf(apperr.InvalidRequest, "card number required")
	}
	card := repository.TransportCard{Number: number, Label: label}
	if err := s.cards.CheckLinkable(ctx, customerID, card); err != nil {
		return nil, err
	}
	if _, err := s.transit.Card(ctx, number); err != nil {
		return nil, err
	}
	id, err := s.cards.Add(ctx, customerID, card)
	if err != nil {
		return nil, err
	}
	return s.cards.GetOwned(ctx, customerID, id)
}

// CardList groups a customer's cards by kind.
type CardList struct {
	Bank      []model.CardView `json:"bank"`
	Transport []model.CardView `json:"transport"`
}

// ListCards loads both kinds concurrently, each with live balances.  A
// failing side is logged and left empty; only when both fail is the call
// an error.
func (s *CardService) ListCards(ctx context.Context, customerID int64) (*CardList, error) {
	var (
		wg       sync.WaitGroup
		out      CardList
		bankErr  error
		transErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Bank, bankErr = s.listWithBalance(ctx, customerID, model.CardBank, s.gw.Balance)
	}()
	go func() {
		defer wg.Done()
		out.Transport, transErr = s.listWithBalance(ctx, customerID, model.CardTransport, s.transit.Balance)
	}()
	wg.Wait()

	if bankErr != nil && transErr != nil {
		return nil, errors.Join(bankErr, transErr)
	}
	for kind, err := range map[model.CardKind]error{model.CardBank: bankErr, model.CardTransport: transErr} {
		if err != nil {
			log.Warn().Err(err).Str("component", "cards").Str("kind", string(kind)).Msg("partial card list")
		}
	}
	return &out, nil
}

func (s *CardService) listWithBalance(ctx context.Context, customerID int64, kind model.CardKind, balance func(context.Context, string) (int64, error)) ([]model.CardView, error) {
	cards, err := s.cards.ListByCustomer(ctx, customerID, kind)
	if err != nil {
		return nil, err
	}
	views := make([]model.CardView, 0, len(cards))
	for _, c := range cards {
		v := model.CardView{Card: c}
		bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if b, err := balance(bctx, c.Reference); err == nil {
			v.Balance = &b
		} else {
			log.Debug().Err(err).Str("component", "cards").Int64("card_id", c.ID).Msg("balance unavailable")
		}
		cancel()
		views = append(views, v)
	}
	return views, nil
}

// RemoveCard unlinks one of the customer's cards.
func (s *CardService) RemoveCard(ctx context.Context, customerID, cardID int64) error {
	return s.cards.Delete(ctx, customerID, cardID)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
