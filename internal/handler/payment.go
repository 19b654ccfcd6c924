package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/orchestrator"
	"github.com/iliyamo/paylink/internal/service"
)

const idempotencyHeader = "Idempotency-Key"

type PaymentHandler struct {
	Payments *service.PaymentService
}

func NewPaymentHandler(svc *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{Payments: svc}
}

type topUpReq struct {
	BankCardID      int64  `json:"bank_card_id"`
	TransportCardID int64  `json:"transport_card_id"`
	Amount          int64  `json:"amount"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type payReq struct {
	CardID         int64  `json:"card_id"`
	MerchantID     int64  `json:"merchant_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(c echo.Context, body string) string {
	if body != "" {
		return body
	}
	return c.Request().Header.Get(idempotencyHeader)
}

// TopUp charges a bank card and credits a transport card.
func (h *PaymentHandler) TopUp(c echo.Context) error {
	var req topUpReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	tx, err := h.Payments.TopUp(ctx, orchestrator.TopUpRequest{
		CustomerID:      middleware.PrincipalID(c),
		BankCardID:      req.BankCardID,
		TransportCardID: req.TransportCardID,
		Amount:          req.Amount,
		IdempotencyKey:  idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tx)
}

// Pay charges a bank card in favour of a merchant.
func (h *PaymentHandler) Pay(c echo.Context) error {
	var req payReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	tx, err := h.Payments.Pay(ctx, orchestrator.PaymentRequest{
		CustomerID:     middleware.PrincipalID(c),
		CardID:         req.CardID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tx)
}

func (h *PaymentHandler) TransportBalance(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	bal, err := h.Payments.TransportBalance(ctx, middleware.PrincipalID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"card_id": id, "balance": bal})
}

func (h *PaymentHandler) Stations(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	st, err := h.Payments.Stations(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"stations": st})
}

// History lists the customer's latest transactions; ?limit= caps the count.
func (h *PaymentHandler) History(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	ctx, cancel := withTimeout(c)
	defer cancel()
	txs, err := h.Payments.History(ctx, middleware.PrincipalID(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txs})
}
