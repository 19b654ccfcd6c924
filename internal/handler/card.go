package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/service"
)

// CardHandler serves the customer's card endpoints.
type CardHandler struct {
	Cards *service.CardService
}

func NewCardHandler(svc *service.CardService) *CardHandler { return &CardHandler{Cards: svc} }

type confirmReq struct {
	Code string `json:"code"`
}

type transportCardReq struct {
	Number string `json:"number"`
	Label  string `json:"label"`
}

// StartLink sends the card-link code to the holder's phone.
func (h *CardHandler) StartLink(c echo.Context) error {
	var req service.LinkBankCardInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	res, err := h.Cards.StartBankCardLink(ctx, middleware.PrincipalID(c), middleware.DeviceID(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

// ConfirmLink saves the card once the code matches.
func (h *CardHandler) ConfirmLink(c echo.Context) error {
	var req confirmReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	card, err := h.Cards.ConfirmBankCardLink(ctx, middleware.PrincipalID(c), middleware.DeviceID(c), req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cardJSON(card))
}

func (h *CardHandler) AddTransport(c echo.Context) error {
	var req transportCardReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	card, err := h.Cards.AddTransportCard(ctx, middleware.PrincipalID(c), req.Number, req.Label)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, cardJSON(card))
}

func (h *CardHandler) List(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	list, err := h.Cards.ListCards(ctx, middleware.PrincipalID(c))
	if err != nil {
		return err
	}
	out := echo.Map{"bank": viewsJSON(list.Bank), "transport": viewsJSON(list.Transport)}
	return c.JSON(http.StatusOK, out)
}

func (h *CardHandler) Remove(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.Cards.RemoveCard(ctx, middleware.PrincipalID(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
