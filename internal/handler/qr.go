package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/service"
)

const socketWriteWait = 5 * time.Second

// QRHandler serves the QR login flow: the browser creates a ticket and
// waits on a socket, the merchant's phone approves it.
type QRHandler struct {
	QR *service.QRLoginService
	// MaxWait bounds how long a socket waits for approval.
	MaxWait  time.Duration
	upgrader websocket.Upgrader
}

func NewQRHandler(svc *service.QRLoginService, maxWait time.Duration) *QRHandler {
	return &QRHandler{
		QR:      svc,
		MaxWait: maxWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type approveReq struct {
	Content string `json:"content"`
}

// CreateTicket returns the content for the QR image.
func (h *QRHandler) CreateTicket(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	t, err := h.QR.CreateTicket(ctx, middleware.DeviceID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

// Approve is called by an authenticated merchant device with the scanned
// content.
func (h *QRHandler) Approve(c echo.Context) error {
	var req approveReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.QR.Approve(ctx, middleware.PrincipalID(c), middleware.DeviceID(c), req.Content); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Socket upgrades to a websocket and writes exactly one message: the web
// session once the ticket is approved, or an error body.  The connection is
// closed afterwards.
func (h *QRHandler) Socket(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return apperr.Newf(apperr.InvalidRequest, "missing ticket key")
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already wrote the response
		log.Debug().Err(err).Str("component", "qr").Msg("upgrade failed")
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.MaxWait)
	defer cancel()

	// the browser never sends anything; reading only detects a close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var msg any
	s, err := h.QR.Wait(ctx, key)
	switch {
	case err == nil:
		msg = s
	case errors.Is(err, context.DeadlineExceeded):
		kind := apperr.ExpiredChallenge
		msg = errorBody{Error: string(kind), Message: apperr.Message(kind, c.Request().Header.Get("Accept-Language"))}
	case errors.Is(err, context.Canceled):
		return nil
	default:
		kind := apperr.KindOf(err)
		msg = errorBody{Error: string(kind), Message: apperr.Message(kind, c.Request().Header.Get("Accept-Language"))}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("component", "qr").Msg("socket write failed")
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(socketWriteWait))
	return nil
}
