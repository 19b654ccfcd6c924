package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/service"
	"github.com/iliyamo/paylink/internal/token"
)

type qrServer struct {
	srv    *httptest.Server
	svc    *service.QRLoginService
	tokens *token.Service
}

func newQRServer(t *testing.T, maxWait time.Duration) *qrServer {
	t.Helper()
	store := newStore(t)
	tokens := token.NewService(store, time.Hour)
	tickets := challenge.NewEngine(store, challenge.Config{
		Kind:     challenge.QRLogin,
		TTL:      2 * time.Minute,
		Generate: challenge.KeyToken(16),
	}, nil)
	svc := service.NewQRLoginService(tickets, tokens, store, ratelimit.New(store, 0, nil))
	h := NewQRHandler(svc, maxWait)

	e := newEcho()
	e.POST("/qr/tickets", h.CreateTicket)
	e.GET("/qr/tickets/:key/socket", h.Socket)
	e.POST("/qr/approve", h.Approve, middleware.Auth(tokens, token.Merchant))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &qrServer{srv: srv, svc: svc, tokens: tokens}
}

func (s *qrServer) createTicket(t *testing.T) service.QRTicket {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/qr/tickets", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.DeviceHeader, "browser-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ticket service.QRTicket
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ticket))
	return ticket
}

func (s *qrServer) dial(t *testing.T, key string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/qr/tickets/" + key + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *qrServer) approve(t *testing.T, content string) int {
	t.Helper()
	tok, err := s.tokens.Issue(context.Background(), "7", token.Merchant, "merchant-phone")
	require.NoError(t, err)

	body := strings.NewReader(`{"content":"` + content + `"}`)
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/qr/approve", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(middleware.DeviceHeader, "merchant-phone")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestQRSocket_DeliversSessionOnApproval(t *testing.T) {
	s := newQRServer(t, 5*time.Second)
	ticket := s.createTicket(t)
	assert.True(t, strings.HasPrefix(ticket.Content, ticket.Key+"."))
	assert.Equal(t, 120, ticket.ExpiresIn)

	conn := s.dial(t, ticket.Key)
	require.Equal(t, http.StatusNoContent, s.approve(t, ticket.Content))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var session service.Session
	require.NoError(t, conn.ReadJSON(&session))
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, int64(7), session.PrincipalID)

	rec, err := s.tokens.Lookup(context.Background(), session.Token)
	require.NoError(t, err)
	assert.Equal(t, token.Merchant, rec.Role)
	assert.Equal(t, "browser-1", rec.DeviceID)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestQRSocket_ExpiresWithoutApproval(t *testing.T) {
	s := newQRServer(t, 200*time.Millisecond)
	ticket := s.createTicket(t)

	conn := s.dial(t, ticket.Key)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var body errorBody
	require.NoError(t, conn.ReadJSON(&body))
	assert.Equal(t, string(apperr.ExpiredChallenge), body.Error)
}

func TestQRSocket_UnknownTicket(t *testing.T) {
	s := newQRServer(t, 5*time.Second)

	conn := s.dial(t, "no-such-ticket")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var body errorBody
	require.NoError(t, conn.ReadJSON(&body))
	assert.Equal(t, string(apperr.InvalidRequest), body.Error)
}

func TestQRApprove_RejectsMalformedContent(t *testing.T) {
	s := newQRServer(t, time.Second)

	assert.Equal(t, http.StatusBadRequest, s.approve(t, "no-dot-here"))
}

func TestQRCreateTicket_RequiresDevice(t *testing.T) {
	s := newQRServer(t, time.Second)

	resp, err := http.Post(s.srv.URL+"/qr/tickets", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
