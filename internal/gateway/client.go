// Package gateway is the client for the card network's processing gateway.
// The gateway speaks JSON-RPC 2.0 over HTTPS with basic auth.  Every request
// carries a fresh correlation id; a response echoing a different id is a
// protocol violation and is never treated as a result.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/metrics"
)

var (
	// ErrProtocol marks a response that does not match its request.
	ErrProtocol = errors.New("gateway: protocol violation")
	// ErrTransport wraps network failures and non-2xx HTTP statuses.
	ErrTransport = errors.New("gateway: transport failure")
)

// Gateway error codes.
const (
	CodeCardNotFound      = -31001
	CodeInsufficientFunds = -31002
	CodeCardBlocked       = -31003
	CodeExpiredChallenge  = -31004
	CodeWrongChallenge    = -31005
	CodeOwnershipConflict = -31006
)

var codeKinds = map[int]apperr.Kind{
	CodeCardNotFound:      apperr.CardNotFound,
	CodeInsufficientFunds: apperr.InsufficientFunds,
	CodeCardBlocked:       apperr.CardBlocked,
	CodeExpiredChallenge:  apperr.ExpiredChallenge,
	CodeWrongChallenge:    apperr.WrongChallenge,
	CodeOwnershipConflict: apperr.OwnershipConflict,
}

// Client calls the gateway.
type Client struct {
	BaseURL    string
	Login      string
	Password   string
	HTTPClient *http.Client

	metrics *metrics.Metrics
	newID   func() string
}

// NewClient creates a gateway client with the given request timeout.
func NewClient(baseURL, login, password string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		Login:      login,
		Password:   password,
		HTTPClient: &http.Client{Timeout: timeout},
		metrics:    m,
		newID:      func() string { return uuid.NewString() },
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// toAppErr maps the gateway's numeric codes onto named kinds; unknown codes
// become GatewayError with the code preserved.
func (e *RPCError) toAppErr() *apperr.Error {
	kind, ok := codeKinds[e.Code]
	if !ok {
		kind = apperr.GatewayError
	}
	return &apperr.Error{Kind: kind, Code: e.Code, Message: e.Message, Err: e}
}

func (c *Client) call(ctx context.Context, method string, params, out any) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		c.metrics.RecordGatewayCall(method, result)
	}()

	id := c.newID()
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("gateway: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.Login, c.Password)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransport, method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("component", "gateway").Str("op", method).Int("status", resp.StatusCode).Msg("non-2xx response")
		return fmt.Errorf("%w: %s: status %d", ErrTransport, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrProtocol, method, err)
	}
	if rr.ID != id {
		log.Error().Str("component", "gateway").Str("op", method).Str("want_id", id).Str("got_id", rr.ID).Msg("correlation id mismatch")
		return fmt.Errorf("%w: %s: response id %q does not match request id %q", ErrProtocol, method, rr.ID, id)
	}
	if rr.Error != nil {
		log.Warn().Str("component", "gateway").Str("op", method).Int("code", rr.Error.Code).Str("detail", rr.Error.Message).Msg("gateway rejected call")
		return rr.Error.toAppErr()
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrProtocol, method, err)
	}
	return nil
}
