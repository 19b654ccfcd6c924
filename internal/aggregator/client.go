// Package aggregator is the REST client for the transport-card aggregator
// (metro and bus cards).  Each request is authenticated with a freshly
// signed service JWT.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/utils"
)

// ErrTransport is returned for any failed call.  The aggregator's error
// bodies are not stable enough to map onto named kinds.
var ErrTransport = errors.New("aggregator: request failed")

const (
	audience = "transit-aggregator"
	tokenTTL = 60 * time.Second
)

// Client is a client for the aggregator API.
type Client struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client

	now func() time.Time
}

// NewClient creates an aggregator client.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    baseURL,
		Secret:     secret,
		HTTPClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// TransportCard describes a transport card known to the aggregator.
type TransportCard struct {
	Number  string `json:"number"`
	Type    string `json:"type"`
	Balance int64  `json:"balance"`
	Active  bool   `json:"active"`
}

// TopUp is the aggregator's receipt for a credit.
type TopUp struct {
	ID      string `json:"id"`
	ExtID   string `json:"ext_id"`
	Balance int64  `json:"balance"`
}

// Station is one entry of the station list.
type Station struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Line string `json:"line"`
}

// Card returns the aggregator's view of a transport card.  An unknown card
// is reported as apperr.CardNotFound.
func (c *Client) Card(ctx context.Context, number string) (*TransportCard, error) {
	var out TransportCard
	status, err := c.do(ctx, http.MethodGet, "/cards/"+url.PathEscape(number), nil, &out)
	if status == http.StatusNotFound {
		return nil, apperr.Newf(apperr.CardNotFound, "transport card not registered")
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the balance of a transport card in minor units.
func (c *Client) Balance(ctx context.Context, number string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/cards/"+url.PathEscape(number)+"/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// TopUp credits a transport card.  extID lets the aggregator drop a replay
// of the same credit.
func (c *Client) TopUp(ctx context.Context, number string, amount int64, extID string) (*TopUp, error) {
	body := map[string]any{"amount": amount, "ext_id": extID}
	var out TopUp
	if _, err := c.do(ctx, http.MethodPost, "/cards/"+url.PathEscape(number)+"/topup", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stations returns the current station list.
func (c *Client) Stations(ctx context.Context) ([]Station, error) {
	var out struct {
		Stations []Station `json:"stations"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/stations", nil, &out); err != nil {
		return nil, err
	}
	return out.Stations, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("aggregator: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("aggregator: build %s: %w", path, err)
	}
	tok, err := utils.NewServiceToken(c.Secret, audience, tokenTTL, c.now())
	if err != nil {
		return 0, fmt.Errorf("aggregator: sign: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read %s: %v", ErrTransport, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("component", "aggregator").Str("op", method+" "+path).Int("status", resp.StatusCode).
			Msg("non-2xx response")
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d", ErrTransport, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
		}
	}
	return resp.StatusCode, nil
}
