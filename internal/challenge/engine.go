// Package challenge runs short-lived proof-of-possession challenges: an OTP
// sent by SMS to link a card, a code e-mailed to a merchant, a nonce shown in
// a QR code.  All three share one record format and one verification order:
//
//	missing record        -> InvalidRequest
//	tries >= max          -> TooManyTries (record deleted)
//	wrong code            -> tries+1 persisted, then TooManyTries,
//	                         ExpiredOtp or WrongOtp in that order
//	right code, expired   -> ExpiredOtp (record deleted)
//	right code            -> payload returned once (record deleted)
//
// Deleting the record on success is what makes a code single-use.
package challenge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/metrics"
)

// Kinds in use.
const (
	CardLink      = "card_link"
	MerchantEmail = "merchant_email"
	QRLogin       = "qr_login"
)

const (
	DefaultMaxTries = 3
	// grace keeps the record in the store a little past its own expiry so a
	// late verify reports ExpiredOtp instead of InvalidRequest.
	grace = time.Minute
)

// Deliverer sends the code out of band.  Issue waits for Deliver to return
// before the challenge is stored.
type Deliverer interface {
	Deliver(ctx context.Context, destination, message string) error
}

// Record is the stored form of a challenge.
type Record struct {
	Code      string          `json:"code"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	Tries     int             `json:"tries"`
	MaxTries  int             `json:"max_tries"`
}

// Config specializes an Engine.
type Config struct {
	Kind      string
	TTL       time.Duration
	MaxTries  int
	Generate  Generator
	Deliverer Deliverer // nil for challenges with no out-of-band channel
	// Message renders the text handed to the Deliverer.
	Message func(code string) string
}

// Engine issues and verifies challenges of one kind.
type Engine struct {
	cfg     Config
	store   kv.Store
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewEngine builds an Engine.  Missing Config fields get defaults: three
// tries, a six-digit numeric code and a plain text message.
func NewEngine(store kv.Store, cfg Config, m *metrics.Metrics) *Engine {
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.Generate == nil {
		cfg.Generate = NumericCode(6)
	}
	if cfg.Message == nil {
		cfg.Message = func(code string) string { return "Your confirmation code: " + code }
	}
	return &Engine{cfg: cfg, store: store, now: time.Now, metrics: m}
}

// WithClock replaces the time source; used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Kind returns the challenge kind this engine serves.
func (e *Engine) Kind() string { return e.cfg.Kind }

// TTL returns the lifetime of issued challenges.
func (e *Engine) TTL() time.Duration { return e.cfg.TTL }

func (e *Engine) key(handle string) string {
	return "challenge:" + e.cfg.Kind + ":" + handle
}

// Issue generates a code, delivers it to destination and stores the
// challenge under handle, replacing any earlier one.  payload is stored as
// JSON and handed back by Verify.  The generated code is returned for
// callers that present it themselves (QR); SMS and e-mail callers must not
// expose it.
func (e *Engine) Issue(ctx context.Context, handle, destination string, payload any) (string, error) {
	if handle == "" {
		return "", apperr.Newf(apperr.InvalidRequest, "empty challenge handle")
	}
	code, err := e.cfg.Generate()
	if err != nil {
		return "", fmt.Errorf("challenge: generate code: %w", err)
	}
	var raw json.RawMessage
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return "", fmt.Errorf("challenge: encode payload: %w", err)
		}
	}

	if e.cfg.Deliverer != nil && destination != "" {
		if err := e.cfg.Deliverer.Deliver(ctx, destination, e.cfg.Message(code)); err != nil {
			return "", fmt.Errorf("challenge: deliver %s: %w", e.cfg.Kind, err)
		}
	}

	rec := Record{
		Code:      code,
		Payload:   raw,
		ExpiresAt: e.now().Add(e.cfg.TTL),
		MaxTries:  e.cfg.MaxTries,
	}
	if err := e.save(ctx, handle, rec); err != nil {
		return "", err
	}
	return code, nil
}

// Verify checks code against the challenge stored under handle.  On success
// the record is consumed and its payload decoded into out (which may be nil).
func (e *Engine) Verify(ctx context.Context, handle, code string, out any) error {
	err := e.verify(ctx, handle, code, out)
	e.metrics.RecordChallenge(e.cfg.Kind, resultLabel(err))
	return err
}

func (e *Engine) verify(ctx context.Context, handle, code string, out any) error {
	rec, err := e.load(ctx, handle)
	if err != nil {
		return err
	}
	if rec.Tries >= rec.MaxTries {
		e.drop(ctx, handle)
		return apperr.New(apperr.TooManyTries)
	}

	now := e.now()
	expired := !now.Before(rec.ExpiresAt)

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		rec.Tries++
		if err := e.save(ctx, handle, *rec); err != nil {
			return err
		}
		switch {
		case rec.Tries >= rec.MaxTries:
			return apperr.New(apperr.TooManyTries)
		case expired:
			return apperr.New(apperr.ExpiredOtp)
		default:
			return apperr.New(apperr.WrongOtp)
		}
	}

	if expired {
		e.drop(ctx, handle)
		return apperr.New(apperr.ExpiredOtp)
	}
	if err := e.store.Delete(ctx, e.key(handle)); err != nil {
		return fmt.Errorf("challenge: consume: %w", err)
	}
	if out != nil && len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return fmt.Errorf("challenge: decode payload: %w", err)
		}
	}
	return nil
}

// Discard removes a pending challenge, if any.
func (e *Engine) Discard(ctx context.Context, handle string) error {
	if err := e.store.Delete(ctx, e.key(handle)); err != nil {
		return fmt.Errorf("challenge: discard: %w", err)
	}
	return nil
}

// Pending reports whether a live, unexhausted challenge exists for handle.
func (e *Engine) Pending(ctx context.Context, handle string) (bool, error) {
	rec, err := e.load(ctx, handle)
	if err != nil {
		if apperr.IsKind(err, apperr.InvalidRequest) {
			return false, nil
		}
		return false, err
	}
	return rec.Tries < rec.MaxTries && e.now().Before(rec.ExpiresAt), nil
}

func (e *Engine) load(ctx context.Context, handle string) (*Record, error) {
	raw, err := e.store.Get(ctx, e.key(handle))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, apperr.New(apperr.InvalidRequest)
		}
		return nil, fmt.Errorf("challenge: load: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err)
	}
	if rec.MaxTries <= 0 {
		rec.MaxTries = e.cfg.MaxTries
	}
	return &rec, nil
}

func (e *Engine) save(ctx context.Context, handle string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(e.now()) + grace
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := e.store.Set(ctx, e.key(handle), string(data), ttl); err != nil {
		return fmt.Errorf("challenge: store: %w", err)
	}
	return nil
}

func (e *Engine) drop(ctx context.Context, handle string) {
	if err := e.store.Delete(ctx, e.key(handle)); err != nil {
		log.Warn().Err(err).Str("component", "challenge").Str("kind", e.cfg.Kind).Msg("drop record failed")
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch apperr.KindOf(err) {
	case apperr.WrongOtp:
		return "wrong"
	case apperr.ExpiredOtp:
		return "expired"
	case apperr.TooManyTries:
		return "exhausted"
	case apperr.InvalidRequest:
		return "unknown"
	default:
		return "error"
	}
}
