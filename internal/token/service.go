// Package token issues and validates the opaque bearer tokens that identify
// customers and merchants.  Tokens live only in the key/value store:
//
//	auth:<role>                          hash principalID -> token (primary session)
//	auth:token:<token>                   JSON Record, stored with the session TTL
//	auth:devices:<role>:<principalID>    hash deviceID -> token
//
// A principal has at most one primary session per role; issuing a new one
// revokes the previous token.  Device sessions (web logins approved by QR)
// are tracked separately and can be ended with RevokeAllExcept.
//
// Two concurrent logins for the same principal may both write a primary token
// before either revokes the other.  The later HashSet wins the principal
// mapping; the orphaned record stays valid until its TTL.  This window is
// accepted.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/kv"
)

// Role distinguishes the two kinds of principals.
type Role string

const (
	Customer Role = "customer"
	Merchant Role = "merchant"
)

// Record is what the store keeps for a token.  ExpiresAt is authoritative;
// the store-level TTL only reclaims memory.
type Record struct {
	PrincipalID string    `json:"principal_id"`
	Role        Role      `json:"role"`
	DeviceID    string    `json:"device_id,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

const tokenBytes = 32

// Service issues, validates and revokes tokens.
type Service struct {
	store kv.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewService returns a Service whose tokens live for ttl.
func NewService(store kv.Store, ttl time.Duration) *Service {
	return &Service{store: store, ttl: ttl, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// TTL is the lifetime of every issued token.
func (s *Service) TTL() time.Duration { return s.ttl }

func principalKey(role Role) string { return "auth:" + string(role) }

func recordKey(tok string) string { return "auth:token:" + tok }

func devicesKey(role Role, principal string) string {
	return "auth:devices:" + string(role) + ":" + principal
}

// Issue creates the primary session token for (principalID, role) bound to
// deviceID and revokes whichever primary token existed before.
func (s *Service) Issue(ctx context.Context, principalID string, role Role, deviceID string) (string, error) {
	prev, err := s.store.HashGet(ctx, principalKey(role), principalID)
	switch {
	case err == nil && prev != "":
		if err := s.revoke(ctx, prev); err != nil {
			return "", err
		}
	case err != nil && !errors.Is(err, kv.ErrNil):
		return "", fmt.Errorf("token: load previous: %w", err)
	}

	tok, err := s.write(ctx, principalID, role, deviceID)
	if err != nil {
		return "", err
	}
	if err := s.store.HashSet(ctx, principalKey(role), principalID, tok); err != nil {
		return "", fmt.Errorf("token: link principal: %w", err)
	}
	return tok, nil
}

// IssueDevice creates an additional session for a secondary device without
// touching the primary session.
func (s *Service) IssueDevice(ctx context.Context, principalID string, role Role, deviceID string) (string, error) {
	if deviceID == "" {
		return "", apperr.Newf(apperr.InvalidRequest, "device id required")
	}
	return s.write(ctx, principalID, role, deviceID)
}

func (s *Service) write(ctx context.Context, principalID string, role Role, deviceID string) (string, error) {
	tok, err := newToken()
	if err != nil {
		return "", fmt.Errorf("token: generate: %w", err)
	}
	now := s.now().UTC()
	rec := Record{
		PrincipalID: principalID,
		Role:        role,
		DeviceID:    deviceID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, recordKey(tok), string(data), s.ttl); err != nil {
		return "", fmt.Errorf("token: store record: %w", err)
	}
	if deviceID != "" {
		// a device holds one session; drop whatever it had before
		if old, err := s.store.HashGet(ctx, devicesKey(role, principalID), deviceID); err == nil && old != "" {
			if err := s.store.Delete(ctx, recordKey(old)); err != nil {
				return "", fmt.Errorf("token: drop device token: %w", err)
			}
		}
		if err := s.store.HashSet(ctx, devicesKey(role, principalID), deviceID, tok); err != nil {
			return "", fmt.Errorf("token: index device: %w", err)
		}
	}
	return tok, nil
}

// Validate resolves tok to its principal.  It never extends the session.
func (s *Service) Validate(ctx context.Context, tok string, required Role) (string, error) {
	rec, err := s.Lookup(ctx, tok)
	if err != nil {
		return "", err
	}
	if rec.Role != required {
		return "", apperr.New(apperr.NotAllowed)
	}
	return rec.PrincipalID, nil
}

// Lookup is Validate without the role check.  Expired records are deleted.
func (s *Service) Lookup(ctx context.Context, tok string) (*Record, error) {
	if tok == "" {
		return nil, apperr.New(apperr.MissingToken)
	}
	raw, err := s.store.Get(ctx, recordKey(tok))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, apperr.New(apperr.InvalidToken)
		}
		return nil, fmt.Errorf("token: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, apperr.Wrap(apperr.InvalidToken, err)
	}
	if !s.now().Before(rec.ExpiresAt) {
		if err := s.store.Delete(ctx, recordKey(tok)); err != nil {
			log.Warn().Err(err).Str("component", "token").Msg("drop expired record failed")
		}
		return nil, apperr.New(apperr.ExpiredToken)
	}
	return &rec, nil
}

// Revoke ends the session identified by tok (logout).  Unknown tokens are
// not an error.
func (s *Service) Revoke(ctx context.Context, tok string) error {
	return s.revoke(ctx, tok)
}

func (s *Service) revoke(ctx context.Context, tok string) error {
	raw, err := s.store.Get(ctx, recordKey(tok))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil
		}
		return fmt.Errorf("token: load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err == nil {
		if cur, err := s.store.HashGet(ctx, principalKey(rec.Role), rec.PrincipalID); err == nil && cur == tok {
			if err := s.store.HashDelete(ctx, principalKey(rec.Role), rec.PrincipalID); err != nil {
				return fmt.Errorf("token: unlink principal: %w", err)
			}
		}
		if rec.DeviceID != "" {
			if err := s.store.HashDelete(ctx, devicesKey(rec.Role, rec.PrincipalID), rec.DeviceID); err != nil {
				return fmt.Errorf("token: unlink device: %w", err)
			}
		}
	}
	if err := s.store.Delete(ctx, recordKey(tok)); err != nil {
		return fmt.Errorf("token: delete record: %w", err)
	}
	return nil
}

// RevokeAllExcept ends every device session of the principal except the one
// on exemptDeviceID.  Deletions run in parallel and do not abort each other;
// the returned error joins every individual failure.
func (s *Service) RevokeAllExcept(ctx context.Context, principalID string, role Role, exemptDeviceID string) error {
	devices, err := s.store.HashGetAll(ctx, devicesKey(role, principalID))
	if err != nil {
		return fmt.Errorf("token: list devices: %w", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for deviceID, tok := range devices {
		if deviceID == exemptDeviceID {
			continue
		}
		wg.Add(1)
		go func(deviceID, tok string) {
			defer wg.Done()
			if err := s.revoke(ctx, tok); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
				mu.Unlock()
				return
			}
			// revoke only unlinks the device when the record still existed
			if err := s.store.HashDelete(ctx, devicesKey(role, principalID), deviceID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
				mu.Unlock()
			}
		}(deviceID, tok)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
