// Package ratelimit implements the adaptive cool-down limiter that guards
// logins and challenge delivery per (purpose, device).
//
// Every strike measures how long the caller waited since the previous one.
// A strike that waited at least the current safe gap passes, and the next
// safe gap becomes coolDown minus that wait.  A strike that arrives before
// the safe gap has passed locks the device for a full cool-down window.
// Callers retrying at coolDown intervals or slower are never locked.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/metrics"
)

// DefaultCoolDown is the lock window and the upper bound of the safe gap.
const DefaultCoolDown = 120 * time.Second

// Purpose names a guarded action and the error kind a locked caller sees.
type Purpose struct {
	Name        string
	BlockedKind apperr.Kind
}

var (
	Login     = Purpose{Name: "login", BlockedKind: apperr.UserBlocked}
	OTPSend   = Purpose{Name: "otp_send", BlockedKind: apperr.TryAgainAfter}
	EmailSend = Purpose{Name: "email_send", BlockedKind: apperr.TryAgainAfter}
	OTPVerify = Purpose{Name: "otp_verify", BlockedKind: apperr.TryAgainAfter}
)

// Purposes lists every purpose the service guards; the sweeper walks it.
var Purposes = []Purpose{Login, OTPSend, EmailSend, OTPVerify}

// Ledger is the persisted attempt history of one device for one purpose.
type Ledger struct {
	Last      time.Time `json:"last"`
	SafeAfter int64     `json:"safe_after"` // seconds
	Blocked   bool      `json:"blocked"`
}

// Attempt runs the guarded action.  strike reports whether the attempt
// counts against the caller (a wrong password, a sent message).  An error
// with strike == false aborts without touching the ledger.
type Attempt func(ctx context.Context) (strike bool, err error)

// Decision is what the limiter tells the caller after an attempt.
type Decision struct {
	// Allowed is false when the device is now locked.
	Allowed  bool
	Blocked  bool
	TimeLeft time.Duration
}

// Limiter evaluates attempts against the ledger kept in the KV store.
type Limiter struct {
	store    kv.Store
	coolDown time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
}

// New returns a Limiter with the given cool-down window.  A zero coolDown
// uses DefaultCoolDown.
func New(store kv.Store, coolDown time.Duration, m *metrics.Metrics) *Limiter {
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &Limiter{store: store, coolDown: coolDown, now: time.Now, metrics: m}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func hashKey(p Purpose) string { return "limiter:" + p.Name }

// Do runs attempt unless the device is locked.  The attempt's own error is
// returned unchanged together with the decision; a locked device gets an
// *apperr.Error of the purpose's BlockedKind and attempt is not called.
func (l *Limiter) Do(ctx context.Context, p Purpose, deviceID string, attempt Attempt) (Decision, error) {
	ledger, err := l.load(ctx, p, deviceID)
	if err != nil {
		return Decision{}, err
	}

	now := l.now()
	dirty := false
	if ledger.Blocked {
		unlock := ledger.Last.Add(l.coolDown)
		if now.Before(unlock) {
			left := unlock.Sub(now)
			l.metrics.RecordLimiterBlock(p.Name, "rejected")
			return Decision{Blocked: true, TimeLeft: left}, apperr.Blocked(p.BlockedKind, left)
		}
		ledger.Blocked = false
		ledger.SafeAfter = 0
		dirty = true
	}

	strike, attemptErr := attempt(ctx)
	if !strike {
		if attemptErr == nil && dirty {
			if err := l.save(ctx, p, deviceID, ledger); err != nil {
				return Decision{}, err
			}
		}
		return Decision{Allowed: true}, attemptErr
	}

	var elapsed time.Duration
	if !ledger.Last.IsZero() {
		elapsed = now.Sub(ledger.Last)
		if elapsed < 0 {
			elapsed = 0
		}
	}
	safeAfter := time.Duration(ledger.SafeAfter) * time.Second
	if elapsed >= safeAfter {
		next := l.coolDown - elapsed
		if next < 0 {
			next = 0
		}
		ledger.SafeAfter = int64(apperr.Seconds(next))
	} else {
		ledger.Blocked = true
		ledger.SafeAfter = 0
		l.metrics.RecordLimiterBlock(p.Name, "locked")
		log.Info().Str("component", "ratelimit").Str("purpose", p.Name).Str("device", deviceID).
			Dur("elapsed", elapsed).Msg("device locked")
	}
	ledger.Last = now

	if err := l.save(ctx, p, deviceID, ledger); err != nil {
		return Decision{}, err
	}
	if ledger.Blocked {
		return Decision{Blocked: true, TimeLeft: l.coolDown}, attemptErr
	}
	return Decision{Allowed: true}, attemptErr
}

// State returns the ledger for a device without modifying it.  A device
// with no history gets the zero Ledger.
func (l *Limiter) State(ctx context.Context, p Purpose, deviceID string) (Ledger, error) {
	return l.load(ctx, p, deviceID)
}

// Sweep drops ledgers whose last attempt is older than olderThan and that
// are not inside a lock window.  A ledger rewritten after it was read is
// left alone.  It returns the number of removed entries.
func (l *Limiter) Sweep(ctx context.Context, p Purpose, olderThan time.Duration) (int, error) {
	all, err := l.store.HashGetAll(ctx, hashKey(p))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: list %s: %w", p.Name, err)
	}
	now := l.now()
	removed := 0
	for device, raw := range all {
		var lg Ledger
		if err := json.Unmarshal([]byte(raw), &lg); err == nil {
			if lg.Blocked && now.Before(lg.Last.Add(l.coolDown)) {
				continue
			}
			if now.Sub(lg.Last) < olderThan {
				continue
			}
		}
		ok, err := l.store.HashDeleteIf(ctx, hashKey(p), device, raw)
		if err != nil {
			return removed, fmt.Errorf("ratelimit: sweep %s: %w", p.Name, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (l *Limiter) load(ctx context.Context, p Purpose, deviceID string) (Ledger, error) {
	raw, err := l.store.HashGet(ctx, hashKey(p), deviceID)
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return Ledger{}, nil
		}
		return Ledger{}, fmt.Errorf("ratelimit: load ledger: %w", err)
	}
	var lg Ledger
	if err := json.Unmarshal([]byte(raw), &lg); err != nil {
		// a corrupt ledger is treated as no history
		log.Warn().Err(err).Str("component", "ratelimit").Str("purpose", p.Name).Msg("discarding unreadable ledger")
		return Ledger{}, nil
	}
	return lg, nil
}

func (l *Limiter) save(ctx context.Context, p Purpose, deviceID string, lg Ledger) error {
	data, err := json.Marshal(lg)
	if err != nil {
		return err
	}
	if err := l.store.HashSet(ctx, hashKey(p), deviceID, string(data)); err != nil {
		return fmt.Errorf("ratelimit: save ledger: %w", err)
	}
	return nil
}
