// Package service holds the request flows behind the HTTP handlers.  Each
// flow checks the caller against the rate limiter, proves possession with a
// challenge where the action is sensitive, and only then touches the
// relational store or an external system.
package service

import (
	"strings"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/ratelimit"
)

// Session is what a successful login hands back to the client.
type Session struct {
	Token       string `json:"token"`
	ExpiresIn   int    `json:"expires_in"`
	PrincipalID int64  `json:"principal_id"`
}

// limited reports an attempt that failed and locked the device as the
// purpose's blocked error.  The attempt's own error stays in the chain.
func limited(p ratelimit.Purpose, dec ratelimit.Decision, err error) error {
	if err == nil || !dec.Blocked || apperr.IsKind(err, p.BlockedKind) {
		return err
	}
	return &apperr.Error{Kind: p.BlockedKind, TimeLeft: dec.TimeLeft, Err: err}
}

func requireDevice(deviceID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return apperr.Newf(apperr.InvalidRequest, "device id required")
	}
	return nil
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
