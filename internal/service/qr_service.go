package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/token"
)

// Broadcaster is a KV store with pub/sub.
type Broadcaster interface {
	kv.Store
	Subscribe(ctx context.Context, channel string) (*kv.Subscription, error)
}

// QRLoginService signs a web browser in as a merchant by scanning a QR code
// with the merchant's already authenticated phone.
//
// The browser asks for a ticket and shows its content as a QR code, then
// waits on a socket.  The phone scans the code and approves it; the browser
// then receives a device token of its own.
type QRLoginService struct {
	tickets *challenge.Engine
	tokens  *token.Service
	store   Broadcaster
	limiter *ratelimit.Limiter
	newKey  challenge.Generator
	// how long Wait listens for a ticket that is already consumed but
	// whose session is not parked yet
	approvalGrace time.Duration
}

const qrApprovalGrace = 2 * time.Second

func NewQRLoginService(tickets *challenge.Engine, tokens *token.Service, store Broadcaster, limiter *ratelimit.Limiter) *QRLoginService {
	return &QRLoginService{
		tickets:       tickets,
		tokens:        tokens,
		store:         store,
		limiter:       limiter,
		newKey:        challenge.KeyToken(16),
		approvalGrace: qrApprovalGrace,
	}
}

// QRTicket is shown by the browser.  Content goes into the QR image; Key
// identifies the socket to wait on.
type QRTicket struct {
	Key       string `json:"key"`
	Content   string `json:"content"`
	ExpiresIn int    `json:"expires_in"`
}

type qrPayload struct {
	WebDevice string `json:"web_device"`
}

func (s *QRLoginService) approved(ctx context.Context, key string) (string, error) {
	tok, err := s.store.Get(ctx, qrResultKey(key))
	if errors.Is(err, kv.ErrNil) {
		return "", nil
	}
	return tok, err
}

func qrChannel(key string) string { return "qr:" + key }

func qrResultKey(key string) string { return "qr:result:" + key }

// CreateTicket starts a login for the browser identified by webDeviceID.
func (s *QRLoginService) CreateTicket(ctx context.Context, webDeviceID string) (*QRTicket, error) {
	if err := requireDevice(webDeviceID); err != nil {
		return nil, err
	}
	key, err := s.newKey()
	if err != nil {
		return nil, err
	}
	nonce, err := s.tickets.Issue(ctx, key, "", qrPayload{WebDevice: webDeviceID})
	if err != nil {
		return nil, err
	}
	return &QRTicket{Key: key, Content: key + "." + nonce, ExpiresIn: apperr.Seconds(s.tickets.TTL())}, nil
}

// Approve is called by the merchant's phone with the scanned content.  The
// browser's session is created here and handed over through the store.
func (s *QRLoginService) Approve(ctx context.Context, merchantID int64, deviceID, content string) error {
	if err := requireDevice(deviceID); err != nil {
		return err
	}
	key, nonce, ok := strings.Cut(strings.TrimSpace(content), ".")
	if !ok || key == "" || nonce == "" {
		return apperr.Newf(apperr.InvalidRequest, "malformed QR content")
	}

	var p qrPayload
	dec, err := s.limiter.Do(ctx, ratelimit.OTPVerify, deviceID, func(ctx context.Context) (bool, error) {
		err := s.tickets.Verify(ctx, key, nonce, &p)
		return apperr.IsKind(err, apperr.WrongOtp), err
	})
	if err != nil {
		return limited(ratelimit.OTPVerify, dec, err)
	}

	tok, err := s.tokens.IssueDevice(ctx, strconv.FormatInt(merchantID, 10), token.Merchant, p.WebDevice)
	if err != nil {
		return err
	}
	// the browser may subscribe after this point, so the token is also
	// parked under a key it checks first
	if err := s.store.Set(ctx, qrResultKey(key), tok, s.tickets.TTL()); err != nil {
		return err
	}
	if err := s.store.Publish(ctx, qrChannel(key), tok); err != nil {
		log.Warn().Err(err).Str("component", "qr").Msg("publish approval failed")
	}
	log.Info().Str("component", "qr").Int64("merchant_id", merchantID).Msg("web session approved")
	return nil
}

// Wait blocks until the ticket is approved, ctx ends, or the ticket is
// unknown.  The token is handed out once.
func (s *QRLoginService) Wait(ctx context.Context, key string) (*Session, error) {
	sub, err := s.store.Subscribe(ctx, qrChannel(key))
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	tok, err := s.approved(ctx, key)
	if err != nil {
		return nil, err
	}
	if tok == "" {
		pending, err := s.tickets.Pending(ctx, key)
		if err != nil {
			return nil, err
		}
		if pending {
			tok, err = sub.Next(ctx)
			if err != nil && ctx.Err() != nil {
				// nobody waits any more; an approval now would mint an orphan session
				if derr := s.tickets.Discard(context.WithoutCancel(ctx), key); derr != nil {
					log.Warn().Err(derr).Str("component", "qr").Msg("discard abandoned ticket failed")
				}
			}
		} else {
			// approved between the two reads, or Approve has consumed the
			// ticket and is still minting the session
			tok, err = s.approved(ctx, key)
			if err == nil && tok == "" {
				tok, err = s.lateApproval(ctx, sub, key)
			}
		}
		if err != nil {
			return nil, err
		}
		if tok == "" {
			return nil, apperr.Newf(apperr.InvalidRequest, "unknown or expired ticket")
		}
	}

	if err := s.store.Delete(ctx, qrResultKey(key)); err != nil {
		log.Warn().Err(err).Str("component", "qr").Msg("drop ticket result failed")
	}
	rec, err := s.tokens.Lookup(ctx, tok)
	if err != nil {
		return nil, err
	}
	id, _ := strconv.ParseInt(rec.PrincipalID, 10, 64)
	return &Session{Token: tok, ExpiresIn: apperr.Seconds(rec.ExpiresAt.Sub(rec.IssuedAt)), PrincipalID: id}, nil
}

// lateApproval listens on sub for up to approvalGrace and then looks for a
// parked result once more, in case the publish itself was lost.
func (s *QRLoginService) lateApproval(ctx context.Context, sub *kv.Subscription, key string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, s.approvalGrace)
	defer cancel()
	tok, err := sub.Next(gctx)
	switch {
	case err == nil:
		return tok, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case !errors.Is(err, context.DeadlineExceeded):
		return "", err
	}
	return s.approved(ctx, key)
}
