package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/challenge"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/ratelimit"
)

type MerchantStore interface {
	GetByID(ctx context.Context, id int64) (*model.Merchant, error)
	MarkEmailVerified(ctx context.Context, id int64) error
}

// MerchantService runs the e-mail verification a merchant needs before it
// can receive payments.
type MerchantService struct {
	merchants MerchantStore
	email     *challenge.Engine
	limiter   *ratelimit.Limiter
}

func NewMerchantService(merchants MerchantStore, email *challenge.Engine, limiter *ratelimit.Limiter) *MerchantService {
	return &MerchantService{merchants: merchants, email: email, limiter: limiter}
}

func (s *MerchantService) Profile(ctx context.Context, merchantID int64) (*model.Merchant, error) {
	return s.merchants.GetByID(ctx, merchantID)
}

// SendEmailCode mails a verification code to the merchant's address.  Each
// sent mail is a strike on the email_send limiter.
func (s *MerchantService) SendEmailCode(ctx context.Context, merchantID int64, deviceID string) error {
	if err := requireDevice(deviceID); err != nil {
		return err
	}
	m, err := s.merchants.GetByID(ctx, merchantID)
	if err != nil {
		return err
	}
	if m.EmailVerified {
		return apperr.Newf(apperr.AlreadyExists, "e-mail already verified")
	}
	dec, err := s.limiter.Do(ctx, ratelimit.EmailSend, deviceID, func(ctx context.Context) (bool, error) {
		_, err := s.email.Issue(ctx, strconv.FormatInt(merchantID, 10), m.Email, nil)
		return err == nil, err
	})
	return limited(ratelimit.EmailSend, dec, err)
}

// VerifyEmail checks the mailed code and marks the address verified.
func (s *MerchantService) VerifyEmail(ctx context.Context, merchantID int64, deviceID, code string) error {
	if err := requireDevice(deviceID); err != nil {
		return err
	}
	dec, err := s.limiter.Do(ctx, ratelimit.OTPVerify, deviceID, func(ctx context.Context) (bool, error) {
		err := s.email.Verify(ctx, strconv.FormatInt(merchantID, 10), strings.TrimSpace(code), nil)
		return apperr.IsKind(err, apperr.WrongOtp), err
	})
	if err != nil {
		return limited(ratelimit.OTPVerify, dec, err)
	}
	return s.merchants.MarkEmailVerified(ctx, merchantID)
}
