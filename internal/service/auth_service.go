package service

import (
	"context"
	"net/mail"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/token"
	"github.com/iliyamo/paylink/internal/utils"
)

const minPasswordLen = 6

type CustomerStore interface {
	Create(ctx context.Context, phone, name, passwordHash string) (int64, error)
	GetByPhone(ctx context.Context, phone string) (*model.Customer, error)
}

type MerchantAccounts interface {
	Create(ctx context.Context, email, name, passwordHash, gatewayAccount string) (int64, error)
	GetByEmail(ctx context.Context, email string) (*model.Merchant, error)
}

// AuthService registers and signs in customers and merchants.
type AuthService struct {
	customers  CustomerStore
	merchants  MerchantAccounts
	tokens     *token.Service
	limiter    *ratelimit.Limiter
	bcryptCost int
}

func NewAuthService(customers CustomerStore, merchants MerchantAccounts, tokens *token.Service, limiter *ratelimit.Limiter, bcryptCost int) *AuthService {
	return &AuthService{customers: customers, merchants: merchants, tokens: tokens, limiter: limiter, bcryptCost: bcryptCost}
}

type RegisterCustomerInput struct {
	Phone    string `json:"phone"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type RegisterMerchantInput struct {
	Email          string `json:"email"`
	Name           string `json:"name"`
	Password       string `json:"password"`
	GatewayAccount string `json:"gateway_account"`
}

// RegisterCustomer creates the account and signs it in on deviceID.
func (s *AuthService) RegisterCustomer(ctx context.Context, in RegisterCustomerInput, deviceID string) (*Session, error) {
	phone := strings.TrimSpace(in.Phone)
	if phone == "" || len(in.Password) < minPasswordLen {
		return nil, apperr.Newf(apperr.InvalidRequest, "phone and a password of at least %d characters required", minPasswordLen)
	}
	if err := requireDevice(deviceID); err != nil {
		return nil, err
	}
	hash, err := utils.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	id, err := s.customers.Create(ctx, phone, in.Name, hash)
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "auth").Int64("customer_id", id).Msg("customer registered")
	return s.issue(ctx, id, token.Customer, deviceID)
}

// RegisterMerchant creates a merchant whose e-mail still has to be verified.
func (s *AuthService) RegisterMerchant(ctx context.Context, in RegisterMerchantInput, deviceID string) (*Session, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil || len(in.Password) < minPasswordLen || strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Newf(apperr.InvalidRequest, "name, valid e-mail and a password of at least %d characters required", minPasswordLen)
	}
	if err := requireDevice(deviceID); err != nil {
		return nil, err
	}
	hash, err := utils.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	id, err := s.merchants.Create(ctx, addr.Address, in.Name, hash, strings.TrimSpace(in.GatewayAccount))
	if err != nil {
		return nil, err
	}
	log.Info().Str("component", "auth").Int64("merchant_id", id).Msg("merchant registered")
	return s.issue(ctx, id, token.Merchant, deviceID)
}

// LoginCustomer checks the password under the login limiter.  Wrong
// credentials are strikes; a correct password never is.
func (s *AuthService) LoginCustomer(ctx context.Context, phone, password, deviceID string) (*Session, error) {
	return s.login(ctx, deviceID, token.Customer, func(ctx context.Context) (int64, bool, error) {
		c, err := s.customers.GetByPhone(ctx, phone)
		if apperr.IsKind(err, apperr.NotFound) {
			return 0, utils.VerifyPassword("", password), nil
		}
		if err != nil {
			return 0, false, err
		}
		return c.ID, utils.VerifyPassword(c.PasswordHash, password), nil
	})
}

func (s *AuthService) LoginMerchant(ctx context.Context, email, password, deviceID string) (*Session, error) {
	return s.login(ctx, deviceID, token.Merchant, func(ctx context.Context) (int64, bool, error) {
		m, err := s.merchants.GetByEmail(ctx, email)
		if apperr.IsKind(err, apperr.NotFound) {
			return 0, utils.VerifyPassword("", password), nil
		}
		if err != nil {
			return 0, false, err
		}
		return m.ID, utils.VerifyPassword(m.PasswordHash, password), nil
	})
}

type credentialCheck func(ctx context.Context) (id int64, ok bool, err error)

func (s *AuthService) login(ctx context.Context, deviceID string, role token.Role, check credentialCheck) (*Session, error) {
	if err := requireDevice(deviceID); err != nil {
		return nil, err
	}
	var principal int64
	dec, err := s.limiter.Do(ctx, ratelimit.Login, deviceID, func(ctx context.Context) (bool, error) {
		id, ok, err := check(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, apperr.New(apperr.BadCredentials)
		}
		principal = id
		return false, nil
	})
	if err != nil {
		return nil, limited(ratelimit.Login, dec, err)
	}
	return s.issue(ctx, principal, role, deviceID)
}

func (s *AuthService) issue(ctx context.Context, id int64, role token.Role, deviceID string) (*Session, error) {
	tok, err := s.tokens.Issue(ctx, strconv.FormatInt(id, 10), role, deviceID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: tok, ExpiresIn: apperr.Seconds(s.tokens.TTL()), PrincipalID: id}, nil
}

// Logout revokes the caller's token.
func (s *AuthService) Logout(ctx context.Context, tok string) error {
	return s.tokens.Revoke(ctx, tok)
}

// EndOtherSessions revokes every device session of the principal except the
// one on deviceID.
func (s *AuthService) EndOtherSessions(ctx context.Context, principalID int64, role token.Role, deviceID string) error {
	return s.tokens.RevokeAllExcept(ctx, strconv.FormatInt(principalID, 10), role, deviceID)
}
