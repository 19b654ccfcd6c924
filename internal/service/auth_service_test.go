package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/token"
)

func newAuth(t *testing.T) (*AuthService, *harness) {
	t.Helper()
	h := newHarness(t)
	return NewAuthService(&stubCustomers{}, newStubMerchants(), h.tokens, h.limiter, bcrypt.MinCost), h
}

func TestRegisterAndLoginCustomer(t *testing.T) {
	svc, h := newAuth(t)
	ctx := context.Background()

	reg, err := svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998901112233", Name: "Aziz", Password: "secret1"}, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, 3600, reg.ExpiresIn)

	login, err := svc.LoginCustomer(ctx, "+998901112233", "secret1", "phone-1")
	require.NoError(t, err)
	assert.Equal(t, reg.PrincipalID, login.PrincipalID)

	// the registration session was superseded by the login
	_, err = h.tokens.Validate(ctx, reg.Token, token.Customer)
	assert.True(t, apperr.IsKind(err, apperr.InvalidToken))
	_, err = h.tokens.Validate(ctx, login.Token, token.Customer)
	assert.NoError(t, err)
}

func TestRegisterCustomer_Validation(t *testing.T) {
	svc, _ := newAuth(t)
	ctx := context.Background()

	_, err := svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998901112233", Password: "123"}, "d")
	assert.True(t, apperr.IsKind(err, apperr.InvalidRequest))

	_, err = svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998901112233", Password: "secret1"}, "")
	assert.True(t, apperr.IsKind(err, apperr.InvalidRequest))

	_, err = svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998901112233", Password: "secret1"}, "d")
	require.NoError(t, err)
	_, err = svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998901112233", Password: "secret1"}, "d")
	assert.True(t, apperr.IsKind(err, apperr.AlreadyExists))
}

func TestLoginCustomer_BlockedScenario(t *testing.T) {
	svc, h := newAuth(t)
	ctx := context.Background()
	_, err := svc.RegisterCustomer(ctx, RegisterCustomerInput{Phone: "+998900000001", Password: "right-pass"}, "phone")
	require.NoError(t, err)

	// t=0: wrong password, not blocked
	_, err = svc.LoginCustomer(ctx, "+998900000001", "wrong", "phone")
	assert.Equal(t, apperr.BadCredentials, apperr.KindOf(err))

	// t=5: wrong again, too fast, device locked
	h.clk.Advance(5 * time.Second)
	_, err = svc.LoginCustomer(ctx, "+998900000001", "wrong", "phone")
	assert.Equal(t, apperr.UserBlocked, apperr.KindOf(err))
	assert.True(t, apperr.IsKind(err, apperr.BadCredentials))

	// t=10: correct password still refused
	h.clk.Advance(5 * time.Second)
	_, err = svc.LoginCustomer(ctx, "+998900000001", "right-pass", "phone")
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.UserBlocked, ae.Kind)
	assert.Equal(t, 115*time.Second, ae.TimeLeft)

	// after the lock window the correct password works
	h.clk.Advance(2 * time.Minute)
	_, err = svc.LoginCustomer(ctx, "+998900000001", "right-pass", "phone")
	assert.NoError(t, err)
}

func TestLoginCustomer_UnknownPhoneIsAStrike(t *testing.T) {
	svc, h := newAuth(t)
	ctx := context.Background()

	_, err := svc.LoginCustomer(ctx, "+998900000009", "whatever", "laptop")
	assert.Equal(t, apperr.BadCredentials, apperr.KindOf(err))

	lg, err := h.limiter.State(ctx, ratelimit.Login, "laptop")
	require.NoError(t, err)
	assert.False(t, lg.Last.IsZero())
}

func TestMerchantRegisterLoginAndSessions(t *testing.T) {
	svc, h := newAuth(t)
	ctx := context.Background()

	_, err := svc.RegisterMerchant(ctx, RegisterMerchantInput{Email: "not-an-email", Name: "Shop", Password: "secret1"}, "phone")
	assert.True(t, apperr.IsKind(err, apperr.InvalidRequest))

	reg, err := svc.RegisterMerchant(ctx, RegisterMerchantInput{Email: "Shop@Example.com", Name: "Shop", Password: "secret1"}, "phone")
	require.NoError(t, err)

	web, err := h.tokens.IssueDevice(ctx, "1", token.Merchant, "browser")
	require.NoError(t, err)

	require.NoError(t, svc.EndOtherSessions(ctx, reg.PrincipalID, token.Merchant, "phone"))
	_, err = h.tokens.Validate(ctx, web, token.Merchant)
	assert.True(t, apperr.IsKind(err, apperr.InvalidToken))
	_, err = h.tokens.Validate(ctx, reg.Token, token.Merchant)
	assert.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, reg.Token))
	_, err = h.tokens.Validate(ctx, reg.Token, token.Merchant)
	assert.True(t, apperr.IsKind(err, apperr.InvalidToken))

	_, err = svc.LoginMerchant(ctx, "Shop@Example.com", "secret1", "phone")
	assert.NoError(t, err)
}
