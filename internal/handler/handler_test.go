package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/paylink/internal/apperr"
	"github.com/iliyamo/paylink/internal/kv"
	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/model"
	"github.com/iliyamo/paylink/internal/ratelimit"
	"github.com/iliyamo/paylink/internal/service"
	"github.com/iliyamo/paylink/internal/token"
)

func newStore(t *testing.T) *kv.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewRedisStore(rdb)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	return e
}

func doJSON(e *echo.Echo, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// ---- ErrorHandler ----

func TestErrorHandler_Kinds(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   apperr.Kind
	}{
		{"apperr", apperr.New(apperr.WrongOtp), http.StatusBadRequest, apperr.WrongOtp},
		{"wrapped apperr", errors.Join(errors.New("ctx"), apperr.New(apperr.CardNotFound)), http.StatusNotFound, apperr.CardNotFound},
		{"plain error", errors.New("db down"), http.StatusInternalServerError, apperr.Internal},
		{"echo not found", echo.ErrNotFound, http.StatusNotFound, apperr.NotFound},
		{"echo bad request", echo.NewHTTPError(http.StatusBadRequest, "x"), http.StatusBadRequest, apperr.InvalidRequest},
		{"echo method", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, apperr.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEcho()
			e.GET("/x", func(echo.Context) error { return tc.err })
			rec := doJSON(e, http.MethodGet, "/x", "", nil)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, string(tc.kind), decodeError(t, rec).Error)
		})
	}
}

func TestErrorHandler_TimeLeftAndLanguage(t *testing.T) {
	e := newEcho()
	e.GET("/x", func(echo.Context) error {
		return apperr.Blocked(apperr.UserBlocked, 115*time.Second)
	})

	rec := doJSON(e, http.MethodGet, "/x", "", map[string]string{"Accept-Language": "ru-RU,ru;q=0.9"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "115", rec.Header().Get("Retry-After"))
	body := decodeError(t, rec)
	assert.Equal(t, 115, body.TimeLeft)
	assert.Equal(t, apperr.Message(apperr.UserBlocked, "ru"), body.Message)
}

func TestErrorHandler_HeadHasNoBody(t *testing.T) {
	e := newEcho()
	e.HEAD("/x", func(echo.Context) error { return apperr.New(apperr.NotAllowed) })

	rec := doJSON(e, http.MethodHead, "/x", "", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	e := newEcho()
	e.GET("/healthz", Health)
	e.GET("/ready-ok", Ready(map[string]Pinger{"db": func(context.Context) error { return nil }}))
	e.GET("/ready-bad", Ready(map[string]Pinger{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("refused") },
	}))

	assert.Equal(t, http.StatusOK, doJSON(e, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(e, http.MethodGet, "/ready-ok", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(e, http.MethodGet, "/ready-bad", "", nil).Code)
}

// ---- auth endpoints ----

type memCustomers struct {
	mu      sync.Mutex
	byPhone map[string]model.Customer
}

func (s *memCustomers) Create(_ context.Context, phone, name, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byPhone[phone]; ok {
		return 0, apperr.Newf(apperr.AlreadyExists, "phone already registered")
	}
	id := int64(len(s.byPhone) + 1)
	s.byPhone[phone] = model.Customer{ID: id, Phone: phone, Name: name, PasswordHash: hash}
	return id, nil
}

func (s *memCustomers) GetByPhone(_ context.Context, phone string) (*model.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byPhone[phone]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "customer not found")
	}
	return &c, nil
}

type noMerchants struct{}

func (noMerchants) Create(context.Context, string, string, string, string) (int64, error) {
	return 0, errors.New("not used")
}

func (noMerchants) GetByEmail(context.Context, string) (*model.Merchant, error) {
	return nil, apperr.Newf(apperr.NotFound, "merchant not found")
}

func newAuthServer(t *testing.T) (*echo.Echo, *token.Service) {
	t.Helper()
	store := newStore(t)
	tokens := token.NewService(store, time.Hour)
	svc := service.NewAuthService(&memCustomers{byPhone: map[string]model.Customer{}}, noMerchants{},
		tokens, ratelimit.New(store, 0, nil), bcrypt.MinCost)
	h := NewAuthHandler(svc)

	e := newEcho()
	e.POST("/register", h.RegisterCustomer)
	e.POST("/login", h.LoginCustomer)
	e.POST("/logout", h.Logout, middleware.Auth(tokens, token.Customer))
	e.POST("/end-others", h.EndOtherSessions(token.Customer), middleware.Auth(tokens, token.Customer))
	return e, tokens
}

func TestAuthHandler_RegisterLoginLogout(t *testing.T) {
	e, _ := newAuthServer(t)
	dev := map[string]string{middleware.DeviceHeader: "phone-1"}

	rec := doJSON(e, http.MethodPost, "/register", `{"phone":"+998901112233","name":"Aziza","password":"secret1"}`, dev)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(e, http.MethodPost, "/login", `{"phone":"+998901112233","password":"secret1"}`, dev)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s service.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.NotEmpty(t, s.Token)
	assert.Equal(t, 3600, s.ExpiresIn)
	assert.Equal(t, int64(1), s.PrincipalID)

	auth := map[string]string{echo.HeaderAuthorization: "Bearer " + s.Token, middleware.DeviceHeader: "phone-1"}
	assert.Equal(t, http.StatusNoContent, doJSON(e, http.MethodPost, "/end-others", "", auth).Code)
	assert.Equal(t, http.StatusNoContent, doJSON(e, http.MethodPost, "/logout", "", auth).Code)

	rec = doJSON(e, http.MethodPost, "/logout", "", auth)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_WrongPasswordThenBlocked(t *testing.T) {
	e, _ := newAuthServer(t)
	dev := map[string]string{middleware.DeviceHeader: "phone-1"}
	require.Equal(t, http.StatusCreated,
		doJSON(e, http.MethodPost, "/register", `{"phone":"+998901112233","name":"Aziza","password":"secret1"}`, dev).Code)

	rec := doJSON(e, http.MethodPost, "/login", `{"phone":"+998901112233","password":"wrong"}`, dev)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(apperr.BadCredentials), decodeError(t, rec).Error)

	rec = doJSON(e, http.MethodPost, "/login", `{"phone":"+998901112233","password":"wrong"}`, dev)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(apperr.UserBlocked), body.Error)
	assert.Greater(t, body.TimeLeft, 0)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAuthHandler_BadBody(t *testing.T) {
	e, _ := newAuthServer(t)

	rec := doJSON(e, http.MethodPost, "/login", `{"phone":`, map[string]string{middleware.DeviceHeader: "phone-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperr.InvalidRequest), decodeError(t, rec).Error)
}

func TestAuthHandler_RegisterDuplicate(t *testing.T) {
	e, _ := newAuthServer(t)
	dev := map[string]string{middleware.DeviceHeader: "phone-1"}
	body := `{"phone":"+998901112233","name":"Aziza","password":"secret1"}`

	require.Equal(t, http.StatusCreated, doJSON(e, http.MethodPost, "/register", body, dev).Code)
	rec := doJSON(e, http.MethodPost, "/register", body, dev)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperr.AlreadyExists), decodeError(t, rec).Error)
}

func TestIdempotencyKey_BodyWins(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(idempotencyHeader, "from-header")
	c := e.NewContext(req, httptest.NewRecorder())

	assert.Equal(t, "from-body", idempotencyKey(c, "from-body"))
	assert.Equal(t, "from-header", idempotencyKey(c, ""))
}

func TestIDParam(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")

	c.SetParamValues("17")
	id, err := idParam(c, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(17), id)

	for _, bad := range []string{"0", "-3", "abc"} {
		c.SetParamValues(bad)
		_, err := idParam(c, "id")
		assert.True(t, apperr.IsKind(err, apperr.InvalidRequest), bad)
	}
}
