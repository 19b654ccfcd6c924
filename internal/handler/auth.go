package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/service"
	"github.com/iliyamo/paylink/internal/token"
)

// AuthHandler serves registration, login and session management for both
// roles.
type AuthHandler struct {
	Auth *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler { return &AuthHandler{Auth: svc} }

type customerLoginReq struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type merchantLoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) RegisterCustomer(c echo.Context) error {
	var req service.RegisterCustomerInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	s, err := h.Auth.RegisterCustomer(ctx, req, middleware.DeviceID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *AuthHandler) LoginCustomer(c echo.Context) error {
	var req customerLoginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	s, err := h.Auth.LoginCustomer(ctx, req.Phone, req.Password, middleware.DeviceID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

func (h *AuthHandler) RegisterMerchant(c echo.Context) error {
	var req service.RegisterMerchantInput
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	s, err := h.Auth.RegisterMerchant(ctx, req, middleware.DeviceID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *AuthHandler) LoginMerchant(c echo.Context) error {
	var req merchantLoginReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	s, err := h.Auth.LoginMerchant(ctx, req.Email, req.Password, middleware.DeviceID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// Logout revokes the token the request was authenticated with.
func (h *AuthHandler) Logout(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.Auth.Logout(ctx, middleware.Token(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// EndOtherSessions returns a handler that ends every other device session
// of the caller.  role must match the Auth middleware in front of it.
func (h *AuthHandler) EndOtherSessions(role token.Role) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := withTimeout(c)
		defer cancel()
		if err := h.Auth.EndOtherSessions(ctx, middleware.PrincipalID(c), role, middleware.DeviceID(c)); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}
