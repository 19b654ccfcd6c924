package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/paylink/internal/middleware"
	"github.com/iliyamo/paylink/internal/service"
)

type MerchantHandler struct {
	Merchants *service.MerchantService
}

func NewMerchantHandler(svc *service.MerchantService) *MerchantHandler {
	return &MerchantHandler{Merchants: svc}
}

func (h *MerchantHandler) Me(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	m, err := h.Merchants.Profile(ctx, middleware.PrincipalID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, merchantJSON(m))
}

func (h *MerchantHandler) SendEmailCode(c echo.Context) error {
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.Merchants.SendEmailCode(ctx, middleware.PrincipalID(c), middleware.DeviceID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *MerchantHandler) VerifyEmail(c echo.Context) error {
	var req confirmReq
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, cancel := withTimeout(c)
	defer cancel()
	if err := h.Merchants.VerifyEmail(ctx, middleware.PrincipalID(c), middleware.DeviceID(c), req.Code); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
