// Package handler exposes the HTTP API.  Handlers bind the request, call one
// service method and render the result; every failure is returned to echo
// and rendered by ErrorHandler.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/paylink/internal/apperr"
)

const requestTimeout = 15 * time.Second

type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	TimeLeft int    `json:"time_left,omitempty"`
	Code     int    `json:"code,omitempty"`
}

// ErrorHandler renders any error as {"error": kind, "message": localized}.
// The language comes from Accept-Language.  Lock errors also set
// Retry-After.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	lang := c.Request().Header.Get("Accept-Language")

	var (
		status int
		kind   apperr.Kind
		he     *echo.HTTPError
		ae     *apperr.Error
	)
	isApp := errors.As(err, &ae)
	if !isApp && errors.As(err, &he) {
		status = he.Code
		kind = httpKind(he.Code)
	} else {
		kind = apperr.KindOf(err)
		status = apperr.Status(kind)
	}

	body := errorBody{Error: string(kind), Message: apperr.Message(kind, lang)}
	if isApp {
		if ae.TimeLeft > 0 {
			body.TimeLeft = apperr.Seconds(ae.TimeLeft)
			c.Response().Header().Set("Retry-After", strconv.Itoa(body.TimeLeft))
		}
		body.Code = ae.Code
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "http").Str("route", c.Path()).Msg("request failed")
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		log.Warn().Err(werr).Str("component", "http").Msg("write error response")
	}
}

func httpKind(code int) apperr.Kind {
	switch {
	case code == http.StatusNotFound, code == http.StatusMethodNotAllowed:
		return apperr.NotFound
	case code == http.StatusUnauthorized:
		return apperr.MissingToken
	case code == http.StatusForbidden:
		return apperr.NotAllowed
	case code == http.StatusTooManyRequests:
		return apperr.TryAgainAfter
	case code >= http.StatusInternalServerError:
		return apperr.Internal
	default:
		return apperr.InvalidRequest
	}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.InvalidRequest, err)
	}
	return nil
}

func idParam(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Newf(apperr.InvalidRequest, "invalid %s", name)
	}
	return id, nil
}

func withTimeout(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}
