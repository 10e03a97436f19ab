// Package handler exposes the HTTP surface: checkout and payment creation,
// customer order lookup, the gateway webhook endpoint, and the bearer-guarded
// admin API. Handlers translate between HTTP and the service layer; no
// business rules live here.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dukerupert/verdandi/internal/domain"
)

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.EUNAUTHORIZED:
		return http.StatusUnauthorized
	case domain.EFORBIDDEN:
		return http.StatusForbidden
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT, domain.ESTALE, domain.EINVALIDTRANSITION:
		return http.StatusConflict
	case domain.ERATELIMIT:
		return http.StatusTooManyRequests
	case domain.EGATEWAY:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewHTTPErrorHandler builds echo's central error handler. Domain errors
// carry their own code and customer-safe message; anything else is masked
// as an internal error so infrastructure detail never leaks.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := domain.ErrorCode(err)
		status := ErrorCodeToHTTPStatus(code)
		message := domain.ErrorMessage(err)

		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			code = domain.EINVALID
			if status == http.StatusNotFound {
				code = domain.ENOTFOUND
			}
			if m, ok := he.Message.(string); ok {
				message = m
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err)
		}

		var body errorBody
		body.Error.Code = code
		body.Error.Message = message
		if err := c.JSON(status, body); err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}
