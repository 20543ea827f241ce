package server

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/chatbridge/internal/conversation"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
)

// statusFor maps an orchestrator error kind to an HTTP status. Credential and
// quota failures belong to the host, so callers see them as unavailability.
func statusFor(k conversation.Kind) int {
	switch k {
	case conversation.KindInvalidRequest:
		return http.StatusBadRequest
	case conversation.KindUnknownWidget:
		return http.StatusNotFound
	case conversation.KindSessionMismatch:
		return http.StatusForbidden
	case conversation.KindBusy, conversation.KindInProgress, conversation.KindConflict:
		return http.StatusConflict
	case conversation.KindKeyReused:
		return http.StatusUnprocessableEntity
	case conversation.KindRateLimited:
		return http.StatusTooManyRequests
	case conversation.KindAuthentication, conversation.KindQuota, conversation.KindUnavailable:
		return http.StatusServiceUnavailable
	case conversation.KindMalformed, conversation.KindProviderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// chatError writes the error envelope for a failed message. Raw error text
// is only included for sessions holding the diagnostics scope.
func chatError(c echo.Context, err error) error {
	kind := conversation.KindOf(err)
	body := ErrorBody{Error: ErrorDetail{Kind: string(kind), Message: conversation.UserMessage(kind)}}
	if s, ok := runtime.SessionFromContext(c.Request().Context()); ok && s.Has(runtime.ScopeDiagnostics) {
		body.Error.Detail = err.Error()
	}
	if pe, ok := provider.AsError(err); ok && (pe.Kind == provider.KindRateLimit || pe.Last == provider.KindRateLimit) && pe.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(pe.RetryAfter.Seconds()))))
	}
	return c.JSON(statusFor(kind), body)
}

func kindForStatus(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		if code >= 500 {
			return "internal"
		}
		return "error"
	}
}

// errorHandler renders every unhandled error as an ErrorBody and logs it.
func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		level := slog.LevelWarn
		if code >= 500 {
			level = slog.LevelError
		}
		log.Log(req.Context(), level, "request failed", "status", code, "method", req.Method, "path", req.URL.Path, "remote", c.RealIP(), logging.Err(err))
		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorBody{Error: ErrorDetail{Kind: kindForStatus(code), Message: msg}})
	}
}
