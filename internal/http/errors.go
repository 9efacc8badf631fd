package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/errcode"
)

// reasonKey carries the reason code of a failed request to the metrics
// middleware.
const reasonKey = "patterngate.reason"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Code    errcode.Code `json:"code"`
	Message string       `json:"message"`
}

// StatusOf maps a reason code to an HTTP status.
func StatusOf(code errcode.Code) int {
	switch code {
	case errcode.RateLimited:
		return http.StatusTooManyRequests
	case errcode.MissingCredential, errcode.InvalidAPIKey:
		return http.StatusUnauthorized
	case errcode.TrialExpired, errcode.AccountSuspended, errcode.TrialNotAvailable:
		return http.StatusForbidden
	case errcode.SessionNotFound, errcode.NoTrial:
		return http.StatusNotFound
	case errcode.SessionExpired:
		return http.StatusGone
	}
	switch errcode.KindOf(code) {
	case errcode.KindClient:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   ErrorResponse
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		// Router and middleware errors: unknown route, wrong method, body too large.
		status = he.Code
		body = ErrorResponse{Code: errcode.InvalidRequest, Message: fmt.Sprint(he.Message)}
		if status >= http.StatusInternalServerError {
			body = ErrorResponse{Code: errcode.Internal, Message: "internal error"}
		}
	default:
		code := errcode.Of(err)
		status = StatusOf(code)
		body = ErrorResponse{Code: code, Message: errcode.MessageOf(err)}
	}

	c.Set(reasonKey, body.Code)

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "writing error response failed", zap.Error(err))
	}
}

func badRequest(msg string, err error) error {
	return errcode.Wrap(errcode.InvalidRequest, msg, err)
}
