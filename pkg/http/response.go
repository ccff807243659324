package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// Problem is one client-facing error entry.
type Problem struct {
	Code    string                 `json:"code" example:"ERR_LTE"`
	Field   string                 `json:"field,omitempty" example:"depth"`
	Message string                 `json:"message" example:"depth must be at most 50"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// AppError carries a Problem and the status it maps to. Err is logged by
// callers but never rendered.
type AppError struct {
	Problem
	Status int
	Err    error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithError attaches the underlying cause.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

func newAppError(status int, code, field, msg string) *AppError {
	return &AppError{Problem: Problem{Code: code, Field: field, Message: msg}, Status: status}
}

func NotFoundError(msg string) *AppError {
	return newAppError(http.StatusNotFound, "ERR_NOT_FOUND", "", msg)
}

func BadRequestErrorf(field, format string, a ...interface{}) *AppError {
	return newAppError(http.StatusBadRequest, "ERR_BAD_REQUEST", field, fmt.Sprintf(format, a...))
}

func TooManyRequestsError(msg string) *AppError {
	return newAppError(http.StatusTooManyRequests, "ERR_RATE_LIMITED", "", msg)
}

func UnavailableError(msg string) *AppError {
	return newAppError(http.StatusServiceUnavailable, "ERR_UNAVAILABLE", "", msg)
}

// DataResponse writes data inside the envelope with the given status.
func DataResponse(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, APIResponse{Status: status, Message: http.StatusText(status), Data: data})
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

func BadRequestResponse(c echo.Context, problems []Problem) error {
	return DataResponse(c, http.StatusBadRequest, problems)
}

func InternalServerErrorResponse(c echo.Context) error {
	return DataResponse(c, http.StatusInternalServerError, "Something went wrong")
}

// AppErrorResponse renders an *AppError anywhere in err's chain; anything
// else becomes a 500.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return InternalServerErrorResponse(c)
	}
	return DataResponse(c, appErr.Status, []Problem{appErr.Problem})
}
