package api

import (
	"errors"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/ahrdadan/agentab/internal/queue"
	"github.com/gofiber/fiber/v2"
)

var (
	errPageNotFound = errors.New("page not found")
	errTooManyPages = errors.New("page limit reached")
)

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	// Kind names the browser failure kind, e.g. "timeout".
	Kind string `json:"kind,omitempty"`
}

var kindStatus = map[error]int{
	browser.ErrElementNotFound: fiber.StatusNotFound,
	browser.ErrTimeout:         fiber.StatusGatewayTimeout,
	browser.ErrNavigation:      fiber.StatusBadGateway,
	browser.ErrProtocol:        fiber.StatusBadGateway,
	browser.ErrJS:              fiber.StatusUnprocessableEntity,
	browser.ErrScreenshot:      fiber.StatusInternalServerError,
	browser.ErrIO:              fiber.StatusInternalServerError,
	browser.ErrLaunch:          fiber.StatusServiceUnavailable,
}

// StatusFor maps an error to an HTTP status code.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, plan.ErrInvalidPlan):
		return fiber.StatusBadRequest
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, errPageNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, queue.ErrNotCancelable):
		return fiber.StatusConflict
	case errors.Is(err, errTooManyPages):
		return fiber.StatusTooManyRequests
	}
	if code, ok := kindStatus[browser.KindOf(err)]; ok {
		return code
	}
	return fiber.StatusInternalServerError
}

// errorResponse builds the body for a failed request.
func errorResponse(err error) Response {
	resp := Response{Success: false, Error: err.Error()}
	if browser.KindOf(err) != nil {
		resp.Kind = browser.KindName(err)
	}
	return resp
}

// ErrorHandler is the custom error handler for Fiber
func ErrorHandler(c *fiber.Ctx, err error) error {
	return c.Status(StatusFor(err)).JSON(errorResponse(err))
}
