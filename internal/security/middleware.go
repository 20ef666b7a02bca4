package security

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDKey is the fiber.Locals key holding the request ID.
const RequestIDKey = "requestID"

// Middleware provides security middleware for Fiber
type Middleware struct {
	rateLimiter      *RateLimiter
	idempotencyStore *IdempotencyStore
}

// NewMiddleware creates a new security middleware. Either store may be nil,
// which disables the corresponding handler.
func NewMiddleware(rl *RateLimiter, is *IdempotencyStore) *Middleware {
	return &Middleware{
		rateLimiter:      rl,
		idempotencyStore: is,
	}
}

// ClientKey identifies the caller: the API key when sent, otherwise the IP.
func ClientKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	return "ip:" + c.IP()
}

// RateLimitMiddleware returns a rate limiting middleware
func (m *Middleware) RateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.rateLimiter == nil {
			return c.Next()
		}
		clientID := ClientKey(c)
		allowed := m.rateLimiter.Allow(clientID)
		info := m.rateLimiter.Info(clientID)

		c.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		if !allowed {
			retry := int64(math.Ceil(info.RetryAfter.Seconds()))
			c.Set("Retry-After", strconv.FormatInt(retry, 10))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success":     false,
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
		}
		return c.Next()
	}
}

// IdempotencyMiddleware replays the stored response for a POST carrying a
// known X-Idempotency-Key. Successful responses to new keys are stored.
func (m *Middleware) IdempotencyMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.idempotencyStore == nil || c.Method() != fiber.MethodPost {
			return c.Next()
		}
		key := c.Get("X-Idempotency-Key")
		if key == "" {
			return c.Next()
		}
		key = ClientKey(c) + "|" + c.Path() + "|" + key

		if entry, exists := m.idempotencyStore.Check(key); exists {
			c.Set("X-Idempotency-Replayed", "true")
			c.Set(fiber.HeaderContentType, entry.ContentType)
			return c.Status(entry.Status).Send(entry.Body)
		}

		if err := c.Next(); err != nil {
			return err
		}
		if status := c.Response().StatusCode(); status >= 200 && status < 300 {
			m.idempotencyStore.Store(key, status, string(c.Response().Header.ContentType()), c.Response().Body())
		}
		return nil
	}
}

// SecurityHeadersMiddleware adds security headers and a request ID.
func SecurityHeadersMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", "default-src 'none'")

		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("X-Request-ID", requestID)
		c.Locals(RequestIDKey, requestID)

		return c.Next()
	}
}

// RequestValidationMiddleware enforces JSON bodies on POST/PUT/PATCH and a
// body size limit in bytes.
func RequestValidationMiddleware(bodyLimit int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
			contentType := c.Get(fiber.HeaderContentType)
			if len(c.Body()) > 0 && !strings.HasPrefix(contentType, fiber.MIMEApplicationJSON) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"success": false,
					"error":   "Content-Type must be application/json",
				})
			}
		}

		if bodyLimit > 0 && len(c.Body()) > bodyLimit {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"success": false,
				"error":   "Request body too large",
			})
		}

		return c.Next()
	}
}

// RequestLogger logs one line per request through logger.
func RequestLogger(logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		requestID, _ := c.Locals(RequestIDKey).(string)
		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", requestID),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Warn("request", fields...)
		} else {
			logger.Debug("request", fields...)
		}
		return err
	}
}
