package api

import (
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/config"
	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/ahrdadan/agentab/internal/queue"
	"github.com/ahrdadan/agentab/internal/security"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// RouteConfig holds configuration for routes
type RouteConfig struct {
	RateLimit      security.RateLimitConfig
	IdempotencyTTL time.Duration // TTL for idempotency keys
	BodyLimit      int
	MaxPages       int
	BaseURL        string // Base URL for full URLs in responses
}

// DefaultRouteConfig returns default route configuration
func DefaultRouteConfig() RouteConfig {
	return RouteConfig{
		RateLimit:      security.DefaultRateLimitConfig(),
		IdempotencyTTL: 24 * time.Hour,
		BodyLimit:      1 << 20,
		MaxPages:       16,
		BaseURL:        "http://localhost:8000",
	}
}

// RouteConfigFrom derives the route configuration from the application
// configuration.
func RouteConfigFrom(cfg *config.Config) RouteConfig {
	return RouteConfig{
		RateLimit: security.RateLimitConfig{
			RequestsPerWindow: cfg.Security.RateLimit,
			WindowDuration:    cfg.Security.RateWindow,
			BurstMax:          cfg.Security.Burst,
		},
		IdempotencyTTL: cfg.Security.IdempotencyTTL,
		BodyLimit:      cfg.Server.BodyLimit,
		MaxPages:       cfg.Browser.MaxPages,
		BaseURL:        cfg.Server.BaseURL,
	}
}

// Server is the HTTP surface: a fiber app plus the stores its middleware
// keeps.
type Server struct {
	App *fiber.App

	rateLimiter      *security.RateLimiter
	idempotencyStore *security.IdempotencyStore
}

// NewServer builds the fiber app with every route registered.
func NewServer(session *browser.Session, queueManager *queue.Manager, rc RouteConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "agentab",
		ErrorHandler:          ErrorHandler,
		BodyLimit:             rc.BodyLimit,
		DisableStartupMessage: true,
	})

	s := &Server{
		App:              app,
		rateLimiter:      security.NewRateLimiter(rc.RateLimit),
		idempotencyStore: security.NewIdempotencyStore(rc.IdempotencyTTL),
	}

	app.Use(recover.New())
	app.Use(security.SecurityHeadersMiddleware())
	app.Use(security.RequestLogger(logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(Response{
			Success: true,
			Data: fiber.Map{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		})
	})

	secMiddleware := security.NewMiddleware(s.rateLimiter, s.idempotencyStore)
	agentab := app.Group("/agentab")
	agentab.Use(security.RequestValidationMiddleware(rc.BodyLimit))
	agentab.Use(secMiddleware.RateLimitMiddleware())
	agentab.Use(secMiddleware.IdempotencyMiddleware())

	registerPageRoutes(agentab, NewPageHandler(session, rc.MaxPages, logger))
	if queueManager != nil {
		registerJobRoutes(agentab, NewJobHandler(queueManager, rc.BaseURL, logger))
	}
	return s
}

// Shutdown stops the app and the middleware stores.
func (s *Server) Shutdown() error {
	err := s.App.Shutdown()
	s.rateLimiter.Stop()
	s.idempotencyStore.Stop()
	return err
}

func registerPageRoutes(r fiber.Router, h *PageHandler) {
	pages := r.Group("/pages")
	pages.Post("", h.CreatePage)
	pages.Get("", h.ListPages)
	pages.Delete("/:id", h.ClosePage)

	// Actions
	pages.Post("/:id/goto", h.Action(plan.ActionGoto))
	pages.Post("/:id/goto_fast", h.Action(plan.ActionGotoFast))
	pages.Post("/:id/goto_stable", h.Action(plan.ActionGotoStable))
	pages.Post("/:id/back", h.Action(plan.ActionBack))
	pages.Post("/:id/forward", h.Action(plan.ActionForward))
	pages.Post("/:id/reload", h.Action(plan.ActionReload))
	pages.Post("/:id/wait_for_selector", h.Action(plan.ActionWaitForSelector))
	pages.Post("/:id/wait_for_navigation", h.Action(plan.ActionWaitForNavigation))
	pages.Post("/:id/click", h.Action(plan.ActionClick))
	pages.Post("/:id/type", h.Action(plan.ActionType))
	pages.Post("/:id/press", h.Action(plan.ActionPress))
	pages.Post("/:id/hover", h.Action(plan.ActionHover))
	pages.Post("/:id/scroll_down", h.Action(plan.ActionScrollDown))
	pages.Post("/:id/scroll_up", h.Action(plan.ActionScrollUp))
	pages.Post("/:id/select", h.Action(plan.ActionSelect))
	pages.Post("/:id/fill_form", h.Action(plan.ActionFillForm))
	pages.Post("/:id/block", h.Action(plan.ActionBlock))
	pages.Post("/:id/evaluate", h.Action(plan.ActionEvaluate))
	pages.Post("/:id/force_gc", h.Action(plan.ActionForceGC))
	pages.Post("/:id/step", h.Step)
	pages.Post("/:id/plan", h.RunPlan)

	// Observations
	pages.Get("/:id/title", h.Observe(plan.ActionTitle))
	pages.Get("/:id/url", h.Observe(plan.ActionURL))
	pages.Get("/:id/html", h.Observe(plan.ActionHTML))
	pages.Get("/:id/text", h.Observe(plan.ActionText))
	pages.Get("/:id/inner_html", h.Observe(plan.ActionInnerHTML))
	pages.Get("/:id/links", h.Observe(plan.ActionLinks))
	pages.Get("/:id/forms", h.Observe(plan.ActionForms))
	pages.Get("/:id/accessibility_tree", h.Observe(plan.ActionAccessibilityTree))
	pages.Get("/:id/extract", h.Observe(plan.ActionExtract))
	pages.Get("/:id/screenshot", h.Screenshot)
}

func registerJobRoutes(r fiber.Router, h *JobHandler) {
	jobs := r.Group("/jobs")
	jobs.Post("", h.CreateJob)
	jobs.Get("", h.ListJobs)
	jobs.Get("/:job_id", h.GetJobStatus)
	jobs.Get("/:job_id/result", h.GetJobResult)
	jobs.Post("/:job_id/cancel", h.CancelJob)
	jobs.Get("/:job_id/events", h.StreamEvents)

	r.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get("/ws", websocket.New(h.HandleWebSocket))
}
