package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/plan"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// PageHandler exposes the pages of one browser session. Calls against the
// same page are serialized; different pages run concurrently.
type PageHandler struct {
	session  *browser.Session
	runner   *plan.Runner
	maxPages int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	slots   sync.Mutex
	opening int
}

// NewPageHandler creates a handler allowing at most maxPages open pages.
func NewPageHandler(session *browser.Session, maxPages int, logger *zap.Logger) *PageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageHandler{
		session:  session,
		runner:   plan.NewRunner(logger),
		maxPages: maxPages,
		logger:   logger.Named("pages"),
		locks:    make(map[string]*sync.Mutex),
	}
}

// CreatePageRequest opens a page. Block is staged before the first
// navigation, so it already applies to url.
type CreatePageRequest struct {
	URL   string   `json:"url"`
	Block []string `json:"block,omitempty"`
}

// PageInfo describes an open page.
type PageInfo struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Blocked []string `json:"blocked"`
}

func (h *PageHandler) lock(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	return l
}

func (h *PageHandler) forget(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.locks, id)
}

// withPage runs fn while holding the page's lock.
func (h *PageHandler) withPage(id string, fn func(p *browser.Page) error) error {
	l := h.lock(id)
	l.Lock()
	defer l.Unlock()

	p, ok := h.session.Page(id)
	if !ok {
		h.forget(id)
		return fmt.Errorf("%w: %s", errPageNotFound, id)
	}
	return fn(p)
}

func (h *PageHandler) info(ctx context.Context, p *browser.Page) PageInfo {
	url, err := p.URL(ctx)
	if err != nil {
		h.logger.Debug("page url", zap.String("page", p.ID()), zap.Error(err))
	}
	blocked := p.BlockedResources()
	if blocked == nil {
		blocked = []string{}
	}
	return PageInfo{ID: p.ID(), URL: url, Blocked: blocked}
}

// reserve claims a slot for a page about to open. Slots still opening count
// against maxPages alongside the pages already open.
func (h *PageHandler) reserve(ctx context.Context) error {
	h.slots.Lock()
	defer h.slots.Unlock()
	open, err := h.session.Pages(ctx)
	if err != nil {
		return err
	}
	if n := len(open) + h.opening; n >= h.maxPages {
		return fmt.Errorf("%w: %d open", errTooManyPages, n)
	}
	h.opening++
	return nil
}

func (h *PageHandler) release() {
	h.slots.Lock()
	h.opening--
	h.slots.Unlock()
}

// CreatePage opens a new page
// POST /agentab/pages
func (h *PageHandler) CreatePage(c *fiber.Ctx) error {
	var req CreatePageRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}
	ctx := c.UserContext()

	if err := h.reserve(ctx); err != nil {
		return err
	}
	p, err := h.session.NewPage(ctx, browser.BlankURL)
	h.release()
	if err != nil {
		return err
	}
	p.BlockResources(req.Block...)
	if req.URL != "" && req.URL != browser.BlankURL {
		if err := p.Goto(ctx, req.URL); err != nil {
			_ = p.Close(context.WithoutCancel(ctx))
			return err
		}
	}
	h.logger.Debug("page opened", zap.String("page", p.ID()), zap.String("url", req.URL))

	return c.Status(fiber.StatusCreated).JSON(Response{
		Success: true,
		Data:    h.info(ctx, p),
	})
}

// ListPages lists the open pages
// GET /agentab/pages
func (h *PageHandler) ListPages(c *fiber.Ctx) error {
	ctx := c.UserContext()
	pages, err := h.session.Pages(ctx)
	if err != nil {
		return err
	}
	infos := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		infos = append(infos, h.info(ctx, p))
	}
	return c.JSON(Response{Success: true, Data: infos})
}

// ClosePage closes a page and its tab
// DELETE /agentab/pages/:id
func (h *PageHandler) ClosePage(c *fiber.Ctx) error {
	id := c.Params("id")
	err := h.withPage(id, func(p *browser.Page) error {
		return p.Close(c.UserContext())
	})
	if err != nil {
		return err
	}
	h.forget(id)
	return c.JSON(Response{
		Success: true,
		Data:    fiber.Map{"id": id, "closed": true},
	})
}

// Action returns a handler running a single step of kind a, with the
// remaining step fields taken from the JSON body.
func (h *PageHandler) Action(a plan.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var step plan.Step
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&step); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
			}
		}
		step.Action = a
		return h.runStep(c, step)
	}
}

// Observe returns a handler running a single read-only step of kind a, with
// its parameters taken from the query string.
func (h *PageHandler) Observe(a plan.Action) fiber.Handler {
	return func(c *fiber.Ctx) error {
		step := plan.Step{
			Action:   a,
			Selector: c.Query("selector"),
			FullPage: c.QueryBool("full_page"),
			Format:   c.Query("format"),
			Quality:  c.QueryInt("quality"),
		}
		if attrs := c.Query("attributes"); attrs != "" {
			step.Attributes = strings.Split(attrs, ",")
		}
		return h.runStep(c, step)
	}
}

// Step runs any single step described by the body
// POST /agentab/pages/:id/step
func (h *PageHandler) Step(c *fiber.Ctx) error {
	var step plan.Step
	if err := c.BodyParser(&step); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	return h.runStep(c, step)
}

func (h *PageHandler) runStep(c *fiber.Ctx, step plan.Step) error {
	var res *plan.Result
	err := h.withPage(c.Params("id"), func(p *browser.Page) error {
		var err error
		res, err = h.runner.Run(c.UserContext(), p, plan.Plan{Steps: []plan.Step{step}}, nil)
		return err
	})
	if err != nil {
		return err
	}
	return c.JSON(Response{Success: true, Data: res.Steps[0].Output})
}

// RunPlan runs a plan synchronously. On a failing step the partial result is
// returned along with the error.
// POST /agentab/pages/:id/plan
func (h *PageHandler) RunPlan(c *fiber.Ctx) error {
	var p plan.Plan
	if err := c.BodyParser(&p); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	var res *plan.Result
	err := h.withPage(c.Params("id"), func(page *browser.Page) error {
		var err error
		res, err = h.runner.Run(c.UserContext(), page, p, nil)
		return err
	})
	var stepErr *plan.StepError
	switch {
	case errors.As(err, &stepErr):
		resp := errorResponse(err)
		resp.Data = res
		return c.Status(StatusFor(err)).JSON(resp)
	case err != nil:
		return err
	}
	return c.JSON(Response{Success: true, Data: res})
}

// Screenshot returns the raw image bytes
// GET /agentab/pages/:id/screenshot
func (h *PageHandler) Screenshot(c *fiber.Ctx) error {
	format := c.Query("format", "png")
	if format != "png" && format != "jpeg" {
		return fiber.NewError(fiber.StatusBadRequest, "format must be png or jpeg")
	}
	fullPage := c.QueryBool("full_page")
	quality := c.QueryInt("quality")

	var data []byte
	err := h.withPage(c.Params("id"), func(p *browser.Page) error {
		var err error
		ctx := c.UserContext()
		switch {
		case format == "jpeg" && fullPage:
			data, err = p.ScreenshotFullPageJPEG(ctx, quality)
		case format == "jpeg":
			data, err = p.ScreenshotJPEG(ctx, quality)
		case fullPage:
			data, err = p.ScreenshotFullPage(ctx)
		default:
			data, err = p.Screenshot(ctx)
		}
		return err
	})
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/"+format)
	return c.Send(data)
}
