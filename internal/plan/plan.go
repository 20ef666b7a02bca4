// Package plan runs mechanical action plans: an ordered list of steps executed
// against one page. Execution stops at the first failing step. Steps are never
// retried.
package plan

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"go.uber.org/zap"
)

// ErrInvalidPlan is returned by Validate and Run for plans that cannot start.
var ErrInvalidPlan = errors.New("invalid plan")

// Action names one step kind.
type Action string

const (
	ActionGoto              Action = "goto"
	ActionGotoFast          Action = "goto_fast"
	ActionGotoStable        Action = "goto_stable"
	ActionBack              Action = "back"
	ActionForward           Action = "forward"
	ActionReload            Action = "reload"
	ActionWaitForSelector   Action = "wait_for_selector"
	ActionWaitForNavigation Action = "wait_for_navigation"
	ActionClick             Action = "click"
	ActionType              Action = "type"
	ActionPress             Action = "press"
	ActionHover             Action = "hover"
	ActionScrollDown        Action = "scroll_down"
	ActionScrollUp          Action = "scroll_up"
	ActionSelect            Action = "select"
	ActionFillForm          Action = "fill_form"
	ActionBlock             Action = "block"
	ActionTitle             Action = "title"
	ActionURL               Action = "url"
	ActionHTML              Action = "html"
	ActionText              Action = "text"
	ActionInnerHTML         Action = "inner_html"
	ActionScreenshot        Action = "screenshot"
	ActionLinks             Action = "links"
	ActionForms             Action = "forms"
	ActionAccessibilityTree Action = "accessibility_tree"
	ActionExtract           Action = "extract"
	ActionEvaluate          Action = "evaluate"
	ActionForceGC           Action = "force_gc"
)

// MaxSteps bounds the length of a single plan.
const MaxSteps = 100

// Step is one instruction. Which fields are read depends on Action.
type Step struct {
	Action     Action          `json:"action"`
	URL        string          `json:"url,omitempty"`
	Selector   string          `json:"selector,omitempty"`
	Text       string          `json:"text,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      string          `json:"value,omitempty"`
	Pixels     int             `json:"pixels,omitempty"`
	Script     string          `json:"script,omitempty"`
	Fields     []browser.Field `json:"fields,omitempty"`
	Types      []string        `json:"types,omitempty"`
	Attributes []string        `json:"attributes,omitempty"`
	FullPage   bool            `json:"full_page,omitempty"`
	// Format is "png" (default) or "jpeg"; Quality applies to jpeg only.
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Validate checks every step for the fields its action needs.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	if len(p.Steps) > MaxSteps {
		return fmt.Errorf("%w: %d steps exceeds the limit of %d", ErrInvalidPlan, len(p.Steps), MaxSteps)
	}
	var errs []error
	for i, s := range p.Steps {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i, s.Action, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
	}
	return nil
}

func (s Step) validate() error {
	switch s.Action {
	case ActionGoto, ActionGotoFast, ActionGotoStable:
		if s.URL == "" {
			return errors.New("url is required")
		}
	case ActionWaitForSelector, ActionClick, ActionHover, ActionType, ActionSelect,
		ActionText, ActionInnerHTML, ActionExtract:
		if s.Selector == "" {
			return errors.New("selector is required")
		}
	case ActionPress:
		if s.Key == "" {
			return errors.New("key is required")
		}
	case ActionScrollDown, ActionScrollUp:
		if s.Pixels <= 0 {
			return errors.New("pixels must be positive")
		}
	case ActionFillForm:
		if len(s.Fields) == 0 {
			return errors.New("fields are required")
		}
	case ActionBlock:
		if len(s.Types) == 0 {
			return errors.New("types are required")
		}
	case ActionEvaluate:
		if strings.TrimSpace(s.Script) == "" {
			return errors.New("script is required")
		}
	case ActionScreenshot:
		switch s.Format {
		case "", "png", "jpeg":
		default:
			return fmt.Errorf("unknown format %q", s.Format)
		}
	case ActionBack, ActionForward, ActionReload, ActionWaitForNavigation, ActionForceGC,
		ActionTitle, ActionURL, ActionHTML, ActionLinks, ActionForms, ActionAccessibilityTree:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Index      int    `json:"index"`
	Action     Action `json:"action"`
	OK         bool   `json:"ok"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Result is the outcome of a plan run. Steps holds one entry per executed
// step; steps after a failure are not run and not listed.
type Result struct {
	OK        bool         `json:"ok"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Steps     []StepResult `json:"steps"`
}

// Failed returns the failing step, if any.
func (r *Result) Failed() (StepResult, bool) {
	if n := len(r.Steps); n > 0 && !r.Steps[n-1].OK {
		return r.Steps[n-1], true
	}
	return StepResult{}, false
}

// StepError reports which step stopped a plan.
type StepError struct {
	Index  int
	Action Action
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ProgressFunc is called after every successful step with the number of
// completed steps.
type ProgressFunc func(done, total int, step Step)

// Runner executes plans.
type Runner struct {
	logger *zap.Logger
}

// NewRunner returns a runner logging through logger.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger.Named("plan")}
}

// Run validates p and executes its steps in order against page. The returned
// Result is always non-nil once validation passes. When a step fails, the
// error is a *StepError wrapping the page error, so browser.KindOf still
// applies.
func (r *Runner) Run(ctx context.Context, page *browser.Page, p Plan, progress ProgressFunc) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	logger := r.logger.With(zap.String("page", page.ID()), zap.Int("steps", len(p.Steps)))
	res := &Result{Total: len(p.Steps), Steps: make([]StepResult, 0, len(p.Steps))}

	for i, step := range p.Steps {
		start := time.Now()
		out, err := execute(ctx, page, step)
		sr := StepResult{
			Index:      i,
			Action:     step.Action,
			OK:         err == nil,
			Output:     out,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			sr.Output = nil
			sr.Error = err.Error()
			sr.Kind = browser.KindName(err)
			res.Steps = append(res.Steps, sr)
			logger.Info("plan stopped",
				zap.Int("step", i),
				zap.String("action", string(step.Action)),
				zap.String("kind", sr.Kind),
				zap.Error(err),
			)
			return res, &StepError{Index: i, Action: step.Action, Err: err}
		}
		res.Steps = append(res.Steps, sr)
		res.Completed++
		if progress != nil {
			progress(res.Completed, res.Total, step)
		}
	}

	res.OK = true
	logger.Debug("plan completed")
	return res, nil
}

// Screenshot is the output of a screenshot step.
type Screenshot struct {
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
	Data   string `json:"data"`
}

func execute(ctx context.Context, page *browser.Page, s Step) (any, error) {
	switch s.Action {
	case ActionGoto:
		return nil, page.Goto(ctx, s.URL)
	case ActionGotoFast:
		return nil, page.GotoFast(ctx, s.URL)
	case ActionGotoStable:
		return nil, page.GotoStable(ctx, s.URL)
	case ActionBack:
		return nil, page.GoBack(ctx)
	case ActionForward:
		return nil, page.GoForward(ctx)
	case ActionReload:
		return nil, page.Reload(ctx)
	case ActionForceGC:
		return nil, page.ForceGC(ctx)
	case ActionWaitForSelector:
		_, err := page.WaitForSelector(ctx, s.Selector)
		return nil, err
	case ActionWaitForNavigation:
		return nil, page.WaitForNavigation(ctx)
	case ActionClick:
		return nil, page.Click(ctx, s.Selector)
	case ActionType:
		return nil, page.TypeText(ctx, s.Selector, s.Text)
	case ActionPress:
		return nil, page.PressKey(ctx, s.Key)
	case ActionHover:
		return nil, page.Hover(ctx, s.Selector)
	case ActionScrollDown:
		return page.ScrollDown(ctx, s.Pixels)
	case ActionScrollUp:
		return page.ScrollUp(ctx, s.Pixels)
	case ActionSelect:
		return nil, page.SelectOption(ctx, s.Selector, s.Value)
	case ActionFillForm:
		skipped, err := page.FillForm(ctx, s.Fields)
		if err != nil {
			return nil, err
		}
		return map[string]any{"skipped": nonNil(skipped)}, nil
	case ActionBlock:
		page.BlockResources(s.Types...)
		return nil, nil
	case ActionTitle:
		return page.Title(ctx)
	case ActionURL:
		return page.URL(ctx)
	case ActionHTML:
		return page.HTML(ctx)
	case ActionText:
		return page.TextContent(ctx, s.Selector)
	case ActionInnerHTML:
		return page.InnerHTML(ctx, s.Selector)
	case ActionScreenshot:
		return screenshot(ctx, page, s)
	case ActionLinks:
		return page.GetLinks(ctx)
	case ActionForms:
		return page.GetFormFields(ctx)
	case ActionAccessibilityTree:
		return page.AccessibilityTree(ctx)
	case ActionExtract:
		return page.ExtractElements(ctx, s.Selector, s.Attributes)
	case ActionEvaluate:
		return page.Evaluate(ctx, s.Script)
	}
	return nil, fmt.Errorf("unknown action %q", s.Action)
}

func screenshot(ctx context.Context, page *browser.Page, s Step) (any, error) {
	var (
		data []byte
		err  error
	)
	format := "png"
	switch {
	case s.Format == "jpeg" && s.FullPage:
		format = "jpeg"
		data, err = page.ScreenshotFullPageJPEG(ctx, s.Quality)
	case s.Format == "jpeg":
		format = "jpeg"
		data, err = page.ScreenshotJPEG(ctx, s.Quality)
	case s.FullPage:
		data, err = page.ScreenshotFullPage(ctx)
	default:
		data, err = page.Screenshot(ctx)
	}
	if err != nil {
		return nil, err
	}
	return Screenshot{Format: format, Bytes: len(data), Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
