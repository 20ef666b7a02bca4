package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrdadan/agentab/internal/browser"
	"github.com/ahrdadan/agentab/internal/plan"
	"go.uber.org/zap"
)

const pageCloseTimeout = 10 * time.Second

// ProgressFunc reports step progress for a running job.
type ProgressFunc func(current, total int, stage, action string)

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress ProgressFunc) (*plan.Result, error)
}

// PageOpener opens pages for jobs; *browser.Session implements it.
type PageOpener interface {
	NewPage(ctx context.Context, url string) (*browser.Page, error)
}

// PlanProcessor runs each job's plan on a fresh page that is closed when the
// job ends.
type PlanProcessor struct {
	pages  PageOpener
	runner *plan.Runner
	logger *zap.Logger
}

// NewPlanProcessor creates a processor opening pages through pages.
func NewPlanProcessor(pages PageOpener, logger *zap.Logger) *PlanProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanProcessor{
		pages:  pages,
		runner: plan.NewRunner(logger),
		logger: logger.Named("processor"),
	}
}

// Process opens a blank page, stages the requested resource blocks, navigates
// to the job URL when one is given and runs the plan. On a step failure the
// partial result is returned together with the error.
func (p *PlanProcessor) Process(ctx context.Context, job *Job, progress ProgressFunc) (*plan.Result, error) {
	req := job.Request
	total := len(req.Plan.Steps)
	progress(0, total, "opening", "")

	page, err := p.pages.NewPage(ctx, browser.BlankURL)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		// ctx may already be done when the job timed out.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pageCloseTimeout)
		defer cancel()
		if err := page.Close(closeCtx); err != nil {
			p.logger.Warn("close page", zap.String("job", job.ID), zap.Error(err))
		}
	}()

	if len(req.Block) > 0 {
		page.BlockResources(req.Block...)
	}
	if req.URL != "" {
		progress(0, total, "navigating", string(plan.ActionGoto))
		if err := page.Goto(ctx, req.URL); err != nil {
			return nil, err
		}
	}

	progress(0, total, "running", "")
	return p.runner.Run(ctx, page, req.Plan, func(done, total int, step plan.Step) {
		progress(done, total, "running", string(step.Action))
	})
}
