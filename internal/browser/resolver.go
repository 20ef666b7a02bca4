package browser

import (
	"context"
	"errors"
	"time"

	"github.com/ahrdadan/agentab/internal/cdp"
)

// pollInterval spaces lookups while waiting for a selector to appear.
const pollInterval = 50 * time.Millisecond

// resolve turns selector into a handle for the first matching node. A miss
// is retried every pollInterval until ctx expires, which fails with
// ErrTimeout. A lookup the Protocol Client rejects outright (malformed
// selector) fails immediately with ErrElementNotFound.
func (p *Page) resolve(ctx context.Context, op, selector string) (*ElementHandle, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		gen := p.gen.Load()
		id, err := p.tab.FindElement(ctx, selector)
		switch {
		case err == nil:
			return &ElementHandle{page: p, id: id, selector: selector, gen: gen}, nil
		case ctx.Err() != nil:
			return nil, waitError(ctx, op, selector)
		case !errors.Is(err, cdp.ErrNoMatch):
			return nil, &Error{Kind: ErrElementNotFound, Op: op, Subject: selector, Err: err}
		}

		select {
		case <-ctx.Done():
			return nil, waitError(ctx, op, selector)
		case <-ticker.C:
		}
	}
}

// resolveAll returns a handle for every match in document order; no match is
// an empty slice, not an error.
func (p *Page) resolveAll(ctx context.Context, op, selector string) ([]*ElementHandle, error) {
	gen := p.gen.Load()
	ids, err := p.tab.FindElements(ctx, selector)
	if err != nil {
		if errors.Is(err, cdp.ErrNoMatch) {
			return []*ElementHandle{}, nil
		}
		return nil, newError(ErrElementNotFound, op, selector, err)
	}
	handles := make([]*ElementHandle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, &ElementHandle{page: p, id: id, selector: selector, gen: gen})
	}
	return handles, nil
}

func waitError(ctx context.Context, op, selector string) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Op: op, Subject: selector, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return canceled(op, selector, err)
	}
	return &Error{Kind: ErrElementNotFound, Op: op, Subject: selector, Err: err}
}
