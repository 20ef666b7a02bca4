package browser

import (
	"context"
	"errors"

	"github.com/ahrdadan/agentab/internal/cdp"
)

// ElementHandle refers to one DOM node of one Page by object id. It holds no
// node state: every call resolves the id against the page's current
// document, so a handle whose node was detached, or whose document was
// replaced by a navigation, fails instead of acting on something else.
//
// Actions issue exactly one Protocol Client command and never re-resolve the
// selector; waiting and retrying belong to the caller.
type ElementHandle struct {
	page     *Page
	id       cdp.ObjectID
	selector string
	gen      uint64
}

// Selector returns the selector the handle was resolved from.
func (h *ElementHandle) Selector() string { return h.selector }

// ObjectID returns the Protocol Client's id for the node.
func (h *ElementHandle) ObjectID() cdp.ObjectID { return h.id }

func (h *ElementHandle) stale() bool {
	return h.gen != h.page.gen.Load()
}

// act runs one element-level command. Stale handles fail with
// ErrElementNotFound; other failures are ErrProtocol.
func (h *ElementHandle) act(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if h.stale() {
		return &Error{Kind: ErrElementNotFound, Op: op, Subject: h.selector, Err: errStaleHandle}
	}
	ctx, cancel := h.page.bound(ctx)
	defer cancel()

	if err := fn(ctx); err != nil {
		if errors.Is(err, cdp.ErrStaleNode) {
			return &Error{Kind: ErrElementNotFound, Op: op, Subject: h.selector, Err: err}
		}
		return newError(ErrProtocol, op, h.selector, err)
	}
	return nil
}

// read runs one content read. Every failure, including a stale handle, is
// ErrJS; stale causes still match ErrElementNotFound.
func (h *ElementHandle) read(ctx context.Context, op string, fn func(ctx context.Context) (string, error)) (string, error) {
	if h.stale() {
		return "", &Error{Kind: ErrJS, Op: op, Subject: h.selector, Err: errStaleHandle}
	}
	ctx, cancel := h.page.bound(ctx)
	defer cancel()

	s, err := fn(ctx)
	if err != nil {
		if errors.Is(err, cdp.ErrStaleNode) {
			err = errors.Join(errStaleHandle, err)
		}
		return "", newError(ErrJS, op, h.selector, err)
	}
	return s, nil
}

func (h *ElementHandle) Click(ctx context.Context) error {
	return h.act(ctx, "click", func(ctx context.Context) error {
		return h.page.tab.Click(ctx, h.id)
	})
}

func (h *ElementHandle) Hover(ctx context.Context) error {
	return h.act(ctx, "hover", func(ctx context.Context) error {
		return h.page.tab.Hover(ctx, h.id)
	})
}

func (h *ElementHandle) Focus(ctx context.Context) error {
	return h.act(ctx, "focus", func(ctx context.Context) error {
		return h.page.tab.Focus(ctx, h.id)
	})
}

func (h *ElementHandle) ScrollIntoView(ctx context.Context) error {
	return h.act(ctx, "scroll into view", func(ctx context.Context) error {
		return h.page.tab.ScrollIntoView(ctx, h.id)
	})
}

// Type inserts text in one dispatch; there is no per-character timing.
func (h *ElementHandle) Type(ctx context.Context, text string) error {
	return h.act(ctx, "type", func(ctx context.Context) error {
		return h.page.tab.Type(ctx, h.id, text)
	})
}

// PressKey focuses the node and presses key ("Enter", "Tab", "a", ...).
func (h *ElementHandle) PressKey(ctx context.Context, key string) error {
	return h.act(ctx, "press key", func(ctx context.Context) error {
		return h.page.tab.PressKey(ctx, h.id, key)
	})
}

// Attribute returns the attribute value and whether it is present. An
// absent attribute is not an error.
func (h *ElementHandle) Attribute(ctx context.Context, name string) (string, bool, error) {
	var present bool
	v, err := h.read(ctx, "get attribute", func(ctx context.Context) (string, error) {
		v, err := h.page.tab.Attribute(ctx, h.id, name)
		if err != nil || v == nil {
			return "", err
		}
		present = true
		return *v, nil
	})
	return v, present, err
}

// InnerText returns the rendered text of the node.
func (h *ElementHandle) InnerText(ctx context.Context) (string, error) {
	return h.read(ctx, "inner text", func(ctx context.Context) (string, error) {
		return h.page.tab.Text(ctx, h.id)
	})
}

func (h *ElementHandle) InnerHTML(ctx context.Context) (string, error) {
	return h.read(ctx, "inner html", func(ctx context.Context) (string, error) {
		return h.page.tab.HTML(ctx, h.id, false)
	})
}

func (h *ElementHandle) OuterHTML(ctx context.Context) (string, error) {
	return h.read(ctx, "outer html", func(ctx context.Context) (string, error) {
		return h.page.tab.HTML(ctx, h.id, true)
	})
}
