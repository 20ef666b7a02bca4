package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ahrdadan/agentab/internal/a11y"
	"github.com/ahrdadan/agentab/internal/cdp"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

const (
	titleJS  = `() => document.title`
	scrollJS = `(dy) => { window.scrollBy(0, dy); return window.scrollY; }`

	// globalEvalJS runs caller source that is not a function literal.
	globalEvalJS = `(src) => (0, eval)(src)`

	stableJS = `(quietMs, maxMs) => new Promise((resolve) => {
		let quiet;
		const observer = new MutationObserver(() => {
			clearTimeout(quiet);
			quiet = setTimeout(done, quietMs);
		});
		const cap = setTimeout(() => finish(false), maxMs);
		function finish(ok) {
			observer.disconnect();
			clearTimeout(quiet);
			clearTimeout(cap);
			resolve(ok);
		}
		function done() { finish(true); }
		observer.observe(document, { childList: true, subtree: true, attributes: true, characterData: true });
		quiet = setTimeout(done, quietMs);
	})`

	selectOptionJS = `function (value) {
		const options = Array.from(this.options || []);
		if (!options.some((o) => o.value === value)) return false;
		this.value = value;
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	}`
)

// stableQuiet is how long the DOM must go without mutations for GotoStable.
const stableQuiet = 500 * time.Millisecond

// Page is one tab of a Session. Calls on different pages may run
// concurrently; calls on the same page should not.
type Page struct {
	session *Session
	tab     cdp.Tab
	id      string
	timeout time.Duration
	logger  *zap.Logger
	blocker *resourceBlocker

	// gen counts documents; handles from an older document are stale.
	gen atomic.Uint64
}

func newPage(s *Session, tab cdp.Tab) *Page {
	return &Page{
		session: s,
		tab:     tab,
		id:      tab.ID(),
		timeout: s.cfg.timeout,
		logger:  s.logger.Named("page").With(zap.String("page", tab.ID())),
		blocker: newResourceBlocker(tab),
	}
}

// ID returns the Protocol Client's target id.
func (p *Page) ID() string { return p.id }

func (p *Page) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, p.timeout)
}

// Goto navigates and waits for the load event.
func (p *Page) Goto(ctx context.Context, url string) error {
	return p.navigate(ctx, "goto", url, cdp.WaitLoadComplete)
}

// GotoFast navigates and returns once the document is parsed, without
// waiting for subresources.
func (p *Page) GotoFast(ctx context.Context, url string) error {
	return p.navigate(ctx, "goto fast", url, cdp.WaitDOMContentLoaded)
}

// GotoStable navigates, waits for load, then waits until the DOM has gone
// stableQuiet without mutations.
func (p *Page) GotoStable(ctx context.Context, url string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if err := p.navigate(ctx, "goto stable", url, cdp.WaitLoadComplete); err != nil {
		return err
	}

	budget := time.Until(deadline(ctx))
	v, err := p.tab.Evaluate(ctx, stableJS, stableQuiet.Milliseconds(), budget.Milliseconds())
	if err != nil {
		return newError(ErrJS, "goto stable", url, err)
	}
	var stable bool
	if err := decode(v, &stable); err != nil {
		return &Error{Kind: ErrJS, Op: "goto stable", Subject: url, Err: err}
	}
	if !stable {
		return &Error{Kind: ErrTimeout, Op: "goto stable", Subject: url, Err: errors.New("dom kept changing")}
	}
	return nil
}

func deadline(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func (p *Page) navigate(ctx context.Context, op, url string, until cdp.WaitUntil) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	if err := p.blocker.activate(ctx); err != nil {
		return newError(ErrProtocol, "block resources", url, err)
	}
	p.gen.Add(1)
	start := time.Now()
	if err := p.tab.Navigate(ctx, url, until); err != nil {
		return newError(ErrNavigation, op, url, err)
	}
	p.logger.Debug("navigated", zap.String("op", op), zap.String("url", url), zap.Duration("took", time.Since(start)))
	return nil
}

func (p *Page) history(ctx context.Context, op string, move func(context.Context) error) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	if err := p.blocker.activate(ctx); err != nil {
		return newError(ErrProtocol, "block resources", op, err)
	}
	p.gen.Add(1)
	if err := move(ctx); err != nil {
		return newError(ErrNavigation, op, "", err)
	}
	return nil
}

func (p *Page) GoBack(ctx context.Context) error {
	return p.history(ctx, "go back", p.tab.Back)
}

func (p *Page) GoForward(ctx context.Context) error {
	return p.history(ctx, "go forward", p.tab.Forward)
}

func (p *Page) Reload(ctx context.Context) error {
	return p.history(ctx, "reload", p.tab.Reload)
}

// WaitForNavigation waits until the current document has finished loading.
func (p *Page) WaitForNavigation(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if err := p.tab.WaitLoad(ctx); err != nil {
		return newError(ErrNavigation, "wait for navigation", "", err)
	}
	return nil
}

// ExpectNavigation runs action and waits for the navigation it triggers to
// finish loading, e.g. a click on a link or a form submit.
func (p *Page) ExpectNavigation(ctx context.Context, action func(ctx context.Context) error) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	wait := p.tab.ExpectNavigation(ctx)
	if err := p.blocker.activate(ctx); err != nil {
		return newError(ErrProtocol, "block resources", "", err)
	}
	if err := action(ctx); err != nil {
		return err
	}
	err := wait()
	p.gen.Add(1)
	if err != nil {
		return newError(ErrNavigation, "wait for navigation", "", err)
	}
	return nil
}

// WaitForSelector waits for selector to match and returns the first match.
func (p *Page) WaitForSelector(ctx context.Context, selector string) (*ElementHandle, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.resolve(ctx, "wait for selector", selector)
}

// FindElement is WaitForSelector.
func (p *Page) FindElement(ctx context.Context, selector string) (*ElementHandle, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.resolve(ctx, "find element", selector)
}

// FindElements returns every current match without waiting. No match is
// an empty slice.
func (p *Page) FindElements(ctx context.Context, selector string) ([]*ElementHandle, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return p.resolveAll(ctx, "find elements", selector)
}

func (p *Page) Click(ctx context.Context, selector string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "click", selector)
	if err != nil {
		return err
	}
	return h.Click(ctx)
}

func (p *Page) Hover(ctx context.Context, selector string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "hover", selector)
	if err != nil {
		return err
	}
	return h.Hover(ctx)
}

// TypeText types text into the first match of selector.
func (p *Page) TypeText(ctx context.Context, selector, text string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "type", selector)
	if err != nil {
		return err
	}
	return h.Type(ctx, text)
}

// PressKey presses key on whatever element has focus.
func (p *Page) PressKey(ctx context.Context, key string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	if err := p.tab.PressKey(ctx, "", key); err != nil {
		return newError(ErrProtocol, "press key", key, err)
	}
	return nil
}

// SelectOption sets the value of a <select> and fires input and change.
// A value no option carries is an ErrJS.
func (p *Page) SelectOption(ctx context.Context, selector, value string) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "select option", selector)
	if err != nil {
		return err
	}
	v, err := p.tab.CallOn(ctx, h.id, selectOptionJS, value)
	if err != nil {
		if errors.Is(err, cdp.ErrStaleNode) {
			return &Error{Kind: ErrElementNotFound, Op: "select option", Subject: selector, Err: err}
		}
		return newError(ErrJS, "select option", selector, err)
	}
	var ok bool
	if err := decode(v, &ok); err != nil {
		return &Error{Kind: ErrJS, Op: "select option", Subject: selector, Err: err}
	}
	if !ok {
		return &Error{Kind: ErrJS, Op: "select option", Subject: selector,
			Err: fmt.Errorf("no option with value %q", value)}
	}
	return nil
}

// ScrollDown scrolls the window by px pixels and returns the new offset.
func (p *Page) ScrollDown(ctx context.Context, px int) (int, error) {
	return p.scroll(ctx, "scroll down", px)
}

// ScrollUp scrolls the window back by px pixels and returns the new offset.
func (p *Page) ScrollUp(ctx context.Context, px int) (int, error) {
	return p.scroll(ctx, "scroll up", -px)
}

func (p *Page) scroll(ctx context.Context, op string, dy int) (int, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	v, err := p.tab.Evaluate(ctx, scrollJS, dy)
	if err != nil {
		return 0, newError(ErrJS, op, fmt.Sprint(dy), err)
	}
	var y float64
	if err := decode(v, &y); err != nil {
		return 0, &Error{Kind: ErrJS, Op: op, Err: err}
	}
	return int(y), nil
}

// BlockResources blocks requests of the given types ("image", "stylesheet",
// "font", "media", "script", ...) starting with the page's next
// navigation. A load already in progress is not affected.
func (p *Page) BlockResources(types ...string) {
	p.blocker.stage(types)
}

// BlockedResources returns the types blocked for the current document.
func (p *Page) BlockedResources() []string {
	return p.blocker.types()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	v, err := p.tab.Evaluate(ctx, titleJS)
	if err != nil {
		return "", newError(ErrJS, "title", "", err)
	}
	var title string
	if err := decode(v, &title); err != nil {
		return "", &Error{Kind: ErrJS, Op: "title", Err: err}
	}
	return title, nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	info, err := p.tab.Info(ctx)
	if err != nil {
		return "", newError(ErrProtocol, "url", "", err)
	}
	return info.URL, nil
}

// HTML returns the serialized document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	html, err := p.tab.DocumentContent(ctx)
	if err != nil {
		return "", newError(ErrProtocol, "html", "", err)
	}
	return html, nil
}

// TextContent returns the rendered text of the first match of selector.
func (p *Page) TextContent(ctx context.Context, selector string) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "text content", selector)
	if err != nil {
		return "", err
	}
	return h.InnerText(ctx)
}

func (p *Page) InnerHTML(ctx context.Context, selector string) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	h, err := p.resolve(ctx, "inner html", selector)
	if err != nil {
		return "", err
	}
	return h.InnerHTML(ctx)
}

// AccessibilityTree renders the compact outline of the live document. It
// does not modify the page.
func (p *Page) AccessibilityTree(ctx context.Context) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	v, err := p.tab.Evaluate(ctx, a11y.Script)
	if err != nil {
		return "", newError(ErrJS, "accessibility tree", "", err)
	}
	var nodes []a11y.Node
	if err := decode(v, &nodes); err != nil {
		return "", &Error{Kind: ErrJS, Op: "accessibility tree", Err: err}
	}
	return a11y.Render(nodes), nil
}

// Evaluate runs script and returns its result as text: strings as is,
// null and undefined as "", anything else as JSON. script may be a
// function literal or plain global code; promises are awaited.
func (p *Page) Evaluate(ctx context.Context, script string) (string, error) {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	var v gson.JSON
	var err error
	if isFunction(script) {
		v, err = p.tab.Evaluate(ctx, script)
	} else {
		v, err = p.tab.Evaluate(ctx, globalEvalJS, script)
	}
	if err != nil {
		return "", newError(ErrJS, "evaluate", snippet(script), err)
	}
	return stringify(v)
}

var (
	arrowFunc   = regexp.MustCompile(`^(async\s+)?(\([^)]*\)|[A-Za-z_$][\w$]*)\s*=>`)
	funcLiteral = regexp.MustCompile(`^(async\s+)?function[\s*(]`)
)

// isFunction reports whether script is a function literal, which is
// called directly; anything else is evaluated as global code.
func isFunction(script string) bool {
	s := strings.TrimSpace(script)
	return funcLiteral.MatchString(s) || arrowFunc.MatchString(s)
}

// EvaluateVoid runs script for its side effects.
func (p *Page) EvaluateVoid(ctx context.Context, script string) error {
	_, err := p.Evaluate(ctx, script)
	return err
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	return p.capture(ctx, cdp.ScreenshotParams{Format: cdp.FormatPNG})
}

// ScreenshotJPEG captures the viewport as JPEG; quality is 0 to 100.
func (p *Page) ScreenshotJPEG(ctx context.Context, quality int) ([]byte, error) {
	return p.capture(ctx, cdp.ScreenshotParams{Format: cdp.FormatJPEG, Quality: quality})
}

// ScreenshotFullPage captures the whole scrollable page as PNG.
func (p *Page) ScreenshotFullPage(ctx context.Context) ([]byte, error) {
	return p.capture(ctx, cdp.ScreenshotParams{Format: cdp.FormatPNG, FullPage: true})
}

func (p *Page) ScreenshotFullPageJPEG(ctx context.Context, quality int) ([]byte, error) {
	return p.capture(ctx, cdp.ScreenshotParams{Format: cdp.FormatJPEG, Quality: quality, FullPage: true})
}

// ScreenshotToFile writes a PNG viewport capture to path. The bytes are
// written as captured; the extension is not consulted.
func (p *Page) ScreenshotToFile(ctx context.Context, path string) error {
	data, err := p.Screenshot(ctx)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// ScreenshotJPEGToFile writes a JPEG viewport capture to path.
func (p *Page) ScreenshotJPEGToFile(ctx context.Context, path string, quality int) error {
	data, err := p.ScreenshotJPEG(ctx, quality)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func (p *Page) capture(ctx context.Context, params cdp.ScreenshotParams) ([]byte, error) {
	if params.Format == cdp.FormatJPEG && (params.Quality < 0 || params.Quality > 100) {
		return nil, &Error{Kind: ErrScreenshot, Op: "screenshot",
			Err: fmt.Errorf("jpeg quality %d out of range 0-100", params.Quality)}
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()
	data, err := p.tab.CaptureScreenshot(ctx, params)
	if err != nil {
		return nil, newError(ErrScreenshot, "screenshot", string(params.Format), err)
	}
	if len(data) == 0 {
		return nil, &Error{Kind: ErrScreenshot, Op: "screenshot", Err: errors.New("empty capture")}
	}
	return data, nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{Kind: ErrIO, Op: "write screenshot", Subject: path, Err: err}
	}
	return nil
}

// Close stops loading and closes the tab. Dropping a Page without calling
// Close leaves the tab open until the session closes.
func (p *Page) Close(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	p.gen.Add(1)
	p.session.forget(p.id)
	if err := p.tab.Close(ctx); err != nil {
		return newError(ErrProtocol, "close page", p.id, err)
	}
	return nil
}

// ForceGC runs a full garbage collection in the page's renderer, reclaiming
// memory between navigations on constrained hosts.
func (p *Page) ForceGC(ctx context.Context) error {
	ctx, cancel := p.bound(ctx)
	defer cancel()
	return newError(ErrJS, "force gc", "", p.tab.CollectGarbage(ctx))
}

// decode converts a Protocol Client JSON value into out.
func decode(v gson.JSON, out any) error {
	raw, err := v.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func stringify(v gson.JSON) (string, error) {
	switch val := v.Val().(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	}
	raw, err := v.MarshalJSON()
	if err != nil {
		return "", &Error{Kind: ErrJS, Op: "evaluate", Err: err}
	}
	return string(raw), nil
}
