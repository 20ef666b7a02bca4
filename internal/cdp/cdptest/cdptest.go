// Package cdptest provides an in-memory cdp.Browser for tests. Documents are
// goquery trees; scripts are not executed but dispatched to handlers the
// test registers for the exact function source it expects to be evaluated.
package cdptest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/ahrdadan/agentab/internal/a11y"
	"github.com/ahrdadan/agentab/internal/cdp"
	"github.com/andybalholm/cascadia"
	"github.com/ysmood/gson"
	"golang.org/x/net/html"
)

// DefaultUserAgent is reported by Browser.UserAgent.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/131.0.0.0 Safari/537.36"

// EvalHandler answers Tab.Evaluate for one function source.
type EvalHandler func(doc *goquery.Document, args []any) (any, error)

// CallHandler answers Tab.CallOn for one function source.
type CallHandler func(node *goquery.Selection, args []any) (any, error)

// Browser is a fake cdp.Browser.
type Browser struct {
	mu      sync.Mutex
	pages   map[string]string
	tabs    []*Tab
	created []*Tab
	nextID  int
	events  chan cdp.Event
	closed  bool
	evals   map[string]EvalHandler
	calls   map[string]CallHandler
	closeN  int

	// NewTabErr makes NewTab fail.
	NewTabErr error
	// UA is reported by UserAgent.
	UA string
}

// NewBrowser returns an empty fake browser.
func NewBrowser() *Browser {
	b := &Browser{
		pages:  make(map[string]string),
		events: make(chan cdp.Event, 64),
		evals:  make(map[string]EvalHandler),
		calls:  make(map[string]CallHandler),
		UA:     DefaultUserAgent,
	}
	b.HandleEval(a11y.Script, func(doc *goquery.Document, _ []any) (any, error) {
		return a11y.Walk(doc), nil
	})
	return b
}

// AddPage serves src for url.
func (b *Browser) AddPage(url, src string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[url] = src
}

// HandleEval registers h for every Evaluate of fn on any tab.
func (b *Browser) HandleEval(fn string, h EvalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evals[fn] = h
}

// HandleCall registers h for every CallOn of fn on any tab.
func (b *Browser) HandleCall(fn string, h CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[fn] = h
}

// Emit queues a browser event for the session's drain worker.
func (b *Browser) Emit(ev cdp.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.events <- ev:
	default:
	}
}

func (b *Browser) NewTab(ctx context.Context) (cdp.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, cdp.ErrClosed
	}
	if b.NewTabErr != nil {
		return nil, b.NewTabErr
	}
	b.nextID++
	t := &Tab{
		browser: b,
		id:      fmt.Sprintf("TARGET-%d", b.nextID),
		url:     "about:blank",
		doc:     mustParse("<html><head></head><body></body></html>"),
		ids:     make(map[*html.Node]cdp.ObjectID),
		nodes:   make(map[cdp.ObjectID]*html.Node),
		counts:  make(map[string]int),
	}
	b.tabs = append(b.tabs, t)
	b.created = append(b.created, t)
	return t, nil
}

func (b *Browser) Tabs(context.Context) ([]cdp.Tab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tabs := make([]cdp.Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	return tabs, nil
}

// Tab returns the i-th open tab.
func (b *Browser) Tab(i int) *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tabs[i]
}

// Created returns the i-th tab ever opened, closed or not.
func (b *Browser) Created(i int) *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created[i]
}

func (b *Browser) Events(ctx context.Context) <-chan cdp.Event {
	out := make(chan cdp.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-b.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (b *Browser) UserAgent(context.Context) (string, error) {
	return b.UA, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeN++
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.events)
	return nil
}

// Closed reports how many times Close was called.
func (b *Browser) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeN
}

func (b *Browser) removeTab(t *Tab) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.tabs {
		if other == t {
			b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
			break
		}
	}
}

func (b *Browser) evalHandler(fn string) (EvalHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.evals[fn]
	return h, ok
}

func (b *Browser) callHandler(fn string) (CallHandler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.calls[fn]
	return h, ok
}

func (b *Browser) page(url string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, ok := b.pages[url]
	return src, ok
}

// Action is one recorded element-level input.
type Action struct {
	Kind string
	ID   cdp.ObjectID
	Arg  string
}

// Request is one simulated subresource request.
type Request struct {
	URL     string
	Type    string
	Blocked bool
}

// Tab is a fake cdp.Tab.
type Tab struct {
	browser *Browser

	mu          sync.Mutex
	id          string
	url         string
	doc         *goquery.Document
	gen         int
	seq         int
	ids         map[*html.Node]cdp.ObjectID
	nodes       map[cdp.ObjectID]*html.Node
	history     []string
	pos         int
	counts      map[string]int
	actions     []Action
	scripts     []string
	userAgent   string
	viewport    cdp.Viewport
	block       cdp.BlockFunc
	intercepted bool
	requests    []Request
	navWaiters  []chan struct{}
	closed      bool

	// Errs makes the named method fail with the given error.
	Errs map[string]error
}

func mustParse(src string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return doc
}

func (t *Tab) ID() string { return t.id }

// enter records a call and returns the injected error for it, if any.
func (t *Tab) enter(method string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[method]++
	if t.closed && method != "Close" {
		return cdp.ErrClosed
	}
	if err, ok := t.Errs[method]; ok {
		return err
	}
	return nil
}

// Count returns how often method was called.
func (t *Tab) Count(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[method]
}

// SetError injects err for method; nil clears it.
func (t *Tab) SetError(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Errs == nil {
		t.Errs = make(map[string]error)
	}
	if err == nil {
		delete(t.Errs, method)
		return
	}
	t.Errs[method] = err
}

// SetHTML replaces the document in place, as a script would. Object ids of
// nodes that are not carried over go stale.
func (t *Tab) SetHTML(src string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(src)
}

// Mutate edits the current document without replacing it.
func (t *Tab) Mutate(fn func(doc *goquery.Document)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.doc)
}

// Document returns the current document.
func (t *Tab) Document() *goquery.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc
}

func (t *Tab) load(src string) {
	t.doc = mustParse(src)
	t.gen++
	t.ids = make(map[*html.Node]cdp.ObjectID)
	t.nodes = make(map[cdp.ObjectID]*html.Node)
	t.issueRequests()
}

// issueRequests simulates the subresource fetches of the current document.
func (t *Tab) issueRequests() {
	t.doc.Find("img[src], link[rel=stylesheet][href], script[src], video[src], audio[src]").Each(func(_ int, s *goquery.Selection) {
		req := Request{Type: resourceType(goquery.NodeName(s))}
		if v, ok := s.Attr("src"); ok {
			req.URL = v
		} else {
			req.URL, _ = s.Attr("href")
		}
		t.request(req)
	})
}

func (t *Tab) request(req Request) {
	if t.intercepted && t.block != nil {
		req.Blocked = t.block(req.Type)
	}
	t.requests = append(t.requests, req)
}

func resourceType(tag string) string {
	switch tag {
	case "img":
		return "Image"
	case "link":
		return "Stylesheet"
	case "script":
		return "Script"
	default:
		return "Media"
	}
}

// LateRequest simulates a request issued by the current document after its
// navigation started, e.g. a lazily loaded image.
func (t *Tab) LateRequest(url, resourceType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.request(Request{URL: url, Type: resourceType})
}

// Requests returns the simulated requests so far.
func (t *Tab) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

// Completed counts requests of resourceType that were not blocked.
func (t *Tab) Completed(resourceType string) int {
	n := 0
	for _, r := range t.Requests() {
		if r.Type == resourceType && !r.Blocked {
			n++
		}
	}
	return n
}

// Actions returns the recorded element-level inputs.
func (t *Tab) Actions() []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Action(nil), t.actions...)
}

// Scripts returns the scripts registered with EvaluateOnNewDocument.
func (t *Tab) Scripts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.scripts...)
}

// UserAgentOverride returns the last user agent set on the tab.
func (t *Tab) UserAgentOverride() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userAgent
}

// Viewport returns the last viewport set on the tab.
func (t *Tab) Viewport() cdp.Viewport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewport
}

// URL returns the current location.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// IsClosed reports whether Close was called.
func (t *Tab) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) goTo(url string) error {
	src := "<html><head></head><body></body></html>"
	if url != "about:blank" {
		var ok bool
		src, ok = t.browser.page(url)
		if !ok {
			return fmt.Errorf("navigation to %s failed: net::ERR_NAME_NOT_RESOLVED", url)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.url = url
	t.load(src)
	for _, w := range t.navWaiters {
		close(w)
	}
	t.navWaiters = nil
	return nil
}

func (t *Tab) Navigate(ctx context.Context, url string, _ cdp.WaitUntil) error {
	if err := t.enter("Navigate"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.goTo(url); err != nil {
		return err
	}
	t.mu.Lock()
	t.history = append(t.history[:t.pos], url)
	t.pos = len(t.history)
	t.mu.Unlock()
	return nil
}

func (t *Tab) ExpectNavigation(ctx context.Context) func() error {
	t.mu.Lock()
	w := make(chan struct{})
	t.navWaiters = append(t.navWaiters, w)
	t.mu.Unlock()
	return func() error {
		select {
		case <-w:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tab) WaitLoad(ctx context.Context) error {
	if err := t.enter("WaitLoad"); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Tab) move(method string, delta int) error {
	if err := t.enter(method); err != nil {
		return err
	}
	t.mu.Lock()
	next := t.pos + delta
	if next < 1 || next > len(t.history) {
		t.mu.Unlock()
		return fmt.Errorf("%s: no history entry", method)
	}
	t.pos = next
	url := t.history[next-1]
	t.mu.Unlock()
	return t.goTo(url)
}

func (t *Tab) Back(context.Context) error    { return t.move("Back", -1) }
func (t *Tab) Forward(context.Context) error { return t.move("Forward", 1) }
func (t *Tab) Reload(context.Context) error  { return t.move("Reload", 0) }

func (t *Tab) Evaluate(ctx context.Context, fn string, args ...any) (gson.JSON, error) {
	if err := t.enter("Evaluate"); err != nil {
		return gson.JSON{}, err
	}
	h, ok := t.browser.evalHandler(fn)
	if !ok {
		return gson.JSON{}, fmt.Errorf("cdptest: no handler for script %q", fn)
	}
	t.mu.Lock()
	doc := t.doc
	t.mu.Unlock()
	v, err := h(doc, args)
	if err != nil {
		return gson.JSON{}, err
	}
	return gson.New(v), nil
}

func (t *Tab) CallOn(ctx context.Context, id cdp.ObjectID, fn string, args ...any) (gson.JSON, error) {
	if err := t.enter("CallOn"); err != nil {
		return gson.JSON{}, err
	}
	n, err := t.node(id)
	if err != nil {
		return gson.JSON{}, err
	}
	h, ok := t.browser.callHandler(fn)
	if !ok {
		return gson.JSON{}, fmt.Errorf("cdptest: no handler for function %q", fn)
	}
	v, err := h(goquery.NewDocumentFromNode(n).Selection, args)
	if err != nil {
		return gson.JSON{}, err
	}
	return gson.New(v), nil
}

func (t *Tab) EvaluateOnNewDocument(_ context.Context, script string) error {
	if err := t.enter("EvaluateOnNewDocument"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts = append(t.scripts, script)
	return nil
}

func (t *Tab) match(selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("SyntaxError: '%s' is not a valid selector: %w", selector, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.FindMatcher(sel).Nodes, nil
}

func (t *Tab) objectID(n *html.Node) cdp.ObjectID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[n]; ok {
		return id
	}
	t.seq++
	id := cdp.ObjectID(fmt.Sprintf("node-%d-%d", t.gen, t.seq))
	t.ids[n] = id
	t.nodes[id] = n
	return id
}

func (t *Tab) node(id cdp.ObjectID) (*html.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || !attached(n, t.doc) {
		return nil, fmt.Errorf("%w: %s", cdp.ErrStaleNode, id)
	}
	return n, nil
}

func attached(n *html.Node, doc *goquery.Document) bool {
	root := doc.Nodes[0]
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

func (t *Tab) FindElement(_ context.Context, selector string) (cdp.ObjectID, error) {
	if err := t.enter("FindElement"); err != nil {
		return "", err
	}
	nodes, err := t.match(selector)
	if err != nil {
		return "", err
	}
	if len(nodes) == 0 {
		return "", cdp.ErrNoMatch
	}
	return t.objectID(nodes[0]), nil
}

func (t *Tab) FindElements(_ context.Context, selector string) ([]cdp.ObjectID, error) {
	if err := t.enter("FindElements"); err != nil {
		return nil, err
	}
	nodes, err := t.match(selector)
	if err != nil {
		return nil, err
	}
	ids := make([]cdp.ObjectID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, t.objectID(n))
	}
	return ids, nil
}

func (t *Tab) act(kind string, id cdp.ObjectID, arg string) error {
	if err := t.enter(kind); err != nil {
		return err
	}
	if id != "" {
		if _, err := t.node(id); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, Action{Kind: kind, ID: id, Arg: arg})
	return nil
}

func (t *Tab) Click(_ context.Context, id cdp.ObjectID) error { return t.act("Click", id, "") }
func (t *Tab) Hover(_ context.Context, id cdp.ObjectID) error { return t.act("Hover", id, "") }
func (t *Tab) Focus(_ context.Context, id cdp.ObjectID) error { return t.act("Focus", id, "") }

func (t *Tab) ScrollIntoView(_ context.Context, id cdp.ObjectID) error {
	return t.act("ScrollIntoView", id, "")
}

// Type appends text to the node's value attribute.
func (t *Tab) Type(_ context.Context, id cdp.ObjectID, text string) error {
	if err := t.act("Type", id, text); err != nil {
		return err
	}
	n, _ := t.node(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	sel := goquery.NewDocumentFromNode(n).Selection
	old, _ := sel.Attr("value")
	sel.SetAttr("value", old+text)
	return nil
}

func (t *Tab) PressKey(_ context.Context, id cdp.ObjectID, key string) error {
	if _, err := cdp.LookupKey(key); err != nil {
		return err
	}
	return t.act("PressKey", id, key)
}

func (t *Tab) Attribute(_ context.Context, id cdp.ObjectID, name string) (*string, error) {
	if err := t.enter("Attribute"); err != nil {
		return nil, err
	}
	n, err := t.node(id)
	if err != nil {
		return nil, err
	}
	for _, a := range n.Attr {
		if a.Key == name {
			v := a.Val
			return &v, nil
		}
	}
	return nil, nil
}

func (t *Tab) Text(_ context.Context, id cdp.ObjectID) (string, error) {
	if err := t.enter("Text"); err != nil {
		return "", err
	}
	n, err := t.node(id)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(goquery.NewDocumentFromNode(n).Text()), nil
}

func (t *Tab) HTML(_ context.Context, id cdp.ObjectID, outer bool) (string, error) {
	if err := t.enter("HTML"); err != nil {
		return "", err
	}
	n, err := t.node(id)
	if err != nil {
		return "", err
	}
	sel := goquery.NewDocumentFromNode(n).Selection
	if outer {
		return goquery.OuterHtml(sel)
	}
	return sel.Html()
}

// CaptureScreenshot encodes a real image the size of the viewport; full
// page captures are twice as tall.
func (t *Tab) CaptureScreenshot(_ context.Context, params cdp.ScreenshotParams) ([]byte, error) {
	if err := t.enter("CaptureScreenshot"); err != nil {
		return nil, err
	}
	t.mu.Lock()
	w, h := t.viewport.Width, t.viewport.Height
	t.mu.Unlock()
	if w <= 0 || h <= 0 {
		w, h = 800, 600
	}
	if params.FullPage {
		h *= 2
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}

	var buf bytes.Buffer
	var err error
	if params.Format == cdp.FormatJPEG {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: max(params.Quality, 1)})
	} else {
		err = png.Encode(&buf, img)
	}
	return buf.Bytes(), err
}

func (t *Tab) DocumentContent(context.Context) (string, error) {
	if err := t.enter("DocumentContent"); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return goquery.OuterHtml(t.doc.Children())
}

func (t *Tab) SetRequestInterception(_ context.Context, block cdp.BlockFunc) error {
	if err := t.enter("SetRequestInterception"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intercepted = true
	t.block = block
	return nil
}

func (t *Tab) SetUserAgent(_ context.Context, ua string) error {
	if err := t.enter("SetUserAgent"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userAgent = ua
	return nil
}

func (t *Tab) SetViewport(_ context.Context, vp cdp.Viewport) error {
	if err := t.enter("SetViewport"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewport = vp
	return nil
}

func (t *Tab) Info(context.Context) (cdp.PageInfo, error) {
	if err := t.enter("Info"); err != nil {
		return cdp.PageInfo{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return cdp.PageInfo{URL: t.url, Title: strings.TrimSpace(t.doc.Find("title").First().Text())}, nil
}

func (t *Tab) CollectGarbage(context.Context) error {
	return t.enter("CollectGarbage")
}

func (t *Tab) Close(context.Context) error {
	if err := t.enter("Close"); err != nil {
		return err
	}
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if already {
		return cdp.ErrClosed
	}
	t.browser.removeTab(t)
	t.browser.Emit(cdp.Event{Method: cdp.EventTargetDestroyed, TargetID: t.id})
	return nil
}
