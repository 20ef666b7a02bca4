package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	rodcdp "github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// LaunchOptions configures the browser process started by Launch.
type LaunchOptions struct {
	Headless bool
	// Bin overrides binary discovery. When empty the system browser is used
	// if one is found, otherwise rod downloads its pinned revision.
	Bin           string
	ProxyServer   string
	ProxyUsername string
	ProxyPassword string
	WindowWidth   int
	WindowHeight  int
	// Flags are extra command line switches, keyed without leading dashes.
	Flags map[string][]string
	// RemoveFlags are default launcher switches to drop.
	RemoveFlags []string
	Logger      *zap.Logger
}

type proxyAuth struct {
	username string
	password string
}

// RodBrowser is the go-rod backed Browser.
type RodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	auth     *proxyAuth
	logger   *zap.Logger

	mu   sync.Mutex
	tabs map[proto.TargetTargetID]*rodTab

	closeOnce sync.Once
	closeErr  error
}

// Launch starts a browser process and connects to it.
func Launch(ctx context.Context, opts LaunchOptions) (*RodBrowser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := launcher.New().Headless(opts.Headless)
	bin := opts.Bin
	if bin == "" {
		if path, ok := launcher.LookPath(); ok {
			bin = path
		}
	}
	if bin != "" {
		l = l.Bin(bin)
	}
	if opts.ProxyServer != "" {
		l = l.Proxy(opts.ProxyServer)
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", opts.WindowWidth, opts.WindowHeight))
	}
	for name, values := range opts.Flags {
		l = l.Set(flags.Flag(name), values...)
	}
	for _, name := range opts.RemoveFlags {
		l = l.Delete(flags.Flag(name))
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	b = b.NoDefaultDevice()

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		_ = b.Close()
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	rb := &RodBrowser{
		browser:  b,
		launcher: l,
		logger:   logger,
		tabs:     make(map[proto.TargetTargetID]*rodTab),
	}
	if opts.ProxyUsername != "" {
		rb.auth = &proxyAuth{username: opts.ProxyUsername, password: opts.ProxyPassword}
	}

	logger.Info("browser started", zap.String("endpoint", controlURL), zap.String("bin", bin))
	return rb, nil
}

func (b *RodBrowser) NewTab(ctx context.Context) (Tab, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	t := b.track(page)
	if b.auth != nil {
		if err := t.intercept(); err != nil {
			_ = t.Close(ctx)
			return nil, err
		}
	}
	return t, nil
}

func (b *RodBrowser) Tabs(ctx context.Context) ([]Tab, error) {
	pages, err := b.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	tabs := make([]Tab, 0, len(pages))
	for _, page := range pages {
		tabs = append(tabs, b.track(page))
	}
	return tabs, nil
}

func (b *RodBrowser) track(page *rod.Page) *rodTab {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tabs[page.TargetID]; ok {
		return t
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &rodTab{browser: b, page: page, ctx: ctx, cancel: cancel}
	b.tabs[page.TargetID] = t
	return t
}

func (b *RodBrowser) forget(id proto.TargetTargetID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tabs[id]; ok {
		t.cancel()
		delete(b.tabs, id)
	}
}

func (b *RodBrowser) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	send := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	wait := b.browser.Context(ctx).EachEvent(
		func(e *proto.TargetTargetCreated) {
			send(Event{Method: EventTargetCreated, TargetID: string(e.TargetInfo.TargetID)})
		},
		func(e *proto.TargetTargetDestroyed) {
			b.forget(e.TargetID)
			send(Event{Method: EventTargetDestroyed, TargetID: string(e.TargetID)})
		},
		func(e *proto.TargetTargetCrashed) {
			send(Event{Method: EventTargetCrashed, TargetID: string(e.TargetID)})
		},
	)
	go func() {
		defer close(out)
		wait()
	}()
	return out
}

func (b *RodBrowser) UserAgent(ctx context.Context) (string, error) {
	res, err := proto.BrowserGetVersion{}.Call(b.browser.Context(ctx))
	if err != nil {
		return "", err
	}
	return res.UserAgent, nil
}

// Close closes the connection and stops the browser process.
func (b *RodBrowser) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		for id, t := range b.tabs {
			t.cancel()
			delete(b.tabs, id)
		}
		b.mu.Unlock()

		if err := b.browser.Close(); err != nil {
			b.closeErr = fmt.Errorf("failed to close browser: %w", err)
		}
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.logger.Info("browser stopped")
	})
	return b.closeErr
}

type rodTab struct {
	browser *RodBrowser
	page    *rod.Page
	ctx     context.Context
	cancel  context.CancelFunc

	block         atomic.Pointer[BlockFunc]
	interceptOnce sync.Once
	interceptErr  error
}

func (t *rodTab) ID() string { return string(t.page.TargetID) }

func (t *rodTab) Navigate(ctx context.Context, url string, until WaitUntil) error {
	p := t.page.Context(ctx)
	if until == WaitDOMContentLoaded {
		wait := p.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
		if err := p.Navigate(url); err != nil {
			return err
		}
		wait()
		return ctx.Err()
	}
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (t *rodTab) ExpectNavigation(ctx context.Context) func() error {
	wait := t.page.Context(ctx).WaitNavigation(proto.PageLifecycleEventNameLoad)
	return func() error {
		wait()
		return ctx.Err()
	}
}

func (t *rodTab) WaitLoad(ctx context.Context) error {
	return t.page.Context(ctx).WaitLoad()
}

func (t *rodTab) history(ctx context.Context, move func(*rod.Page) error) error {
	p := t.page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := move(p); err != nil {
		return err
	}
	wait()
	return ctx.Err()
}

func (t *rodTab) Back(ctx context.Context) error {
	return t.history(ctx, (*rod.Page).NavigateBack)
}

func (t *rodTab) Forward(ctx context.Context) error {
	return t.history(ctx, (*rod.Page).NavigateForward)
}

func (t *rodTab) Reload(ctx context.Context) error {
	return t.history(ctx, (*rod.Page).Reload)
}

func (t *rodTab) Evaluate(ctx context.Context, fn string, args ...any) (gson.JSON, error) {
	res, err := t.page.Context(ctx).Eval(fn, args...)
	if err != nil {
		return gson.JSON{}, err
	}
	return res.Value, nil
}

func (t *rodTab) CallOn(ctx context.Context, id ObjectID, fn string, args ...any) (gson.JSON, error) {
	el, err := t.element(ctx, id)
	if err != nil {
		return gson.JSON{}, err
	}
	res, err := el.Eval(fn, args...)
	if err != nil {
		return gson.JSON{}, classify(err)
	}
	return res.Value, nil
}

func (t *rodTab) EvaluateOnNewDocument(ctx context.Context, script string) error {
	_, err := t.page.Context(ctx).EvalOnNewDocument(script)
	return err
}

func (t *rodTab) FindElement(ctx context.Context, selector string) (ObjectID, error) {
	el, err := t.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return "", ErrNoMatch
		}
		return "", err
	}
	return ObjectID(el.Object.ObjectID), nil
}

func (t *rodTab) FindElements(ctx context.Context, selector string) ([]ObjectID, error) {
	els, err := t.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, err
	}
	ids := make([]ObjectID, 0, len(els))
	for _, el := range els {
		ids = append(ids, ObjectID(el.Object.ObjectID))
	}
	return ids, nil
}

func (t *rodTab) element(ctx context.Context, id ObjectID) (*rod.Element, error) {
	el, err := t.page.Context(ctx).ElementFromObject(&proto.RuntimeRemoteObject{
		Type:     proto.RuntimeRemoteObjectTypeObject,
		Subtype:  proto.RuntimeRemoteObjectSubtypeNode,
		ObjectID: proto.RuntimeRemoteObjectID(id),
	})
	if err != nil {
		return nil, classify(err)
	}
	return el, nil
}

func (t *rodTab) onElement(ctx context.Context, id ObjectID, act func(*rod.Element) error) error {
	el, err := t.element(ctx, id)
	if err != nil {
		return err
	}
	return classify(act(el))
}

func (t *rodTab) Click(ctx context.Context, id ObjectID) error {
	return t.onElement(ctx, id, func(el *rod.Element) error {
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

func (t *rodTab) Hover(ctx context.Context, id ObjectID) error {
	return t.onElement(ctx, id, (*rod.Element).Hover)
}

func (t *rodTab) Focus(ctx context.Context, id ObjectID) error {
	return t.onElement(ctx, id, (*rod.Element).Focus)
}

func (t *rodTab) ScrollIntoView(ctx context.Context, id ObjectID) error {
	return t.onElement(ctx, id, (*rod.Element).ScrollIntoView)
}

func (t *rodTab) Type(ctx context.Context, id ObjectID, text string) error {
	return t.onElement(ctx, id, func(el *rod.Element) error {
		return el.Input(text)
	})
}

func (t *rodTab) PressKey(ctx context.Context, id ObjectID, key string) error {
	k, err := LookupKey(key)
	if err != nil {
		return err
	}
	if id == "" {
		return t.page.Context(ctx).Keyboard.Type(k)
	}
	return t.onElement(ctx, id, func(el *rod.Element) error {
		return el.Type(k)
	})
}

func (t *rodTab) Attribute(ctx context.Context, id ObjectID, name string) (*string, error) {
	el, err := t.element(ctx, id)
	if err != nil {
		return nil, err
	}
	v, err := el.Attribute(name)
	return v, classify(err)
}

func (t *rodTab) Text(ctx context.Context, id ObjectID) (string, error) {
	el, err := t.element(ctx, id)
	if err != nil {
		return "", err
	}
	s, err := el.Text()
	return s, classify(err)
}

func (t *rodTab) HTML(ctx context.Context, id ObjectID, outer bool) (string, error) {
	el, err := t.element(ctx, id)
	if err != nil {
		return "", err
	}
	if outer {
		s, err := el.HTML()
		return s, classify(err)
	}
	res, err := el.Eval(`() => this.innerHTML`)
	if err != nil {
		return "", classify(err)
	}
	return res.Value.Str(), nil
}

func (t *rodTab) CaptureScreenshot(ctx context.Context, params ScreenshotParams) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if params.Format == FormatJPEG {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = gson.Int(params.Quality)
	}
	return t.page.Context(ctx).Screenshot(params.FullPage, req)
}

func (t *rodTab) DocumentContent(ctx context.Context) (string, error) {
	return t.page.Context(ctx).HTML()
}

// SetRequestInterception swaps the block decision. The Fetch handler is
// installed on first use and stays for the life of the tab; with a nil
// decision every paused request is continued unchanged.
func (t *rodTab) SetRequestInterception(ctx context.Context, block BlockFunc) error {
	if block == nil {
		t.block.Store(nil)
	} else {
		t.block.Store(&block)
	}
	return t.intercept()
}

func (t *rodTab) intercept() error {
	t.interceptOnce.Do(func() {
		wait := t.page.Context(t.ctx).EachEvent(
			func(e *proto.FetchRequestPaused) {
				go t.resolvePaused(e)
			},
			func(e *proto.FetchAuthRequired) {
				go t.resolveAuth(e)
			},
		)
		go wait()

		enable := proto.FetchEnable{
			Patterns:           []*proto.FetchRequestPattern{{URLPattern: "*"}},
			HandleAuthRequests: t.browser.auth != nil,
		}
		if err := enable.Call(t.page); err != nil {
			t.interceptErr = fmt.Errorf("failed to enable request interception: %w", err)
		}
	})
	return t.interceptErr
}

func (t *rodTab) resolvePaused(e *proto.FetchRequestPaused) {
	if fn := t.block.Load(); fn != nil && (*fn)(string(e.ResourceType)) {
		err := proto.FetchFailRequest{
			RequestID:   e.RequestID,
			ErrorReason: proto.NetworkErrorReasonBlockedByClient,
		}.Call(t.page)
		if err != nil {
			t.browser.logger.Debug("fail request", zap.String("url", e.Request.URL), zap.Error(err))
		}
		return
	}
	if err := (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(t.page); err != nil {
		t.browser.logger.Debug("continue request", zap.String("url", e.Request.URL), zap.Error(err))
	}
}

func (t *rodTab) resolveAuth(e *proto.FetchAuthRequired) {
	resp := &proto.FetchAuthChallengeResponse{
		Response: proto.FetchAuthChallengeResponseResponseDefault,
	}
	if auth := t.browser.auth; auth != nil && e.AuthChallenge != nil &&
		e.AuthChallenge.Source == proto.FetchAuthChallengeSourceProxy {
		resp = &proto.FetchAuthChallengeResponse{
			Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
			Username: auth.username,
			Password: auth.password,
		}
	}
	err := proto.FetchContinueWithAuth{RequestID: e.RequestID, AuthChallengeResponse: resp}.Call(t.page)
	if err != nil {
		t.browser.logger.Debug("continue with auth", zap.Error(err))
	}
}

func (t *rodTab) SetUserAgent(ctx context.Context, userAgent string) error {
	return t.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	})
}

func (t *rodTab) SetViewport(ctx context.Context, vp Viewport) error {
	return t.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
	})
}

func (t *rodTab) Info(ctx context.Context) (PageInfo, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{URL: info.URL, Title: info.Title}, nil
}

func (t *rodTab) CollectGarbage(ctx context.Context) error {
	return proto.HeapProfilerCollectGarbage{}.Call(t.page.Context(ctx))
}

func (t *rodTab) Close(ctx context.Context) error {
	defer t.browser.forget(t.page.TargetID)
	if err := (proto.PageStopLoading{}).Call(t.page.Context(ctx)); err != nil {
		t.browser.logger.Debug("stop loading", zap.Error(err))
	}
	return t.page.Close()
}

var staleMessages = []string{
	"could not find object",
	"cannot find context",
	"no node with given id",
	"node is detached",
}

// classify maps protocol replies that mean "this node is gone" to
// ErrStaleNode and leaves everything else untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var objErr *rod.ObjectNotFoundError
	if errors.As(err, &objErr) {
		return fmt.Errorf("%w: %v", ErrStaleNode, err)
	}
	var protoErr *rodcdp.Error
	if errors.As(err, &protoErr) {
		msg := strings.ToLower(protoErr.Message)
		for _, m := range staleMessages {
			if strings.Contains(msg, m) {
				return fmt.Errorf("%w: %v", ErrStaleNode, err)
			}
		}
	}
	return err
}
