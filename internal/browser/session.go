package browser

import (
	"context"
	"sync"
	"time"

	"github.com/ahrdadan/agentab/internal/cdp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BlankURL opens a page without navigating it.
const BlankURL = "about:blank"

// Session owns one Protocol Client connection, the worker that drains its
// event stream, and the registry of Pages opened through it.
type Session struct {
	cfg     Config
	client  cdp.Browser
	logger  *zap.Logger
	stealth *stealthInjector

	mu     sync.Mutex
	pages  map[string]*Page
	closed bool

	cancel    context.CancelFunc
	workers   *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// Launch starts a browser for cfg and returns a session bound to it.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if !cfg.Valid() {
		return nil, &Error{Kind: ErrLaunch, Op: "launch", Err: ErrInvalidConfig}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	vp := cfg.Viewport()
	opts := cdp.LaunchOptions{
		Headless:     cfg.Headless(),
		Bin:          cfg.BinaryPath(),
		WindowWidth:  vp.Width,
		WindowHeight: vp.Height,
		Logger:       logger.Named("cdp"),
	}
	if cfg.Stealth() {
		opts.Flags = stealthFlags
		opts.RemoveFlags = stealthRemovedFlags
	}
	if proxy, ok := cfg.Proxy(); ok {
		opts.ProxyServer = proxy.Server()
		opts.ProxyUsername = proxy.Username
		opts.ProxyPassword = proxy.Password
	}

	client, err := cdp.Launch(ctx, opts)
	if err != nil {
		return nil, newError(ErrLaunch, "launch", cfg.BinaryPath(), err)
	}
	s, err := NewSession(cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewSession wraps an already connected Protocol Client and starts the
// event drain worker. Close must be called exactly once to stop it.
func NewSession(cfg Config, client cdp.Browser, logger *zap.Logger) (*Session, error) {
	if !cfg.Valid() {
		return nil, &Error{Kind: ErrLaunch, Op: "session", Err: ErrInvalidConfig}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers, ctx := errgroup.WithContext(ctx)
	s := &Session{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("session"),
		pages:   make(map[string]*Page),
		cancel:  cancel,
		workers: workers,
	}
	if cfg.Stealth() {
		s.stealth = newStealthInjector(client)
	}

	events := client.Events(ctx)
	workers.Go(func() error {
		s.drain(events)
		return nil
	})
	return s, nil
}

// drain consumes the event stream until it closes. Destroyed targets are
// dropped from the page registry.
func (s *Session) drain(events <-chan cdp.Event) {
	for ev := range events {
		switch ev.Method {
		case cdp.EventTargetDestroyed:
			if s.forget(ev.TargetID) {
				s.logger.Debug("page target destroyed", zap.String("page", ev.TargetID))
			}
		case cdp.EventTargetCrashed:
			s.logger.Warn("page target crashed", zap.String("page", ev.TargetID))
		}
	}
}

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// NewPage opens a tab, applies the viewport and, when enabled, the stealth
// patches, then navigates to url with Goto semantics. BlankURL (or "")
// skips navigation. A page whose first navigation fails is closed.
func (s *Session) NewPage(ctx context.Context, url string) (*Page, error) {
	if s.isClosed() {
		return nil, &Error{Kind: ErrProtocol, Op: "new page", Err: cdp.ErrClosed}
	}
	ctx, cancel := withTimeout(ctx, s.cfg.timeout)
	defer cancel()

	tab, err := s.client.NewTab(ctx)
	if err != nil {
		return nil, newError(ErrProtocol, "new page", url, err)
	}

	vp := s.cfg.Viewport()
	if err := tab.SetViewport(ctx, cdp.Viewport{Width: vp.Width, Height: vp.Height}); err != nil {
		_ = tab.Close(context.Background())
		return nil, newError(ErrProtocol, "set viewport", url, err)
	}
	if s.stealth != nil {
		if err := s.stealth.apply(ctx, tab); err != nil {
			_ = tab.Close(context.Background())
			return nil, newError(ErrProtocol, "stealth", url, err)
		}
	}

	p := s.register(tab)
	if url == "" || url == BlankURL {
		return p, nil
	}
	if err := p.Goto(ctx, url); err != nil {
		_ = p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

// Pages enumerates the live tabs, including ones the browser opened on its
// own (popups), in the order the Protocol Client reports them.
func (s *Session) Pages(ctx context.Context) ([]*Page, error) {
	tabs, err := s.client.Tabs(ctx)
	if err != nil {
		return nil, newError(ErrProtocol, "pages", "", err)
	}
	pages := make([]*Page, 0, len(tabs))
	for _, tab := range tabs {
		pages = append(pages, s.register(tab))
	}
	return pages, nil
}

// Page returns the registered page with the given target id.
func (s *Session) Page(id string) (*Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	return p, ok
}

func (s *Session) register(tab cdp.Tab) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[tab.ID()]; ok {
		return p
	}
	p := newPage(s, tab)
	s.pages[tab.ID()] = p
	return p
}

func (s *Session) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[id]
	delete(s.pages, id)
	return ok
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the connection, which closes every tab, and joins the drain
// worker. Later calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pages = make(map[string]*Page)
		s.mu.Unlock()

		s.cancel()
		err := s.client.Close()
		if werr := s.workers.Wait(); werr != nil {
			s.logger.Warn("drain worker", zap.Error(werr))
		}
		if err != nil {
			s.closeErr = &Error{Kind: ErrProtocol, Op: "close session", Err: err}
		}
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

// withTimeout bounds ctx by d unless the caller already set a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

