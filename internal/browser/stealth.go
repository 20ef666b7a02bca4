package browser

import (
	"context"
	_ "embed"
	"strings"
	"sync"

	"github.com/ahrdadan/agentab/internal/cdp"
	"github.com/go-rod/stealth"
)

//go:embed js/stealth.js
var patchJS string

// stealthScript is registered as one unit: the puppeteer-extra evasions
// bundled with go-rod/stealth, then the patches that pin the values this
// package guarantees (webdriver, languages, plugins, chrome runtime,
// notification permission, WebGL strings, iframe windows, outer size).
var stealthScript = stealth.JS + "\n" + patchJS

// Launch switches applied when stealth is on.
var (
	stealthFlags = map[string][]string{
		"disable-blink-features": {"AutomationControlled"},
		"disable-infobars":       nil,
	}
	stealthRemovedFlags = []string{"enable-automation"}
)

// stealthInjector registers the composite script on each new tab and
// replaces the headless marker in the user agent.
type stealthInjector struct {
	browser cdp.Browser

	mu sync.Mutex
	ua string
}

func newStealthInjector(b cdp.Browser) *stealthInjector {
	return &stealthInjector{browser: b}
}

// apply must run before the tab's first navigation. The registration
// re-runs the script on every document the tab loads afterwards.
func (s *stealthInjector) apply(ctx context.Context, tab cdp.Tab) error {
	if err := tab.EvaluateOnNewDocument(ctx, stealthScript); err != nil {
		return err
	}
	ua, err := s.userAgent(ctx)
	if err != nil || ua == "" {
		return err
	}
	return tab.SetUserAgent(ctx, ua)
}

func (s *stealthInjector) userAgent(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ua != "" {
		return s.ua, nil
	}
	ua, err := s.browser.UserAgent(ctx)
	if err != nil {
		return "", err
	}
	s.ua = strings.Replace(ua, "HeadlessChrome", "Chrome", 1)
	return s.ua, nil
}
