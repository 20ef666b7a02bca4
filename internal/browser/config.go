package browser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by NewConfig when an option value is rejected.
var ErrInvalidConfig = errors.New("invalid session config")

// Default session settings.
const (
	DefaultViewportWidth  = 1920
	DefaultViewportHeight = 1080
	DefaultTimeout        = 30 * time.Second
)

// Viewport is the emulated window size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Proxy routes all browser traffic through an upstream proxy. Username and
// Password answer the proxy's authentication challenges.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Server returns the proxy address without credentials, as passed to the
// browser's proxy-server switch.
func (p Proxy) Server() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	u.User = nil
	return u.String()
}

// Config is an immutable, validated session configuration. Build one with
// NewConfig; the zero value is rejected by Launch.
type Config struct {
	headless   bool
	stealth    bool
	viewport   Viewport
	timeout    time.Duration
	proxy      *Proxy
	binaryPath string
	valid      bool
}

// Option adjusts a Config under construction.
type Option func(*Config)

// WithHeadless toggles headless mode.
func WithHeadless(headless bool) Option {
	return func(c *Config) { c.headless = headless }
}

// WithStealth toggles the anti-detection patches.
func WithStealth(stealth bool) Option {
	return func(c *Config) { c.stealth = stealth }
}

// WithViewport sets the emulated viewport.
func WithViewport(width, height int) Option {
	return func(c *Config) { c.viewport = Viewport{Width: width, Height: height} }
}

// WithTimeout sets the budget for every wait-capable operation that is not
// given its own deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.timeout = d }
}

// WithProxy routes traffic through rawURL. Credentials may be given
// explicitly or embedded in the URL; explicit ones win.
func WithProxy(rawURL, username, password string) Option {
	return func(c *Config) {
		if rawURL == "" {
			c.proxy = nil
			return
		}
		p := &Proxy{URL: rawURL, Username: username, Password: password}
		if u, err := url.Parse(rawURL); err == nil && u.User != nil && username == "" {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		c.proxy = p
	}
}

// WithBinaryPath overrides browser binary discovery.
func WithBinaryPath(path string) Option {
	return func(c *Config) { c.binaryPath = path }
}

// NewConfig applies opts over the defaults (headless, stealth, 1920x1080,
// 30s) and validates the result before anything is launched.
func NewConfig(opts ...Option) (Config, error) {
	c := Config{
		headless: true,
		stealth:  true,
		viewport: Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.valid = true
	return c, nil
}

// DefaultConfig returns the validated default configuration.
func DefaultConfig() Config {
	c, _ := NewConfig()
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.viewport.Width <= 0 || c.viewport.Height <= 0 {
		errs = append(errs, fmt.Errorf("%w: viewport %dx%d must be positive",
			ErrInvalidConfig, c.viewport.Width, c.viewport.Height))
	}
	if c.timeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: timeout %s must be positive", ErrInvalidConfig, c.timeout))
	}
	if c.proxy != nil {
		u, err := url.Parse(c.proxy.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%w: proxy url: %v", ErrInvalidConfig, err))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("%w: proxy url %q has no host", ErrInvalidConfig, c.proxy.URL))
		default:
			switch strings.ToLower(u.Scheme) {
			case "http", "https", "socks4", "socks5":
			default:
				errs = append(errs, fmt.Errorf("%w: unsupported proxy scheme %q", ErrInvalidConfig, u.Scheme))
			}
		}
	}
	return errors.Join(errs...)
}

func (c Config) Headless() bool { return c.headless }
func (c Config) Stealth() bool { return c.stealth }
func (c Config) Viewport() Viewport { return c.viewport }
func (c Config) Timeout() time.Duration { return c.timeout }
func (c Config) BinaryPath() string { return c.binaryPath }
func (c Config) Valid() bool { return c.valid }

// Proxy returns the configured proxy, if any.
func (c Config) Proxy() (Proxy, bool) {
	if c.proxy == nil {
		return Proxy{}, false
	}
	return *c.proxy, true
}
