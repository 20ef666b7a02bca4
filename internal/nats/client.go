// Package nats manages the connection to an external NATS server with
// JetStream enabled.
package nats

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// ErrClosed is returned by JetStream after Close.
var ErrClosed = errors.New("nats client closed")

// Options configures Connect.
type Options struct {
	URL string
	// Name identifies this client in server monitoring.
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
	// MaxReconnects < 0 retries forever.
	MaxReconnects int
}

// DefaultOptions returns options for url with unlimited reconnects.
func DefaultOptions(url string) Options {
	return Options{
		URL:           url,
		Name:          "agentab",
		Timeout:       5 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client holds one NATS connection and its JetStream context.
type Client struct {
	mu     sync.Mutex
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Connect dials the server and creates the JetStream context.
func Connect(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	if err := ValidateURL(opts.URL); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", zap.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrlRedacted()))
	return &Client{nc: nc, js: js, logger: logger}, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.js == nil {
		return nil, ErrClosed
	}
	return c.js, nil
}

// Close drains the connection so in-flight acks reach the server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	err := c.nc.Drain()
	c.nc = nil
	c.js = nil
	if err != nil {
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// ValidateURL accepts comma separated nats:// or tls:// server URLs.
func ValidateURL(raw string) error {
	if raw == "" {
		return errors.New("nats url is empty")
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		u, err := url.Parse(part)
		if err != nil {
			return fmt.Errorf("invalid NATS URL %q: %w", part, err)
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return fmt.Errorf("invalid NATS URL %q: unsupported scheme %q", part, u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("invalid NATS URL %q: missing host", part)
		}
	}
	return nil
}
