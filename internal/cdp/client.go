// Package cdp is the remote-debugging Protocol Client the browser package
// drives. It exposes the handful of primitives the session layer needs and
// hides the wire protocol behind them. The production implementation is
// backed by go-rod; cdptest provides an in-memory one.
package cdp

import (
	"context"
	"errors"

	"github.com/ysmood/gson"
)

var (
	// ErrNoMatch reports that a selector matched no node.
	ErrNoMatch = errors.New("no node matches selector")
	// ErrStaleNode reports an object id whose node is no longer part of the
	// tab's current document.
	ErrStaleNode = errors.New("node is detached from the document")
	// ErrClosed reports a call on a closed tab or browser.
	ErrClosed = errors.New("target closed")
)

// ObjectID identifies one remote DOM node inside one tab. It is a lookup key,
// never a reference: resolving a detached node fails with ErrStaleNode.
type ObjectID string

// Event is a browser-level protocol event surfaced to the session's drain
// worker.
type Event struct {
	Method   string
	TargetID string
}

// Target lifecycle event names.
const (
	EventTargetCreated   = "Target.targetCreated"
	EventTargetDestroyed = "Target.targetDestroyed"
	EventTargetCrashed   = "Target.targetCrashed"
)

// ScreenshotFormat selects the capture encoding.
type ScreenshotFormat string

const (
	FormatPNG  ScreenshotFormat = "png"
	FormatJPEG ScreenshotFormat = "jpeg"
)

// ScreenshotParams configures a capture. Quality applies to JPEG only.
type ScreenshotParams struct {
	Format   ScreenshotFormat
	Quality  int
	FullPage bool
}

// Viewport is the device metrics override applied to a tab.
type Viewport struct {
	Width  int
	Height int
}

// WaitUntil is the lifecycle point a navigation waits for.
type WaitUntil int

const (
	// WaitLoadComplete waits for the load event: subresources included.
	WaitLoadComplete WaitUntil = iota
	// WaitDOMContentLoaded returns as soon as the document is parsed.
	WaitDOMContentLoaded
)

// PageInfo is the tab's current location and title.
type PageInfo struct {
	URL   string
	Title string
}

// BlockFunc decides whether a request of the given protocol resource type
// ("Image", "Stylesheet", ...) is failed before it is sent.
type BlockFunc func(resourceType string) bool

// Browser is one connection to a browser process.
type Browser interface {
	NewTab(ctx context.Context) (Tab, error)
	Tabs(ctx context.Context) ([]Tab, error)
	// Events streams browser-level events until ctx is done or the
	// connection closes, then closes the channel.
	Events(ctx context.Context) <-chan Event
	// UserAgent reports the browser's own user agent string.
	UserAgent(ctx context.Context) (string, error)
	Close() error
}

// Tab is one page target.
type Tab interface {
	ID() string

	// Navigate loads url and returns once the new document reaches until.
	Navigate(ctx context.Context, url string, until WaitUntil) error
	// ExpectNavigation arms a wait for the next load-complete lifecycle event
	// and returns the function that blocks on it.
	ExpectNavigation(ctx context.Context) func() error
	// WaitLoad blocks until the current document has fired load.
	WaitLoad(ctx context.Context) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	// Evaluate calls the JavaScript function fn with args bound as its
	// parameters and returns its JSON result. Promises are awaited.
	Evaluate(ctx context.Context, fn string, args ...any) (gson.JSON, error)
	// CallOn is Evaluate with `this` bound to the node.
	CallOn(ctx context.Context, id ObjectID, fn string, args ...any) (gson.JSON, error)
	EvaluateOnNewDocument(ctx context.Context, script string) error

	FindElement(ctx context.Context, selector string) (ObjectID, error)
	FindElements(ctx context.Context, selector string) ([]ObjectID, error)

	Click(ctx context.Context, id ObjectID) error
	Hover(ctx context.Context, id ObjectID) error
	Focus(ctx context.Context, id ObjectID) error
	ScrollIntoView(ctx context.Context, id ObjectID) error
	Type(ctx context.Context, id ObjectID, text string) error
	// PressKey presses key on the node, or on whatever has focus when id
	// is empty.
	PressKey(ctx context.Context, id ObjectID, key string) error
	Attribute(ctx context.Context, id ObjectID, name string) (*string, error)
	Text(ctx context.Context, id ObjectID) (string, error)
	HTML(ctx context.Context, id ObjectID, outer bool) (string, error)

	CaptureScreenshot(ctx context.Context, params ScreenshotParams) ([]byte, error)
	DocumentContent(ctx context.Context) (string, error)
	SetRequestInterception(ctx context.Context, block BlockFunc) error
	SetUserAgent(ctx context.Context, userAgent string) error
	SetViewport(ctx context.Context, vp Viewport) error
	Info(ctx context.Context) (PageInfo, error)
	// CollectGarbage forces a V8 collection in the tab's renderer.
	CollectGarbage(ctx context.Context) error
	Close(ctx context.Context) error
}
