package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Failure kinds. Every error returned by a Session, Page or ElementHandle
// matches exactly one of these with errors.Is.
var (
	ErrLaunch          = errors.New("launch failed")
	ErrNavigation      = errors.New("navigation failed")
	ErrElementNotFound = errors.New("element not found")
	ErrTimeout         = errors.New("timeout")
	ErrJS              = errors.New("script error")
	ErrScreenshot      = errors.New("screenshot failed")
	ErrProtocol        = errors.New("protocol error")
	ErrIO              = errors.New("io error")
)

var kinds = []error{
	ErrLaunch, ErrNavigation, ErrElementNotFound, ErrTimeout,
	ErrJS, ErrScreenshot, ErrProtocol, ErrIO,
}

// errStaleHandle is the cause attached to calls made through a handle that was
// resolved against a document which has since been replaced.
var errStaleHandle = fmt.Errorf("%w: handle belongs to a previous document", ErrElementNotFound)

// Error carries the failure kind together with enough context to diagnose it
// without re-running: the operation, its subject (selector, url, script
// snippet or path) and the underlying cause.
type Error struct {
	Kind    error
	Op      string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Subject != "" {
		fmt.Fprintf(&b, " %q", e.Subject)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind of err, or nil when err did not originate
// from this package.
func KindOf(err error) error {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var kindNames = map[error]string{
	ErrLaunch:          "launch",
	ErrNavigation:      "navigation",
	ErrElementNotFound: "element_not_found",
	ErrTimeout:         "timeout",
	ErrJS:              "js",
	ErrScreenshot:      "screenshot",
	ErrProtocol:        "protocol",
	ErrIO:              "io",
}

// KindName returns a stable identifier for the kind of err, suitable for
// wire formats. Errors without a kind are "internal".
func KindName(err error) string {
	if name, ok := kindNames[KindOf(err)]; ok {
		return name
	}
	return "internal"
}

// newError classifies err under kind. An expired deadline is always reported
// as ErrTimeout; caller cancellation is wrapped without a kind.
func newError(kind error, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	} else if errors.Is(err, context.Canceled) {
		return canceled(op, subject, err)
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

func canceled(op, subject string, err error) error {
	if subject == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %q: %w", op, subject, err)
}

const snippetLen = 80

// snippet shortens script source for error subjects.
func snippet(script string) string {
	script = strings.Join(strings.Fields(script), " ")
	if utf8.RuneCountInString(script) <= snippetLen {
		return script
	}
	r := []rune(script)
	return string(r[:snippetLen]) + "..."
}
