package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ahrdadan/agentab/internal/cdp/cdptest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testURL = "https://test.local/"

const examplePage = `<html><head><title>Example Domain</title></head><body>
<div><h1>Example Domain</h1>
<p>This domain is for use in illustrative examples.</p>
<p><a href="https://www.iana.org/domains/example">More information...</a></p></div>
</body></html>`

func newTestSession(t *testing.T, opts ...Option) (*Session, *cdptest.Browser) {
	t.Helper()
	cfg, err := NewConfig(append([]Option{WithTimeout(2 * time.Second), WithViewport(320, 240)}, opts...)...)
	require.NoError(t, err)

	fake := cdptest.NewBrowser()
	fake.HandleEval(titleJS, func(doc *goquery.Document, _ []any) (any, error) {
		return strings.TrimSpace(doc.Find("title").First().Text()), nil
	})
	s, err := NewSession(cfg, fake, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

// newTestPage serves src at testURL and opens a page on it.
func newTestPage(t *testing.T, src string, opts ...Option) (*Page, *cdptest.Tab, *cdptest.Browser) {
	t.Helper()
	s, fake := newTestSession(t, opts...)
	fake.AddPage(testURL, src)
	p, err := s.NewPage(context.Background(), testURL)
	require.NoError(t, err)
	return p, fake.Tab(0), fake
}

func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, kind)
	require.Equal(t, kind, KindOf(err), "kind of %v", err)
}
