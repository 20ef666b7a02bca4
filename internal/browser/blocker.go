package browser

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ahrdadan/agentab/internal/cdp"
)

// Resource types understood by BlockResources. Matching is by the Protocol
// Client's own classification, case-insensitively; any other string is
// accepted and matches nothing.
const (
	ResourceImage      = "image"
	ResourceStylesheet = "stylesheet"
	ResourceFont       = "font"
	ResourceMedia      = "media"
	ResourceScript     = "script"
)

// resourceBlocker holds a page's block configuration. Updates are staged and
// only become active when the next navigation starts, so a document that is
// already loading keeps the set it started with.
type resourceBlocker struct {
	tab cdp.Tab

	mu        sync.Mutex
	pending   map[string]bool
	active    map[string]bool
	installed bool
}

func newResourceBlocker(tab cdp.Tab) *resourceBlocker {
	return &resourceBlocker{tab: tab}
}

// stage records types for the next navigation. Types accumulate across
// calls.
func (b *resourceBlocker) stage(types []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[string]bool, len(b.active)+len(types))
		for t := range b.active {
			b.pending[t] = true
		}
	}
	for _, t := range types {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			b.pending[t] = true
		}
	}
}

// activate promotes the staged set, installing the interception hook the
// first time anything is blocked. It runs at the start of every navigation.
func (b *resourceBlocker) activate(ctx context.Context) error {
	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return nil
	}
	b.active, b.pending = b.pending, nil
	install := !b.installed && len(b.active) > 0
	b.installed = b.installed || install
	b.mu.Unlock()

	if !install {
		return nil
	}
	if err := b.tab.SetRequestInterception(ctx, b.blocks); err != nil {
		b.mu.Lock()
		b.installed = false
		b.mu.Unlock()
		return err
	}
	return nil
}

// blocks is the interception decision; it runs on the Protocol Client's
// event goroutine.
func (b *resourceBlocker) blocks(resourceType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[strings.ToLower(resourceType)]
}

// types returns the active set, sorted.
func (b *resourceBlocker) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.active))
	for t := range b.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
