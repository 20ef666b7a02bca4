package cdp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-rod/rod/lib/input"
)

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"return":     input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"esc":        input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"insert":     input.Insert,
	"space":      input.Space,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"home":       input.Home,
	"end":        input.End,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"shift":      input.ShiftLeft,
	"control":    input.ControlLeft,
	"alt":        input.AltLeft,
	"meta":       input.MetaLeft,
}

// LookupKey maps a key name ("Enter", "ArrowDown", "a") to the key rod
// dispatches. Names are case-insensitive; a single character on the US
// layout maps to itself.
func LookupKey(name string) (input.Key, error) {
	if k, ok := namedKeys[strings.ToLower(name)]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(name) == 1 {
		r, _ := utf8.DecodeRuneInString(name)
		if k := input.Key(r); defined(k) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

// defined reports whether rod has a key description for k; Info panics
// otherwise.
func defined(k input.Key) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	k.Info()
	return true
}
