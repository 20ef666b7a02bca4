package cdp

import (
	"testing"

	"github.com/go-rod/rod/lib/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKey(t *testing.T) {
	tests := []struct {
		name string
		want input.Key
	}{
		{"Enter", input.Enter},
		{"enter", input.Enter},
		{"ArrowDown", input.ArrowDown},
		{"Esc", input.Escape},
		{"a", input.Key('a')},
		{"1", input.Key('1')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LookupKey(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupKeyUnknown(t *testing.T) {
	for _, name := range []string{"NotAKey", "é", ""} {
		_, err := LookupKey(name)
		assert.ErrorContains(t, err, "unknown key", name)
	}
}
