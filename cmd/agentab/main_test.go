package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ahrdadan/agentab/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, config.AppName+" version "+config.Version+"\n", out)
}

func TestSnapshotFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte(`<html><body>
<h1>Orders</h1>
<a href="/next" aria-label="Next page">Next</a>
<input name="q" value="boots">
</body></html>`), 0o644))

	out, err := run(t, "snapshot", "--log-level", "error", "--from-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "h1\n  text: \"Orders\"")
	assert.Contains(t, out, `a "Next page"`)
	assert.Contains(t, out, "value=boots")
}

func TestSnapshotArgs(t *testing.T) {
	_, err := run(t, "snapshot", "--log-level", "error")
	require.Error(t, err)

	_, err = run(t, "snapshot", "--log-level", "error", "--from-file", "x.html", "https://example.com")
	require.Error(t, err)
}

func TestConfigFileMustExistWhenGiven(t *testing.T) {
	_, err := run(t, "snapshot", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--from-file", "x.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestFlagsOverrideConfig(t *testing.T) {
	a := &app{}
	cmd := newServeCmd(a)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--workers", "3"}))

	require.NoError(t, a.initialize(cmd))
	assert.Equal(t, 9100, a.cfg.Server.Port)
	assert.Equal(t, 3, a.cfg.NATS.Workers)
	assert.Equal(t, "0.0.0.0", a.cfg.Server.Host, "unset flags keep the default")
}
