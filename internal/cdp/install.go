package cdp

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"go.uber.org/zap"
)

// InstallOptions configures Install.
type InstallOptions struct {
	// Revision pins the Chromium snapshot; zero keeps rod's default.
	Revision int
	// SystemDeps installs the shared libraries Chromium needs through the
	// host package manager first (Linux only, requires root).
	SystemDeps bool
	Logger     *zap.Logger
}

// Install downloads a Chromium build for the current platform into rod's
// cache and returns the binary path. Launch picks the cached build up when no
// system browser is found.
func Install(ctx context.Context, opts InstallOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SystemDeps {
		if err := installSystemDeps(ctx, logger); err != nil {
			return "", err
		}
	}

	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if opts.Revision > 0 {
		downloader.Revision = opts.Revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download browser: %w", err)
	}
	logger.Info("browser installed", zap.String("path", path), zap.Int("revision", downloader.Revision))
	return path, nil
}

func installSystemDeps(ctx context.Context, logger *zap.Logger) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	managers := []struct {
		name string
		args []string
	}{
		{"apt-get", append([]string{"install", "-y", "--no-install-recommends"}, chromeDepsApt...)},
		{"dnf", append([]string{"install", "-y"}, chromeDepsDnf...)},
		{"yum", append([]string{"install", "-y"}, chromeDepsYum...)},
		{"apk", append([]string{"add", "--no-cache"}, chromeDepsApk...)},
	}
	for _, m := range managers {
		path, err := exec.LookPath(m.name)
		if err != nil {
			continue
		}
		logger.Info("installing browser dependencies", zap.String("manager", m.name))
		if m.name == "apt-get" {
			if err := runCommand(ctx, path, "update"); err != nil {
				return err
			}
		}
		return runCommand(ctx, path, m.args...)
	}
	return fmt.Errorf("no supported package manager found for browser dependencies")
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}

var chromeDepsApt = []string{
	"ca-certificates",
	"fonts-liberation",
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libcups2",
	"libdbus-1-3",
	"libdrm2",
	"libgbm1",
	"libgtk-3-0",
	"libnspr4",
	"libnss3",
	"libx11-xcb1",
	"libxcomposite1",
	"libxdamage1",
	"libxfixes3",
	"libxrandr2",
	"libxshmfence1",
	"libxss1",
	"libxtst6",
	"libpango-1.0-0",
	"libpangocairo-1.0-0",
	"libxkbcommon0",
}

var chromeDepsDnf = []string{
	"alsa-lib",
	"atk",
	"cups-libs",
	"gtk3",
	"libX11",
	"libXcomposite",
	"libXdamage",
	"libXrandr",
	"libXfixes",
	"libX11-xcb",
	"libxcb",
	"libxkbcommon",
	"libxshmfence",
	"nss",
	"nspr",
	"pango",
	"mesa-libgbm",
	"libdrm",
}

var chromeDepsYum = chromeDepsDnf

var chromeDepsApk = []string{
	"ca-certificates",
	"freetype",
	"harfbuzz",
	"nss",
	"ttf-freefont",
	"alsa-lib",
	"atk",
	"at-spi2-atk",
	"cups-libs",
	"libxcomposite",
	"libxdamage",
	"libxrandr",
	"libxfixes",
	"libxkbcommon",
	"libx11",
	"libxrender",
	"libxext",
	"libxcb",
	"libdrm",
	"mesa-gbm",
	"gtk+3.0",
	"pango",
	"cairo",
	"gdk-pixbuf",
	"fontconfig",
	"libstdc++",
	"libgcc",
}
