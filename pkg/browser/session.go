// Package browser launches and tears down the Chrome instance every
// verification pass runs against.
package browser

import (
	"context"
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Options configures how a browser is launched
type Options struct {
	// Headless runs Chrome without a window.
	Headless bool

	// Bin overrides the browser binary. Empty falls back to CHROME_BIN,
	// then to whatever rod finds or downloads.
	Bin string

	// NoSandbox adds the flags Chrome needs inside containers.
	NoSandbox bool
}

// DefaultOptions returns headless options with the Docker-friendly flags enabled
func DefaultOptions() Options {
	return Options{
		Headless:  true,
		Bin:       os.Getenv("CHROME_BIN"),
		NoSandbox: true,
	}
}

// Session owns one browser process and its control connection
type Session struct {
	Browser  *rod.Browser
	launcher *launcher.Launcher
}

// Launch starts a browser process and connects to it. The caller must Close
// the returned session.
func Launch(ctx context.Context, opts Options) (*Session, error) {
	l := launcher.New().Context(ctx).Headless(opts.Headless)

	bin := opts.Bin
	if bin == "" {
		bin = os.Getenv("CHROME_BIN")
	}
	if bin != "" {
		l = l.Bin(bin)
	}

	if opts.NoSandbox {
		l = l.Set("no-sandbox")
		l = l.Set("disable-gpu")
		l = l.Set("disable-dev-shm-usage")
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &Session{Browser: b, launcher: l}, nil
}

// NewPage opens a blank browsing context
func (s *Session) NewPage() (*rod.Page, error) {
	page, err := s.Browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return page, nil
}

// Close shuts the browser down. If the control connection is already gone
// (for instance because the launch context was canceled) the process is
// killed instead, so no Chrome outlives the session.
func (s *Session) Close() error {
	err := s.Browser.Close()
	if err != nil {
		s.launcher.Kill()
	}
	s.launcher.Cleanup()

	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
