// Package verifier renders the popup's local HTML file in a headless browser
// and records what it looks like.
package verifier

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"dev/bravebird/popup-verifier/pkg/browser"
)

const (
	// PopupFile is the HTML document under test, resolved against the working directory.
	PopupFile = "popup.html"

	// AppSelector must match once the popup has rendered.
	AppSelector = ".app"

	// ScreenshotPath is where the capture is written. Its directory is never created.
	ScreenshotPath = "verification/popup.png"

	// DefaultTimeout bounds the wait for AppSelector.
	DefaultTimeout = 30 * time.Second
)

// Verifier performs one navigation-and-capture pass over the popup
type Verifier struct {
	// Dir is the directory popup.html and the output path are resolved
	// against. Empty means the process working directory.
	Dir string

	Browser browser.Options
	Timeout time.Duration
	Stdout  io.Writer
}

// New returns a Verifier working in the current directory with a headless browser
func New() *Verifier {
	return &Verifier{
		Browser: browser.DefaultOptions(),
		Timeout: DefaultTimeout,
		Stdout:  os.Stdout,
	}
}

// Run launches a browser, waits for the popup to render, saves a viewport
// screenshot and closes the browser. Any failure is returned as is; nothing
// is retried and no screenshot is written unless the capture succeeded.
func (v *Verifier) Run(ctx context.Context) (err error) {
	sess, err := browser.Launch(ctx, v.Browser)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	page, err := sess.NewPage()
	if err != nil {
		return err
	}

	popupPath, err := filepath.Abs(filepath.Join(v.Dir, PopupFile))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", PopupFile, err)
	}

	if err := page.Navigate(FileURL(popupPath)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", popupPath, err)
	}

	if _, err := page.Timeout(v.timeout()).Element(AppSelector); err != nil {
		return fmt.Errorf("failed waiting for %s: %w", AppSelector, err)
	}

	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return fmt.Errorf("failed to take screenshot: %w", err)
	}

	if err := os.WriteFile(v.OutputPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to save screenshot: %w", err)
	}

	fmt.Fprintf(v.stdout(), "Screenshot saved to %s\n", ScreenshotPath)
	return nil
}

// OutputPath is the file Run writes, relative to Dir
func (v *Verifier) OutputPath() string {
	return filepath.Join(v.Dir, filepath.FromSlash(ScreenshotPath))
}

func (v *Verifier) timeout() time.Duration {
	if v.Timeout <= 0 {
		return DefaultTimeout
	}
	return v.Timeout
}

func (v *Verifier) stdout() io.Writer {
	if v.Stdout == nil {
		return os.Stdout
	}
	return v.Stdout
}

// FileURL converts an absolute filesystem path to a file:// URL.
// Windows drive paths get the extra leading slash browsers expect.
func FileURL(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return u.String()
}
