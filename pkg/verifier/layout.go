package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dev/bravebird/popup-verifier/pkg/browser"
	"dev/bravebird/popup-verifier/pkg/models"
)

// ErrLayoutCheckFailed is returned when at least one viewport fails an assertion
var ErrLayoutCheckFailed = errors.New("UI layout check failed")

// DefaultViewports are the popup sizes Chrome uses in practice
var DefaultViewports = []models.Viewport{
	{Width: 400, Height: 640},
	{Width: 420, Height: 700},
}

// LayoutArtifactDir holds one full-page screenshot per checked viewport
const LayoutArtifactDir = "artifacts/ui-layout"

const layoutSettle = 150 * time.Millisecond

const metricsScript = `() => {
	const doc = document.documentElement;
	const body = document.body;
	const width = (sel) => {
		const el = document.querySelector(sel);
		return el ? el.getBoundingClientRect().width : 0;
	};
	return JSON.stringify({
		scroll_width: doc.scrollWidth,
		client_width: doc.clientWidth,
		body_width: body ? body.getBoundingClientRect().width : 0,
		app_width: width(".app"),
		topbar_width: width(".topbar"),
		add_section_width: width("details.section"),
		search_section_width: width("section.section"),
	});
}`

// LayoutChecker renders the popup at several viewports and asserts nothing
// overflows or gets clipped
type LayoutChecker struct {
	Dir       string
	Viewports []models.Viewport
	Browser   browser.Options
	Stdout    io.Writer

	// OnViewport, when set, is called before each viewport is measured.
	OnViewport func(i int, vp models.Viewport)
}

// NewLayoutChecker returns a checker for the default viewports in the current directory
func NewLayoutChecker() *LayoutChecker {
	return &LayoutChecker{
		Viewports: DefaultViewports,
		Browser:   browser.DefaultOptions(),
		Stdout:    os.Stdout,
	}
}

// Run measures every viewport and returns one result per viewport. When any
// viewport fails, the results are still returned along with an error
// wrapping ErrLayoutCheckFailed.
func (c *LayoutChecker) Run(ctx context.Context) (results []models.LayoutResult, err error) {
	artifactDir := filepath.Join(c.Dir, filepath.FromSlash(LayoutArtifactDir))
	if err := os.MkdirAll(artifactDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	sess, err := browser.Launch(ctx, c.Browser)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	viewports := c.Viewports
	if len(viewports) == 0 {
		viewports = DefaultViewports
	}

	var failures []string
	for i, vp := range viewports {
		if c.OnViewport != nil {
			c.OnViewport(i, vp)
		}
		result, err := c.checkViewport(ctx, sess, vp, artifactDir)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		failures = append(failures, result.Failures...)
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("%w\n%s", ErrLayoutCheckFailed, strings.Join(failures, "\n"))
	}

	if c.Stdout != nil {
		fmt.Fprintln(c.Stdout, "UI layout check passed.")
	}
	return results, nil
}

func (c *LayoutChecker) checkViewport(ctx context.Context, sess *browser.Session, vp models.Viewport, artifactDir string) (models.LayoutResult, error) {
	result := models.LayoutResult{Viewport: vp}

	page, err := sess.NewPage()
	if err != nil {
		return result, err
	}
	defer page.Close()

	if err := setViewport(page, vp, 1); err != nil {
		return result, err
	}
	if err := openPopup(page, c.Dir); err != nil {
		return result, err
	}
	if err := settle(ctx, layoutSettle); err != nil {
		return result, err
	}

	res, err := page.Eval(metricsScript)
	if err != nil {
		return result, fmt.Errorf("failed to measure layout at %s: %w", vp, err)
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), &result.Metrics); err != nil {
		return result, fmt.Errorf("failed to decode layout metrics: %w", err)
	}

	result.ScreenshotPath = filepath.Join(artifactDir, vp.String()+".png")
	if err := capture(page, result.ScreenshotPath, true); err != nil {
		return result, err
	}

	result.Failures = CheckLayout(vp, result.Metrics)
	result.Passed = len(result.Failures) == 0
	return result, nil
}

// CheckLayout returns one message per violated layout assertion
func CheckLayout(vp models.Viewport, m models.LayoutMetrics) []string {
	var failures []string

	if m.ScrollWidth > m.ClientWidth+1 {
		failures = append(failures, fmt.Sprintf("Horizontal overflow detected at %s: scrollWidth=%v clientWidth=%v",
			vp, m.ScrollWidth, m.ClientWidth))
	}

	minBody := float64(min(vp.Width, 360) - 2)
	if m.BodyWidth < minBody {
		failures = append(failures, fmt.Sprintf("Popup body width too small at %s: %v < %v",
			vp, m.BodyWidth, minBody))
	}

	minSection := float64(min(vp.Width-16, 340))
	if m.TopbarWidth < minSection {
		failures = append(failures, fmt.Sprintf("Topbar clipped at %s: %v < %v",
			vp, m.TopbarWidth, minSection))
	}
	if m.SearchSectionWidth < minSection {
		failures = append(failures, fmt.Sprintf("Search section clipped at %s: %v < %v",
			vp, m.SearchSectionWidth, minSection))
	}

	return failures
}
