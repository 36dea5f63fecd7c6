package activities

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"dev/bravebird/popup-verifier/pkg/browser"
	"dev/bravebird/popup-verifier/pkg/models"
	"dev/bravebird/popup-verifier/pkg/temporal/workflows"
	"dev/bravebird/popup-verifier/pkg/verifier"
)

// heartbeatInterval stays well below the workflow's heartbeat timeout
const heartbeatInterval = 5 * time.Second

// RunStore is the part of the database the activities write to
type RunStore interface {
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, screenshotPath, errorMsg string) error
	SaveLayoutResults(ctx context.Context, runID string, results []models.LayoutResult) error
}

// Activities holds activity implementations
type Activities struct {
	ScreenshotDir string
	Browser       browser.Options
	Store         RunStore
}

// NewActivities creates new activities. store may be nil.
func NewActivities(screenshotDir string, store RunStore) *Activities {
	return &Activities{
		ScreenshotDir: screenshotDir,
		Browser:       browser.DefaultOptions(),
		Store:         store,
	}
}

// VerifyPopupActivity runs the verifier inside the work dir and publishes
// the capture as <ScreenshotDir>/<run>.png
func (a *Activities) VerifyPopupActivity(ctx context.Context, input workflows.VerifyInput) (string, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Verifying popup", "runID", input.RunID, "workDir", input.WorkDir)

	popupPath := filepath.Join(input.WorkDir, verifier.PopupFile)
	if _, err := os.Stat(popupPath); err != nil {
		return "", temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%s not found", popupPath), workflows.ErrTypeMissingPopup, err)
	}

	var out bytes.Buffer
	v := verifier.New()
	v.Dir = input.WorkDir
	v.Browser = a.Browser
	v.Stdout = &out
	// the selector wait must end well inside the activity's own timeout
	if input.Timeout > 0 {
		if t := time.Duration(input.Timeout) * time.Second / 2; t < v.Timeout {
			v.Timeout = t
		}
	}

	// the CLI leaves this to the caller; submitted work dirs get it created
	if err := os.MkdirAll(filepath.Dir(v.OutputPath()), 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	stop := keepAlive(ctx, "capturing popup")
	err := v.Run(ctx)
	stop()
	if err != nil {
		return "", fmt.Errorf("verification failed: %w", err)
	}
	logger.Info(strings.TrimSpace(out.String()), "runID", input.RunID)

	if err := os.MkdirAll(a.ScreenshotDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot dir: %w", err)
	}
	published := filepath.Join(a.ScreenshotDir, input.RunID+".png")
	if err := copyFile(v.OutputPath(), published); err != nil {
		return "", fmt.Errorf("failed to publish screenshot: %w", err)
	}

	return published, nil
}

// LayoutCheckActivity measures the popup at each viewport. Layout
// violations are reported in the results, not as an activity error.
func (a *Activities) LayoutCheckActivity(ctx context.Context, input workflows.LayoutInput) ([]models.LayoutResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Checking popup layout", "runID", input.RunID, "viewports", len(input.Viewports))

	c := verifier.NewLayoutChecker()
	c.Dir = input.WorkDir
	c.Browser = a.Browser
	c.Stdout = nil
	if len(input.Viewports) > 0 {
		c.Viewports = input.Viewports
	}
	c.OnViewport = func(i int, vp models.Viewport) {
		activity.RecordHeartbeat(ctx, fmt.Sprintf("Checking viewport %s (%d/%d)", vp, i+1, len(c.Viewports)))
	}

	results, err := c.Run(ctx)
	if err != nil && !errors.Is(err, verifier.ErrLayoutCheckFailed) {
		return nil, err
	}
	for i := range results {
		results[i].RunID = input.RunID
		if !results[i].Passed {
			logger.Warn("Layout assertion failed", "viewport", results[i].Viewport.String(), "failures", results[i].Failures)
		}
	}
	return results, nil
}

// RecordRunActivity persists run progress when a store is configured
func (a *Activities) RecordRunActivity(ctx context.Context, input workflows.RecordInput) error {
	if a.Store == nil {
		return nil
	}
	logger := activity.GetLogger(ctx)
	logger.Info("Recording run", "runID", input.RunID, "status", input.Status)

	if err := a.Store.UpdateRunStatus(ctx, input.RunID, input.Status, input.ScreenshotPath, input.ErrorMessage); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if len(input.LayoutResults) > 0 {
		if err := a.Store.SaveLayoutResults(ctx, input.RunID, input.LayoutResults); err != nil {
			return fmt.Errorf("failed to save layout results: %w", err)
		}
	}
	return nil
}

// keepAlive heartbeats until stop is called. Cancellation only reaches a
// running activity through its heartbeats.
func keepAlive(ctx context.Context, details string) (stop func()) {
	done, exited := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			activity.RecordHeartbeat(ctx, details)
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
