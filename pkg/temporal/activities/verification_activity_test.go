package activities

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"dev/bravebird/popup-verifier/pkg/models"
	"dev/bravebird/popup-verifier/pkg/temporal/workflows"
)

type fakeStore struct {
	statuses []models.RunStatus
	layouts  map[string][]models.LayoutResult
	err      error
}

func (f *fakeStore) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, screenshotPath, errorMsg string) error {
	if f.err != nil {
		return f.err
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SaveLayoutResults(ctx context.Context, runID string, results []models.LayoutResult) error {
	if f.layouts == nil {
		f.layouts = make(map[string][]models.LayoutResult)
	}
	f.layouts[runID] = results
	return nil
}

func TestVerifyPopupActivityMissingPopup(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()

	acts := NewActivities(t.TempDir(), nil)
	env.RegisterActivity(acts)

	_, err := env.ExecuteActivity(acts.VerifyPopupActivity, workflows.VerifyInput{
		RunID:   "run-1",
		WorkDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected an error for a work dir without popup.html")
	}

	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("error %v is not an application error", err)
	}
	if appErr.Type() != workflows.ErrTypeMissingPopup || !appErr.NonRetryable() {
		t.Errorf("got type %q nonRetryable %v, want %q non-retryable", appErr.Type(), appErr.NonRetryable(), workflows.ErrTypeMissingPopup)
	}
}

func TestRecordRunActivity(t *testing.T) {
	tests := []struct {
		name       string
		store      *fakeStore
		input      workflows.RecordInput
		wantErr    bool
		wantLayout int
	}{
		{
			name:  "Status only",
			store: &fakeStore{},
			input: workflows.RecordInput{RunID: "run-1", Status: models.StatusRunning},
		},
		{
			name:  "With layout results",
			store: &fakeStore{},
			input: workflows.RecordInput{
				RunID:         "run-2",
				Status:        models.StatusFailed,
				LayoutResults: []models.LayoutResult{{Viewport: models.Viewport{Width: 400, Height: 640}}},
			},
			wantLayout: 1,
		},
		{
			name:    "Store failure",
			store:   &fakeStore{err: errors.New("connection refused")},
			input:   workflows.RecordInput{RunID: "run-3", Status: models.StatusSuccess},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts testsuite.WorkflowTestSuite
			env := ts.NewTestActivityEnvironment()

			acts := NewActivities(t.TempDir(), tt.store)
			env.RegisterActivity(acts)

			_, err := env.ExecuteActivity(acts.RecordRunActivity, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RecordRunActivity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(tt.store.statuses) != 1 || tt.store.statuses[0] != tt.input.Status {
				t.Errorf("statuses = %v, want [%s]", tt.store.statuses, tt.input.Status)
			}
			if got := len(tt.store.layouts[tt.input.RunID]); got != tt.wantLayout {
				t.Errorf("layout results = %d, want %d", got, tt.wantLayout)
			}
		})
	}
}

func TestRecordRunActivityWithoutStore(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()

	acts := NewActivities(t.TempDir(), nil)
	env.RegisterActivity(acts)

	if _, err := env.ExecuteActivity(acts.RecordRunActivity, workflows.RecordInput{RunID: "run-1"}); err != nil {
		t.Errorf("RecordRunActivity() without store error = %v", err)
	}
}

func TestVerifyPopupActivityPublishesScreenshot(t *testing.T) {
	requireBrowser(t)

	workDir, shots := t.TempDir(), t.TempDir()
	popup := `<!doctype html><html><body><div class="app">ready</div></body></html>`
	if err := os.WriteFile(filepath.Join(workDir, "popup.html"), []byte(popup), 0644); err != nil {
		t.Fatal(err)
	}

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()

	acts := NewActivities(shots, nil)
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.VerifyPopupActivity, workflows.VerifyInput{
		RunID:   "run-1",
		WorkDir: workDir,
		Timeout: 60,
	})
	if err != nil {
		t.Fatalf("VerifyPopupActivity() error = %v", err)
	}

	var published string
	if err := val.Get(&published); err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(shots, "run-1.png"); published != want {
		t.Errorf("published = %q, want %q", published, want)
	}

	original, err := os.ReadFile(filepath.Join(workDir, "verification", "popup.png"))
	if err != nil {
		t.Fatalf("work dir screenshot missing: %v", err)
	}
	copied, err := os.ReadFile(published)
	if err != nil {
		t.Fatalf("published screenshot missing: %v", err)
	}
	if !bytes.Equal(original, copied) {
		t.Error("published screenshot differs from the captured one")
	}
}

func requireBrowser(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if _, has := launcher.LookPath(); !has && os.Getenv("CHROME_BIN") == "" {
		t.Skip("no Chrome found")
	}
}

// heartbeatCounter counts heartbeats recorded through a test activity environment
type heartbeatCounter struct {
	mu      sync.Mutex
	details []string
}

func (h *heartbeatCounter) listen(info *activity.Info, details converter.EncodedValues) {
	var d string
	details.Get(&d)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details = append(h.details, d)
}

func (h *heartbeatCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.details)
}

func TestKeepAliveHeartbeats(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()

	var beats heartbeatCounter
	env.SetOnActivityHeartbeatListener(beats.listen)

	capture := func(ctx context.Context) error {
		stop := keepAlive(ctx, "capturing popup")
		time.Sleep(50 * time.Millisecond)
		stop()
		return nil
	}
	env.RegisterActivity(capture)

	if _, err := env.ExecuteActivity(capture); err != nil {
		t.Fatalf("ExecuteActivity() error = %v", err)
	}
	if beats.count() == 0 {
		t.Fatal("keepAlive recorded no heartbeat")
	}
	beats.mu.Lock()
	defer beats.mu.Unlock()
	if beats.details[0] != "capturing popup" {
		t.Errorf("heartbeat details = %q, want %q", beats.details[0], "capturing popup")
	}
}

const overflowingPopup = `<!doctype html>
<html><body style="margin:0">
<div class="app"><div class="topbar" style="width:100%">top</div>
<section class="section" style="width:100%">search</section>
<div style="width:1200px;height:10px"></div></div>
</body></html>`

func TestLayoutCheckActivityReportsFailuresAsResults(t *testing.T) {
	requireBrowser(t)

	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "popup.html"), []byte(overflowingPopup), 0644); err != nil {
		t.Fatal(err)
	}

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()

	var beats heartbeatCounter
	env.SetOnActivityHeartbeatListener(beats.listen)

	acts := NewActivities(t.TempDir(), nil)
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.LayoutCheckActivity, workflows.LayoutInput{
		RunID:     "run-1",
		WorkDir:   workDir,
		Viewports: []models.Viewport{{Width: 400, Height: 640}, {Width: 420, Height: 700}},
	})
	if err != nil {
		t.Fatalf("LayoutCheckActivity() error = %v, want failures reported in the results", err)
	}

	var results []models.LayoutResult
	if err := val.Get(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.RunID != "run-1" {
			t.Errorf("%s: RunID = %q, want run-1", r.Viewport, r.RunID)
		}
		if r.Passed || len(r.Failures) == 0 {
			t.Errorf("%s: passed with failures %v, want an overflow failure", r.Viewport, r.Failures)
		}
	}
	// later heartbeats are batched; the first is always delivered
	if beats.count() == 0 {
		t.Fatal("LayoutCheckActivity recorded no heartbeat")
	}
	beats.mu.Lock()
	defer beats.mu.Unlock()
	if want := "Checking viewport 400x640 (1/2)"; beats.details[0] != want {
		t.Errorf("first heartbeat = %q, want %q", beats.details[0], want)
	}
}
