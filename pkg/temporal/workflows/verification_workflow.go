package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"dev/bravebird/popup-verifier/pkg/models"
)

// TaskQueue is the queue the worker polls and the API starts workflows on
const TaskQueue = "popup-verification"

// ErrTypeMissingPopup marks a work dir without popup.html. Retrying cannot help.
const ErrTypeMissingPopup = "MissingPopupError"

const (
	defaultActivityTimeout = 120 * time.Second

	// heartbeatTimeout is also how long a cancel can take to reach a running activity
	heartbeatTimeout = 30 * time.Second
)

// PopupVerificationWorkflow captures the popup and, when requested, checks its layout
func PopupVerificationWorkflow(ctx workflow.Context, input models.VerificationInput) (models.VerificationResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting popup verification", "runID", input.RunID, "workDir", input.WorkDir, "layoutCheck", input.LayoutCheck)

	result := models.VerificationResult{
		RunID:  input.RunID,
		Status: models.StatusRunning,
	}

	// Register query handler for real-time progress
	err := workflow.SetQueryHandler(ctx, "getProgress", func() (models.VerificationResult, error) {
		return result, nil
	})
	if err != nil {
		logger.Error("Failed to register query handler", "error", err)
	}

	startTime := workflow.Now(ctx)

	timeout := defaultActivityTimeout
	if input.Timeout > 0 {
		timeout = time.Duration(input.Timeout) * time.Second
	}
	attempts := input.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        int32(attempts),
			NonRetryableErrorTypes: []string{ErrTypeMissingPopup},
		},
	})

	record(ctx, RecordInput{RunID: input.RunID, Status: models.StatusRunning})

	err = workflow.ExecuteActivity(ctx, "VerifyPopupActivity", VerifyInput{
		RunID:   input.RunID,
		WorkDir: input.WorkDir,
		Timeout: input.Timeout,
	}).Get(ctx, &result.ScreenshotPath)
	if err != nil {
		fail(&result, "Verification failed: ", err)
	} else if input.LayoutCheck {
		var layout []models.LayoutResult
		err = workflow.ExecuteActivity(ctx, "LayoutCheckActivity", LayoutInput{
			RunID:     input.RunID,
			WorkDir:   input.WorkDir,
			Viewports: input.Viewports,
		}).Get(ctx, &layout)
		if err != nil {
			fail(&result, "Layout check failed: ", err)
		} else {
			result.LayoutResults = layout
			for _, lr := range layout {
				if !lr.Passed {
					result.Status = models.StatusFailed
					result.ErrorMessage = fmt.Sprintf("Layout check failed at %s", lr.Viewport)
					break
				}
			}
		}
	}

	if result.Status == models.StatusRunning {
		result.Status = models.StatusSuccess
	}
	result.TotalDuration = workflow.Now(ctx).Sub(startTime).Milliseconds()

	// A canceled workflow context would refuse to schedule the final record
	finalCtx, _ := workflow.NewDisconnectedContext(ctx)
	record(finalCtx, RecordInput{
		RunID:          input.RunID,
		Status:         result.Status,
		ScreenshotPath: result.ScreenshotPath,
		ErrorMessage:   result.ErrorMessage,
		LayoutResults:  result.LayoutResults,
	})

	logger.Info("Verification completed", "status", result.Status, "duration", result.TotalDuration)
	return result, nil
}

// fail marks the result failed, or canceled when err comes from a cancellation
func fail(result *models.VerificationResult, prefix string, err error) {
	if temporal.IsCanceledError(err) {
		result.Status = models.StatusCanceled
		result.ErrorMessage = "Canceled"
		return
	}
	result.Status = models.StatusFailed
	result.ErrorMessage = prefix + err.Error()
}

// record persists run progress. Storage problems never fail the verification.
func record(ctx workflow.Context, in RecordInput) {
	if err := workflow.ExecuteActivity(ctx, "RecordRunActivity", in).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("Failed to record run", "runID", in.RunID, "status", in.Status, "error", err)
	}
}

// VerifyInput is the input for capturing the popup
type VerifyInput struct {
	RunID   string `json:"run_id"`
	WorkDir string `json:"work_dir"`
	Timeout int    `json:"timeout_seconds"`
}

// LayoutInput is the input for the layout check
type LayoutInput struct {
	RunID     string            `json:"run_id"`
	WorkDir   string            `json:"work_dir"`
	Viewports []models.Viewport `json:"viewports,omitempty"`
}

// RecordInput is the input for persisting run state
type RecordInput struct {
	RunID          string                `json:"run_id"`
	Status         models.RunStatus      `json:"status"`
	ScreenshotPath string                `json:"screenshot_path,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	LayoutResults  []models.LayoutResult `json:"layout_results,omitempty"`
}
