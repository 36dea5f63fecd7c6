package models

import (
	"fmt"
	"time"
)

// ==================== Layout Types ====================

// Viewport is a browser window size in CSS pixels
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String formats the viewport as WIDTHxHEIGHT
func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// LayoutMetrics are the element widths measured in the rendered popup
type LayoutMetrics struct {
	ScrollWidth        float64 `json:"scroll_width"`
	ClientWidth        float64 `json:"client_width"`
	BodyWidth          float64 `json:"body_width"`
	AppWidth           float64 `json:"app_width"`
	TopbarWidth        float64 `json:"topbar_width"`
	AddSectionWidth    float64 `json:"add_section_width"`
	SearchSectionWidth float64 `json:"search_section_width"`
}

// LayoutResult is the outcome of checking the popup at one viewport
type LayoutResult struct {
	ID             string        `json:"id,omitempty" db:"id"`
	RunID          string        `json:"run_id,omitempty" db:"run_id"`
	Viewport       Viewport      `json:"viewport"`
	Metrics        LayoutMetrics `json:"metrics"`
	ScreenshotPath string        `json:"screenshot_path,omitempty" db:"screenshot_path"`
	Failures       []string      `json:"failures,omitempty"`
	Passed         bool          `json:"passed" db:"passed"`
}

// ==================== Verification Run Types ====================

// RunStatus represents the status of a verification run
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusRunning  RunStatus = "running"
	StatusSuccess  RunStatus = "success"
	StatusFailed   RunStatus = "failed"
	StatusCanceled RunStatus = "canceled"
)

// IsTerminal reports whether no further transitions are expected
func (s RunStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// VerificationRun represents a single verification requested through the API
type VerificationRun struct {
	ID                 string     `json:"id" db:"id"`
	WorkDir            string     `json:"work_dir" db:"work_dir"`
	LayoutCheck        bool       `json:"layout_check" db:"layout_check"`
	TemporalWorkflowID string     `json:"temporal_workflow_id" db:"temporal_workflow_id"`
	TemporalRunID      string     `json:"temporal_run_id" db:"temporal_run_id"`
	Status             RunStatus  `json:"status" db:"status"`
	ScreenshotPath     string     `json:"screenshot_path,omitempty" db:"screenshot_path"`
	ErrorMessage       string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`

	// Computed fields
	LayoutResults []LayoutResult `json:"layout_results,omitempty"`
}

// ==================== Workflow Types ====================

// VerificationInput is the input of the verification workflow
type VerificationInput struct {
	RunID         string     `json:"run_id"`
	WorkDir       string     `json:"work_dir"`
	LayoutCheck   bool       `json:"layout_check"`
	Viewports     []Viewport `json:"viewports,omitempty"`
	Timeout       int        `json:"timeout_seconds"`
	RetryAttempts int        `json:"retry_attempts"`
}

// VerificationResult is the result of the verification workflow
type VerificationResult struct {
	RunID          string         `json:"run_id"`
	Status         RunStatus      `json:"status"`
	ScreenshotPath string         `json:"screenshot_path,omitempty"`
	LayoutResults  []LayoutResult `json:"layout_results,omitempty"`
	TotalDuration  int64          `json:"total_duration_ms"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// VerifyRequest represents a request to start a verification
type VerifyRequest struct {
	WorkDir     string     `json:"work_dir"`
	LayoutCheck bool       `json:"layout_check"`
	Viewports   []Viewport `json:"viewports,omitempty"`
}

// ==================== WebSocket Message Types ====================

// WSMessage represents a WebSocket message for real-time updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
