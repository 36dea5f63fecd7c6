package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.temporal.io/sdk/client"

	"dev/bravebird/popup-verifier/pkg/models"
	"dev/bravebird/popup-verifier/pkg/temporal/workflows"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// workflowTimeout bounds each activity of a submitted run, in seconds
	workflowTimeout = 120
)

// Store is the persistence used by the handlers
type Store interface {
	CreateRun(ctx context.Context, run *models.VerificationRun) error
	SetTemporalIDs(ctx context.Context, id, workflowID, runID string) error
	GetRun(ctx context.Context, id string) (*models.VerificationRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.VerificationRun, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, screenshotPath, errorMsg string) error
	GetLayoutResults(ctx context.Context, runID string) ([]models.LayoutResult, error)
}

// Handlers contains API handlers
type Handlers struct {
	db             Store
	temporalClient client.Client
	screenshotDir  string
	workRoot       string
	pollInterval   time.Duration
	upgrader       websocket.Upgrader
}

// NewHandlers creates new API handlers. db may be nil. Submitted work dirs
// must sit under workRoot.
func NewHandlers(db Store, temporalClient client.Client, screenshotDir, workRoot string) *Handlers {
	return &Handlers{
		db:             db,
		temporalClient: temporalClient,
		screenshotDir:  screenshotDir,
		workRoot:       filepath.Clean(workRoot),
		pollInterval:   500 * time.Millisecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WorkflowID is the temporal workflow ID of a verification run
func WorkflowID(runID string) string {
	return fmt.Sprintf("popup-verification-%s", runID)
}

// Register mounts the API routes on router
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/health", h.Health).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()

	// Verifications
	apiRouter.HandleFunc("/verifications", h.CreateVerification).Methods("POST")
	apiRouter.HandleFunc("/verifications", h.ListVerifications).Methods("GET")
	apiRouter.HandleFunc("/verifications/{id}", h.GetVerification).Methods("GET")
	apiRouter.HandleFunc("/verifications/{id}/cancel", h.CancelVerification).Methods("POST")

	// WebSocket for real-time updates
	apiRouter.HandleFunc("/verifications/{id}/stream", h.StreamVerification).Methods("GET")

	// Screenshots
	apiRouter.HandleFunc("/screenshots/{filename}", h.ServeScreenshot).Methods("GET")
}

// Health reports that the server is up
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==================== Verification Handlers ====================

// CreateVerification starts a verification run for a work dir
func (h *Handlers) CreateVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkDir == "" {
		http.Error(w, "work_dir is required", http.StatusBadRequest)
		return
	}
	if !filepath.IsAbs(req.WorkDir) {
		http.Error(w, "work_dir must be an absolute path", http.StatusBadRequest)
		return
	}
	if !withinRoot(h.workRoot, req.WorkDir) {
		http.Error(w, "work_dir must be inside "+h.workRoot, http.StatusForbidden)
		return
	}
	for _, vp := range req.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			http.Error(w, "Invalid viewport "+vp.String(), http.StatusBadRequest)
			return
		}
	}

	if h.temporalClient == nil {
		http.Error(w, "Temporal not available", http.StatusServiceUnavailable)
		return
	}

	runID := uuid.New().String()

	if h.db != nil {
		run := &models.VerificationRun{
			ID:          runID,
			WorkDir:     req.WorkDir,
			LayoutCheck: req.LayoutCheck,
			Status:      models.StatusPending,
			CreatedAt:   time.Now(),
		}
		if err := h.db.CreateRun(ctx, run); err != nil {
			http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	input := models.VerificationInput{
		RunID:         runID,
		WorkDir:       req.WorkDir,
		LayoutCheck:   req.LayoutCheck,
		Viewports:     req.Viewports,
		Timeout:       workflowTimeout,
		RetryAttempts: 1,
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:        WorkflowID(runID),
		TaskQueue: workflows.TaskQueue,
	}

	we, err := h.temporalClient.ExecuteWorkflow(ctx, workflowOptions, "PopupVerificationWorkflow", input)
	if err != nil {
		if h.db != nil {
			if uerr := h.db.UpdateRunStatus(ctx, runID, models.StatusFailed, "", err.Error()); uerr != nil {
				log.Printf("Failed to mark run %s failed: %v", runID, uerr)
			}
		}
		http.Error(w, "Failed to start workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if h.db != nil {
		if err := h.db.SetTemporalIDs(ctx, runID, we.GetID(), we.GetRunID()); err != nil {
			log.Printf("Failed to store temporal IDs for run %s: %v", runID, err)
		}
	}

	respondJSON(w, map[string]interface{}{
		"run_id":               runID,
		"temporal_workflow_id": we.GetID(),
		"temporal_run_id":      we.GetRunID(),
		"status":               models.StatusRunning,
	})
}

// ListVerifications lists the most recent runs
func (h *Handlers) ListVerifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	runs, err := h.db.ListRuns(ctx, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.VerificationRun{}
	}

	respondJSON(w, runs)
}

// GetVerification retrieves a run with its layout results
func (h *Handlers) GetVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetRun(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	results, err := h.db.GetLayoutResults(ctx, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	run.LayoutResults = results

	respondJSON(w, run)
}

// CancelVerification cancels a running verification
func (h *Handlers) CancelVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if h.db == nil {
		http.Error(w, "Database not available", http.StatusServiceUnavailable)
		return
	}

	run, err := h.db.GetRun(ctx, id)
	if err != nil || run == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if run.Status.IsTerminal() {
		http.Error(w, fmt.Sprintf("Run already %s", run.Status), http.StatusConflict)
		return
	}

	if h.temporalClient == nil {
		http.Error(w, "Temporal not available", http.StatusServiceUnavailable)
		return
	}

	// An empty run ID targets the latest execution of the workflow ID
	workflowID := run.TemporalWorkflowID
	if workflowID == "" {
		workflowID = WorkflowID(id)
	}
	err = h.temporalClient.CancelWorkflow(ctx, workflowID, run.TemporalRunID)
	if err != nil {
		http.Error(w, "Failed to cancel workflow: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.db.UpdateRunStatus(ctx, id, models.StatusCanceled, run.ScreenshotPath, "Canceled by user"); err != nil {
		log.Printf("Failed to mark run %s canceled: %v", id, err)
	}

	respondJSON(w, map[string]string{"status": string(models.StatusCanceled)})
}

// StreamVerification streams run updates via WebSocket until the run finishes
func (h *Handlers) StreamVerification(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastStatus models.RunStatus
	lastLayoutCount := -1

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			progress, ok := h.progress(ctx, runID)
			if !ok {
				continue
			}

			if progress.Status == lastStatus && len(progress.LayoutResults) == lastLayoutCount {
				continue
			}

			msg := models.WSMessage{
				Type:    "run_update",
				Payload: progress,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

			lastStatus = progress.Status
			lastLayoutCount = len(progress.LayoutResults)

			if progress.Status.IsTerminal() {
				return
			}
		}
	}
}

// progress asks the workflow first and falls back to the database
func (h *Handlers) progress(ctx context.Context, runID string) (models.VerificationResult, bool) {
	var result models.VerificationResult

	if h.temporalClient != nil {
		resp, err := h.temporalClient.QueryWorkflow(ctx, WorkflowID(runID), "", "getProgress")
		if err == nil && resp.Get(&result) == nil && result.Status != "" {
			result.RunID = runID
			return result, true
		}
	}

	if h.db == nil {
		return result, false
	}
	run, err := h.db.GetRun(ctx, runID)
	if err != nil || run == nil {
		return result, false
	}
	layout, err := h.db.GetLayoutResults(ctx, runID)
	if err != nil {
		log.Printf("Failed to get layout results for run %s: %v", runID, err)
	}

	return models.VerificationResult{
		RunID:          runID,
		Status:         run.Status,
		ScreenshotPath: run.ScreenshotPath,
		LayoutResults:  layout,
		ErrorMessage:   run.ErrorMessage,
	}, true
}

// ==================== Screenshot Handlers ====================

// ServeScreenshot serves a published screenshot
func (h *Handlers) ServeScreenshot(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	// Only files directly inside the screenshot dir
	filePath := filepath.Join(h.screenshotDir, filepath.Base(filename))

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.Error(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, filePath)
}

// ==================== Helpers ====================

// withinRoot reports whether dir is root or lies below it
func withinRoot(root, dir string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
