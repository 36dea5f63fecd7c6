package main

import (
	"log"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"dev/bravebird/popup-verifier/pkg/database"
	"dev/bravebird/popup-verifier/pkg/temporal/activities"
	"dev/bravebird/popup-verifier/pkg/temporal/workflows"
)

func main() {
	temporalHost := getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	screenshotDir := getEnvOrDefault("SCREENSHOT_DIR", "/tmp/screenshots")

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort: temporalHost,
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	// Run status is persisted only when a database is configured
	var store activities.RunStore
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		db, err := database.New(dsn)
		if err != nil {
			log.Printf("Warning: Failed to connect to database: %v", err)
		} else {
			defer db.Close()
			store = db
		}
	}

	acts := activities.NewActivities(screenshotDir, store)

	// Each activity drives its own Chrome process
	w := worker.New(c, workflows.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     2,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(workflows.PopupVerificationWorkflow)

	w.RegisterActivity(acts.VerifyPopupActivity)
	w.RegisterActivity(acts.LayoutCheckActivity)
	w.RegisterActivity(acts.RecordRunActivity)

	log.Printf("Starting Temporal worker on task queue: %s", workflows.TaskQueue)
	log.Printf("Temporal host: %s", temporalHost)
	log.Printf("Screenshot directory: %s", screenshotDir)

	err = w.Run(worker.InterruptCh())
	if err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
