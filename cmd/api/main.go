package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.temporal.io/sdk/client"

	"dev/bravebird/popup-verifier/pkg/api"
	"dev/bravebird/popup-verifier/pkg/database"
)

func main() {
	log.Println("Starting Popup Verification API Server")

	// Get configuration from environment
	port := getEnvOrDefault("PORT", "8080")
	mysqlDSN := getEnvOrDefault("MYSQL_DSN", "verifier:verifier@tcp(localhost:3306)/verifier?parseTime=true")
	temporalHost := getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	screenshotDir := getEnvOrDefault("SCREENSHOT_DIR", "/tmp/screenshots")
	workRoot := getEnvOrDefault("WORK_ROOT", "/srv/extensions")

	// Initialize database
	var store api.Store
	db, err := database.New(mysqlDSN)
	if err != nil {
		log.Printf("Warning: Failed to connect to database: %v", err)
		log.Println("Running without database persistence")
	} else {
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		store = db
	}

	// Initialize Temporal client
	temporalClient, err := client.Dial(client.Options{
		HostPort: temporalHost,
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer temporalClient.Close()

	handlers := api.NewHandlers(store, temporalClient, screenshotDir, workRoot)
	log.Printf("Accepting work dirs under %s", workRoot)

	router := mux.NewRouter()
	handlers.Register(router)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      c.Handler(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("API server listening on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
