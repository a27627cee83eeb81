/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the FriendFund API server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and configuration
  2. Open the Document Store (memory, sqlite, postgres or mongo)
  3. Build collaborators: identity, payment verification, evidence storage,
     event publisher, rate limiter
  4. Create the ledger service and API router
  5. Start the cron scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -config  Directory holding the .env file (default: .)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, close the event publisher and the store
  4. Exit

SEE ALSO:
  - config/config.go: Every configuration key
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/friendfund/backend/api"
	"github.com/friendfund/backend/config"
	"github.com/friendfund/backend/events"
	"github.com/friendfund/backend/filestore"
	"github.com/friendfund/backend/identity"
	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/payment"
	"github.com/friendfund/backend/payment/tesseract"
	"github.com/friendfund/backend/qr"
	"github.com/friendfund/backend/ratelimit"
	"github.com/friendfund/backend/scheduler"
	"github.com/friendfund/backend/store"
)

func main() {
	// Flags
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	configDir := flag.String("config", ".", "directory holding the .env file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("level=info component=main msg=\".env not loaded\" err=%v", err)
	}
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}

	ctx := context.Background()

	// Initialize store
	backend, err := store.Open(ctx, store.Options{
		Driver:        cfg.StoreDriver,
		SQLitePath:    cfg.SQLitePath,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer backend.Close()

	// Collaborators
	publisher := events.Connect(cfg.RabbitMQURL, cfg.EventsExchange)
	defer publisher.Close()

	opts := []ledger.Option{ledger.WithNotifier(publisher)}

	if cfg.GatewaySecret != "" {
		gateway, err := payment.NewGatewayVerifier(cfg.GatewaySecret)
		if err != nil {
			log.Fatalf("Failed to configure gateway verification: %v", err)
		}
		opts = append(opts, ledger.WithSignatureVerifier(gateway))
	}
	if cfg.OCREnabled {
		opts = append(opts, ledger.WithScreenshotAnalyzer(payment.NewAnalyzer(tesseract.New("eng"))))
	}

	evidence, uploadsDir, err := openFilestore(cfg)
	if err != nil {
		log.Fatalf("Failed to configure file storage: %v", err)
	}
	opts = append(opts, ledger.WithEvidenceStore(evidence))

	svc := ledger.NewService(backend, cfg.LedgerConfig(), opts...)

	idp, err := identity.NewLocal(backend, identity.Config{Secret: []byte(cfg.JWTSecret), TTL: cfg.JWTTTL})
	if err != nil {
		log.Fatalf("Failed to configure identity: %v", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"redis unavailable; contributions are not rate limited\" err=%v", err)
		} else {
			defer client.Close()
			limiter = ratelimit.NewRedis(client, "friendfund:rate_limit")
		}
	}

	// Background jobs
	sched, err := scheduler.New(svc, scheduler.Config{
		AuditSchedule:   cfg.AuditSchedule,
		OverdueSchedule: cfg.OverdueSchedule,
	})
	if err != nil {
		log.Fatalf("Failed to configure scheduler: %v", err)
	}
	sched.Start()

	// Initialize handler and router
	handler := api.NewHandler(svc, idp, qr.NewRenderer(qr.DefaultOptions()))
	handler.Health = backend
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins:     cfg.AllowedOrigins(),
		Limiter:            limiter,
		ContributionLimit:  cfg.ContributionRateLimit,
		ContributionWindow: cfg.ContributionRateWindow,
		UploadsDir:         uploadsDir,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("level=info component=main msg=\"server starting\" addr=http://localhost:%s store=%s policy=%s",
			cfg.Port, backend.Driver, svc.Policy())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Println("Scheduler jobs still running at shutdown")
	}

	log.Println("Server stopped")
}

// openFilestore returns the evidence store and, for local storage, the
// directory to serve under /uploads/.
func openFilestore(cfg *config.Config) (ledger.EvidenceStore, string, error) {
	switch strings.ToLower(cfg.FilestoreDriver) {
	case "cloudinary":
		s, err := filestore.NewCloudinary(filestore.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Root:      "friendfund",
		})
		return s, "", err
	default:
		base := fmt.Sprintf("http://localhost:%s/uploads", cfg.Port)
		s, err := filestore.NewLocal(cfg.FilestoreDir, base)
		if err != nil {
			return nil, "", err
		}
		return s, s.Dir(), nil
	}
}
