package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/event-intake/internal/api"
	"github.com/ignite/event-intake/internal/auditfeed"
	"github.com/ignite/event-intake/internal/config"
	"github.com/ignite/event-intake/internal/ingest"
	"github.com/ignite/event-intake/internal/normalize"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("Event Intake Server (cmd/server/main.go)")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	// Storage: postgres by default, in-process memory store for local
	// development without a database.
	var (
		store   ingest.Store
		queries ingest.Queries
		db      *sql.DB
	)
	switch cfg.Database.Store {
	case "memory":
		mem := ingest.NewMemoryStore()
		store, queries = mem, mem
		log.Println("[storage] using in-memory store (data is not persisted)")
	default:
		if cfg.Database.URL == "" {
			log.Fatal("DATABASE_URL is required (or set STORE=memory for development)")
		}
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnLifetime())
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to ping database at %s: %v", extractHost(cfg.Database.URL), err)
		}
		log.Printf("[storage] connected to postgres at %s", extractHost(cfg.Database.URL))
		pg := ingest.NewPostgresStore(db)
		store, queries = pg, pg
	}

	// Optional redis audit feed. The pipeline runs fine without it.
	var redisClient *redis.Client
	var feed ingest.Feed
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("[audit] redis unreachable, feed disabled: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			feed = auditfeed.NewPublisher(redisClient, cfg.Redis.Stream)
			log.Printf("[audit] publishing processing log to redis stream")
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Field aliases: built-in set plus config extensions.
	aliases := normalize.DefaultAliases()
	for field, extra := range cfg.Ingest.Aliases {
		aliases = aliases.WithAlias(field, extra...)
	}

	pipeline := ingest.NewPipeline(store, normalize.New(aliases), feed)
	handlers := api.NewHandlers(pipeline, queries, cfg.Ingest.MaxBatchSize, cfg.Ingest.MaxBodyBytes)
	router := api.SetupRoutes(handlers, api.NewHealthChecker(db, redisClient))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
