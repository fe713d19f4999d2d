// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/joonseo-kim/lms-enrollment/internal/auth"
	"github.com/joonseo-kim/lms-enrollment/internal/config"
	"github.com/joonseo-kim/lms-enrollment/internal/database"
	"github.com/joonseo-kim/lms-enrollment/internal/handler"
	"github.com/joonseo-kim/lms-enrollment/internal/repository"
	"github.com/joonseo-kim/lms-enrollment/internal/service"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ── 1. Select the storage backend ─────────────────────────────────────
	var store repository.Store
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := database.NewPool(ctx, cfg.DB)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			log.Fatalf("schema: %v", err)
		}
		store = repository.NewPostgres(pool)
		log.Println("connected to PostgreSQL")
	case "memory":
		store = repository.NewMemory()
		log.Println("using in-memory store (no persistence)")
	default:
		log.Fatalf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	// ── 2. Wire up layers ────────────────────────────────────────────────
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	workflow := service.NewWorkflow(store)
	enrollments := handler.NewEnrollmentHandler(workflow)

	// ── 3. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // access log
	r.Use(handler.CORS)

	// Health
	r.Get("/health", handler.HealthCheck)

	// API routes (all authenticated; role checks live in the workflow)
	r.Group(func(r chi.Router) {
		r.Use(handler.Authenticate(tokens))

		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/", enrollments.Request)
			r.Get("/mine", enrollments.MyEnrollments)
			r.Post("/{id}/approve", enrollments.Approve)
			r.Post("/{id}/reject", enrollments.Reject)
			r.Post("/{id}/start", enrollments.Start)
			r.Post("/{id}/complete", enrollments.Complete)
			r.Delete("/{id}", enrollments.Withdraw)
		})
		r.Get("/sessions/{id}/enrollments/pending", enrollments.PendingForSession)
	})

	// ── 4. Start server with graceful shutdown ────────────────────────────
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		log.Printf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	log.Println("server stopped")
}
