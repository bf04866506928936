package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/acidvuca/vlc-ingest/internal/api/http"
	"github.com/acidvuca/vlc-ingest/internal/backoff"
	"github.com/acidvuca/vlc-ingest/internal/config"
	"github.com/acidvuca/vlc-ingest/internal/emit"
	"github.com/acidvuca/vlc-ingest/internal/ingest"
	"github.com/acidvuca/vlc-ingest/internal/opendata"
	"github.com/acidvuca/vlc-ingest/internal/pipeline"
	"github.com/acidvuca/vlc-ingest/internal/scheduler"
	"github.com/acidvuca/vlc-ingest/internal/state"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound Explore API calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	var (
		pipelines []*pipeline.Pipeline
		emitters  []*emit.KafkaEmitter
	)
	for _, ds := range cfg.Datasets {
		store := buildStateStore(cfg, ds)

		// Fail fast on an unreadable state file so the condition is visible
		// at startup; the instance also refuses to cycle until it is fixed.
		if snap, err := store.Load(); err != nil {
			log.Printf("ERROR: dataset %s state is unreadable and ingestion for it is halted: %v", ds.Name, err)
		} else {
			log.Printf("dataset %s starting from watermark %s (%d fingerprints)",
				ds.Name, snap.Watermark.Format(ingest.TimeLayout), len(snap.Fingerprints))
		}

		client := opendata.NewClient(opendata.Config{
			Bases:          cfg.Bases,
			DatasetID:      ds.DatasetID,
			TimestampField: ds.TimestampField,
			PageLimit:      cfg.PageLimit,
			Client:         httpClient,
			Backoff: opendata.BackoffConfig{
				MaxRetries:      cfg.RequestMaxRetries,
				InitialInterval: cfg.BackoffBase,
				MaxInterval:     cfg.BackoffMax,
				JitterFactor:    cfg.BackoffJitter,
			},
		})

		emitter := emit.NewKafkaEmitter(cfg.KafkaBrokers, ds.Topic, cfg.SpoolDir, cfg.PublishTimeout)
		emitters = append(emitters, emitter)

		control := backoff.NewController(backoff.Config{
			BaseDelay:    cfg.BackoffBase,
			MaxDelay:     cfg.BackoffMax,
			MaxLevel:     cfg.BackoffMaxLevel,
			JitterFactor: cfg.BackoffJitter,
		})

		pipelines = append(pipelines, pipeline.New(pipeline.Config{
			Dataset:        ds.Name,
			Topic:          ds.Topic,
			MaxInflight:    cfg.MaxInflight,
			FingerprintTTL: cfg.FingerprintTTL,
		}, client, ingest.NewNormalizer(ds.Mapping), store, emitter, control))
	}

	// Scheduler that drives one poll loop per dataset instance.
	sched := scheduler.New(pipelines, cfg.PollInterval, cfg.CycleTimeout)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "vlc-ingest",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "vlc-ingest",
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, pipelines)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("shutting down; waiting for in-flight cycles")

	// Let the in-flight cycles finish emitting and persisting first.
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	for _, e := range emitters {
		if err := e.Close(); err != nil {
			log.Printf("error closing emitter: %v", err)
		}
	}
}

// buildStateStore wires the file store for one dataset, optionally deriving
// the initial watermark from the downstream store when no local state exists.
func buildStateStore(cfg *config.AppConfig, ds config.DatasetConfig) *state.Store {
	initial := ds.InitialWatermark

	if cfg.PGBootstrap {
		if _, err := os.Stat(ds.StateFile); errors.Is(err, os.ErrNotExist) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			wm, err := state.BootstrapWatermark(ctx, cfg.PGDSN, ds.BootstrapTable, ds.InitialWatermark)
			if err != nil {
				log.Printf("dataset %s: downstream bootstrap failed, using START_WATERMARK: %v", ds.Name, err)
			} else {
				log.Printf("dataset %s: bootstrapped watermark %s from downstream store", ds.Name, wm.Format(ingest.TimeLayout))
				initial = wm
			}
		}
	}

	return state.NewStore(ds.StateFile, initial)
}
