package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gridflow-lab/gridflow/internal/core/config"
	"github.com/gridflow-lab/gridflow/internal/core/geo"
	"github.com/gridflow-lab/gridflow/internal/engine"
	"github.com/gridflow-lab/gridflow/internal/feed"
	"github.com/gridflow-lab/gridflow/internal/migrations"
	"github.com/gridflow-lab/gridflow/internal/normalize"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
	"github.com/gridflow-lab/gridflow/internal/server"
	"github.com/gridflow-lab/gridflow/internal/sim"
	"github.com/gridflow-lab/gridflow/internal/sink"
	pgsink "github.com/gridflow-lab/gridflow/internal/sink/postgres"
	"github.com/gridflow-lab/gridflow/internal/source"
)

func main() {
	configPath := flag.String("config", "gridflow.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"source", cfg.Source.Kind,
		"window", cfg.Window.Length,
		"lateness", cfg.Window.AllowedLateness,
		"mode", cfg.Window.EmissionMode,
	)

	// 2. Metrics registry
	metrics.Init()

	// 3. Core stages: grid, normalizer, aggregator
	grid, err := cfg.ServiceArea.Grid()
	if err != nil {
		slog.Error("Failed to build service-area grid", "error", err)
		os.Exit(1)
	}
	engOpts, err := cfg.EngineOptions()
	if err != nil {
		slog.Error("Invalid window configuration", "error", err)
		os.Exit(1)
	}
	agg, err := engine.NewAggregator(engOpts)
	if err != nil {
		slog.Error("Failed to build aggregator", "error", err)
		os.Exit(1)
	}
	normalizer := normalize.New(grid)

	// 4. Source (kafka, or in-memory fed by the embedded simulator)
	var src source.Source
	var mem *source.Memory
	switch cfg.Source.Kind {
	case "kafka":
		kopts, err := cfg.KafkaOptions()
		if err != nil {
			slog.Error("Kafka source config invalid", "error", err)
			os.Exit(1)
		}
		if src, err = source.NewKafka(kopts); err != nil {
			slog.Error("Failed to build kafka source", "error", err)
			os.Exit(1)
		}
	case "memory":
		mem = source.NewMemory(cfg.Pipeline.MaxBatch)
		src = mem
	default:
		slog.Error("Unsupported source kind", "kind", cfg.Source.Kind)
		os.Exit(1)
	}
	defer src.Close() //nolint:errcheck

	// 5. Sinks: Postgres (optional, also the watermark checkpoint) + feed
	var db *sql.DB
	var checkpoints engine.CheckpointStore
	var sinks []sink.Sink
	var pg *pgsink.Store
	if cfg.Sink.Postgres.Enabled {
		db, err = pgsink.Open(
			cfg.Sink.Postgres.DSN,
			cfg.Sink.Postgres.MaxOpenConns,
			cfg.Sink.Postgres.MaxIdleConns,
		)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer db.Close() //nolint:errcheck

		if err := migrations.Run(db, cfg.Sink.Postgres.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}

		pg = pgsink.NewStore(db)
		sinks = append(sinks, pg)
		checkpoints = pg
		metrics.RegisterDB(db)
	}

	dash := feed.New(gridInfo(cfg, grid), feed.Options{
		MaxRows:          cfg.Feed.MaxRows,
		SubscriberBuffer: cfg.Feed.SubscriberBuffer,
	})
	defer dash.Close() //nolint:errcheck
	sinks = append(sinks, dash)
	out := sink.NewFanout(sinks...)

	// Re-seed the dashboard from persisted rows so the API is not empty
	// until the first batch lands.
	if pg != nil {
		warmCtx, cancelWarm := context.WithTimeout(context.Background(), 5*time.Second)
		if rows, err := pg.LatestRows(warmCtx, cfg.Feed.MaxRows); err != nil {
			slog.Warn("Feed warmup query failed", "error", err)
		} else {
			dash.Warm(rows)
		}
		cancelWarm()
	}

	// 6. Pipeline
	popts, err := cfg.PipelineOptions()
	if err != nil {
		slog.Error("Invalid pipeline configuration", "error", err)
		os.Exit(1)
	}
	pipeline := engine.NewPipeline(src, normalizer, agg, out, checkpoints, popts)

	// 7. HTTP server (health, metrics, dashboard feed)
	srv := server.New(cfg.Server.Addr(), db, cfg.Server.Mode)
	dash.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler → triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })

	if mem != nil {
		gen, err := buildGenerator(cfg)
		if err != nil {
			slog.Error("Failed to build embedded simulator", "error", err)
			os.Exit(1)
		}
		slog.Info("Embedded simulator feeding the in-memory source", "rate", cfg.Sim.Rate)
		g.Go(func() error {
			runEmbeddedSim(gctx, gen, mem, cfg.Sim.Rate)
			return nil
		})
	}

	// A fatal pipeline error cancels the group and stops the server; plain
	// shutdown drains and returns nil everywhere.
	if err := g.Wait(); err != nil {
		slog.Error("Stopped with fatal error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// gridInfo assembles the static geometry the dashboard reads once at startup.
func gridInfo(cfg *config.Config, grid *geo.Grid) feed.GridInfo {
	slide := cfg.Window.Slide
	if slide == "" {
		slide = cfg.Window.Length
	}
	box := grid.Bounds()
	return feed.GridInfo{
		Rows:            grid.Rows(),
		Cols:            grid.Cols(),
		MinLat:          box.MinLat,
		MaxLat:          box.MaxLat,
		MinLon:          box.MinLon,
		MaxLon:          box.MaxLon,
		LatStep:         cfg.ServiceArea.LatStep,
		LonStep:         cfg.ServiceArea.LonStep,
		WindowLength:    cfg.Window.Length,
		WindowSlide:     slide,
		AllowedLateness: cfg.Window.AllowedLateness,
		EmissionMode:    cfg.Window.EmissionMode,
	}
}

func buildGenerator(cfg *config.Config) (*sim.Generator, error) {
	zones, err := sim.LoadZones(cfg.Sim.HotspotDir)
	if err != nil {
		return nil, err
	}
	if len(zones) == 0 {
		slog.Warn("No hotspot zones found, locations will be uniform", "dir", cfg.Sim.HotspotDir)
	}
	jitter, err := cfg.Sim.JitterDuration()
	if err != nil {
		return nil, err
	}
	return sim.NewGenerator(sim.Options{
		Box:          cfg.ServiceArea.Box(),
		Zones:        zones,
		Drivers:      cfg.Sim.Drivers,
		Riders:       cfg.Sim.Riders,
		HotspotBias:  cfg.Sim.HotspotBias,
		Jitter:       jitter,
		InvalidRatio: cfg.Sim.InvalidRatio,
		Seed:         cfg.Sim.Seed,
	})
}

// runEmbeddedSim pushes generator batches into the in-memory source, paced
// to the configured mean event rate. Same pacing as the ridesim publisher,
// minus the broker.
func runEmbeddedSim(ctx context.Context, gen *sim.Generator, mem *source.Memory, eventsPerSec float64) {
	burst := max(1, int(eventsPerSec))
	limiter := rate.NewLimiter(rate.Limit(eventsPerSec), burst)

	for ctx.Err() == nil {
		batch := gen.Batch()
		for start := 0; start < len(batch); start += burst {
			end := min(start+burst, len(batch))
			if err := limiter.WaitN(ctx, end-start); err != nil {
				return // context cancelled
			}
			mem.Push(batch[start:end]...)
		}
	}
}
