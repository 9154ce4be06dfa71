package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/gridflow-lab/gridflow/internal/core/config"
	"github.com/gridflow-lab/gridflow/internal/sim"
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

	// 2. Load Hotspot Zones
	zones, err := sim.LoadZones(cfg.Sim.HotspotDir)
	if err != nil {
		slog.Error("Failed to load hotspot zones", "error", err)
		os.Exit(1)
	}
	if len(zones) == 0 {
		slog.Warn("No hotspot zones found, locations will be uniform", "dir", cfg.Sim.HotspotDir)
	}

	// 3. Build the Generator
	jitter, err := cfg.Sim.JitterDuration()
	if err != nil {
		slog.Error("Invalid timestamp jitter", "error", err)
		os.Exit(1)
	}
	gen, err := sim.NewGenerator(sim.Options{
		Box:          cfg.ServiceArea.Box(),
		Zones:        zones,
		Drivers:      cfg.Sim.Drivers,
		Riders:       cfg.Sim.Riders,
		HotspotBias:  cfg.Sim.HotspotBias,
		Jitter:       jitter,
		InvalidRatio: cfg.Sim.InvalidRatio,
		Seed:         cfg.Sim.Seed,
	})
	if err != nil {
		slog.Error("Failed to build generator", "error", err)
		os.Exit(1)
	}

	// 4. Kafka Producer. The simulator always publishes to Kafka, even when
	// the consumer side is configured for the in-memory source.
	kopts, err := cfg.KafkaOptions()
	if err != nil {
		slog.Error("Kafka producer config invalid", "error", err)
		os.Exit(1)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(kopts.Brokers...),
		Topic:        kopts.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error("[RideSim] " + fmt.Sprintf(msg, args...))
		}),
	}
	defer writer.Close() //nolint:errcheck

	// 5. Run until signalled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	slog.Info("[RideSim] Publishing ride events",
		"topic", kopts.Topic,
		"brokers", kopts.Brokers,
		"rate", cfg.Sim.Rate,
		"drivers", cfg.Sim.Drivers,
		"riders", cfg.Sim.Riders,
		"zones", len(zones),
	)
	publish(ctx, gen, writer, cfg.Sim.Rate)
	slog.Info("Shutdown complete")
}

// publish pushes generator batches to Kafka, paced to the configured mean
// event rate.
func publish(ctx context.Context, gen *sim.Generator, writer *kafka.Writer, eventsPerSec float64) {
	burst := max(1, int(eventsPerSec))
	limiter := rate.NewLimiter(rate.Limit(eventsPerSec), burst)

	for ctx.Err() == nil {
		batch := gen.Batch()
		msgs := make([]kafka.Message, 0, len(batch))
		for _, ev := range batch {
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Error("[RideSim] Failed to encode event", "error", err)
				continue
			}
			// Keyed by ride so one ride's lifecycle stays on one partition.
			msgs = append(msgs, kafka.Message{Key: []byte(ev.RideID), Value: payload})
		}

		for start := 0; start < len(msgs); start += burst {
			end := min(start+burst, len(msgs))
			if err := limiter.WaitN(ctx, end-start); err != nil {
				return // context cancelled
			}
			if err := writer.WriteMessages(ctx, msgs[start:end]...); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("[RideSim] Publish failed", "error", err)
			}
		}
		slog.Debug("[RideSim] Published batch", "events", len(msgs), "active_rides", gen.ActiveRides())
	}
}
