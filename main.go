package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/feed"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	if config.IsProductionLike(env) && cfg.Feed.Mode == config.FeedModeMock {
		log.WithFields(logger.Fields{"environment": env}).Warn("mock feed selected in a production-like environment")
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"pair":        cfg.Pair,
		"mode":        cfg.Feed.Mode,
		"environment": env,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.EventBuffer,
		cfg.Channels.MetricsBuffer,
		cfg.Channels.RawBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	var captureWriter *writer.CaptureWriter
	if cfg.Capture.Enabled {
		captureWriter, err = writer.NewCaptureWriter(cfg, channels.Raw)
		if err != nil {
			log.WithError(err).Error("failed to create capture writer")
			os.Exit(1)
		}
	} else {
		go drainRaw(ctx, channels.Raw)
	}

	var archiveWriter *writer.ArchiveWriter
	if cfg.Archive.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg, channels.Metrics)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		go logMetrics(ctx, log, channels.Metrics)
	}

	go logEvents(ctx, log, channels.Events)

	manager := feed.NewManager(cfg, feed.WebsocketDialer(cfg.Feed.URL(), cfg.Feed.MaxMessageBytes), channels)

	if captureWriter != nil {
		if err := captureWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start capture writer")
			os.Exit(1)
		}
	}
	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start feed manager")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping feed manager")
		manager.Stop()

		if captureWriter != nil {
			log.Info("stopping capture writer")
			captureWriter.Stop()
		}
		if archiveWriter != nil {
			log.Info("stopping archive writer")
			archiveWriter.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}

// logEvents surfaces the feed lifecycle in the process log. Warnings
// for validation and transport problems, info for the rest.
func logEvents(ctx context.Context, log *logger.Log, events <-chan models.LifecycleEvent) {
	entry := log.WithComponent("lifecycle")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := logger.Fields{
				"event":      string(ev.Kind),
				"attempt_id": ev.AttemptID,
				"pair":       ev.Pair,
			}
			if ev.From != "" || ev.To != "" {
				fields["from"] = string(ev.From)
				fields["to"] = string(ev.To)
			}
			if ev.Delay > 0 {
				fields["delay"] = ev.Delay.String()
			}
			if ev.Error != "" {
				fields["error"] = ev.Error
			}

			switch ev.Kind {
			case models.EventValidationFailed, models.EventTransportError:
				entry.WithFields(fields).Warn("feed event")
			case models.EventFatal:
				entry.WithFields(fields).Error("feed event")
			default:
				entry.WithFields(fields).Info("feed event")
			}
		}
	}
}

// logMetrics consumes analytics snapshots when no archive is
// configured, logging each and forwarding the headline numbers to
// CloudWatch when that is enabled.
func logMetrics(ctx context.Context, log *logger.Log, metrics <-chan models.MetricsSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-metrics:
			if !ok {
				return
			}
			log.LogMetric("analytics", "spread", snap.Spread.InexactFloat64(), logger.Fields{
				"pair":           snap.Pair,
				"best_bid":       snap.BestBid.String(),
				"best_ask":       snap.BestAsk.String(),
				"max_spread":     snap.MaxSpread.String(),
				"mid_price":      snap.MidPrice.String(),
				"moving_average": snap.MovingAverage.String(),
			})
		}
	}
}

// drainRaw keeps the raw channel from backing up when capture is
// disabled.
func drainRaw(ctx context.Context, raw <-chan models.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-raw:
			if !ok {
				return
			}
		}
	}
}
