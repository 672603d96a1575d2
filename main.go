package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"

	"boardbridge/api"
	"boardbridge/buffer"
	"boardbridge/config"
	"boardbridge/monitor"
	"boardbridge/output"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "path to JSON configuration file")
		debug       = flag.Bool("debug", false, "force debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("boardbridge %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg.Logging, *debug)
	logger.Info("Starting boardbridge", "version", version, "buffer_capacity", cfg.Buffer.Capacity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS is optional: without it the mirror still writes files and the
	// event publisher degrades to a no-op.
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		conn, err := output.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnects, logger)
		if err != nil {
			logger.Warn("NATS unavailable, continuing without event publishing", "error", err)
		} else {
			natsConn = conn
			defer conn.Close()
		}
	}

	mirror := output.NewMirror(&output.MirrorConfig{
		BasePath:      mirrorPath(cfg.Mirror),
		MaxSizeMB:     cfg.Mirror.MaxSizeMB,
		MaxBackups:    cfg.Mirror.MaxBackups,
		Compress:      cfg.Mirror.Compress,
		NATSConn:      natsConn,
		SubjectPrefix: cfg.Mirror.SubjectPrefix,
		Logger:        logger,
	})
	defer mirror.Close()

	events := output.NewEventPublisher(natsConn, cfg.NATS.EventSubject, logger)

	buf := buffer.New(cfg.Buffer.Capacity)

	manager := monitor.NewManager(&monitor.ManagerConfig{
		Buffer:            buf,
		Mirror:            mirror,
		Events:            events,
		Logger:            logger,
		AutoReconnect:     cfg.Recovery.AutoReconnect,
		ReconnectDelay:    time.Duration(cfg.Recovery.ReconnectDelaySec) * time.Second,
		MaxReconnectDelay: time.Duration(cfg.Recovery.MaxReconnectDelaySec) * time.Second,
	})
	manager.Start(ctx)

	mon := monitor.NewMonitor(buf, manager, logger)

	server := api.NewServer(&api.Config{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSec) * time.Second,
	}, mon, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	events.Publish(output.Event{Type: output.EventServiceStart, Message: version})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("API server failed", "error", err)
		}
	}

	events.Publish(output.Event{Type: output.EventServiceStop})
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", "error", err)
	}

	manager.Stop()
	logger.Info("Shutdown complete")
}

// setupLogging builds the process logger: text to stdout, or JSON to a
// rotating file when a path is configured.
func setupLogging(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := parseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		handler = slog.NewJSONHandler(rotator, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// mirrorPath returns the traffic file directory, empty when file mirroring
// is disabled (NATS-only mirror).
func mirrorPath(cfg config.MirrorConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.BasePath
}
