package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapebackarr/tapebackarr/internal/api"
	"github.com/tapebackarr/tapebackarr/internal/auth"
	"github.com/tapebackarr/tapebackarr/internal/compressionworker"
	"github.com/tapebackarr/tapebackarr/internal/config"
	"github.com/tapebackarr/tapebackarr/internal/coordinator"
	"github.com/tapebackarr/tapebackarr/internal/database"
	"github.com/tapebackarr/tapebackarr/internal/logging"
	"github.com/tapebackarr/tapebackarr/internal/metastore"
	"github.com/tapebackarr/tapebackarr/internal/models"
	"github.com/tapebackarr/tapebackarr/internal/notifications"
	"github.com/tapebackarr/tapebackarr/internal/scanworker"
	"github.com/tapebackarr/tapebackarr/internal/scheduler"
	"github.com/tapebackarr/tapebackarr/internal/staging"
	"github.com/tapebackarr/tapebackarr/internal/tape"
	"github.com/tapebackarr/tapebackarr/internal/tapewriter"
)

var (
	version   = "0.1.0"
	buildTime = "development"
)

func main() {
	configPath := flag.String("config", "/etc/tapebackarr/config.json", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	initConfig := flag.Bool("init-config", false, "Create default configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TapeBackarr v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved to %s\n", *configPath)
		os.Exit(0)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	logger.Info("starting tapebackarr", map[string]interface{}{
		"version": version,
		"config":  *configPath,
	})

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		logger.Error("failed to run migrations", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("database initialized", map[string]interface{}{"path": cfg.Database.Path})

	store := metastore.New(db, logger)
	authService := auth.NewService(db, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	tapeService := tape.NewService(cfg.Tape.DefaultDevice, cfg.Tape.BlockSize)

	notifier := buildNotifier(cfg, logger)

	tapeWriter := tapewriter.New(tapeService, logger, tapeWriterQueueDepth)
	tapeWriter.Start(context.Background())
	defer tapeWriter.Shutdown()

	scanner := &scanworker.FilesystemScanner{Logger: logger}
	compressor := &compressionworker.TarCompressor{
		Method:  cfg.Pipeline.CompressionMethod,
		Level:   cfg.Pipeline.CompressionLevel,
		Threads: cfg.Pipeline.CompressionThreads,
	}

	stagingCfg := staging.Config{
		Mode:                     staging.Direct,
		SyncBatchSize:            cfg.Pipeline.StagingSyncBatchSize,
		SyncInterval:             time.Duration(cfg.Pipeline.StagingSyncIntervalSeconds) * time.Second,
		MaxMemoryFiles:           cfg.Pipeline.StagingMaxFiles,
		CheckpointInterval:       time.Duration(cfg.Pipeline.StagingCheckpointIntervalSecs) * time.Second,
		CheckpointRetentionHours: cfg.Pipeline.StagingCheckpointRetentionHrs,
		CheckpointDir:            os.TempDir(),
	}
	compressCfg := compressionworker.Config{
		MaxFileSize:      cfg.Pipeline.MaxFileSize,
		TempDir:          os.TempDir(),
		IdleSleep:        time.Second,
		MaxIdleChecks:    60,
		MaxGroupFailures: 3,
	}

	coord := coordinator.New(store, scanner, compressor, tapeWriter, tapeService, notifier, logger,
		cfg.Pipeline.MaxFileSize, time.Duration(cfg.Pipeline.ScanUpdateIntervalSeconds)*time.Second,
		stagingCfg, compressCfg)

	schedulerService := scheduler.NewService(db, logger, func(ctx context.Context, template *models.BackupTask) error {
		_, err := coord.RunTask(ctx, template.ID, coordinator.Options{Mode: coordinator.ModeAuto})
		return err
	})
	if err := schedulerService.Start(); err != nil {
		logger.Error("failed to start scheduler", map[string]interface{}{"error": err.Error()})
	}

	server := api.NewServer(store, coord, authService, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // long timeout for tape operations
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting http server", map[string]interface{}{"address": addr})
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schedulerService.Stop()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("tapebackarr shutdown complete", nil)
}

// tapeWriterQueueDepth is the bounded queue depth for the shared tape
// writer; a handful of staged archives is enough slack to absorb one slow
// tape operation without compression workers backing up indefinitely.
const tapeWriterQueueDepth = 8

func buildNotifier(cfg *config.Config, logger *logging.Logger) *notifications.Dispatcher {
	var senders []notifications.Sender

	telegramService := notifications.NewTelegramService(notifications.TelegramConfig{
		Enabled:  cfg.Notifications.Telegram.Enabled,
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
	})
	if telegramService.IsEnabled() {
		logger.Info("telegram notifications enabled", nil)
		senders = append(senders, telegramService)
	}

	emailService := notifications.NewEmailService(notifications.EmailConfig{
		Enabled:    cfg.Notifications.Email.Enabled,
		SMTPHost:   cfg.Notifications.Email.SMTPHost,
		SMTPPort:   cfg.Notifications.Email.SMTPPort,
		Username:   cfg.Notifications.Email.Username,
		Password:   cfg.Notifications.Email.Password,
		FromEmail:  cfg.Notifications.Email.FromEmail,
		FromName:   cfg.Notifications.Email.FromName,
		ToEmails:   cfg.Notifications.Email.ToEmails,
		UseTLS:     cfg.Notifications.Email.UseTLS,
		SkipVerify: cfg.Notifications.Email.SkipVerify,
	})
	if emailService.IsEnabled() {
		logger.Info("email notifications enabled", nil)
		senders = append(senders, emailService)
	}

	if len(senders) == 0 {
		return nil
	}
	return notifications.NewDispatcher(senders...)
}
