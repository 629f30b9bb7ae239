package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/windlass/windlass/internal/blocklist"
	"github.com/windlass/windlass/internal/config"
	"github.com/windlass/windlass/internal/database"
	"github.com/windlass/windlass/internal/decision"
	"github.com/windlass/windlass/internal/downloader"
	"github.com/windlass/windlass/internal/events"
	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/importer"
	"github.com/windlass/windlass/internal/library/movies"
	"github.com/windlass/windlass/internal/logger"
	"github.com/windlass/windlass/internal/mediainfo"
	"github.com/windlass/windlass/internal/quality/augment"
	"github.com/windlass/windlass/internal/scheduler"
	"github.com/windlass/windlass/internal/scheduler/tasks"
	"github.com/windlass/windlass/internal/tracked"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "windlass: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; environment variables win over the config file.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().Str("database", cfg.Database.Path).Msg("Starting windlass")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	conn := db.Conn()
	bus := events.NewBus(log.Logger)
	movieSvc := movies.NewService(conn, log.Logger)
	historySvc := history.NewService(conn, log.Logger)
	blocklistSvc := blocklist.NewService(conn, log.Logger)
	downloaderSvc := downloader.NewService(conn, log.Logger)
	poller := downloader.NewPoller(downloaderSvc, cfg.Download.ClientTimeout, log.Logger)

	engine := decision.NewEngine(log.Logger,
		decision.SameFileSpec{},
		decision.NotTrailerSpec{},
		decision.GrabbedQualitySpec{},
		decision.FullSeasonSpec{},
	)
	resolver := augment.NewDefaultResolver(log.Logger, mediainfo.DetectProber(log.Logger))
	importSvc := importer.NewService(movieSvc, historySvc, engine, resolver, bus, log.Logger)

	trackedSvc := tracked.NewService(poller, downloaderSvc, historySvc, blocklistSvc,
		movieSvc, importSvc, bus, cfg.Download.RemoveCompleted, log.Logger)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		return err
	}
	if err := tasks.RegisterPollDownloadsTask(sched, trackedSvc, cfg.Download.PollInterval); err != nil {
		return err
	}
	if err := tasks.RegisterHistoryCleanupTask(sched, historySvc); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	return nil
}
