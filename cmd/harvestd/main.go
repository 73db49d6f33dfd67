// Command harvestd runs the harvest coordination daemon: it keeps a local
// media catalogue in sync with a set of upstream playlists while rotating
// fetches across the registered device identities.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/project5001/harvestd/internal/artifact"
	"github.com/project5001/harvestd/internal/clock/system"
	"github.com/project5001/harvestd/internal/config"
	"github.com/project5001/harvestd/internal/coordinator"
	"github.com/project5001/harvestd/internal/downloader/ytdlp"
	"github.com/project5001/harvestd/internal/harvest"
	"github.com/project5001/harvestd/internal/logging"
	"github.com/project5001/harvestd/internal/mesh"
	"github.com/project5001/harvestd/internal/progress"
	"github.com/project5001/harvestd/internal/progress/sinks"
	"github.com/project5001/harvestd/internal/rotation"
	"github.com/project5001/harvestd/internal/status"
	"github.com/project5001/harvestd/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	once := flag.Bool("once", false, "run one harvest pass and exit")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "harvestd:", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.Store.Path, sqlite.Options{
		BusyMaxRetries: cfg.Store.BusyMaxRetries,
		BusyBackoff:    cfg.BusyBackoff(),
	}, logger.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	clk := system.New()
	policy := rotation.Policy{
		BaseCooldown:     cfg.BaseCooldown(),
		MaxCooldown:      cfg.MaxCooldown(),
		Window:           cfg.RotationWindow(),
		DisableThreshold: int64(cfg.Rotation.DisableThreshold),
	}
	registry := rotation.New(store, policy, clk, logger.Named("rotation"))

	for _, dev := range cfg.Devices {
		if err := registry.Register(ctx, dev.ID, dev.Name, harvest.DeviceRole(dev.Role)); err != nil {
			return err
		}
	}

	notifier, err := mesh.New(ctx, mesh.Options{
		Provider:          cfg.Mesh.Provider,
		SyncthingAPIURL:   cfg.Mesh.Syncthing.APIURL,
		SyncthingAPIKey:   cfg.Mesh.Syncthing.APIKey,
		SyncthingFolderID: cfg.Mesh.Syncthing.FolderID,
		PubSubProject:     cfg.Mesh.PubSub.ProjectID,
		PubSubTopic:       cfg.Mesh.PubSub.Topic,
	}, logger.Named("mesh"))
	if err != nil {
		return err
	}
	defer notifier.Close()

	archiver, err := artifact.New(ctx, artifact.Options{
		Provider:  cfg.Archive.Provider,
		LocalDir:  cfg.Archive.LocalDir,
		GCSBucket: cfg.Archive.GCSBucket,
	}, logger.Named("archive"))
	if err != nil {
		return err
	}

	metricsReg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheus(metricsReg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		promSink, sinks.NewLog(logger.Named("events")))
	defer hub.Close(context.Background())

	dl := ytdlp.New(ytdlp.Options{
		Binary:      cfg.Downloader.Binary,
		FFmpegPath:  cfg.Downloader.FFmpegPath,
		CookiesFile: cfg.Downloader.CookiesFile,
		Timeout:     cfg.FetchTimeout(),
	}, logger.Named("ytdlp"))

	coord := coordinator.New(store, registry, dl, hub, archiver, notifier, clk,
		logger.Named("coordinator"), coordinator.Options{
			Concurrency:      cfg.Harvest.Concurrency,
			QualityLadder:    cfg.Quality.Ladder,
			MaxRotations:     cfg.Rotation.MaxRotationsPerUnit,
			TransientRetries: cfg.Fetch.TransientRetries,
			LibraryDir:       cfg.Harvest.Dir,
			DispatchDelay:    cfg.DispatchDelay(),
		})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           status.NewServer(store, registry, clk, metricsReg, logger.Named("status")).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", zap.Error(err))
		}
	}()

	if once || !cfg.Harvest.Daemon {
		return harvestPass(ctx, cfg, store, dl, coord, logger)
	}

	logger.Info("daemon mode", zap.Duration("check_interval", cfg.CheckInterval()))
	ticker := time.NewTicker(cfg.CheckInterval())
	defer ticker.Stop()
	for {
		if err := harvestPass(ctx, cfg, store, dl, coord, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, harvest.ErrNoEligibleDevices) {
				logger.Error("every device is out of rotation, reactivate one to continue")
			} else {
				logger.Error("harvest pass failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// harvestPass lists every configured playlist, filters out items already in
// the catalogue, and runs the coordinator over the remainder.
func harvestPass(
	ctx context.Context,
	cfg config.Config,
	store harvest.Store,
	dl harvest.Downloader,
	coord *coordinator.Coordinator,
	logger *zap.Logger,
) error {
	var queue []harvest.WorkUnit
	seen := make(map[string]bool)
	for _, playlist := range cfg.Harvest.Playlists {
		tracks, err := dl.ListCollection(ctx, playlist)
		if err != nil {
			logger.Error("playlist listing failed", zap.String("playlist", playlist), zap.Error(err))
			continue
		}
		for _, track := range tracks {
			if seen[track.SourceID] {
				continue
			}
			seen[track.SourceID] = true
			if _, err := store.GetCatalogueEntry(ctx, track.SourceID); err == nil {
				continue
			} else if !errors.Is(err, harvest.ErrNotFound) {
				return err
			}
			queue = append(queue, harvest.WorkUnit{
				SourceID: track.SourceID,
				Title:    track.Title,
				Uploader: track.Uploader,
				Origin:   playlist,
			})
		}
	}
	if len(queue) == 0 {
		logger.Info("catalogue up to date")
		return nil
	}
	logger.Info("harvest pass starting", zap.Int("pending", len(queue)))

	tally, err := coord.Run(ctx, queue)
	logger.Info("harvest pass finished",
		zap.Int("succeeded", tally.Succeeded),
		zap.Int("already_present", tally.AlreadyPresent),
		zap.Int("permanent_failures", tally.PermanentFailure),
		zap.Int("skipped", tally.Skipped),
	)
	return err
}
