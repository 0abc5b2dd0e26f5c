package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"printcast/internal/api"
	"printcast/internal/audio"
	"printcast/internal/broadcast"
	"printcast/internal/broadcast/youtube"
	"printcast/internal/orchestrator"
	"printcast/internal/platform/config"
	"printcast/internal/platform/logger"
	"printcast/internal/platform/metrics"
	"printcast/internal/printer"
	"printcast/internal/timelapse"
	"printcast/internal/video"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	met := metrics.New()

	// Audio pipeline: library → loopback feed → encoder supervisor → bus.
	lib, err := audio.LoadDir(cfg.AudioDir)
	if err != nil {
		log.Warn("audio library unavailable", "dir", cfg.AudioDir, "error", err)
		lib = audio.NewLibrary(nil)
	}
	bus := audio.NewBus(logger.Component(log, "audio-bus"), met)
	feed := audio.NewFeedServer(lib, cfg.FeedPort, logger.Component(log, "audio-feed"))
	caster := audio.NewBroadcaster(audio.BroadcasterConfig{
		FeedURL: feed.URL(),
		Bitrate: cfg.AudioBitrate,
	}, bus, lib, logger.Component(log, "audio"), met)
	caster.SetEnabled(cfg.AudioEnabled)

	// Broadcast lifecycle: provider → reuse → coordinator.
	provider := youtube.New(youtube.Config{
		ClientID:           cfg.ClientID,
		ClientSecret:       cfg.ClientSecret,
		TokenPath:          cfg.TokenPath,
		AllowTokenFallback: cfg.AllowTokenFallback,
	}, logger.Component(log, "youtube"))

	reuse := broadcast.NewReuseManager(broadcast.ReuseConfig{
		Enabled:               cfg.ReuseEnabled,
		TTLMinutes:            cfg.ReuseTTLMinutes,
		OnlyUnlistedOrPrivate: cfg.OnlyUnlistedOrPrivate,
		Description:           "Live 3D print stream",
		Privacy:               cfg.BroadcastPrivacy,
		CategoryID:            cfg.BroadcastCategoryID,
	}, broadcast.NewFileRecordStore(cfg.RecordPath), provider,
		logger.Component(log, "reuse"))

	coord := broadcast.NewCoordinator(broadcast.CoordinatorConfig{
		Title:           cfg.BroadcastTitle,
		ContextKey:      cfg.ReuseContextKey,
		PlaylistName:    cfg.PlaylistName,
		PlaylistPrivacy: cfg.BroadcastPrivacy,
		IngestionWait:   time.Duration(cfg.IngestionWaitSeconds) * time.Second,
		RetryInterval:   time.Duration(cfg.RetrySeconds) * time.Second,
		MaxTransition:   cfg.MaxTransitionRetries,
		Stream: video.StreamConfig{
			VideoURL:     cfg.VideoSourceURL,
			AudioURL:     cfg.AudioStreamURL,
			FPS:          cfg.FPS,
			VideoBitrate: cfg.VideoBitrate,
			AudioBitrate: cfg.AudioBitrate,
			OverlayText:  cfg.OverlayText,
			PreviewURL:   cfg.PreviewURL,
			Target:       video.TargetRTMP,
		},
	}, provider, reuse, logger.Component(log, "coordinator"), met)

	// Printer: observer → command queue; state feeds the orchestrator.
	observer := printer.NewObserver(cfg.PrinterURL, logger.Component(log, "printer"))
	queue := printer.NewCommandQueue(printer.QueueConfig{
		Interval:           cfg.CommandInterval,
		MaxBedTemp:         cfg.MaxBedTemp,
		MaxToolTemp:        cfg.MaxToolTemp,
		DisallowedPrefixes: cfg.DisallowedPrefixes,
		ConfirmPrefixes:    cfg.ConfirmPrefixes,
	}, observer.SendScript, logger.Component(log, "commands"), met)

	lapse := timelapse.NewFSStore(timelapse.FSConfig{
		Dir:         cfg.TimelapseDir,
		SnapshotURL: cfg.SnapshotURL,
		FPS:         cfg.TimelapseFPS,
	}, logger.Component(log, "timelapse"), met)

	orch := orchestrator.New(orchestrator.Config{
		LastLayerRemaining:       time.Duration(cfg.LastLayerRemainingSeconds) * time.Second,
		LastLayerProgressPercent: cfg.LastLayerProgressPercent,
		LastLayerOffset:          cfg.LastLayerOffset,
		IdleFinalizeDelay:        cfg.IdleFinalizeDelay,
		OfflineGrace:             cfg.OfflineGrace,
		AutoBroadcast:            cfg.AutoBroadcast,
		EndStreamAfterPrint:      cfg.EndStreamAfterPrint,
		UploadTimelapse:          cfg.UploadTimelapse,
		PlaylistName:             cfg.PlaylistName,
		PlaylistPrivacy:          cfg.BroadcastPrivacy,
	}, lapse, coord, provider, logger.Component(log, "orchestrator"))

	// The API reads the latest printer snapshot from a small cache fed by
	// the observer, which also drives the orchestrator.
	var stateMu sync.Mutex
	latest := printer.State{Job: printer.StateUnknown}
	observer.OnState(func(prev, cur printer.State) {
		stateMu.Lock()
		latest = cur
		stateMu.Unlock()
		orch.HandleState(prev, cur)
	})
	stateFn := func() printer.State {
		stateMu.Lock()
		defer stateMu.Unlock()
		return latest
	}

	h := api.NewHandler(coord, queue, bus, caster, lib, stateFn,
		logger.Component(log, "api"))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetAudioSubscribers(bus.SubscriberCount())
			met.SetBroadcastActive(coord.Status().BroadcastActive)
		}).ServeHTTP(w, req)
	})
	h.Routes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return caster.Run(gctx) })
	g.Go(func() error { return observer.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if res := coord.StopBroadcast(sctx); !res.OK {
			log.Warn("broadcast stop during shutdown", "message", res.Message)
		}
		bus.CloseAll()
		return srv.Shutdown(sctx)
	})

	log.Info("printcast starting",
		"port", cfg.Port,
		"printer_url", cfg.PrinterURL,
		"feed_url", feed.URL(),
		"audio_enabled", cfg.AudioEnabled,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("printcast stopped")
}
