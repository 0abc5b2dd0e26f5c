// Package orchestrator drives the streaming session from printer state:
// it opens a time-lapse session and broadcast when a print starts, fires
// the last-layer early finalize, and tears everything down when the print
// ends or the printer goes away.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"printcast/internal/broadcast"
	"printcast/internal/printer"
	"printcast/internal/timelapse"
)

// BroadcastController is the coordinator surface the orchestrator drives.
type BroadcastController interface {
	StartBroadcast(ctx context.Context) broadcast.StartResult
	StopBroadcast(ctx context.Context) broadcast.OpResult
	Status() broadcast.Status
}

// Publisher uploads finished time-lapses. It is the post-print subset of
// the broadcast provider.
type Publisher interface {
	UploadVideo(ctx context.Context, path, title string) (string, error)
	SetThumbnail(ctx context.Context, videoID string, image []byte) error
	EnsurePlaylist(ctx context.Context, name, privacy string) (string, error)
	AddToPlaylist(ctx context.Context, playlistID, videoID string) error
}

// Config tunes the orchestrator's triggers and grace windows.
type Config struct {
	// Last-layer early finalize fires when any of these is reached.
	LastLayerRemaining       time.Duration
	LastLayerProgressPercent float64
	LastLayerOffset          int

	// IdleFinalizeDelay is how long the printer must sit in a done state
	// before the session is finalized.
	IdleFinalizeDelay time.Duration
	// OfflineGrace bounds how long a vanished job or silent printer is
	// tolerated before finalizing.
	OfflineGrace time.Duration

	// AutoBroadcast starts a broadcast alongside each print session.
	AutoBroadcast bool
	// EndStreamAfterPrint stops the broadcast when the session finalizes.
	EndStreamAfterPrint bool
	// UploadTimelapse uploads the assembled video after the session.
	UploadTimelapse bool

	PlaylistName    string
	PlaylistPrivacy string

	// FinalizeTimeout bounds the background finalize (assembly + upload).
	FinalizeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.LastLayerRemaining <= 0 {
		c.LastLayerRemaining = 60 * time.Second
	}
	if c.LastLayerProgressPercent <= 0 {
		c.LastLayerProgressPercent = 99.0
	}
	if c.LastLayerOffset <= 0 {
		c.LastLayerOffset = 1
	}
	if c.IdleFinalizeDelay <= 0 {
		c.IdleFinalizeDelay = 2 * time.Minute
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = 5 * time.Minute
	}
	if c.PlaylistPrivacy == "" {
		c.PlaylistPrivacy = "unlisted"
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 15 * time.Minute
	}
}

// printSession tracks one print. timelapseID empties when the last-layer
// finalize detaches the time-lapse while the broadcast keeps running.
type printSession struct {
	timelapseID    string
	job            string
	title          string
	lastLayerFired bool
}

// PrintOrchestrator consumes (prev, cur) printer snapshots. HandleState is
// serialized; a late event always observes the effects of earlier ones.
type PrintOrchestrator struct {
	cfg   Config
	store timelapse.Store
	coord BroadcastController
	pub   Publisher
	log   *slog.Logger

	// seams
	now   func() time.Time
	spawn func(func())

	mu   sync.Mutex
	sess *printSession

	lastInfoSeenAt     time.Time
	lastPrintingSeenAt time.Time
	idleSince          time.Time
	jobMissingSince    time.Time
	holdingLogged      bool
}

// New builds an orchestrator. pub may be nil to disable uploads.
func New(cfg Config, store timelapse.Store, coord BroadcastController, pub Publisher, log *slog.Logger) *PrintOrchestrator {
	cfg.applyDefaults()
	return &PrintOrchestrator{
		cfg:   cfg,
		store: store,
		coord: coord,
		pub:   pub,
		log:   log,
		now:   time.Now,
		spawn: func(f func()) { go f() },
	}
}

// SessionActive reports whether a print session is being tracked.
func (o *PrintOrchestrator) SessionActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess != nil
}

// HandleState processes one printer snapshot transition.
func (o *PrintOrchestrator) HandleState(prev, cur printer.State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.trackTimestamps(prev, cur, now)

	active := cur.IsActivelyPrinting()

	// Job change under an active session forces the old session out.
	forceFinalize := active && o.sess != nil &&
		cur.Filename != "" && cur.Filename != o.sess.job

	if o.sess != nil && o.sess.timelapseID != "" &&
		cur.CurrentLayer != nil && cur.TotalLayers != nil {
		o.store.NotifyProgress(o.sess.timelapseID, *cur.CurrentLayer, *cur.TotalLayers)
	}

	if active && o.sess != nil && !o.sess.lastLayerFired && !forceFinalize {
		if o.lastLayerReached(cur) {
			o.fireLastLayer()
		}
	}

	if forceFinalize || cur.IsDone() || (active && cur.Filename == "") {
		o.maybeFinalize(cur, now, forceFinalize)
	} else {
		o.holdingLogged = false
	}

	// A force-finalize clears the session above, so a job change starts
	// the replacement session on the same event.
	if active && o.sess == nil && cur.Filename != "" {
		o.startSession(cur)
	}
}

func (o *PrintOrchestrator) trackTimestamps(prev, cur printer.State, now time.Time) {
	o.lastInfoSeenAt = now
	if cur.IsActivelyPrinting() {
		o.lastPrintingSeenAt = now
		o.idleSince = time.Time{}
	} else if cur.IsDone() && o.idleSince.IsZero() {
		o.idleSince = now
	}
	if o.sess != nil && cur.Filename == "" {
		if o.jobMissingSince.IsZero() {
			o.jobMissingSince = now
		}
	} else {
		o.jobMissingSince = time.Time{}
	}
}

func (o *PrintOrchestrator) lastLayerReached(cur printer.State) bool {
	if cur.Remaining != nil && *cur.Remaining <= o.cfg.LastLayerRemaining {
		return true
	}
	if cur.ProgressPercent != nil && *cur.ProgressPercent >= o.cfg.LastLayerProgressPercent {
		return true
	}
	if cur.CurrentLayer != nil && cur.TotalLayers != nil && *cur.TotalLayers > 0 &&
		*cur.CurrentLayer >= *cur.TotalLayers-o.cfg.LastLayerOffset {
		return true
	}
	return false
}

// fireLastLayer detaches the time-lapse and finalizes it in the background.
// The broadcast keeps running until the print actually ends.
func (o *PrintOrchestrator) fireLastLayer() {
	id, title := o.sess.timelapseID, o.sess.title
	o.sess.timelapseID = ""
	o.sess.lastLayerFired = true

	o.log.Info("last layer reached, finalizing timelapse early",
		slog.String("session", id), slog.String("title", title))
	o.spawn(func() { o.finalizeSession(id, title) })
}

func (o *PrintOrchestrator) maybeFinalize(cur printer.State, now time.Time, force bool) {
	if o.sess == nil {
		return
	}

	since := func(t time.Time) time.Duration {
		if t.IsZero() {
			return 0
		}
		return now.Sub(t)
	}

	finalize := force
	if !finalize && cur.CurrentLayer != nil && cur.TotalLayers != nil && *cur.TotalLayers > 0 &&
		*cur.CurrentLayer >= *cur.TotalLayers-o.cfg.LastLayerOffset {
		finalize = true
	}
	if !finalize && cur.ProgressPercent != nil && *cur.ProgressPercent >= 99.0 {
		finalize = true
	}
	if !finalize && !o.idleSince.IsZero() && since(o.idleSince) >= o.cfg.IdleFinalizeDelay {
		finalize = true
	}
	if !finalize && !o.jobMissingSince.IsZero() && since(o.jobMissingSince) >= o.cfg.OfflineGrace {
		finalize = true
	}
	if !finalize && !o.lastPrintingSeenAt.IsZero() &&
		since(o.lastPrintingSeenAt) >= o.cfg.OfflineGrace &&
		since(o.lastInfoSeenAt) >= o.cfg.OfflineGrace {
		finalize = true
	}

	if !finalize {
		if !o.holdingLogged {
			o.log.Info("print ended, holding session until finalize window",
				slog.String("job", o.sess.job),
				slog.String("state", string(cur.Job)))
			o.holdingLogged = true
		}
		return
	}

	if !force && o.cfg.EndStreamAfterPrint {
		res := o.coord.StopBroadcast(context.Background())
		if !res.OK {
			o.log.Warn("broadcast stop failed during finalize",
				slog.String("message", res.Message))
		}
	}

	if id := o.sess.timelapseID; id != "" {
		title := o.sess.title
		o.spawn(func() { o.finalizeSession(id, title) })
	}

	o.log.Info("print session finalized", slog.String("job", o.sess.job))
	o.sess = nil
	o.lastInfoSeenAt = time.Time{}
	o.lastPrintingSeenAt = time.Time{}
	o.idleSince = time.Time{}
	o.jobMissingSince = time.Time{}
	o.holdingLogged = false
}

func (o *PrintOrchestrator) startSession(cur printer.State) {
	title := SafeName(cur.Filename)
	id, err := o.store.StartSession(title)
	if err != nil {
		o.log.Error("timelapse session start failed",
			slog.String("job", cur.Filename),
			slog.String("error", err.Error()))
		return
	}
	o.sess = &printSession{timelapseID: id, job: cur.Filename, title: title}
	o.log.Info("print session started",
		slog.String("job", cur.Filename),
		slog.String("session", id))

	if o.cfg.AutoBroadcast && !o.coord.Status().BroadcastActive {
		res := o.coord.StartBroadcast(context.Background())
		if !res.OK {
			o.log.Warn("auto broadcast start failed",
				slog.String("message", res.Message))
		}
	}
}

// finalizeSession assembles and publishes one time-lapse. Steps are
// independent; a failure is logged and the rest still run. It runs under
// its own lifetime so shutdown of the event source does not abort it.
func (o *PrintOrchestrator) finalizeSession(id, title string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()

	videoPath, lastFrame, err := o.store.StopSession(ctx, id)
	if err != nil {
		o.log.Error("timelapse assembly failed",
			slog.String("session", id), slog.String("error", err.Error()))
		return
	}

	if videoPath == "" || !o.cfg.UploadTimelapse || o.pub == nil {
		return
	}

	videoID, err := o.pub.UploadVideo(ctx, videoPath, title)
	if err != nil {
		o.log.Error("timelapse upload failed",
			slog.String("session", id), slog.String("error", err.Error()))
		return
	}
	o.log.Info("timelapse uploaded",
		slog.String("session", id), slog.String("video_id", videoID))

	if lastFrame != "" {
		if img, err := os.ReadFile(lastFrame); err == nil {
			if err := o.pub.SetThumbnail(ctx, videoID, img); err != nil {
				o.log.Warn("thumbnail set failed",
					slog.String("video_id", videoID),
					slog.String("error", err.Error()))
			}
		}
	}

	if o.cfg.PlaylistName != "" {
		plID, err := o.pub.EnsurePlaylist(ctx, o.cfg.PlaylistName, o.cfg.PlaylistPrivacy)
		if err != nil {
			o.log.Warn("playlist lookup failed",
				slog.String("playlist", o.cfg.PlaylistName),
				slog.String("error", err.Error()))
			return
		}
		if err := o.pub.AddToPlaylist(ctx, plID, videoID); err != nil {
			o.log.Warn("playlist add failed",
				slog.String("video_id", videoID),
				slog.String("error", err.Error()))
		}
	}
}

// SafeName derives a filesystem- and title-safe name from a job filename.
func SafeName(filename string) string {
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "print"
	}
	return out
}
