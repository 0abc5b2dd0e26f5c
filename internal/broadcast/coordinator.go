package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"printcast/internal/platform/metrics"
	"printcast/internal/video"
)

const (
	transitionBackoffBase = 2 * time.Second
	transitionBackoffCap  = 32 * time.Second
	streamerRestartDelay  = 2 * time.Second
)

// CoordinatorConfig carries the broadcast lifecycle tunables.
type CoordinatorConfig struct {
	Title            string
	ContextKey       string
	PlaylistName     string
	PlaylistPrivacy  string
	IngestionWait    time.Duration
	RetryInterval    time.Duration
	MaxTransition    int
	StopGrace        time.Duration
	PlaylistAddDelay time.Duration

	// Stream is the base streamer config; the coordinator fills in the RTMP
	// destination per broadcast.
	Stream video.StreamConfig
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.IngestionWait <= 0 {
		c.IngestionWait = 90 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.MaxTransition <= 0 {
		c.MaxTransition = 5
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.PlaylistAddDelay <= 0 {
		c.PlaylistAddDelay = 10 * time.Second
	}
}

// StartResult is the outcome of StartBroadcast. Start never returns an error
// value; failures are carried in OK and Message.
type StartResult struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	BroadcastID string `json:"broadcast_id,omitempty"`
}

// OpResult is the outcome of StopBroadcast.
type OpResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Status is the coordinator's externally visible state. The booleans are
// always consistent regardless of transient provider failures.
type Status struct {
	BroadcastActive     bool   `json:"broadcast_active"`
	StreamerRunning     bool   `json:"streamer_running"`
	WaitingForIngestion bool   `json:"waiting_for_ingestion"`
	BroadcastID         string `json:"broadcast_id,omitempty"`
}

// runner is the supervised streamer handle the coordinator manages. It exists
// so tests can substitute a fake for the real ffmpeg-backed streamer.
type runner interface {
	Stop()
	Running() bool
}

// streamerFactory creates and starts a streamer, returning the handle and a
// channel that closes (or delivers) when the streamer exits.
type streamerFactory func(cfg video.StreamConfig) (runner, <-chan struct{}, error)

// session is the in-memory broadcast session. At most one exists.
type session struct {
	broadcastID string
	cancel      context.CancelFunc

	mu        sync.Mutex
	streamCfg video.StreamConfig
	run       runner
	done      <-chan struct{}
}

func (s *session) runner() runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *session) setRunner(r runner, done <-chan struct{}) {
	s.mu.Lock()
	s.run = r
	s.done = done
	s.mu.Unlock()
}

func (s *session) config() video.StreamConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCfg
}

func (s *session) setConfig(cfg video.StreamConfig) {
	s.mu.Lock()
	s.streamCfg = cfg
	s.mu.Unlock()
}

// Coordinator is the process-wide singleton owning at most one streamer and
// at most one live broadcast. Start, stop, and restart are mutually
// exclusive.
type Coordinator struct {
	cfg      CoordinatorConfig
	provider Provider
	reuse    *ReuseManager
	log      *slog.Logger
	met      *metrics.Metrics

	opMu sync.Mutex

	mu  sync.Mutex
	cur *session

	waiting atomic.Bool

	newStreamer streamerFactory
	sleep       func(ctx context.Context, d time.Duration)
}

// NewCoordinator wires the coordinator. met may be nil.
func NewCoordinator(cfg CoordinatorConfig, provider Provider, reuse *ReuseManager, log *slog.Logger, met *metrics.Metrics) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		provider: provider,
		reuse:    reuse,
		log:      log,
		met:      met,
	}
	c.newStreamer = c.startVideoStreamer
	c.sleep = sleepCtx
	return c
}

func (c *Coordinator) startVideoStreamer(cfg video.StreamConfig) (runner, <-chan struct{}, error) {
	s, err := video.NewStreamer(cfg, c.log)
	if err != nil {
		return nil, nil, err
	}
	exit, err := s.Start()
	if err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	go func() {
		<-exit
		close(done)
	}()
	return s, done, nil
}

// Status returns the current coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()

	st := Status{WaitingForIngestion: c.waiting.Load()}
	if sess != nil {
		st.BroadcastActive = true
		st.BroadcastID = sess.broadcastID
		if r := sess.runner(); r != nil {
			st.StreamerRunning = r.Running()
		}
	}
	return st
}

// StartBroadcast creates (or reuses) a broadcast, points a fresh streamer at
// its ingestion endpoint, and kicks off the readiness loop. If a broadcast is
// already active the existing id is returned. Failures are reported in the
// result, never as an error.
func (c *Coordinator) StartBroadcast(ctx context.Context) StartResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.cur != nil {
		id := c.cur.broadcastID
		c.mu.Unlock()
		return StartResult{OK: true, BroadcastID: id, Message: "broadcast already active"}
	}
	c.mu.Unlock()

	if err := c.provider.Authenticate(ctx); err != nil {
		c.log.Error("broadcast auth failed", slog.String("error", err.Error()))
		return StartResult{Message: fmt.Sprintf("authentication failed: %v", err)}
	}

	info, err := c.reuse.GetOrCreateBroadcast(ctx, c.cfg.Title, c.cfg.ContextKey)
	if err != nil {
		c.log.Error("broadcast acquisition failed", slog.String("error", err.Error()))
		return StartResult{Message: fmt.Sprintf("broadcast acquisition failed: %v", err)}
	}

	streamCfg := c.cfg.Stream
	streamCfg.RTMPURL = ingestionURL(info)
	if streamCfg.PreviewURL != "" {
		streamCfg.Target = video.TargetBoth
	} else {
		streamCfg.Target = video.TargetRTMP
	}

	run, done, err := c.newStreamer(streamCfg)
	if err != nil {
		c.log.Error("streamer start failed", slog.String("error", err.Error()))
		return StartResult{Message: fmt.Sprintf("streamer start failed: %v", err)}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		broadcastID: info.BroadcastID,
		streamCfg:   streamCfg,
		cancel:      cancel,
		run:         run,
		done:        done,
	}

	c.mu.Lock()
	c.cur = sess
	c.mu.Unlock()
	if c.met != nil {
		c.met.SetBroadcastActive(true)
	}

	go c.readinessLoop(loopCtx, info.BroadcastID)
	go c.superviseStreamer(sess, done)

	c.log.Info("broadcast started", slog.String("broadcast_id", info.BroadcastID))
	return StartResult{OK: true, BroadcastID: info.BroadcastID}
}

// StopBroadcast tears down the streamer, ends the remote broadcast, and
// schedules the best-effort playlist add. Always returns OK unless there is
// an internal inconsistency; a missing broadcast is a successful no-op.
func (c *Coordinator) StopBroadcast(ctx context.Context) OpResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	sess := c.cur
	c.cur = nil
	c.mu.Unlock()

	if sess == nil {
		return OpResult{OK: true, Message: "no broadcast active"}
	}

	sess.cancel()
	c.waiting.Store(false)
	c.stopStreamer(sess)
	if c.met != nil {
		c.met.SetBroadcastActive(false)
	}

	if err := c.provider.EndBroadcast(ctx, sess.broadcastID); err != nil {
		c.log.Warn("end broadcast failed", slog.String("broadcast_id", sess.broadcastID), slog.String("error", err.Error()))
	}

	if c.cfg.PlaylistName != "" {
		// The remote resource takes a moment to materialize as a video;
		// delay the playlist add and keep it best-effort.
		go c.addToPlaylistLater(sess.broadcastID)
	}

	c.log.Info("broadcast stopped", slog.String("broadcast_id", sess.broadcastID))
	return OpResult{OK: true}
}

// RestartStreamer refreshes the session's streamer config from the current
// base config (keeping the ingestion destination) and kills the running
// encoder in a detached task. The supervisor starts the replacement; the
// remote broadcast is untouched.
func (c *Coordinator) RestartStreamer() {
	go func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.Lock()
		sess := c.cur
		c.mu.Unlock()
		if sess == nil {
			return
		}

		old := sess.config()
		next := c.cfg.Stream
		next.RTMPURL = old.RTMPURL
		next.Target = old.Target
		sess.setConfig(next)

		if r := sess.runner(); r != nil {
			r.Stop()
		}
		c.log.Info("streamer restart requested", slog.String("broadcast_id", sess.broadcastID))
	}()
}

// InterruptStreamer force-kills the current encoder; the streamer supervisor
// brings it back.
func (c *Coordinator) InterruptStreamer() {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if r := sess.runner(); r != nil {
		r.Stop()
	}
}

// superviseStreamer restarts the session's streamer when it exits while the
// session is still current. A session removed by StopBroadcast is left alone.
func (c *Coordinator) superviseStreamer(sess *session, done <-chan struct{}) {
	<-done

	c.mu.Lock()
	current := c.cur == sess
	c.mu.Unlock()
	if !current {
		return
	}

	c.log.Warn("streamer exited, restarting", slog.String("broadcast_id", sess.broadcastID))
	c.sleep(context.Background(), streamerRestartDelay)

	c.mu.Lock()
	current = c.cur == sess
	c.mu.Unlock()
	if !current {
		return
	}

	run, next, err := c.newStreamer(sess.config())
	if err != nil {
		c.log.Error("streamer restart failed", slog.String("error", err.Error()))
		return
	}
	sess.setRunner(run, next)
	go c.superviseStreamer(sess, next)
}

// readinessLoop drives the broadcast to the live state: try the transition,
// wait for ingestion to go active, then retry with backoff. It runs until it
// succeeds, hits a fatal classification, or the session is cancelled.
func (c *Coordinator) readinessLoop(ctx context.Context, broadcastID string) {
	defer c.waiting.Store(false)

	for ctx.Err() == nil {
		err := c.provider.TransitionToLive(ctx, broadcastID)
		if transitionSucceeded(err) {
			c.log.Info("broadcast live", slog.String("broadcast_id", broadcastID))
			return
		}
		if IsFatal(err) {
			c.log.Error("transition failed permanently", slog.String("broadcast_id", broadcastID), slog.String("error", err.Error()))
			return
		}

		c.waiting.Store(true)
		active, werr := c.provider.WaitForIngestion(ctx, broadcastID, c.cfg.IngestionWait)
		c.waiting.Store(false)
		if ctx.Err() != nil {
			return
		}
		if werr != nil || !active {
			if werr != nil {
				c.log.Debug("ingestion wait failed", slog.String("error", werr.Error()))
			} else {
				c.log.Debug("ingestion not active yet", slog.String("broadcast_id", broadcastID))
			}
			c.sleep(ctx, c.cfg.RetryInterval)
			continue
		}

		backoff := transitionBackoffBase
		for attempt := 1; attempt <= c.cfg.MaxTransition && ctx.Err() == nil; attempt++ {
			err := c.provider.TransitionToLive(ctx, broadcastID)
			if transitionSucceeded(err) {
				c.log.Info("broadcast live", slog.String("broadcast_id", broadcastID), slog.Int("attempt", attempt))
				return
			}
			if IsFatal(err) {
				c.log.Error("transition failed permanently", slog.String("broadcast_id", broadcastID), slog.String("error", err.Error()))
				return
			}
			c.log.Debug("transition retry", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			c.sleep(ctx, backoff)
			if backoff *= 2; backoff > transitionBackoffCap {
				backoff = transitionBackoffCap
			}
		}
		c.sleep(ctx, c.cfg.RetryInterval)
	}
}

func (c *Coordinator) stopStreamer(sess *session) {
	r := sess.runner()
	if r == nil {
		return
	}
	r.Stop()

	sess.mu.Lock()
	done := sess.done
	sess.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(c.cfg.StopGrace):
		c.log.Warn("streamer did not exit within grace, forcing")
		r.Stop()
	}
}

func (c *Coordinator) addToPlaylistLater(broadcastID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	c.sleep(ctx, c.cfg.PlaylistAddDelay)

	pid, err := c.provider.EnsurePlaylist(ctx, c.cfg.PlaylistName, c.cfg.PlaylistPrivacy)
	if err != nil {
		c.log.Debug("ensure playlist failed", slog.String("error", err.Error()))
		return
	}
	if err := c.provider.AddToPlaylist(ctx, pid, broadcastID); err != nil {
		c.log.Debug("playlist add failed", slog.String("broadcast_id", broadcastID), slog.String("error", err.Error()))
	}
}

// transitionSucceeded treats a redundant transition as success.
func transitionSucceeded(err error) bool {
	return err == nil || errors.Is(err, ErrRedundantTransition)
}

// ingestionURL joins the ingestion address and stream key.
func ingestionURL(info Info) string {
	return strings.TrimRight(info.RTMPURL, "/") + "/" + info.StreamKey
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
