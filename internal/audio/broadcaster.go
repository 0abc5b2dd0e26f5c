package audio

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"printcast/internal/encoder"
	"printcast/internal/platform/metrics"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 10 * time.Second
	backoffJitter = 200 * time.Millisecond

	// minRunTime is the shortest run that counts as a real track playback.
	// An encoder that dies faster than this is treated as a failure even if
	// it exited cleanly.
	minRunTime = 500 * time.Millisecond

	disabledPollInterval = time.Second
)

// BroadcasterConfig carries the encoder invocation parameters.
type BroadcasterConfig struct {
	FFmpegBin string
	FeedURL   string
	Bitrate   string
}

// Status is the broadcaster's externally visible state.
type Status struct {
	Enabled     bool         `json:"enabled"`
	IsPlaying   bool         `json:"is_playing"`
	Library     LibraryState `json:"library"`
	Subscribers int          `json:"subscribers"`
	Bytes       uint64       `json:"bytes"`
}

// Broadcaster keeps one persistent audio encoder running against the feed
// endpoint, pumps its MP3 stdout into the bus, and advances the track
// sequence when the encoder reaches end of file.
type Broadcaster struct {
	cfg BroadcasterConfig
	bus *Bus
	lib *Library
	log *slog.Logger
	met *metrics.Metrics

	enabled atomic.Bool

	mu      sync.Mutex
	proc    *encoder.Process
	onTrack func(path string)

	// Test seams.
	buildArgs func() (string, []string)
	sleep     func(ctx context.Context, d time.Duration)
}

// NewBroadcaster wires the supervisor. met may be nil.
func NewBroadcaster(cfg BroadcasterConfig, bus *Bus, lib *Library, log *slog.Logger, met *metrics.Metrics) *Broadcaster {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	b := &Broadcaster{
		cfg: cfg,
		bus: bus,
		lib: lib,
		log: log,
		met: met,
	}
	b.buildArgs = b.defaultArgs
	b.sleep = sleepCtx
	return b
}

func (b *Broadcaster) defaultArgs() (string, []string) {
	return b.cfg.FFmpegBin, []string{
		"-hide_banner", "-loglevel", "warning",
		"-re",
		"-i", b.cfg.FeedURL,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", b.cfg.Bitrate,
		"-f", "mp3",
		"-",
	}
}

// SetEnabled turns the audio feature on or off. Disabling kills the encoder
// and closes every subscriber immediately.
func (b *Broadcaster) SetEnabled(on bool) {
	was := b.enabled.Swap(on)
	if was == on {
		return
	}
	b.log.Info("audio enabled changed", slog.Bool("enabled", on))
	if !on {
		b.killProc()
		b.bus.CloseAll()
	}
}

// Enabled reports the feature flag.
func (b *Broadcaster) Enabled() bool {
	return b.enabled.Load()
}

// Interrupt kills the current encoder so the supervisor restarts it against
// the now-current track. This is how "skip" is implemented.
func (b *Broadcaster) Interrupt() {
	b.killProc()
}

// OnTrackFinished registers a callback invoked, with the path that just
// finished, before the queue advances.
func (b *Broadcaster) OnTrackFinished(fn func(path string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrack = fn
}

// Status returns a snapshot for the operator surface.
func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	playing := b.proc != nil && b.proc.Running()
	b.mu.Unlock()
	return Status{
		Enabled:     b.enabled.Load(),
		IsPlaying:   playing,
		Library:     b.lib.State(),
		Subscribers: b.bus.SubscriberCount(),
		Bytes:       b.bus.BroadcastedBytes(),
	}
}

// Run is the supervisor loop. It returns when ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		if !b.enabled.Load() {
			b.sleep(ctx, disabledPollInterval)
			continue
		}
		if b.lib.CurrentPath() == "" {
			b.sleep(ctx, disabledPollInterval)
			continue
		}

		bin, args := b.buildArgs()
		proc := encoder.New(bin, args, b.log)
		started := time.Now()
		if err := proc.Start(); err != nil {
			b.log.Warn("audio encoder start failed", slog.String("error", err.Error()))
			failures++
			b.backoff(ctx, failures)
			continue
		}

		b.mu.Lock()
		b.proc = proc
		b.mu.Unlock()
		if b.met != nil && failures > 0 {
			b.met.IncEncoderRestarts()
		}

		for chunk := range proc.Output() {
			b.bus.Publish(chunk)
		}
		status := <-proc.Done()

		b.mu.Lock()
		b.proc = nil
		b.mu.Unlock()

		ran := time.Since(started)
		switch {
		case status.Reason == encoder.ExitKilled:
			// Disable or skip. The next iteration restarts or idles.

		case status.Reason == encoder.ExitNormal && ran >= minRunTime:
			failures = 0
			b.trackFinished()

		default:
			failures++
			b.log.Warn("audio encoder failed",
				slog.String("reason", status.Reason.String()),
				slog.Int("consecutive", failures),
				slog.String("stderr", status.StderrTail))
			b.backoff(ctx, failures)
		}
	}
	return ctx.Err()
}

// trackFinished runs the end-of-track callback and advances playback:
// explicit queue first, then the sequential next, then a random pick.
func (b *Broadcaster) trackFinished() {
	finished := b.lib.CurrentPath()

	b.mu.Lock()
	cb := b.onTrack
	b.mu.Unlock()
	if cb != nil {
		cb(finished)
	}

	if _, ok := b.lib.TryConsumeQueue(); ok {
		return
	}
	if _, ok := b.lib.TryNext(); ok {
		return
	}
	if _, ok := b.lib.TryRandom(); ok {
		return
	}
	b.log.Warn("no next track available")
}

func (b *Broadcaster) backoff(ctx context.Context, failures int) {
	d := backoffBase << (failures - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	d += time.Duration(rand.Int63n(int64(backoffJitter)))
	b.sleep(ctx, d)
}

func (b *Broadcaster) killProc() {
	b.mu.Lock()
	proc := b.proc
	b.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
