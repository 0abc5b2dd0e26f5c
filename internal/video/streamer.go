// Package video runs the supervised encoder that turns the camera MJPEG feed
// (plus the live audio stream) into an RTMP ingestion feed, a local preview,
// or both.
package video

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"printcast/internal/encoder"
)

// TargetKind selects where the encoder writes.
type TargetKind int

const (
	// TargetRTMP pushes to the remote ingestion endpoint only.
	TargetRTMP TargetKind = iota
	// TargetPreview writes the local preview only.
	TargetPreview
	// TargetBoth tees the encoded output to RTMP and the preview.
	TargetBoth
)

// ErrNoDestination reports a config whose target cannot be satisfied.
var ErrNoDestination = errors.New("streamer has no destination")

// StreamConfig is the full encoder invocation for one streamer run.
type StreamConfig struct {
	FFmpegBin    string
	VideoURL     string
	AudioURL     string
	FPS          int
	VideoBitrate string
	AudioBitrate string
	OverlayText  string
	RTMPURL      string
	PreviewURL   string
	Target       TargetKind
}

// Validate checks that the selected target has the URLs it needs.
func (c StreamConfig) Validate() error {
	if c.VideoURL == "" {
		return errors.New("streamer requires a video source URL")
	}
	switch c.Target {
	case TargetRTMP:
		if c.RTMPURL == "" {
			return ErrNoDestination
		}
	case TargetPreview:
		if c.PreviewURL == "" {
			return ErrNoDestination
		}
	case TargetBoth:
		if c.RTMPURL == "" || c.PreviewURL == "" {
			return ErrNoDestination
		}
	}
	return nil
}

// BuildArgs assembles the ffmpeg argument list for the config.
func BuildArgs(c StreamConfig) []string {
	fps := c.FPS
	if fps <= 0 {
		fps = 30
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mjpeg", "-r", fmt.Sprintf("%d", fps), "-i", c.VideoURL,
	}
	if c.AudioURL != "" {
		args = append(args, "-i", c.AudioURL)
	} else {
		// Ingestion endpoints reject video-only feeds; pad with silence.
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}

	args = append(args,
		"-c:v", "libx264", "-preset", "veryfast",
		"-b:v", c.VideoBitrate,
		"-g", fmt.Sprintf("%d", fps*2),
		"-pix_fmt", "yuv420p",
	)
	if c.OverlayText != "" {
		overlay := strings.ReplaceAll(c.OverlayText, "'", "")
		args = append(args, "-vf",
			fmt.Sprintf("drawtext=text='%s':x=8:y=8:fontsize=20:fontcolor=white:box=1:boxcolor=black@0.5", overlay))
	}
	args = append(args, "-c:a", "aac")
	if c.AudioBitrate != "" {
		args = append(args, "-b:a", c.AudioBitrate)
	}

	switch c.Target {
	case TargetRTMP:
		args = append(args, "-f", "flv", c.RTMPURL)
	case TargetPreview:
		args = append(args, "-f", "mpegts", c.PreviewURL)
	case TargetBoth:
		args = append(args, "-f", "tee",
			fmt.Sprintf("[f=flv]%s|[f=mpegts]%s", c.RTMPURL, c.PreviewURL))
	}
	return args
}

// Streamer supervises one encoder run. Restart policy belongs to the owner
// (the broadcast coordinator); a Streamer is single-use like its Process.
type Streamer struct {
	cfg StreamConfig
	log *slog.Logger

	mu   sync.Mutex
	proc *encoder.Process
}

// NewStreamer validates the config and returns an unstarted streamer.
func NewStreamer(cfg StreamConfig, log *slog.Logger) (*Streamer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	return &Streamer{cfg: cfg, log: log}, nil
}

// Start launches the encoder and returns its exit channel.
func (s *Streamer) Start() (<-chan encoder.ExitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return nil, encoder.ErrAlreadyRunning
	}

	proc := encoder.New(s.cfg.FFmpegBin, BuildArgs(s.cfg), s.log)
	if err := proc.Start(); err != nil {
		return nil, err
	}
	s.proc = proc

	// The video path discards stdout; all output goes to the URLs.
	go func() {
		for range proc.Output() {
		}
	}()

	s.log.Info("streamer started", slog.Int("target", int(s.cfg.Target)))
	return proc.Done(), nil
}

// Stop force-kills the encoder. Idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		proc.Stop()
	}
}

// Running reports whether the encoder child is alive.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	return proc != nil && proc.Running()
}
