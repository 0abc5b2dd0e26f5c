// Package timelapse captures webcam frames over a print and assembles them
// into a video with ffmpeg.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"printcast/internal/encoder"
)

// ErrUnknownSession reports an id the store has no session for.
var ErrUnknownSession = errors.New("unknown timelapse session")

// Store manages time-lapse sessions: frame capture during a print and
// video assembly afterwards.
type Store interface {
	// StartSession opens a session for the named print and returns its id.
	StartSession(name string) (string, error)
	// NotifyProgress feeds layer progress; the store captures a frame on
	// each layer change.
	NotifyProgress(id string, layer, total int)
	// CaptureFrame grabs one snapshot immediately.
	CaptureFrame(id string) error
	// StopSession assembles the captured frames into a video and returns
	// the video path and the last frame path. Either may be empty when
	// too few frames were captured.
	StopSession(ctx context.Context, id string) (videoPath, lastFramePath string, err error)
}

// FrameCounter is satisfied by the metrics registry.
type FrameCounter interface {
	IncTimelapseFrames()
}

// FSConfig configures the filesystem store.
type FSConfig struct {
	// Dir is the root under which per-session directories are created.
	Dir string
	// SnapshotURL is the camera still endpoint.
	SnapshotURL string
	// FPS is the assembly frame rate.
	FPS int
	// FFmpegBin overrides the ffmpeg binary path.
	FFmpegBin string
}

func (c *FSConfig) applyDefaults() {
	if c.Dir == "" {
		c.Dir = "timelapse"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.FFmpegBin == "" {
		c.FFmpegBin = "ffmpeg"
	}
}

type session struct {
	name      string
	dir       string
	frames    int
	lastLayer int
}

// FSStore keeps frames as numbered JPEGs under a per-session directory.
type FSStore struct {
	cfg    FSConfig
	log    *slog.Logger
	met    FrameCounter
	client *http.Client

	mu       sync.Mutex
	sessions map[string]*session
}

// NewFSStore builds a store rooted at cfg.Dir. met may be nil.
func NewFSStore(cfg FSConfig, log *slog.Logger, met FrameCounter) *FSStore {
	cfg.applyDefaults()
	return &FSStore{
		cfg:      cfg,
		log:      log,
		met:      met,
		client:   &http.Client{Timeout: 10 * time.Second},
		sessions: make(map[string]*session),
	}
}

func (s *FSStore) StartSession(name string) (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.cfg.Dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	s.mu.Lock()
	s.sessions[id] = &session{name: name, dir: dir, lastLayer: -1}
	s.mu.Unlock()

	s.log.Info("timelapse session started",
		slog.String("session", id), slog.String("name", name))
	return id, nil
}

func (s *FSStore) NotifyProgress(id string, layer, total int) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || layer == sess.lastLayer {
		s.mu.Unlock()
		return
	}
	sess.lastLayer = layer
	s.mu.Unlock()

	if err := s.CaptureFrame(id); err != nil {
		s.log.Warn("layer frame capture failed",
			slog.String("session", id),
			slog.Int("layer", layer),
			slog.String("error", err.Error()))
	}
}

func (s *FSStore) CaptureFrame(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownSession
	}
	n := sess.frames
	sess.frames++
	dir := sess.dir
	s.mu.Unlock()

	data, err := s.fetchSnapshot()
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.sessions[id]; ok && cur.frames == n+1 {
			cur.frames = n
		}
		s.mu.Unlock()
		return err
	}

	path := filepath.Join(dir, framePath(n))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.met != nil {
		s.met.IncTimelapseFrames()
	}
	return nil
}

func (s *FSStore) fetchSnapshot() ([]byte, error) {
	resp, err := s.client.Get(s.cfg.SnapshotURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("snapshot: empty body")
	}
	return data, nil
}

func (s *FSStore) StopSession(ctx context.Context, id string) (string, string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return "", "", ErrUnknownSession
	}

	if sess.frames == 0 {
		s.log.Info("timelapse session empty, skipping assembly",
			slog.String("session", id))
		return "", "", nil
	}

	lastFrame := filepath.Join(sess.dir, framePath(sess.frames-1))
	if sess.frames < 2 {
		return "", lastFrame, nil
	}

	videoPath := filepath.Join(sess.dir, "timelapse.mp4")
	if err := s.assemble(ctx, sess.dir, videoPath); err != nil {
		return "", lastFrame, err
	}
	s.log.Info("timelapse assembled",
		slog.String("session", id),
		slog.Int("frames", sess.frames),
		slog.String("video", videoPath))
	return videoPath, lastFrame, nil
}

// assemble runs ffmpeg over the numbered frames and waits for it to finish.
func (s *FSStore) assemble(ctx context.Context, dir, out string) error {
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", s.cfg.FPS),
		"-i", filepath.Join(dir, "frame_%06d.jpg"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		out,
	}
	proc := encoder.New(s.cfg.FFmpegBin, args, s.log)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start assembly: %w", err)
	}
	go func() {
		for range proc.Output() {
		}
	}()

	select {
	case <-ctx.Done():
		proc.Stop()
		<-proc.Done()
		return ctx.Err()
	case st := <-proc.Done():
		if st.Reason != encoder.ExitNormal {
			return fmt.Errorf("assembly failed (%s): %s", st.Reason, st.StderrTail)
		}
		return nil
	}
}

func framePath(n int) string {
	return fmt.Sprintf("frame_%06d.jpg", n)
}
