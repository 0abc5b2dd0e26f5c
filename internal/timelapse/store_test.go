package timelapse

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func snapshotServer(t *testing.T, body []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestStore(t *testing.T, snapshotURL, ffmpeg string) *FSStore {
	t.Helper()
	return NewFSStore(FSConfig{
		Dir:         t.TempDir(),
		SnapshotURL: snapshotURL,
		FPS:         10,
		FFmpegBin:   ffmpeg,
	}, testLogger(), nil)
}

func TestStore_capture_writes_numbered_frames(t *testing.T) {
	srv := snapshotServer(t, []byte("jpegdata"), http.StatusOK)
	s := newTestStore(t, srv.URL, "true")

	id, err := s.StartSession("benchy")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.CaptureFrame(id); err != nil {
			t.Fatalf("CaptureFrame %d: %v", i, err)
		}
	}

	dir := filepath.Join(s.cfg.Dir, id)
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, framePath(i))
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("frame %d missing: %v", i, err)
		}
		if string(data) != "jpegdata" {
			t.Errorf("frame %d content %q", i, data)
		}
	}
}

func TestStore_progress_captures_on_layer_change_only(t *testing.T) {
	srv := snapshotServer(t, []byte("x"), http.StatusOK)
	s := newTestStore(t, srv.URL, "true")

	id, _ := s.StartSession("benchy")
	s.NotifyProgress(id, 1, 100)
	s.NotifyProgress(id, 1, 100)
	s.NotifyProgress(id, 1, 100)
	s.NotifyProgress(id, 2, 100)

	s.mu.Lock()
	frames := s.sessions[id].frames
	s.mu.Unlock()
	if frames != 2 {
		t.Errorf("expected 2 frames (one per layer), got %d", frames)
	}
}

func TestStore_capture_failure_does_not_skip_numbering(t *testing.T) {
	srv := snapshotServer(t, nil, http.StatusInternalServerError)
	s := newTestStore(t, srv.URL, "true")

	id, _ := s.StartSession("benchy")
	if err := s.CaptureFrame(id); err == nil {
		t.Fatal("expected capture error on 500")
	}

	s.mu.Lock()
	frames := s.sessions[id].frames
	s.mu.Unlock()
	if frames != 0 {
		t.Errorf("failed capture must not consume a frame number, frames=%d", frames)
	}
}

func TestStore_unknown_session(t *testing.T) {
	s := newTestStore(t, "http://127.0.0.1:0", "true")
	if err := s.CaptureFrame("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CaptureFrame: %v", err)
	}
	if _, _, err := s.StopSession(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("StopSession: %v", err)
	}
}

func TestStore_stop_empty_session_returns_nothing(t *testing.T) {
	srv := snapshotServer(t, []byte("x"), http.StatusOK)
	s := newTestStore(t, srv.URL, "true")

	id, _ := s.StartSession("benchy")
	video, last, err := s.StopSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if video != "" || last != "" {
		t.Errorf("empty session returned video=%q last=%q", video, last)
	}
}

func TestStore_stop_single_frame_skips_assembly(t *testing.T) {
	srv := snapshotServer(t, []byte("x"), http.StatusOK)
	s := newTestStore(t, srv.URL, "false")

	id, _ := s.StartSession("benchy")
	if err := s.CaptureFrame(id); err != nil {
		t.Fatalf("CaptureFrame: %v", err)
	}
	video, last, err := s.StopSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if video != "" {
		t.Errorf("single frame should not assemble, got %q", video)
	}
	if last == "" {
		t.Error("last frame path should be returned")
	}
}

func TestStore_stop_assembles_and_ends_session(t *testing.T) {
	srv := snapshotServer(t, []byte("x"), http.StatusOK)
	s := newTestStore(t, srv.URL, "true")

	id, _ := s.StartSession("benchy")
	s.CaptureFrame(id)
	s.CaptureFrame(id)

	video, last, err := s.StopSession(context.Background(), id)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if video == "" || filepath.Base(video) != "timelapse.mp4" {
		t.Errorf("video path %q", video)
	}
	if filepath.Base(last) != framePath(1) {
		t.Errorf("last frame %q", last)
	}

	// Session is gone afterwards.
	if err := s.CaptureFrame(id); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("capture after stop: %v", err)
	}
}

func TestStore_assembly_failure_reported(t *testing.T) {
	srv := snapshotServer(t, []byte("x"), http.StatusOK)
	s := newTestStore(t, srv.URL, "false")

	id, _ := s.StartSession("benchy")
	s.CaptureFrame(id)
	s.CaptureFrame(id)

	video, last, err := s.StopSession(context.Background(), id)
	if err == nil {
		t.Fatal("expected assembly error")
	}
	if video != "" {
		t.Errorf("failed assembly returned video %q", video)
	}
	if last == "" {
		t.Error("last frame path should survive assembly failure")
	}
}
