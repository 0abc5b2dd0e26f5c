package broadcast

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProvider is a scriptable Provider.
type fakeProvider struct {
	mu sync.Mutex

	authErr    error
	authCalls  int
	createErr  error
	created    int
	nextInfo   Info
	privacy    string
	privacyErr error

	ingestionActive bool
	ingestionErr    error
	ingestionGate   chan struct{} // when set, WaitForIngestion blocks until closed
	ingestionCalls  int

	transitionErrs  []error // consumed in order; empty means success
	transitionCalls int

	ended []string

	uploadID    string
	uploadErr   error
	uploads     []string
	thumbnails  []string
	playlistID  string
	playlistErr error
	addedVideos []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		nextInfo:   Info{BroadcastID: "B1", RTMPURL: "rtmp://a.rtmp.example.com/live2", StreamKey: "K1"},
		privacy:    "unlisted",
		uploadID:   "V1",
		playlistID: "PL1",
	}
}

func (f *fakeProvider) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	return f.authErr
}

func (f *fakeProvider) CreateBroadcast(ctx context.Context, title, description, privacy, categoryID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return Info{}, f.createErr
	}
	f.created++
	return f.nextInfo, nil
}

func (f *fakeProvider) GetBroadcastPrivacy(ctx context.Context, broadcastID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.privacy, f.privacyErr
}

func (f *fakeProvider) WaitForIngestion(ctx context.Context, broadcastID string, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	f.ingestionCalls++
	gate := f.ingestionGate
	active, err := f.ingestionActive, f.ingestionErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return active, err
}

func (f *fakeProvider) TransitionToLive(ctx context.Context, broadcastID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitionCalls++
	if len(f.transitionErrs) == 0 {
		return nil
	}
	err := f.transitionErrs[0]
	f.transitionErrs = f.transitionErrs[1:]
	return err
}

func (f *fakeProvider) EndBroadcast(ctx context.Context, broadcastID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, broadcastID)
	return nil
}

func (f *fakeProvider) UploadVideo(ctx context.Context, path, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return f.uploadID, nil
}

func (f *fakeProvider) SetThumbnail(ctx context.Context, videoID string, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbnails = append(f.thumbnails, videoID)
	return nil
}

func (f *fakeProvider) EnsurePlaylist(ctx context.Context, name, privacy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playlistID, f.playlistErr
}

func (f *fakeProvider) AddToPlaylist(ctx context.Context, playlistID, videoID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedVideos = append(f.addedVideos, videoID)
	return nil
}

func (f *fakeProvider) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

func (f *fakeProvider) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// fakeRunner is a controllable streamer stand-in.
type fakeRunner struct {
	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: true, done: make(chan struct{})}
}

func (r *fakeRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.done)
	}
}

func (r *fakeRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
