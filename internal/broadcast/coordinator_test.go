package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"printcast/internal/video"
)

type coordFixture struct {
	coord    *Coordinator
	provider *fakeProvider
	store    *MemRecordStore

	mu       sync.Mutex
	started  []video.StreamConfig
	runners  []*fakeRunner
	startErr error
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{provider: newFakeProvider(), store: NewMemRecordStore()}
	reuse := NewReuseManager(ReuseConfig{Enabled: true, TTLMinutes: 60, Privacy: "unlisted"}, f.store, f.provider, testLogger())

	cfg := CoordinatorConfig{
		Title:         "print live",
		ContextKey:    "ctx",
		IngestionWait: 50 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
		MaxTransition: 3,
		StopGrace:     time.Second,
		Stream: video.StreamConfig{
			VideoURL:     "http://127.0.0.1:8081/stream",
			FPS:          30,
			VideoBitrate: "2500k",
		},
	}
	f.coord = NewCoordinator(cfg, f.provider, reuse, testLogger(), nil)
	f.coord.sleep = func(ctx context.Context, d time.Duration) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Millisecond):
		}
	}
	f.coord.newStreamer = func(cfg video.StreamConfig) (runner, <-chan struct{}, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.startErr != nil {
			return nil, nil, f.startErr
		}
		r := newFakeRunner()
		f.started = append(f.started, cfg)
		f.runners = append(f.runners, r)
		return r, r.done, nil
	}
	return f
}

func (f *coordFixture) startedConfigs() []video.StreamConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]video.StreamConfig(nil), f.started...)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCoordinator_start_happy_path(t *testing.T) {
	f := newCoordFixture(t)

	res := f.coord.StartBroadcast(context.Background())
	if !res.OK {
		t.Fatalf("StartBroadcast failed: %s", res.Message)
	}
	if res.BroadcastID != "B1" {
		t.Errorf("broadcast id = %q, want B1", res.BroadcastID)
	}

	cfgs := f.startedConfigs()
	if len(cfgs) != 1 {
		t.Fatalf("expected 1 streamer start, got %d", len(cfgs))
	}
	if cfgs[0].RTMPURL != "rtmp://a.rtmp.example.com/live2/K1" {
		t.Errorf("streamer RTMP target = %q", cfgs[0].RTMPURL)
	}
	if cfgs[0].Target != video.TargetRTMP {
		t.Errorf("target = %v, want RTMP", cfgs[0].Target)
	}

	st := f.coord.Status()
	if !st.BroadcastActive || !st.StreamerRunning {
		t.Errorf("status after start = %+v", st)
	}

	// The readiness loop goes live (fake transition succeeds immediately).
	waitUntil(t, 2*time.Second, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.transitionCalls >= 1
	})
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_start_is_idempotent(t *testing.T) {
	f := newCoordFixture(t)

	first := f.coord.StartBroadcast(context.Background())
	second := f.coord.StartBroadcast(context.Background())

	if !first.OK || !second.OK {
		t.Fatalf("both starts should succeed: %+v %+v", first, second)
	}
	if first.BroadcastID != second.BroadcastID {
		t.Errorf("ids differ: %q vs %q", first.BroadcastID, second.BroadcastID)
	}
	if f.provider.createdCount() != 1 {
		t.Errorf("expected exactly 1 creation, got %d", f.provider.createdCount())
	}
	if len(f.startedConfigs()) != 1 {
		t.Errorf("expected exactly 1 streamer, got %d", len(f.startedConfigs()))
	}
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_concurrent_starts_single_creation(t *testing.T) {
	f := newCoordFixture(t)

	var wg sync.WaitGroup
	results := make([]StartResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.StartBroadcast(context.Background())
		}(i)
	}
	wg.Wait()

	if f.provider.createdCount() != 1 {
		t.Errorf("concurrent starts must create exactly once, got %d", f.provider.createdCount())
	}
	for i, r := range results {
		if !r.OK || r.BroadcastID != "B1" {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_auth_failure_aborts_start(t *testing.T) {
	f := newCoordFixture(t)
	f.provider.authErr = &RemoteError{Kind: KindAuthFailed, Status: 401, Message: "invalid_grant"}

	res := f.coord.StartBroadcast(context.Background())
	if res.OK {
		t.Fatal("start should fail on auth error")
	}
	if f.provider.createdCount() != 0 {
		t.Error("no broadcast should be created after auth failure")
	}
	st := f.coord.Status()
	if st.BroadcastActive || st.StreamerRunning {
		t.Errorf("status should be inactive: %+v", st)
	}
}

func TestCoordinator_streamer_failure_aborts_start(t *testing.T) {
	f := newCoordFixture(t)
	f.mu.Lock()
	f.startErr = video.ErrNoDestination
	f.mu.Unlock()

	res := f.coord.StartBroadcast(context.Background())
	if res.OK {
		t.Fatal("start should fail when the streamer cannot launch")
	}
	if st := f.coord.Status(); st.BroadcastActive {
		t.Errorf("no session should exist: %+v", st)
	}
}

func TestCoordinator_stop_clears_all_state(t *testing.T) {
	f := newCoordFixture(t)
	_ = f.coord.StartBroadcast(context.Background())

	res := f.coord.StopBroadcast(context.Background())
	if !res.OK {
		t.Fatalf("StopBroadcast: %+v", res)
	}

	st := f.coord.Status()
	if st.BroadcastActive || st.StreamerRunning || st.WaitingForIngestion {
		t.Errorf("status after stop = %+v", st)
	}
	if f.provider.endedCount() != 1 {
		t.Errorf("EndBroadcast calls = %d, want 1", f.provider.endedCount())
	}

	// Stopping again is a harmless no-op.
	res = f.coord.StopBroadcast(context.Background())
	if !res.OK {
		t.Errorf("second stop: %+v", res)
	}
	if f.provider.endedCount() != 1 {
		t.Errorf("EndBroadcast must not be called twice, got %d", f.provider.endedCount())
	}
}

func TestCoordinator_redundant_transition_is_success(t *testing.T) {
	f := newCoordFixture(t)
	f.provider.mu.Lock()
	f.provider.transitionErrs = []error{ErrRedundantTransition}
	f.provider.mu.Unlock()

	_ = f.coord.StartBroadcast(context.Background())

	waitUntil(t, 2*time.Second, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.transitionCalls >= 1
	})
	// Redundant means done: no ingestion wait should follow.
	time.Sleep(50 * time.Millisecond)
	f.provider.mu.Lock()
	ingestion := f.provider.ingestionCalls
	f.provider.mu.Unlock()
	if ingestion != 0 {
		t.Errorf("redundant transition should not trigger ingestion wait, got %d calls", ingestion)
	}
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_waits_for_ingestion_then_goes_live(t *testing.T) {
	f := newCoordFixture(t)
	gate := make(chan struct{})
	f.provider.mu.Lock()
	f.provider.transitionErrs = []error{
		&RemoteError{Kind: KindRetryable, Status: 503, Message: "not ready"},
	}
	f.provider.ingestionActive = true
	f.provider.ingestionGate = gate
	f.provider.mu.Unlock()

	_ = f.coord.StartBroadcast(context.Background())

	// While the provider is polling ingestion, the flag is visible.
	waitUntil(t, 2*time.Second, func() bool {
		return f.coord.Status().WaitingForIngestion
	})
	close(gate)

	// Ingestion active: the transition is retried and succeeds.
	waitUntil(t, 2*time.Second, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.transitionCalls >= 2
	})
	waitUntil(t, 2*time.Second, func() bool {
		return !f.coord.Status().WaitingForIngestion
	})
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_ingestion_never_arrives_then_stop(t *testing.T) {
	f := newCoordFixture(t)
	f.provider.mu.Lock()
	f.provider.transitionErrs = []error{
		&RemoteError{Kind: KindRetryable, Status: 503, Message: "no data"},
		&RemoteError{Kind: KindRetryable, Status: 503, Message: "no data"},
		&RemoteError{Kind: KindRetryable, Status: 503, Message: "no data"},
		&RemoteError{Kind: KindRetryable, Status: 503, Message: "no data"},
	}
	f.provider.ingestionActive = false
	f.provider.mu.Unlock()

	_ = f.coord.StartBroadcast(context.Background())

	// The loop keeps cycling: several ingestion waits happen.
	waitUntil(t, 5*time.Second, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.ingestionCalls >= 3
	})

	res := f.coord.StopBroadcast(context.Background())
	if !res.OK {
		t.Fatalf("stop: %+v", res)
	}
	if f.provider.endedCount() != 1 {
		t.Errorf("EndBroadcast calls = %d, want exactly 1", f.provider.endedCount())
	}
}

func TestCoordinator_fatal_transition_terminates_loop(t *testing.T) {
	f := newCoordFixture(t)
	f.provider.mu.Lock()
	f.provider.transitionErrs = []error{
		&RemoteError{Kind: KindFatal, Status: 403, Message: "permission denied"},
	}
	f.provider.mu.Unlock()

	_ = f.coord.StartBroadcast(context.Background())

	waitUntil(t, 2*time.Second, func() bool {
		f.provider.mu.Lock()
		defer f.provider.mu.Unlock()
		return f.provider.transitionCalls >= 1
	})
	time.Sleep(50 * time.Millisecond)
	f.provider.mu.Lock()
	calls := f.provider.transitionCalls
	ingestion := f.provider.ingestionCalls
	f.provider.mu.Unlock()
	if calls != 1 || ingestion != 0 {
		t.Errorf("fatal error must terminate the loop: transitions=%d ingestion=%d", calls, ingestion)
	}
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_interrupt_triggers_supervised_restart(t *testing.T) {
	f := newCoordFixture(t)
	_ = f.coord.StartBroadcast(context.Background())

	f.coord.InterruptStreamer()

	// The supervisor replaces the killed streamer.
	waitUntil(t, 5*time.Second, func() bool {
		return len(f.startedConfigs()) >= 2 && f.coord.Status().StreamerRunning
	})
	// The remote broadcast was never touched.
	if f.provider.endedCount() != 0 {
		t.Error("interrupt must not end the broadcast")
	}
	_ = f.coord.StopBroadcast(context.Background())
}

func TestCoordinator_restart_streamer_keeps_broadcast(t *testing.T) {
	f := newCoordFixture(t)
	_ = f.coord.StartBroadcast(context.Background())
	before := f.coord.Status().BroadcastID

	f.coord.RestartStreamer()

	waitUntil(t, 5*time.Second, func() bool {
		return len(f.startedConfigs()) >= 2
	})
	waitUntil(t, 5*time.Second, func() bool {
		st := f.coord.Status()
		return st.StreamerRunning && st.BroadcastID == before
	})
	if f.provider.createdCount() != 1 {
		t.Errorf("restart must not recreate the broadcast, created %d", f.provider.createdCount())
	}
	_ = f.coord.StopBroadcast(context.Background())
}
