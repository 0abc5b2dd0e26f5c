package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestReuse(p Provider, store RecordStore, enabled bool) *ReuseManager {
	return NewReuseManager(ReuseConfig{
		Enabled:               enabled,
		TTLMinutes:            60,
		OnlyUnlistedOrPrivate: true,
		Privacy:               "unlisted",
		CategoryID:            "28",
	}, store, p, testLogger())
}

func TestReuse_disabled_always_creates(t *testing.T) {
	p := newFakeProvider()
	store := NewMemRecordStore()
	m := newTestReuse(p, store, false)

	for i := 0; i < 2; i++ {
		info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
		if err != nil {
			t.Fatalf("GetOrCreateBroadcast: %v", err)
		}
		if info.BroadcastID != "B1" {
			t.Errorf("unexpected id %q", info.BroadcastID)
		}
	}
	if p.createdCount() != 2 {
		t.Errorf("reuse disabled should create every time, created %d", p.createdCount())
	}
}

func TestReuse_returns_valid_stored_record(t *testing.T) {
	p := newFakeProvider()
	store := NewMemRecordStore()
	_ = store.Put(Record{
		BroadcastID: "OLD", RTMPURL: "rtmp://x", StreamKey: "K",
		ContextKey: "ctx", CreatedAtUTC: time.Now().UTC(), TTLMinutes: 60,
	})
	m := newTestReuse(p, store, true)

	info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
	if err != nil {
		t.Fatalf("GetOrCreateBroadcast: %v", err)
	}
	if info.BroadcastID != "OLD" {
		t.Errorf("expected reuse of OLD, got %q", info.BroadcastID)
	}
	if p.createdCount() != 0 {
		t.Errorf("valid record should not trigger creation, created %d", p.createdCount())
	}
}

func TestReuse_expired_record_replaced(t *testing.T) {
	p := newFakeProvider()
	store := NewMemRecordStore()
	_ = store.Put(Record{
		BroadcastID: "OLD", ContextKey: "ctx",
		CreatedAtUTC: time.Now().UTC().Add(-2 * time.Hour), TTLMinutes: 60,
	})
	m := newTestReuse(p, store, true)

	info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
	if err != nil {
		t.Fatalf("GetOrCreateBroadcast: %v", err)
	}
	if info.BroadcastID != "B1" {
		t.Errorf("expired record should be replaced, got %q", info.BroadcastID)
	}
	if p.createdCount() != 1 {
		t.Errorf("expected 1 creation, got %d", p.createdCount())
	}
	// The fresh record replaced the expired one.
	rec, ok, _ := store.Get("ctx")
	if !ok || rec.BroadcastID != "B1" {
		t.Errorf("store should hold the new record, got %+v ok=%v", rec, ok)
	}
}

func TestReuse_public_broadcast_rejected(t *testing.T) {
	p := newFakeProvider()
	p.privacy = "public"
	store := NewMemRecordStore()
	_ = store.Put(Record{
		BroadcastID: "OLD", ContextKey: "ctx",
		CreatedAtUTC: time.Now().UTC(), TTLMinutes: 60,
	})
	m := newTestReuse(p, store, true)

	info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
	if err != nil {
		t.Fatalf("GetOrCreateBroadcast: %v", err)
	}
	if info.BroadcastID != "B1" {
		t.Errorf("public broadcast must not be reused, got %q", info.BroadcastID)
	}
}

func TestReuse_validation_failure_removes_record(t *testing.T) {
	p := newFakeProvider()
	p.privacyErr = &RemoteError{Kind: KindFatal, Status: 404, Message: "not found"}
	store := NewMemRecordStore()
	_ = store.Put(Record{
		BroadcastID: "GONE", ContextKey: "ctx",
		CreatedAtUTC: time.Now().UTC(), TTLMinutes: 60,
	})
	m := newTestReuse(p, store, true)

	info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
	if err != nil {
		t.Fatalf("GetOrCreateBroadcast: %v", err)
	}
	if info.BroadcastID != "B1" {
		t.Errorf("invalid record should be replaced, got %q", info.BroadcastID)
	}
	rec, ok, _ := store.Get("ctx")
	if !ok || rec.BroadcastID != "B1" {
		t.Errorf("store should hold the replacement, got %+v ok=%v", rec, ok)
	}
}

func TestReuse_create_error_propagates(t *testing.T) {
	p := newFakeProvider()
	p.createErr = errors.New("quota exceeded")
	m := newTestReuse(p, NewMemRecordStore(), true)

	if _, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx"); err == nil {
		t.Error("creation failure should propagate")
	}
}

func TestReuse_concurrent_calls_single_creation(t *testing.T) {
	p := newFakeProvider()
	store := NewMemRecordStore()
	m := newTestReuse(p, store, true)

	var wg sync.WaitGroup
	ids := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := m.GetOrCreateBroadcast(context.Background(), "t", "ctx")
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			ids[i] = info.BroadcastID
		}(i)
	}
	wg.Wait()

	if p.createdCount() != 1 {
		t.Errorf("concurrent calls must create exactly once, created %d", p.createdCount())
	}
	for i, id := range ids {
		if id != "B1" {
			t.Errorf("call %d got id %q, want B1", i, id)
		}
	}
}
