package printer

import (
	"sync"
	"testing"
	"time"
)

type stateRecorder struct {
	mu     sync.Mutex
	events [][2]State
}

func (r *stateRecorder) handle(prev, cur State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, [2]State{prev, cur})
}

func (r *stateRecorder) all() [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]State(nil), r.events...)
}

func newTestObserver(rec *stateRecorder) *Observer {
	o := NewObserver("ws://unused", testLogger())
	o.OnState(rec.handle)
	return o
}

func TestObserver_first_event_has_unknown_prev(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "benchy.gcode"}}]
	}`))

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	prev, cur := events[0][0], events[0][1]
	if prev.Job != StateUnknown {
		t.Errorf("first prev should be unknown, got %q", prev.Job)
	}
	if cur.Job != StatePrinting || cur.Filename != "benchy.gcode" {
		t.Errorf("cur = %+v", cur)
	}
}

func TestObserver_partial_updates_merge_into_aggregate(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "a.gcode"}}]
	}`))
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"virtual_sdcard": {"progress": 0.42}}]
	}`))
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"heater_bed": {"temperature": 59.8, "target": 60}}]
	}`))

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	last := events[2][1]
	if last.Job != StatePrinting || last.Filename != "a.gcode" {
		t.Errorf("state from earlier updates lost: %+v", last)
	}
	if last.ProgressPercent == nil || *last.ProgressPercent != 42 {
		t.Errorf("progress = %v, want 42", last.ProgressPercent)
	}
	if last.BedTempActual == nil || *last.BedTempActual != 59.8 {
		t.Errorf("bed actual = %v", last.BedTempActual)
	}
	if last.BedTempTarget == nil || *last.BedTempTarget != 60 {
		t.Errorf("bed target = %v", last.BedTempTarget)
	}
}

func TestObserver_partial_print_stats_keeps_filename(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "benchy.gcode"}}]
	}`))
	// Controllers send only changed keys; a layer or duration tick omits
	// the filename entirely.
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"print_duration": 120,
			"info": {"current_layer": 2, "total_layer": 100}}}]
	}`))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	cur := events[1][1]
	if cur.Filename != "benchy.gcode" {
		t.Errorf("filename lost on partial update: got %q, want %q", cur.Filename, "benchy.gcode")
	}
	if cur.CurrentLayer == nil || *cur.CurrentLayer != 2 {
		t.Errorf("current layer = %v", cur.CurrentLayer)
	}
}

func TestObserver_explicit_empty_filename_clears(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "benchy.gcode"}}]
	}`))
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "standby", "filename": ""}}]
	}`))

	cur := rec.all()[1][1]
	if cur.Filename != "" {
		t.Errorf("explicit empty filename should clear, got %q", cur.Filename)
	}
}

func TestObserver_prev_is_previous_snapshot(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "a.gcode"}}]
	}`))
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "complete", "filename": "a.gcode"}}]
	}`))

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	prev, cur := events[1][0], events[1][1]
	if prev.Job != StatePrinting {
		t.Errorf("prev = %q, want printing", prev.Job)
	}
	if cur.Job != StateComplete {
		t.Errorf("cur = %q, want complete", cur.Job)
	}
}

func TestObserver_layer_info_parsed(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{"print_stats": {"state": "printing", "filename": "a.gcode",
			"info": {"current_layer": 17, "total_layer": 120}}}]
	}`))

	cur := rec.all()[0][1]
	if cur.CurrentLayer == nil || *cur.CurrentLayer != 17 {
		t.Errorf("current layer = %v", cur.CurrentLayer)
	}
	if cur.TotalLayers == nil || *cur.TotalLayers != 120 {
		t.Errorf("total layers = %v", cur.TotalLayers)
	}
}

func TestObserver_estimates_remaining_time(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	// 600s elapsed at 50% progress leaves an estimated 600s.
	o.handleMessage([]byte(`{
		"method": "notify_status_update",
		"params": [{
			"print_stats": {"state": "printing", "filename": "a.gcode", "print_duration": 600},
			"virtual_sdcard": {"progress": 0.5}
		}]
	}`))

	cur := rec.all()[0][1]
	if cur.Remaining == nil {
		t.Fatal("remaining should be estimated")
	}
	if *cur.Remaining != 600*time.Second {
		t.Errorf("remaining = %v, want 10m0s", *cur.Remaining)
	}
}

func TestObserver_subscribe_response_seeds_state(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`{
		"result": {"status": {"print_stats": {"state": "standby", "filename": ""}}}
	}`))

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0][1].Job != StateStandby {
		t.Errorf("cur = %q, want standby", events[0][1].Job)
	}
}

func TestObserver_garbage_ignored(t *testing.T) {
	rec := &stateRecorder{}
	o := newTestObserver(rec)

	o.handleMessage([]byte(`not json`))
	o.handleMessage([]byte(`{"method": "notify_klippy_ready"}`))

	if n := len(rec.all()); n != 0 {
		t.Errorf("unrelated messages produced %d events", n)
	}
}

func TestParseJobState(t *testing.T) {
	if got := ParseJobState("printing"); got != StatePrinting {
		t.Errorf("printing parsed as %q", got)
	}
	if got := ParseJobState("weird"); got != StateUnknown {
		t.Errorf("unrecognized state parsed as %q", got)
	}
}

func TestState_helpers(t *testing.T) {
	if !(State{Job: StatePaused}).IsActivelyPrinting() {
		t.Error("paused should count as actively printing")
	}
	if (State{Job: StateIdle}).IsActivelyPrinting() {
		t.Error("idle is not actively printing")
	}
	if !(State{Job: StateComplete}).IsDone() {
		t.Error("complete should be done")
	}
	if (State{Job: StatePrinting}).IsDone() {
		t.Error("printing is not done")
	}
}
