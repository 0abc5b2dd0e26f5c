package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	observerBackoffBase = 500 * time.Millisecond
	observerBackoffCap  = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// Handler receives successive state snapshots. Events are delivered
// serially; a handler never runs concurrently with itself.
type Handler func(prev, cur State)

// Observer maintains a WebSocket connection to the printer controller,
// coalesces its JSON-RPC status notifications into State snapshots, and
// feeds them to the registered handler. It reconnects with backoff.
type Observer struct {
	url string
	log *slog.Logger

	mu      sync.Mutex
	handler Handler
	conn    *websocket.Conn
	agg     aggregate
	prev    State
	havePre bool

	rpcID atomic.Int64
}

// aggregate is the mutable merge target for partial status updates.
type aggregate struct {
	state    string
	filename string

	progress *float64
	duration *float64
	layer    *int
	total    *int

	bedActual  *float64
	bedTarget  *float64
	toolActual *float64
	toolTarget *float64
}

// NewObserver returns an observer for the given websocket URL.
func NewObserver(url string, log *slog.Logger) *Observer {
	return &Observer{url: url, log: log}
}

// OnState registers the snapshot handler.
func (o *Observer) OnState(h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = h
}

// Run connects, subscribes, and pumps notifications until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		err := o.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		d := observerBackoffBase << (failures - 1)
		if d > observerBackoffCap || d <= 0 {
			d = observerBackoffCap
		}
		d += time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
		o.log.Warn("printer connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", d))

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return ctx.Err()
}

func (o *Observer) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, o.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.conn = nil
		o.mu.Unlock()
	}()

	if err := o.subscribe(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	o.log.Info("printer connected", slog.String("url", o.url))

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		o.handleMessage(data)
	}
}

func (o *Observer) subscribe(conn *websocket.Conn) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.objects.subscribe",
		"params": map[string]any{
			"objects": map[string]any{
				"print_stats":    nil,
				"display_status": nil,
				"virtual_sdcard": nil,
				"heater_bed":     nil,
				"extruder":       nil,
			},
		},
		"id": o.rpcID.Add(1),
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

// SendScript submits a gcode script over the current connection. It is the
// dispatch function behind the command queue.
func (o *Observer) SendScript(ctx context.Context, script string) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("printer not connected")
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.gcode.script",
		"params":  map[string]any{"script": script},
		"id":      o.rpcID.Add(1),
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(req)
}

// statusPayload mirrors the controller's status object fields we consume.
type statusPayload struct {
	PrintStats *struct {
		State string `json:"state"`
		// Pointer so a delta that omits the key is distinguishable from
		// one that explicitly clears the filename.
		Filename      *string  `json:"filename"`
		PrintDuration *float64 `json:"print_duration"`
		Info          *struct {
			CurrentLayer *int `json:"current_layer"`
			TotalLayer   *int `json:"total_layer"`
		} `json:"info"`
	} `json:"print_stats"`
	DisplayStatus *struct {
		Progress *float64 `json:"progress"`
	} `json:"display_status"`
	VirtualSDCard *struct {
		Progress *float64 `json:"progress"`
	} `json:"virtual_sdcard"`
	HeaterBed *struct {
		Temperature *float64 `json:"temperature"`
		Target      *float64 `json:"target"`
	} `json:"heater_bed"`
	Extruder *struct {
		Temperature *float64 `json:"temperature"`
		Target      *float64 `json:"target"`
	} `json:"extruder"`
}

type rpcMessage struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Result json.RawMessage   `json:"result"`
}

func (o *Observer) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		o.log.Debug("unparseable printer message", slog.String("error", err.Error()))
		return
	}

	var payload statusPayload
	switch {
	case msg.Method == "notify_status_update" && len(msg.Params) > 0:
		if err := json.Unmarshal(msg.Params[0], &payload); err != nil {
			return
		}
	case msg.Result != nil:
		// Subscribe response carries the full initial status.
		var res struct {
			Status json.RawMessage `json:"status"`
		}
		if err := json.Unmarshal(msg.Result, &res); err != nil || res.Status == nil {
			return
		}
		if err := json.Unmarshal(res.Status, &payload); err != nil {
			return
		}
	default:
		return
	}

	o.mu.Lock()
	o.merge(payload)
	cur := o.snapshotLocked()
	prev := o.prev
	had := o.havePre
	o.prev = cur
	o.havePre = true
	h := o.handler
	o.mu.Unlock()

	if h != nil {
		if !had {
			prev = State{Job: StateUnknown}
		}
		h(prev, cur)
	}
}

func (o *Observer) merge(p statusPayload) {
	if ps := p.PrintStats; ps != nil {
		if ps.State != "" {
			o.agg.state = ps.State
		}
		if ps.Filename != nil {
			o.agg.filename = *ps.Filename
		}
		if ps.PrintDuration != nil {
			o.agg.duration = ps.PrintDuration
		}
		if ps.Info != nil {
			if ps.Info.CurrentLayer != nil {
				o.agg.layer = ps.Info.CurrentLayer
			}
			if ps.Info.TotalLayer != nil {
				o.agg.total = ps.Info.TotalLayer
			}
		}
	}
	progress := func(v *float64) {
		if v != nil {
			pct := *v * 100
			o.agg.progress = &pct
		}
	}
	if p.DisplayStatus != nil {
		progress(p.DisplayStatus.Progress)
	}
	if p.VirtualSDCard != nil {
		progress(p.VirtualSDCard.Progress)
	}
	if hb := p.HeaterBed; hb != nil {
		if hb.Temperature != nil {
			o.agg.bedActual = hb.Temperature
		}
		if hb.Target != nil {
			o.agg.bedTarget = hb.Target
		}
	}
	if ex := p.Extruder; ex != nil {
		if ex.Temperature != nil {
			o.agg.toolActual = ex.Temperature
		}
		if ex.Target != nil {
			o.agg.toolTarget = ex.Target
		}
	}
}

func (o *Observer) snapshotLocked() State {
	return State{
		Job:             ParseJobState(o.agg.state),
		Filename:        o.agg.filename,
		ProgressPercent: o.agg.progress,
		Remaining:       o.remainingLocked(),
		CurrentLayer:    o.agg.layer,
		TotalLayers:     o.agg.total,
		BedTempActual:   o.agg.bedActual,
		BedTempTarget:   o.agg.bedTarget,
		ToolTempActual:  o.agg.toolActual,
		ToolTempTarget:  o.agg.toolTarget,
	}
}

// remainingLocked estimates remaining time from elapsed print duration and
// fractional progress. The controller does not report it directly.
func (o *Observer) remainingLocked() *time.Duration {
	if o.agg.duration == nil || o.agg.progress == nil {
		return nil
	}
	p := *o.agg.progress / 100
	if p <= 0 || p >= 1 {
		return nil
	}
	elapsed := *o.agg.duration
	rem := time.Duration(elapsed*(1-p)/p) * time.Second
	return &rem
}
