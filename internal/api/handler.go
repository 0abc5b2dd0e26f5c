// Package api is the operator HTTP surface: broadcast control, printer
// commands, audio controls, and the live audio stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"printcast/internal/audio"
	"printcast/internal/broadcast"
	"printcast/internal/printer"
)

// Broadcasts is the coordinator surface the handlers drive.
type Broadcasts interface {
	StartBroadcast(ctx context.Context) broadcast.StartResult
	StopBroadcast(ctx context.Context) broadcast.OpResult
	Status() broadcast.Status
}

// Commander submits validated printer commands.
type Commander interface {
	Submit(ctx context.Context, command string, confirmed bool) error
}

// StateFn returns the latest printer snapshot.
type StateFn func() printer.State

// Handler exposes the operator endpoints using go-chi.
type Handler struct {
	coord   Broadcasts
	cmds    Commander
	bus     *audio.Bus
	caster  *audio.Broadcaster
	lib     *audio.Library
	printer StateFn
	log     *slog.Logger
}

// NewHandler wires the operator surface. printerState may be nil when no
// observer is running.
func NewHandler(coord Broadcasts, cmds Commander, bus *audio.Bus, caster *audio.Broadcaster, lib *audio.Library, printerState StateFn, log *slog.Logger) *Handler {
	return &Handler{
		coord:   coord,
		cmds:    cmds,
		bus:     bus,
		caster:  caster,
		lib:     lib,
		printer: printerState,
		log:     log,
	}
}

// Routes registers the operator endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/status", h.GetStatus)
	r.Post("/api/broadcast/start", h.StartBroadcast)
	r.Post("/api/broadcast/stop", h.StopBroadcast)
	r.Post("/api/printer/command", h.SendCommand)
	r.Post("/api/audio/enabled", h.SetAudioEnabled)
	r.Post("/api/audio/skip", h.SkipTrack)
	r.Get("/api/audio/live", h.AudioLive)
}

type statusResponse struct {
	Broadcast broadcast.Status `json:"broadcast"`
	Audio     audioStatus      `json:"audio"`
	Printer   printerStatus    `json:"printer"`
}

type audioStatus struct {
	Enabled     bool   `json:"enabled"`
	Playing     string `json:"playing,omitempty"`
	Subscribers int    `json:"subscribers"`
	Bytes       uint64 `json:"bytes"`
}

type printerStatus struct {
	State           string   `json:"state"`
	Filename        string   `json:"filename,omitempty"`
	ProgressPercent *float64 `json:"progress_percent,omitempty"`
	CurrentLayer    *int     `json:"current_layer,omitempty"`
	TotalLayers     *int     `json:"total_layers,omitempty"`
	BedTemp         *float64 `json:"bed_temp,omitempty"`
	ToolTemp        *float64 `json:"tool_temp,omitempty"`
}

// GetStatus handles GET /api/status. The booleans are always internally
// consistent regardless of transient provider failures.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.caster.Status()
	resp := statusResponse{
		Broadcast: h.coord.Status(),
		Audio: audioStatus{
			Enabled:     st.Enabled,
			Playing:     st.Library.Current,
			Subscribers: h.bus.SubscriberCount(),
			Bytes:       h.bus.BroadcastedBytes(),
		},
	}
	if h.printer != nil {
		ps := h.printer()
		resp.Printer = printerStatus{
			State:           string(ps.Job),
			Filename:        ps.Filename,
			ProgressPercent: ps.ProgressPercent,
			CurrentLayer:    ps.CurrentLayer,
			TotalLayers:     ps.TotalLayers,
			BedTemp:         ps.BedTempActual,
			ToolTemp:        ps.ToolTempActual,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartBroadcast handles POST /api/broadcast/start.
func (h *Handler) StartBroadcast(w http.ResponseWriter, r *http.Request) {
	res := h.coord.StartBroadcast(r.Context())
	code := http.StatusOK
	if !res.OK {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

// StopBroadcast handles POST /api/broadcast/stop.
func (h *Handler) StopBroadcast(w http.ResponseWriter, r *http.Request) {
	res := h.coord.StopBroadcast(r.Context())
	code := http.StatusOK
	if !res.OK {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

type commandRequest struct {
	Command   string `json:"command"`
	Confirmed bool   `json:"confirmed"`
}

type opResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// SendCommand handles POST /api/printer/command.
// Body: { "command": "G28", "confirmed": false }.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid command body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, opResponse{Message: "invalid body"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, opResponse{Message: "command required"})
		return
	}

	err := h.cmds.Submit(r.Context(), req.Command, req.Confirmed)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, opResponse{OK: true})
	case errors.Is(err, printer.ErrBlocked):
		writeJSON(w, http.StatusForbidden, opResponse{Message: err.Error()})
	case errors.Is(err, printer.ErrConfirmationRequired):
		writeJSON(w, http.StatusConflict, opResponse{Message: err.Error()})
	default:
		h.log.Error("command dispatch failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, opResponse{Message: err.Error()})
	}
}

type audioEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAudioEnabled handles POST /api/audio/enabled.
func (h *Handler) SetAudioEnabled(w http.ResponseWriter, r *http.Request) {
	var req audioEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, opResponse{Message: "invalid body"})
		return
	}
	h.caster.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, opResponse{OK: true})
}

// SkipTrack handles POST /api/audio/skip: advance the library and kill the
// current encoder so the supervisor picks up the new track.
func (h *Handler) SkipTrack(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.lib.TryNext(); !ok {
		writeJSON(w, http.StatusConflict, opResponse{Message: "no next track"})
		return
	}
	h.caster.Interrupt()
	writeJSON(w, http.StatusOK, opResponse{OK: true})
}

// AudioLive handles GET /api/audio/live: streams the shared MP3 feed from a
// bus subscription until the client goes away.
func (h *Handler) AudioLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	sub := h.bus.Subscribe(r.Context())
	defer sub.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range sub.Chunks() {
		if _, err := w.Write(chunk); err != nil {
			// Client disconnects are routine.
			h.log.Debug("audio listener gone", slog.String("error", err.Error()))
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
