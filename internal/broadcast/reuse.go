package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReuseConfig controls broadcast reuse and creation parameters.
type ReuseConfig struct {
	Enabled               bool
	TTLMinutes            int
	OnlyUnlistedOrPrivate bool
	Description           string
	Privacy               string
	CategoryID            string
}

// ReuseManager hands out broadcasts, preferring a stored still-valid one for
// the given context key over creating a new one at the provider. All calls
// are serialized by a single process-wide mutex, so concurrent callers never
// race on creation.
type ReuseManager struct {
	cfg      ReuseConfig
	store    RecordStore
	provider Provider
	log      *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewReuseManager wires the manager.
func NewReuseManager(cfg ReuseConfig, store RecordStore, provider Provider, log *slog.Logger) *ReuseManager {
	return &ReuseManager{
		cfg:      cfg,
		store:    store,
		provider: provider,
		log:      log,
		now:      time.Now,
	}
}

// GetOrCreateBroadcast returns a usable broadcast for contextKey: a stored
// record that passes validation, or a freshly created and persisted one.
// Stream keys are never logged.
func (m *ReuseManager) GetOrCreateBroadcast(ctx context.Context, title, contextKey string) (Info, error) {
	if !m.cfg.Enabled {
		return m.createAndPersist(ctx, title, contextKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok, err := m.store.Get(contextKey)
	if err != nil {
		m.log.Warn("record lookup failed", slog.String("context", contextKey), slog.String("error", err.Error()))
	}
	if ok {
		switch {
		case rec.Expired(m.now().UTC()):
			m.log.Info("stored broadcast expired", slog.String("broadcast_id", rec.BroadcastID))
			_ = m.store.Delete(contextKey)
		case m.validate(ctx, rec):
			m.log.Info("reusing stored broadcast", slog.String("broadcast_id", rec.BroadcastID))
			return Info{BroadcastID: rec.BroadcastID, RTMPURL: rec.RTMPURL, StreamKey: rec.StreamKey}, nil
		default:
			m.log.Info("stored broadcast failed validation", slog.String("broadcast_id", rec.BroadcastID))
			_ = m.store.Delete(contextKey)
		}
	}

	return m.createAndPersist(ctx, title, contextKey)
}

// validate checks the stored broadcast against the provider: it must still
// exist, and under OnlyUnlistedOrPrivate must not be public.
func (m *ReuseManager) validate(ctx context.Context, rec Record) bool {
	if err := m.provider.Authenticate(ctx); err != nil {
		m.log.Warn("validation auth failed", slog.String("error", err.Error()))
		return false
	}
	privacy, err := m.provider.GetBroadcastPrivacy(ctx, rec.BroadcastID)
	if err != nil {
		m.log.Debug("privacy lookup failed", slog.String("broadcast_id", rec.BroadcastID), slog.String("error", err.Error()))
		return false
	}
	if m.cfg.OnlyUnlistedOrPrivate && privacy == "public" {
		return false
	}
	return true
}

func (m *ReuseManager) createAndPersist(ctx context.Context, title, contextKey string) (Info, error) {
	info, err := m.provider.CreateBroadcast(ctx, title, m.cfg.Description, m.cfg.Privacy, m.cfg.CategoryID)
	if err != nil {
		return Info{}, err
	}
	rec := Record{
		BroadcastID:  info.BroadcastID,
		RTMPURL:      info.RTMPURL,
		StreamKey:    info.StreamKey,
		ContextKey:   contextKey,
		CreatedAtUTC: m.now().UTC(),
		TTLMinutes:   m.cfg.TTLMinutes,
	}
	if err := m.store.Put(rec); err != nil {
		m.log.Warn("record persist failed", slog.String("broadcast_id", info.BroadcastID), slog.String("error", err.Error()))
	}
	m.log.Info("created broadcast", slog.String("broadcast_id", info.BroadcastID), slog.String("context", contextKey))
	return info, nil
}
