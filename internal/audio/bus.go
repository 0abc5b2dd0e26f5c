// Package audio implements the live MP3 pipeline: a lossy multi-subscriber
// byte bus, the track library, and the persistent encoder that feeds the bus.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"printcast/internal/platform/metrics"

	"github.com/google/uuid"
)

// DefaultSubscriberBuffer is the per-subscriber chunk buffer capacity.
const DefaultSubscriberBuffer = 64

// Subscription is one reader of the bus. Readers consume Chunks and call
// Close (or cancel the subscribe context) when done.
type Subscription struct {
	Token string

	ch  chan []byte
	bus *Bus

	mu     sync.Mutex
	closed bool
}

// Chunks returns the channel of byte chunks. It is closed when the
// subscription ends, whichever side ends it.
func (s *Subscription) Chunks() <-chan []byte {
	return s.ch
}

// Close removes the subscription from the bus and closes its buffer. Safe to
// call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s.Token)
	s.shut()
}

// shut closes the buffer exactly once.
func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// enqueue offers a chunk without blocking. On a full buffer it drops the
// oldest chunk and retries once. The second return is false only when even
// that fails, meaning the subscriber should be dropped.
func (s *Subscription) enqueue(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- chunk:
		return true
	default:
	}
	// Drop the oldest buffered chunk to make room.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- chunk:
		return true
	default:
		return false
	}
}

// Bus is a single-producer, multi-subscriber lossy byte fan-out. Publishing
// never blocks; overflowing subscribers lose their oldest chunks, and a
// subscriber that cannot accept even after drop-oldest is removed and closed.
// New subscribers see only chunks published after Subscribe returns.
type Bus struct {
	log    *slog.Logger
	met    *metrics.Metrics
	bufCap int

	mu   sync.Mutex
	subs map[string]*Subscription

	bytes atomic.Uint64
}

// NewBus returns an empty bus. met may be nil to disable metric updates.
func NewBus(log *slog.Logger, met *metrics.Metrics) *Bus {
	return &Bus{
		log:    log,
		met:    met,
		bufCap: DefaultSubscriberBuffer,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a new live-edge subscriber. The subscription is closed
// when ctx is cancelled, when the bus drops it, or when CloseAll runs.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		Token: uuid.NewString(),
		ch:    make(chan []byte, b.bufCap),
		bus:   b,
	}

	b.mu.Lock()
	b.subs[sub.Token] = sub
	n := len(b.subs)
	b.mu.Unlock()

	if b.met != nil {
		b.met.SetAudioSubscribers(n)
	}
	b.log.Debug("subscriber joined", slog.String("token", sub.Token), slog.Int("subscribers", n))

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub
}

// Publish fans a chunk out to all current subscribers. It never blocks on a
// slow reader; see Subscription.enqueue for the drop policy.
func (b *Bus) Publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	snapshot := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		snapshot = append(snapshot, s)
	}
	b.mu.Unlock()

	for _, s := range snapshot {
		if !s.enqueue(chunk) {
			b.log.Debug("dropping stalled subscriber", slog.String("token", s.Token))
			s.Close()
		}
	}

	b.bytes.Add(uint64(len(chunk)))
	if b.met != nil {
		b.met.AddBroadcastBytes(len(chunk))
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// BroadcastedBytes returns the total bytes published; it is monotonically
// non-decreasing.
func (b *Bus) BroadcastedBytes() uint64 {
	return b.bytes.Load()
}

// CloseAll removes and closes every subscriber. Used when the audio feature
// is disabled.
func (b *Bus) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.shut()
	}
	if b.met != nil {
		b.met.SetAudioSubscribers(0)
	}
}

func (b *Bus) remove(token string) {
	b.mu.Lock()
	_, ok := b.subs[token]
	delete(b.subs, token)
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		if b.met != nil {
			b.met.SetAudioSubscribers(n)
		}
		b.log.Debug("subscriber left", slog.String("token", token), slog.Int("subscribers", n))
	}
}
