package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoFilters is returned when subscribing without any filter
	ErrNoFilters = errors.New("at least one filter is required")

	// ErrBusClosed is returned when subscribing to a closed bus
	ErrBusClosed = errors.New("notification bus closed")
)

// DefaultQueueSize is the per-subscriber queue capacity when none is set
const DefaultQueueSize = 256

// BusConfig configures the notification bus
type BusConfig struct {
	// QueueSize bounds each subscriber's pending events (0 = DefaultQueueSize)
	QueueSize int `mapstructure:"queue_size"`
}

// Bus fans change events out to subscribers. Publish never blocks on a
// slow subscriber: every subscription owns a bounded queue that drops its
// oldest event when full.
type Bus struct {
	cfg    BusConfig
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Int64
}

// NewBus creates a notification bus
func NewBus(cfg BusConfig, logger *zap.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.Named("notify"),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a subscription matching any of the given filters
func (b *Bus) Subscribe(filters []Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, ErrNoFilters
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		filters: append([]Filter(nil), filters...),
		queue:   newRingQueue[Event](b.cfg.QueueSize),
		events:  make(chan Event),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	go sub.pump()

	b.logger.Debug("subscription added",
		zap.String("id", sub.ID),
		zap.Int("filters", len(filters)),
	)
	return sub, nil
}

// Publish enqueues the event on every matching subscription
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subs {
		if sub.matches(e) {
			sub.queue.Push(e)
		}
	}
}

// Unsubscribe removes the subscription and closes its event channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	sub.close()
	if ok {
		b.logger.Debug("subscription removed",
			zap.String("id", sub.ID),
			zap.Int64("delivered", sub.Delivered()),
			zap.Int64("dropped", sub.Dropped()),
		)
	}
}

// Close shuts down the bus and every subscription
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Stats summarizes bus activity
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns bus statistics
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Subscribers: len(b.subs), Published: b.published.Load()}
	for _, sub := range b.subs {
		s.Dropped += sub.Dropped()
	}
	return s
}

// Subscription is a filtered, ordered stream of events
type Subscription struct {
	ID string

	filters []Filter
	queue   *ringQueue[Event]
	events  chan Event
	done    chan struct{}
	once    sync.Once

	delivered atomic.Int64
}

// Events returns the channel events are delivered on. It is closed when
// the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events were discarded because the subscriber
// fell behind
func (s *Subscription) Dropped() int64 {
	return s.queue.Dropped()
}

// Delivered returns how many events reached the subscriber
func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

// Filters returns a copy of the subscription's filters
func (s *Subscription) Filters() []Filter {
	return append([]Filter(nil), s.filters...)
}

func (s *Subscription) matches(e Event) bool {
	for _, f := range s.filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// pump moves events from the queue to the events channel
func (s *Subscription) pump() {
	defer close(s.events)

	for {
		e, ok := s.queue.Pop()
		if !ok {
			return
		}
		// Counted before the send so a receiver never sees a stale count
		s.delivered.Add(1)
		select {
		case s.events <- e:
		case <-s.done:
			s.delivered.Add(-1)
			return
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
		s.queue.Close()
	})
}
