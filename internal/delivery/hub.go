package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
)

const (
	MessageAlert         = "alert"
	MessageSensorReading = "sensor_reading"
)

// Message is what broadcast subscribers receive.
type Message struct {
	Type     string           `json:"type"`
	TenantID string           `json:"tenant_id"`
	Event    domain.EventType `json:"event,omitempty"`
	Alert    *domain.Alert    `json:"alert,omitempty"`
	Reading  *domain.Reading  `json:"reading,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}

func AlertMessage(ev domain.AlertEvent) Message {
	a := ev.Alert.Clone()
	return Message{Type: MessageAlert, TenantID: a.TenantID, Event: ev.Type, Alert: &a, SentAt: ev.OccurredAt}
}

func ReadingMessage(r domain.Reading) Message {
	return Message{Type: MessageSensorReading, TenantID: r.TenantID, Reading: &r, SentAt: r.ReceivedAt}
}

// Subscriber is one live listener on a tenant channel. Its queue is bounded;
// on overflow the oldest message is discarded.
type Subscriber struct {
	tenant      string
	ch          chan Message
	done        chan struct{}
	maxOverflow int

	mu       sync.Mutex
	closed   bool
	overflow int
	dropped  uint64
}

func (s *Subscriber) Tenant() string { return s.tenant }

// C delivers messages in publish order.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Done is closed when the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// offer enqueues without blocking and reports whether the subscriber has
// overflowed for too long.
func (s *Subscriber) offer(msg Message) (evict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
		s.overflow = 0
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.dropped++
	s.overflow++
	metrics.BroadcastDropped("overflow")
	select {
	case s.ch <- msg:
	default:
	}
	return s.overflow >= s.maxOverflow
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// Hub fans messages out to per-tenant subscribers. Broadcast never blocks on a
// slow subscriber.
type Hub struct {
	buffer      int
	maxOverflow int
	log         zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer:      buffer,
		maxOverflow: buffer,
		log:         logger,
		subs:        make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Subscribe(tenantID string) *Subscriber {
	s := &Subscriber{
		tenant:      tenantID,
		ch:          make(chan Message, h.buffer),
		done:        make(chan struct{}),
		maxOverflow: h.maxOverflow,
	}
	h.mu.Lock()
	set, ok := h.subs[tenantID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[tenantID] = set
	}
	set[s] = struct{}{}
	n := h.countLocked()
	h.mu.Unlock()

	metrics.SetBroadcastSubscribers(n)
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(s)
	n := h.countLocked()
	h.mu.Unlock()

	if removed {
		metrics.SetBroadcastSubscribers(n)
	}
	s.close()
}

// Broadcast delivers msg to every subscriber of the tenant. Subscribers that
// keep overflowing are evicted.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	var evict []*Subscriber
	for s := range h.subs[msg.TenantID] {
		if s.offer(msg) {
			evict = append(evict, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range evict {
		h.log.Warn().Str("tenant_id", s.tenant).Uint64("dropped", s.Dropped()).Msg("evicting slow broadcast subscriber")
		metrics.BroadcastDropped("evicted")
		h.Unsubscribe(s)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Subscriber
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subs = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	metrics.SetBroadcastSubscribers(0)
}

func (h *Hub) removeLocked(s *Subscriber) bool {
	set, ok := h.subs[s.tenant]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.tenant)
	}
	return true
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
