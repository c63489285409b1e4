package delivery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
)

// Subsystem fans every alert event out to the broadcast hub and the webhook
// dispatcher. Each sink has its own queue and goroutine, so a stalled sink
// never holds up the other.
type Subsystem struct {
	hub  *Hub
	disp *Dispatcher
	log  zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	broadcast chan domain.AlertEvent
	webhooks  *eventQueue
	wg        sync.WaitGroup
}

func NewSubsystem(hub *Hub, disp *Dispatcher, queueSize int, logger zerolog.Logger) *Subsystem {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Subsystem{
		hub:       hub,
		disp:      disp,
		log:       logger,
		broadcast: make(chan domain.AlertEvent, queueSize),
		webhooks:  newEventQueue(),
	}
}

func (s *Subsystem) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for ev := range s.broadcast {
			s.hub.Broadcast(AlertMessage(ev))
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			ev, ok := s.webhooks.pop()
			if !ok {
				return
			}
			n, err := s.disp.Enqueue(context.Background(), ev)
			if err != nil {
				s.log.Error().Err(err).Str("alert_id", ev.Alert.ID).Msg("webhook fan-out failed")
				continue
			}
			s.log.Debug().Str("alert_id", ev.Alert.ID).Str("event", string(ev.Type)).Int("jobs", n).Msg("webhook jobs queued")
		}
	}()
}

// Publish hands the event to both sinks without blocking. A full broadcast
// lane drops the event for live viewers only; the webhook lane never drops.
func (s *Subsystem) Publish(ev domain.AlertEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.broadcast <- ev:
	default:
		metrics.StageDropped("broadcast")
		s.log.Warn().Str("alert_id", ev.Alert.ID).Msg("broadcast lane full; event dropped")
	}
	s.webhooks.push(ev)
}

// PublishReading broadcasts an accepted reading as a sensor_reading message.
func (s *Subsystem) PublishReading(r domain.Reading) {
	s.hub.Broadcast(ReadingMessage(r))
}

// WebhookBacklog is the number of events not yet turned into delivery jobs.
func (s *Subsystem) WebhookBacklog() int {
	return s.webhooks.size()
}

// Shutdown drains both lanes, then stops the dispatcher within ctx.
func (s *Subsystem) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.broadcast)
	s.webhooks.close()
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if n := s.webhooks.size(); n > 0 {
			s.log.Warn().Int("events", n).Msg("webhook lane not drained before deadline")
		}
	}
	err := s.disp.Shutdown(ctx)
	s.hub.Close()
	return err
}

// eventQueue is an unbounded FIFO hand-off between Publish and the webhook
// lane goroutine.
type eventQueue struct {
	mu     sync.Mutex
	items  []domain.AlertEvent
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev domain.AlertEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

// pop blocks until an event is available. It returns false once the queue is
// closed and empty.
func (q *eventQueue) pop() (domain.AlertEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = domain.AlertEvent{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return domain.AlertEvent{}, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *eventQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
