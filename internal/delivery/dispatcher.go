package delivery

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
)

// JobStore makes delivery state survive restarts and keeps the audit trail.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, id string) error
	PendingJobs(ctx context.Context) ([]Job, error)
	AppendDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error
}

type SubscriptionLister interface {
	ListActiveSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
}

// FailureReporter surfaces delivery chains that ran out of attempts.
type FailureReporter interface {
	ReportExhausted(ctx context.Context, job Job, last domain.DeliveryAttempt) error
}

// Locker serialises work across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// DeliveryError is a failed attempt: a transport error or a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery: status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Config struct {
	Workers     int
	Timeout     time.Duration
	BaseBackoff time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      float64
}

func DefaultConfig() Config {
	return Config{
		Workers:     50,
		Timeout:     10 * time.Second,
		BaseBackoff: 2 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
		Jitter:      0.2,
	}
}

// RetryDelay is the wait after the n-th failed attempt:
// base * multiplier^(n-1), scaled by a factor in [1-jitter, 1+jitter].
// r is a uniform sample in [0, 1).
func RetryDelay(cfg Config, n int, r float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(cfg.BaseBackoff) * math.Pow(cfg.Multiplier, float64(n-1))
	d *= 1 + cfg.Jitter*(2*r-1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Dispatcher delivers webhook jobs from a delay queue through a fixed pool of
// workers. Jobs waiting for a free worker stay queued.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	store    JobStore
	subs     SubscriptionLister
	reporter FailureReporter
	locker   Locker
	log      zerolog.Logger
	now      func() time.Time
	rand     func() float64

	mu       sync.Mutex
	queue    jobHeap
	queued   map[string]bool
	started  bool
	stopping bool

	wake    chan struct{}
	stop    chan struct{}
	work    chan *Job
	loopWG  sync.WaitGroup
	workWG  sync.WaitGroup
	sendCtx context.Context
	abort   context.CancelFunc
}

func NewDispatcher(cfg Config, store JobStore, subs SubscriptionLister, reporter FailureReporter, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		store:    store,
		subs:     subs,
		reporter: reporter,
		log:      logger,
		now:      time.Now,
		rand:     rand.Float64,
		queued:   make(map[string]bool),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		work:     make(chan *Job),
		sendCtx:  ctx,
		abort:    cancel,
	}
}

// SetLocker guards Resume with a cross-replica lock.
func (d *Dispatcher) SetLocker(l Locker) { d.locker = l }

func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.workWG.Add(1)
		go d.worker()
	}
	d.loopWG.Add(1)
	go d.loop()
	d.log.Info().Int("workers", d.cfg.Workers).Msg("webhook dispatcher started")
}

// Enqueue creates one job per active subscription that accepts the event.
func (d *Dispatcher) Enqueue(ctx context.Context, ev domain.AlertEvent) (int, error) {
	subs, err := d.subs.ListActiveSubscriptions(ctx, ev.Alert.TenantID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	n := 0
	now := d.now().UTC()
	for _, sub := range subs {
		if !sub.Accepts(ev.Type) {
			continue
		}
		job := Job{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			TenantID:       ev.Alert.TenantID,
			AlertID:        ev.Alert.ID,
			EventType:      ev.Type,
			Payload:        payloadFor(ev),
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
		if err := d.store.SaveJob(ctx, job); err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("delivery job not persisted; delivering from memory")
		}
		d.push(&job)
		n++
	}
	return n, nil
}

// Resume reloads jobs persisted by a previous run.
func (d *Dispatcher) Resume(ctx context.Context) error {
	resume := func(ctx context.Context) error {
		jobs, err := d.store.PendingJobs(ctx)
		if err != nil {
			return fmt.Errorf("load pending delivery jobs: %w", err)
		}
		for i := range jobs {
			job := jobs[i]
			d.push(&job)
		}
		d.log.Info().Int("jobs", len(jobs)).Msg("pending webhook deliveries resumed")
		return nil
	}
	if d.locker != nil {
		return d.locker.WithLock(ctx, "delivery:resume", resume)
	}
	return resume(ctx)
}

// Pending is the number of jobs waiting in the delay queue.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) push(job *Job) {
	d.mu.Lock()
	if d.stopping || d.queued[job.ID] {
		d.mu.Unlock()
		return
	}
	d.queued[job.ID] = true
	heap.Push(&d.queue, job)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// loop hands due jobs to workers in NextAttemptAt order.
func (d *Dispatcher) loop() {
	defer d.loopWG.Done()
	defer close(d.work)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var next *Job
		wait := time.Hour
		if len(d.queue) > 0 {
			wait = d.queue[0].NextAttemptAt.Sub(d.now())
			if wait <= 0 {
				next = heap.Pop(&d.queue).(*Job)
			}
		}
		d.mu.Unlock()

		if next != nil {
			select {
			case d.work <- next:
				continue
			case <-d.stop:
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-d.wake:
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.workWG.Done()
	for job := range d.work {
		retry := d.attempt(job)
		d.mu.Lock()
		delete(d.queued, job.ID)
		d.mu.Unlock()
		if retry {
			d.push(job)
		}
	}
}

// attempt performs one delivery and records it. It reports whether the job
// should be attempted again.
func (d *Dispatcher) attempt(job *Job) bool {
	ctx := d.sendCtx
	sub, ok, err := d.subscription(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		delay := RetryDelay(d.cfg, job.Attempts, d.rand())
		job.NextAttemptAt = d.now().Add(delay).UTC()
		d.log.Warn().Err(err).Str("job_id", job.ID).Dur("retry_in", delay).Msg("subscription lookup failed; delivery rescheduled")
		if serr := d.store.SaveJob(context.WithoutCancel(ctx), *job); serr != nil {
			d.log.Error().Err(serr).Str("job_id", job.ID).Msg("delivery job not persisted")
		}
		return true
	}
	if !ok {
		d.log.Info().Str("job_id", job.ID).Str("subscription_id", job.SubscriptionID).Msg("subscription inactive; delivery dropped")
		d.forget(ctx, job)
		return false
	}

	start := d.now()
	status, err := d.send(ctx, sub, job)
	elapsed := d.now().Sub(start)
	succeeded := err == nil

	// An attempt cut short by Shutdown never reached a verdict. The job stays
	// persisted with its previous attempt count for the next Resume.
	if !succeeded && ctx.Err() != nil {
		d.log.Info().Str("job_id", job.ID).Int("attempts", job.Attempts).Msg("in-flight delivery cancelled by shutdown; job kept")
		return false
	}

	job.Attempts++
	job.LastStatus = status
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	metrics.ObserveDelivery(elapsed, succeeded)

	record := domain.DeliveryAttempt{
		WebhookID:      sub.ID,
		AlertID:        job.AlertID,
		JobID:          job.ID,
		AttemptNumber:  job.Attempts,
		SentAt:         start.UTC(),
		ResponseStatus: status,
		Succeeded:      succeeded,
		Error:          job.LastError,
	}
	if err := d.store.AppendDeliveryAttempt(context.WithoutCancel(ctx), record); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("delivery attempt not recorded")
	}

	logger := d.log.With().
		Str("job_id", job.ID).
		Str("alert_id", job.AlertID).
		Str("subscription_id", sub.ID).
		Int("attempt", job.Attempts).
		Int("status", status).
		Logger()

	switch {
	case succeeded:
		logger.Debug().Dur("elapsed", elapsed).Msg("webhook delivered")
		d.forget(ctx, job)
	case job.Attempts >= d.cfg.MaxAttempts:
		logger.Error().Err(err).Msg("webhook delivery exhausted")
		metrics.DeliveryExhausted()
		d.forget(ctx, job)
		if d.reporter != nil {
			if rerr := d.reporter.ReportExhausted(context.WithoutCancel(ctx), *job, record); rerr != nil {
				logger.Error().Err(rerr).Msg("exhausted delivery not reported")
			}
		}
	default:
		delay := RetryDelay(d.cfg, job.Attempts, d.rand())
		job.NextAttemptAt = d.now().Add(delay).UTC()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("webhook delivery failed")
		if serr := d.store.SaveJob(context.WithoutCancel(ctx), *job); serr != nil {
			logger.Error().Err(serr).Msg("delivery job not persisted")
		}
		return true
	}
	return false
}

// subscription resolves the job's target. A lookup error is distinct from an
// inactive subscription: only the latter ends the chain.
func (d *Dispatcher) subscription(ctx context.Context, job *Job) (domain.WebhookSubscription, bool, error) {
	subs, err := d.subs.ListActiveSubscriptions(ctx, job.TenantID)
	if err != nil {
		return domain.WebhookSubscription{}, false, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, s := range subs {
		if s.ID == job.SubscriptionID {
			return s, s.Accepts(job.EventType), nil
		}
	}
	return domain.WebhookSubscription{}, false, nil
}

func (d *Dispatcher) send(ctx context.Context, sub domain.WebhookSubscription, job *Job) (int, error) {
	body, err := EncodePayload(sub.Secret, job.Payload)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Header(sub.Secret, body))
	req.Header.Set("X-Event-Type", string(job.EventType))
	req.Header.Set("X-Delivery-ID", job.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(job.Attempts+1))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &DeliveryError{StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) forget(ctx context.Context, job *Job) {
	if err := d.store.DeleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("delivery job not removed")
	}
}

// Shutdown stops handing out jobs and waits for in-flight attempts. When ctx
// expires first, in-flight requests are cancelled. Queued jobs stay persisted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return nil
	}
	d.stopping = true
	started := d.started
	d.mu.Unlock()

	close(d.stop)
	if !started {
		return nil
	}
	d.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		d.workWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.abort()
		return nil
	case <-ctx.Done():
		d.abort()
		<-done
		return errors.Join(ctx.Err(), errors.New("in-flight webhook deliveries cancelled"))
	}
}
