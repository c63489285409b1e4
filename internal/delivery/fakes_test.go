package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

func encodeRaw(p WebhookPayload) ([]byte, error) { return json.Marshal(p) }

type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]Job
	attempts []domain.DeliveryAttempt
}

func newMemJobs() *memJobs { return &memJobs{jobs: make(map[string]Job)} }

func (m *memJobs) SaveJob(_ context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memJobs) PendingJobs(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memJobs) AppendDeliveryAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memJobs) snapshot() (map[string]Job, []domain.DeliveryAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make(map[string]Job, len(m.jobs))
	for k, v := range m.jobs {
		jobs[k] = v
	}
	return jobs, append([]domain.DeliveryAttempt(nil), m.attempts...)
}

type staticSubs struct {
	mu   sync.Mutex
	subs []domain.WebhookSubscription
}

func (s *staticSubs) ListActiveSubscriptions(_ context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *staticSubs) set(subs ...domain.WebhookSubscription) {
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

type recordingReporter struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recordingReporter) ReportExhausted(_ context.Context, job Job, _ domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// gatedJobs holds every SaveJob until the gate is closed.
type gatedJobs struct {
	*memJobs
	gate chan struct{}
}

func (g *gatedJobs) SaveJob(ctx context.Context, job Job) error {
	<-g.gate
	return g.memJobs.SaveJob(ctx, job)
}

// flakySubs fails the next failures lookups.
type flakySubs struct {
	staticSubs
	mu       sync.Mutex
	failures int
}

func (f *flakySubs) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *flakySubs) ListActiveSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("subscription store unavailable")
	}
	return f.staticSubs.ListActiveSubscriptions(ctx, tenantID)
}
