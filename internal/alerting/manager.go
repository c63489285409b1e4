package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/detection"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrPersistence     = errors.New("alert persistence failed")
)

const (
	ResolvedByAuto       = "auto"
	ResolvedBySuperseded = "superseded"
)

// Store is the external alert store.
type Store interface {
	CreateAlert(ctx context.Context, a domain.Alert) error
	UpdateAlert(ctx context.Context, a domain.Alert) error
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
	ListAlerts(ctx context.Context, tenantID string) ([]domain.Alert, error)
	ListUnresolvedAlerts(ctx context.Context) ([]domain.Alert, error)
}

// Publisher receives alert events for delivery. It must not block.
type Publisher interface {
	Publish(ev domain.AlertEvent)
}

type Config struct {
	ResolveAfter    int
	PersistAttempts int
	PersistBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{ResolveAfter: 5, PersistAttempts: 3, PersistBackoff: 200 * time.Millisecond}
}

// Outcome summarises what one detection batch did.
type Outcome struct {
	Created  []domain.Alert
	Extended []domain.Alert
	Resolved []domain.Alert
	Dropped  int
	// Highest is the most severe candidate of the batch.
	Highest *detection.Candidate
}

// Manager owns every unresolved alert. At most one unresolved alert exists per
// (sensor, rule); all state changes happen under mu and are persisted before
// they become visible.
type Manager struct {
	store Store
	pub   Publisher
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	open  map[domain.AlertKey]*domain.Alert
	byID  map[string]*domain.Alert
	quiet map[domain.AlertKey]int
}

func NewManager(store Store, pub Publisher, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.ResolveAfter <= 0 {
		cfg.ResolveAfter = DefaultConfig().ResolveAfter
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = DefaultConfig().PersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = DefaultConfig().PersistBackoff
	}
	return &Manager{
		store: store,
		pub:   pub,
		cfg:   cfg,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
		open:  make(map[domain.AlertKey]*domain.Alert),
		byID:  make(map[string]*domain.Alert),
		quiet: make(map[domain.AlertKey]int),
	}
}

// Restore reloads unresolved alerts after a restart.
func (m *Manager) Restore(ctx context.Context) error {
	alerts, err := m.store.ListUnresolvedAlerts(ctx)
	if err != nil {
		return fmt.Errorf("restore unresolved alerts: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range alerts {
		m.track(a)
	}
	m.log.Info().Int("alerts", len(alerts)).Msg("unresolved alerts restored")
	return nil
}

// OnDetections applies one reading's evaluations: firing candidates open or
// extend alerts, quiet evaluations feed the resolver. Persistence failures
// drop the affected candidate; they never surface to ingestion.
func (m *Manager) OnDetections(ctx context.Context, res detection.Result) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Outcome
	candidates := res.Candidates()
	for i := range candidates {
		if out.Highest == nil || candidates[i].Severity > out.Highest.Severity {
			c := candidates[i]
			out.Highest = &c
		}
	}

	for _, ev := range res.Evaluations {
		key := domain.AlertKey{TenantID: res.Reading.TenantID, SensorID: res.Reading.SensorID, RuleID: ev.Rule.ID}
		switch ev.Outcome {
		case detection.OutcomeFired:
			delete(m.quiet, key)
			evidence := m.evidence(res.Reading, *ev.Candidate, candidates)
			if err := m.fire(ctx, key, ev.Rule, res.Reading, *ev.Candidate, evidence, &out); err != nil {
				out.Dropped++
				m.log.Error().Err(err).
					Str("tenant_id", key.TenantID).
					Str("sensor_id", key.SensorID).
					Str("rule_id", key.RuleID).
					Msg("detection dropped")
			}
		case detection.OutcomeQuiet:
			if err := m.observeQuiet(ctx, key, &out); err != nil {
				m.log.Error().Err(err).Str("rule_id", key.RuleID).Msg("auto-resolve failed")
			}
		}
	}
	return out
}

func (m *Manager) evidence(r domain.Reading, own detection.Candidate, all []detection.Candidate) []domain.Evidence {
	out := []domain.Evidence{toEvidence(r, own, false)}
	for _, c := range all {
		if c.RuleID != own.RuleID {
			out = append(out, toEvidence(r, c, true))
		}
	}
	return out
}

func toEvidence(r domain.Reading, c detection.Candidate, correlated bool) domain.Evidence {
	return domain.Evidence{
		RuleID:     c.RuleID,
		Algorithm:  c.Algorithm,
		Severity:   c.Severity,
		Score:      c.Score,
		Value:      r.Value,
		ObservedAt: r.ObservedAt,
		Detail:     c.Detail,
		Correlated: correlated,
	}
}

func (m *Manager) fire(ctx context.Context, key domain.AlertKey, rule domain.AlertRule, r domain.Reading, c detection.Candidate, evidence []domain.Evidence, out *Outcome) error {
	existing := m.open[key]
	if existing != nil {
		withinCooldown := r.ObservedAt.Sub(existing.DetectedAt) < rule.Cooldown
		// An acknowledged alert absorbs new detections until an operator resolves it.
		if withinCooldown || existing.Status == domain.AlertAcknowledged {
			return m.extend(ctx, existing, r, c, evidence, out)
		}
		if err := m.close(ctx, existing, ResolvedBySuperseded, out); err != nil {
			return err
		}
	}
	return m.create(ctx, key, r, c, evidence, out)
}

func (m *Manager) create(ctx context.Context, key domain.AlertKey, r domain.Reading, c detection.Candidate, evidence []domain.Evidence, out *Outcome) error {
	a := domain.Alert{
		ID:         m.newID(),
		TenantID:   key.TenantID,
		SensorID:   key.SensorID,
		RuleID:     key.RuleID,
		Algorithm:  c.Algorithm,
		Severity:   c.Severity,
		DetectedAt: r.ObservedAt,
		LastSeenAt: r.ObservedAt,
		Value:      r.Value,
		Score:      c.Score,
		Status:     domain.AlertOpen,
		Evidence:   evidence,
	}
	if err := m.persist(ctx, "create", func(ctx context.Context) error { return m.store.CreateAlert(ctx, a) }); err != nil {
		return err
	}
	m.track(a)
	metrics.AlertCreated()
	m.emit(domain.EventAlertCreated, a)
	out.Created = append(out.Created, a.Clone())
	m.log.Info().
		Str("alert_id", a.ID).
		Str("tenant_id", a.TenantID).
		Str("sensor_id", a.SensorID).
		Str("rule_id", a.RuleID).
		Str("severity", a.Severity.String()).
		Float64("value", a.Value).
		Msg("alert created")
	return nil
}

func (m *Manager) extend(ctx context.Context, existing *domain.Alert, r domain.Reading, c detection.Candidate, evidence []domain.Evidence, out *Outcome) error {
	for _, e := range existing.Evidence {
		if !e.Correlated && e.RuleID == c.RuleID && e.ObservedAt.Equal(r.ObservedAt) {
			// same reading seen again
			return nil
		}
	}
	next := existing.Clone()
	next.Evidence = append(next.Evidence, evidence...)
	if c.Severity > next.Severity {
		next.Severity = c.Severity
	}
	if r.ObservedAt.After(next.LastSeenAt) {
		next.LastSeenAt = r.ObservedAt
		next.Value = r.Value
		next.Score = c.Score
	}
	if err := m.persist(ctx, "update", func(ctx context.Context) error { return m.store.UpdateAlert(ctx, next) }); err != nil {
		return err
	}
	*existing = next
	out.Extended = append(out.Extended, next.Clone())
	return nil
}

// close resolves a tracked alert and stops tracking it.
func (m *Manager) close(ctx context.Context, a *domain.Alert, by string, out *Outcome) error {
	next := a.Clone()
	at := m.now().UTC()
	next.Status = domain.AlertResolved
	next.ResolvedAt = &at
	next.ResolvedBy = by
	if err := m.persist(ctx, "resolve", func(ctx context.Context) error { return m.store.UpdateAlert(ctx, next) }); err != nil {
		return err
	}
	m.untrack(next)
	metrics.AlertResolved(metricActor(by))
	m.emit(domain.EventAlertUpdated, next)
	if out != nil {
		out.Resolved = append(out.Resolved, next.Clone())
	}
	m.log.Info().Str("alert_id", next.ID).Str("resolved_by", by).Msg("alert resolved")
	return nil
}

func (m *Manager) observeQuiet(ctx context.Context, key domain.AlertKey, out *Outcome) error {
	a := m.open[key]
	if a == nil || a.Status != domain.AlertOpen {
		delete(m.quiet, key)
		return nil
	}
	m.quiet[key]++
	if m.quiet[key] < m.cfg.ResolveAfter {
		return nil
	}
	return m.close(ctx, a, ResolvedByAuto, out)
}

// Acknowledge marks an alert as seen by an operator. Acknowledging twice is a
// no-op.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.lookup(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	if a.Status == domain.AlertAcknowledged {
		return a.Clone(), nil
	}
	next := a.Clone()
	at := m.now().UTC()
	next.Status = domain.AlertAcknowledged
	next.AcknowledgedAt = &at
	next.AcknowledgedBy = actor
	if err := m.persist(ctx, "acknowledge", func(ctx context.Context) error { return m.store.UpdateAlert(ctx, next) }); err != nil {
		return domain.Alert{}, err
	}
	*a = next
	delete(m.quiet, next.Key())
	m.emit(domain.EventAlertUpdated, next)
	return next.Clone(), nil
}

// Resolve closes an alert on behalf of an operator. A resolved alert is final.
func (m *Manager) Resolve(ctx context.Context, id, actor string) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.lookup(ctx, id)
	if err != nil {
		return domain.Alert{}, err
	}
	var out Outcome
	if err := m.close(ctx, a, actor, &out); err != nil {
		return domain.Alert{}, err
	}
	return out.Resolved[0], nil
}

// lookup finds an unresolved alert, adopting it from the store when it is not
// tracked yet.
func (m *Manager) lookup(ctx context.Context, id string) (*domain.Alert, error) {
	if a, ok := m.byID[id]; ok {
		return a, nil
	}
	stored, err := m.store.GetAlert(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	if stored.Status == domain.AlertResolved {
		return nil, ErrAlreadyResolved
	}
	m.track(stored)
	return m.byID[id], nil
}

func (m *Manager) Get(ctx context.Context, id string) (domain.Alert, error) {
	m.mu.Lock()
	if a, ok := m.byID[id]; ok {
		out := a.Clone()
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	a, err := m.store.GetAlert(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Alert{}, ErrNotFound
	}
	return a, err
}

// List returns a tenant's alerts, newest first.
func (m *Manager) List(ctx context.Context, tenantID string) ([]domain.Alert, error) {
	alerts, err := m.store.ListAlerts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].DetectedAt.After(alerts[j].DetectedAt) })
	return alerts, nil
}

func (m *Manager) track(a domain.Alert) {
	cp := a.Clone()
	m.open[a.Key()] = &cp
	m.byID[a.ID] = &cp
}

func (m *Manager) untrack(a domain.Alert) {
	delete(m.open, a.Key())
	delete(m.byID, a.ID)
	delete(m.quiet, a.Key())
}

func (m *Manager) emit(t domain.EventType, a domain.Alert) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(domain.AlertEvent{Type: t, Alert: a.Clone(), OccurredAt: m.now().UTC()})
}

func (m *Manager) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.PersistBackoff
	b.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(m.cfg.PersistAttempts)))
	if err != nil {
		metrics.AlertPersistFailure()
		return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
	}
	return nil
}

func metricActor(by string) string {
	switch by {
	case ResolvedByAuto, ResolvedBySuperseded:
		return by
	}
	return "operator"
}
