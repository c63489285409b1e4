package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// Source loads the full tenant configuration.
type Source interface {
	LoadRegistryData(ctx context.Context) (Data, error)
}

// Registry serves tenant configuration from an in-memory snapshot. Readers
// never block; refreshes build a new snapshot and swap the pointer.
type Registry struct {
	src Source
	ttl time.Duration
	log zerolog.Logger

	snap      atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	cron      *cron.Cron
	now       func() time.Time
}

func New(src Source, ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	r := &Registry{src: src, ttl: ttl, log: logger, now: time.Now}
	r.snap.Store(NewSnapshot(Data{}, time.Time{}))
	return r
}

// Load performs the initial refresh. Callers treat an error as fatal: the
// pipeline must not run against unknown tenant state.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}
	return nil
}

// Refresh replaces the snapshot. On failure the previous snapshot stays live.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	data, err := r.src.LoadRegistryData(ctx)
	if err != nil {
		return fmt.Errorf("load registry data: %w", err)
	}
	snap := NewSnapshot(data, r.now())
	r.snap.Store(snap)

	tenants, sensors, rules := snap.Counts()
	r.log.Debug().
		Int("tenants", tenants).
		Int("sensors", sensors).
		Int("rules", rules).
		Msg("registry snapshot refreshed")
	return nil
}

// Snapshot returns the current snapshot; never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Start refreshes the snapshot every TTL until Stop is called.
func (r *Registry) Start() error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.ttl), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.log.Warn().Err(err).Msg("registry refresh failed; serving previous snapshot")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule registry refresh: %w", err)
	}
	r.cron = c
	c.Start()
	r.log.Info().Dur("ttl", r.ttl).Msg("registry refresh scheduled")
	return nil
}

func (r *Registry) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// ListActiveSubscriptions serves webhook subscriptions from the snapshot.
func (r *Registry) ListActiveSubscriptions(_ context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	return r.Snapshot().ActiveSubscriptions(tenantID), nil
}
