package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/alerting"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/config"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/detection"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

var ErrClosed = errors.New("pipeline closed")

// ReadingStore persists accepted readings.
type ReadingStore interface {
	AppendReading(ctx context.Context, r domain.Reading) error
}

type Alerter interface {
	OnDetections(ctx context.Context, res detection.Result) alerting.Outcome
}

// ReadingPublisher broadcasts accepted readings. It must not block.
type ReadingPublisher interface {
	PublishReading(r domain.Reading)
}

type SnapshotProvider interface {
	Snapshot() *registry.Snapshot
}

type Config struct {
	Shards         int
	QueueSize      int
	PersistWorkers int
	AlertQueue     int
	Detection      detection.Config
}

func DefaultConfig() Config {
	return Config{
		Shards:         8,
		QueueSize:      1024,
		PersistWorkers: 4,
		AlertQueue:     1024,
		Detection:      detection.DefaultConfig(),
	}
}

// ConfigFrom maps the detection and alerting sections onto pipeline settings.
func ConfigFrom(c *config.Config) Config {
	d := c.Detection
	return Config{
		Shards:         d.Shards,
		QueueSize:      d.QueueSize,
		PersistWorkers: d.PersistWorkers,
		AlertQueue:     c.Alerting.QueueSize,
		Detection: detection.Config{
			WindowSize: d.WindowSize,
			Defaults: detection.Params{
				WarmUp:             d.WarmUp,
				ZBands:             domain.ZBands{Low: d.ZLow, Medium: d.ZMedium, High: d.ZHigh, Critical: d.ZCritical},
				SlopeWindow:        d.SlopeWindow,
				RateMultiple:       d.RateMultiple,
				RecentWindow:       d.RecentWindow,
				VolatilityMultiple: d.VolatilityMultiple,
			},
		},
	}
}

type windowQuery struct {
	key   domain.SensorKey
	reply chan windowReply
}

type windowReply struct {
	snap detection.Snapshot
	ok   bool
}

type request struct {
	reading domain.Reading
	query   *windowQuery
}

// shard owns the windows of every sensor routed to it. Only its goroutine
// touches the engine.
type shard struct {
	id     int
	engine *detection.Engine
	in     chan request
}

// Pipeline connects intake, detection shards, the alert stage and reading
// persistence with bounded queues.
type Pipeline struct {
	cfg       Config
	reg       SnapshotProvider
	store     ReadingStore
	alerts    Alerter
	publisher ReadingPublisher
	log       zerolog.Logger

	shards   []*shard
	alertQ   chan detection.Result
	persistQ chan domain.Reading

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool

	shardWG   sync.WaitGroup
	alertWG   sync.WaitGroup
	persistWG sync.WaitGroup
}

func New(cfg Config, reg SnapshotProvider, store ReadingStore, alerts Alerter, publisher ReadingPublisher, logger zerolog.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PersistWorkers <= 0 {
		cfg.PersistWorkers = def.PersistWorkers
	}
	if cfg.AlertQueue <= 0 {
		cfg.AlertQueue = def.AlertQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:       cfg,
		reg:       reg,
		store:     store,
		alerts:    alerts,
		publisher: publisher,
		log:       logger,
		alertQ:    make(chan detection.Result, cfg.AlertQueue),
		persistQ:  make(chan domain.Reading, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.Shards; i++ {
		p.shards = append(p.shards, &shard{
			id:     i,
			engine: detection.NewEngine(cfg.Detection, logger.With().Int("shard", i).Logger()),
			in:     make(chan request, cfg.QueueSize),
		})
	}
	return p
}

func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for _, sh := range p.shards {
		p.shardWG.Add(1)
		go p.runShard(sh)
	}
	p.alertWG.Add(1)
	go p.runAlerts()
	for i := 0; i < p.cfg.PersistWorkers; i++ {
		p.persistWG.Add(1)
		go p.runPersist()
	}
	p.log.Info().
		Int("shards", len(p.shards)).
		Int("persist_workers", p.cfg.PersistWorkers).
		Msg("pipeline started")
}

// Submit routes an accepted reading to its sensor's shard. It blocks while the
// shard queue is full, until ctx is done.
func (p *Pipeline) Submit(ctx context.Context, r domain.Reading) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	sh := p.shards[detection.ShardFor(r.Key(), len(p.shards))]
	select {
	case sh.in <- request{reading: r}:
		return nil
	case <-ctx.Done():
		metrics.StageDropped("intake")
		return ctx.Err()
	}
}

// WindowSnapshot reads a sensor's window through its owning shard.
func (p *Pipeline) WindowSnapshot(ctx context.Context, key domain.SensorKey) (detection.Snapshot, bool, error) {
	q := &windowQuery{key: key, reply: make(chan windowReply, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return detection.Snapshot{}, false, ErrClosed
	}
	sh := p.shards[detection.ShardFor(key, len(p.shards))]
	select {
	case sh.in <- request{query: q}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return detection.Snapshot{}, false, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case rep := <-q.reply:
		return rep.snap, rep.ok, nil
	case <-ctx.Done():
		return detection.Snapshot{}, false, ctx.Err()
	}
}

func (p *Pipeline) runShard(sh *shard) {
	defer p.shardWG.Done()
	for req := range sh.in {
		if req.query != nil {
			var rep windowReply
			if w, ok := sh.engine.Window(req.query.key); ok {
				rep = windowReply{snap: w.Snapshot(), ok: true}
			}
			req.query.reply <- rep
			continue
		}
		p.process(sh, req.reading)
	}
}

func (p *Pipeline) process(sh *shard, r domain.Reading) {
	snap := p.reg.Snapshot()
	sensor, ok := snap.Sensor(r.TenantID, r.SensorID)
	if !ok {
		// removed from the registry after the gateway accepted the reading
		sh.engine.Forget(r.Key())
		metrics.StageDropped("detection")
		p.log.Warn().
			Str("tenant_id", r.TenantID).
			Str("sensor_id", r.SensorID).
			Msg("sensor no longer registered; reading dropped")
		return
	}

	res := sh.engine.Evaluate(sensor, snap.RulesFor(sensor), r)

	select {
	case p.persistQ <- r:
	default:
		metrics.StageDropped("persist")
		p.log.Warn().Str("sensor_id", r.SensorID).Msg("persistence queue full; reading not stored")
	}
	if p.publisher != nil {
		p.publisher.PublishReading(r)
	}

	if len(res.Evaluations) == 0 {
		return
	}
	select {
	case p.alertQ <- res:
	default:
		metrics.StageDropped("alerting")
		p.log.Error().
			Str("sensor_id", r.SensorID).
			Int("candidates", len(res.Candidates())).
			Msg("alert queue full; detections dropped")
	}
}

func (p *Pipeline) runAlerts() {
	defer p.alertWG.Done()
	for res := range p.alertQ {
		out := p.alerts.OnDetections(p.ctx, res)
		if len(out.Created) > 0 || out.Dropped > 0 {
			ev := p.log.Info().
				Str("sensor_id", res.Reading.SensorID).
				Int("created", len(out.Created)).
				Int("extended", len(out.Extended)).
				Int("dropped", out.Dropped)
			if out.Highest != nil {
				ev = ev.Str("severity", out.Highest.Severity.String())
			}
			ev.Msg("detections applied")
		}
	}
}

func (p *Pipeline) runPersist() {
	defer p.persistWG.Done()
	for r := range p.persistQ {
		if err := p.store.AppendReading(p.ctx, r); err != nil {
			p.log.Error().Err(err).
				Str("tenant_id", r.TenantID).
				Str("sensor_id", r.SensorID).
				Time("observed_at", r.ObservedAt).
				Msg("reading not persisted")
		}
	}
}

// Shutdown stops intake and drains the stages in order: shards, then the
// alert stage and persistence. When ctx expires first, outstanding work is
// abandoned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	for _, sh := range p.shards {
		close(sh.in)
	}
	p.mu.Unlock()
	defer p.cancel()

	if !started {
		return nil
	}
	if err := wait(ctx, &p.shardWG); err != nil {
		return fmt.Errorf("drain detection shards: %w", err)
	}
	close(p.alertQ)
	close(p.persistQ)
	if err := wait(ctx, &p.alertWG); err != nil {
		return fmt.Errorf("drain alert stage: %w", err)
	}
	if err := wait(ctx, &p.persistWG); err != nil {
		return fmt.Errorf("drain reading persistence: %w", err)
	}
	p.log.Info().Msg("pipeline drained")
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
