package detection

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
)

type Config struct {
	WindowSize int
	Defaults   Params
}

func DefaultConfig() Config {
	return Config{WindowSize: 100, Defaults: DefaultParams()}
}

// Result is the outcome of evaluating every bound rule against one reading.
// Evaluations are in rule priority order.
type Result struct {
	Reading     domain.Reading
	Sensor      domain.Sensor
	Appended    bool
	Evaluations []Evaluation
}

// Candidates returns the firing detections in priority order.
func (r Result) Candidates() []Candidate {
	var out []Candidate
	for _, ev := range r.Evaluations {
		if ev.Outcome == OutcomeFired && ev.Candidate != nil {
			out = append(out, *ev.Candidate)
		}
	}
	return out
}

type sensorState struct {
	window   *Window
	revision int64
	typ      domain.SensorType
}

// Engine evaluates readings against per-sensor windows. An Engine is owned by
// a single goroutine; it holds no locks.
type Engine struct {
	cfg    Config
	states map[domain.SensorKey]*sensorState
	log    zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.WindowSize < 2 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	return &Engine{
		cfg:    cfg,
		states: make(map[domain.SensorKey]*sensorState),
		log:    logger,
	}
}

// Evaluate appends r to its sensor's window (when in order) and evaluates the
// rules bound to the sensor.
func (e *Engine) Evaluate(sensor domain.Sensor, rules []domain.AlertRule, r domain.Reading) Result {
	st := e.state(sensor)

	appended := st.window.Append(r)
	if appended {
		k := e.cfg.Defaults.SlopeWindow
		n := st.window.Len()
		if k > n {
			k = n
		}
		if slope, ok := st.window.slope(n-k, n); ok {
			st.window.lastSlope = slope
		}
	} else {
		e.log.Debug().
			Str("sensor_id", r.SensorID).
			Time("observed_at", r.ObservedAt).
			Time("window_latest", st.window.Latest()).
			Msg("reading out of order; excluded from window")
	}

	res := Result{Reading: r, Sensor: sensor, Appended: appended}
	for _, rule := range OrderRules(rules) {
		if !rule.AppliesTo(sensor) {
			continue
		}
		ev := evaluate(input{
			rule:     rule,
			sensor:   sensor,
			reading:  r,
			window:   st.window,
			inWindow: appended,
			defaults: e.cfg.Defaults,
		})
		switch ev.Outcome {
		case OutcomeFired:
			metrics.DetectionFired(string(rule.Algorithm))
		case OutcomeSkipped:
			metrics.DetectionSkipped(string(rule.Algorithm))
			e.log.Debug().
				Str("sensor_id", r.SensorID).
				Str("rule_id", rule.ID).
				Str("algorithm", string(rule.Algorithm)).
				Str("reason", ev.Reason).
				Msg("detection skipped")
		}
		res.Evaluations = append(res.Evaluations, ev)
	}
	return res
}

// state returns the sensor's window, resetting it when the sensor was
// reconfigured or changed type.
func (e *Engine) state(sensor domain.Sensor) *sensorState {
	key := domain.SensorKey{TenantID: sensor.TenantID, SensorID: sensor.ID}
	st, ok := e.states[key]
	if !ok {
		st = &sensorState{window: NewWindow(e.cfg.WindowSize), revision: sensor.Revision, typ: sensor.Type}
		e.states[key] = st
		return st
	}
	if st.revision != sensor.Revision || st.typ != sensor.Type {
		e.log.Info().
			Str("sensor_id", sensor.ID).
			Int64("revision", sensor.Revision).
			Msg("sensor reconfigured; window reset")
		st.window.Reset()
		st.revision = sensor.Revision
		st.typ = sensor.Type
	}
	return st
}

// Window exposes a sensor's window to the owning goroutine.
func (e *Engine) Window(key domain.SensorKey) (*Window, bool) {
	st, ok := e.states[key]
	if !ok {
		return nil, false
	}
	return st.window, true
}

// Forget drops a sensor's window entirely.
func (e *Engine) Forget(key domain.SensorKey) {
	delete(e.states, key)
}

// OrderRules sorts by ascending priority, ties broken by creation time. The
// input slice is not modified.
func OrderRules(rules []domain.AlertRule) []domain.AlertRule {
	out := append([]domain.AlertRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
