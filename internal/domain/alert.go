package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Algorithm is the closed set of detection algorithms a rule can use.
type Algorithm string

const (
	AlgorithmStatisticalOutlier Algorithm = "statistical_outlier"
	AlgorithmRateOfChange       Algorithm = "rate_of_change"
	AlgorithmThreshold          Algorithm = "threshold"
	AlgorithmVolatility         Algorithm = "volatility"
)

// Algorithms lists every algorithm, in the order metrics are initialised.
var Algorithms = []Algorithm{
	AlgorithmStatisticalOutlier,
	AlgorithmRateOfChange,
	AlgorithmThreshold,
	AlgorithmVolatility,
}

func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmStatisticalOutlier, AlgorithmRateOfChange, AlgorithmThreshold, AlgorithmVolatility:
		return true
	}
	return false
}

// Severity is ordered: a larger value is more severe.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func ParseSeverity(v string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(name, v) {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ZBands are the inclusive |z| lower bounds of each severity band.
type ZBands struct {
	Low      float64 `json:"low" yaml:"low" mapstructure:"low"`
	Medium   float64 `json:"medium" yaml:"medium" mapstructure:"medium"`
	High     float64 `json:"high" yaml:"high" mapstructure:"high"`
	Critical float64 `json:"critical" yaml:"critical" mapstructure:"critical"`
}

// Classify maps |z| onto a severity; SeverityNone means below every band.
func (b ZBands) Classify(absZ float64) Severity {
	switch {
	case absZ >= b.Critical:
		return SeverityCritical
	case absZ >= b.High:
		return SeverityHigh
	case absZ >= b.Medium:
		return SeverityMedium
	case absZ >= b.Low:
		return SeverityLow
	}
	return SeverityNone
}

// RuleParams holds per-algorithm parameters. Zero values fall back to the
// engine defaults.
type RuleParams struct {
	MinSamples         int      `json:"min_samples,omitempty" yaml:"min_samples"`
	ZBands             *ZBands  `json:"z_bands,omitempty" yaml:"z_bands"`
	SlopeWindow        int      `json:"slope_window,omitempty" yaml:"slope_window"`
	RateMultiple       float64  `json:"rate_multiple,omitempty" yaml:"rate_multiple"`
	Min                *float64 `json:"min,omitempty" yaml:"min"`
	Max                *float64 `json:"max,omitempty" yaml:"max"`
	RecentWindow       int      `json:"recent_window,omitempty" yaml:"recent_window"`
	VolatilityMultiple float64  `json:"volatility_multiple,omitempty" yaml:"volatility_multiple"`
}

type AlertRule struct {
	ID         string        `db:"id" json:"id" yaml:"id"`
	TenantID   string        `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	SensorID   string        `db:"sensor_id" json:"sensor_id,omitempty" yaml:"sensor_id"`
	SensorType SensorType    `db:"sensor_type" json:"sensor_type,omitempty" yaml:"sensor_type"`
	Algorithm  Algorithm     `db:"algorithm" json:"algorithm" yaml:"algorithm"`
	Params     RuleParams    `db:"-" json:"params" yaml:"params"`
	Severity   Severity      `db:"-" json:"severity" yaml:"severity"`
	Cooldown   time.Duration `db:"-" json:"cooldown" yaml:"cooldown"`
	Priority   int           `db:"priority" json:"priority" yaml:"priority"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at" yaml:"created_at"`
}

// AppliesTo reports whether the rule is bound to the sensor, either by id or
// by type.
func (r AlertRule) AppliesTo(s Sensor) bool {
	if r.TenantID != s.TenantID {
		return false
	}
	if r.SensorID != "" {
		return r.SensorID == s.ID
	}
	return r.SensorType != "" && r.SensorType == s.Type
}

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Evidence is one firing detection kept on an alert for audit.
type Evidence struct {
	RuleID     string    `json:"rule_id"`
	Algorithm  Algorithm `json:"algorithm"`
	Severity   Severity  `json:"severity"`
	Score      float64   `json:"score"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Detail     string    `json:"detail,omitempty"`
	// Correlated marks evidence from another rule that fired on the same reading.
	Correlated bool `json:"correlated,omitempty"`
}

type Alert struct {
	ID             string      `db:"id" json:"id"`
	TenantID       string      `db:"tenant_id" json:"tenant_id"`
	SensorID       string      `db:"sensor_id" json:"sensor_id"`
	RuleID         string      `db:"rule_id" json:"rule_id"`
	Algorithm      Algorithm   `db:"algorithm" json:"algorithm"`
	Severity       Severity    `db:"-" json:"severity"`
	DetectedAt     time.Time   `db:"detected_at" json:"detected_at"`
	LastSeenAt     time.Time   `db:"last_seen_at" json:"last_seen_at"`
	Value          float64     `db:"value" json:"value"`
	Score          float64     `db:"z_or_slope" json:"z_or_slope"`
	Status         AlertStatus `db:"status" json:"status"`
	Evidence       []Evidence  `db:"-" json:"evidence"`
	AcknowledgedAt *time.Time  `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	AcknowledgedBy string      `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy     string      `db:"resolved_by" json:"resolved_by,omitempty"`
}

func (a Alert) Key() AlertKey { return AlertKey{TenantID: a.TenantID, SensorID: a.SensorID, RuleID: a.RuleID} }

// Clone returns a deep copy safe to hand to other goroutines.
func (a Alert) Clone() Alert {
	out := a
	out.Evidence = append([]Evidence(nil), a.Evidence...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// AlertKey is the (sensor, rule) pair that may hold at most one unresolved alert.
type AlertKey struct {
	TenantID string
	SensorID string
	RuleID   string
}

type EventType string

const (
	EventAlertCreated EventType = "alert.created"
	EventAlertUpdated EventType = "alert.updated"
)

type AlertEvent struct {
	Type       EventType `json:"type"`
	Alert      Alert     `json:"alert"`
	OccurredAt time.Time `json:"occurred_at"`
}
