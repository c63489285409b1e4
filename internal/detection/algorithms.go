package detection

import (
	"fmt"
	"math"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// Outcome of evaluating one rule against one reading.
type Outcome int

const (
	// OutcomeQuiet: the rule was evaluated and did not fire.
	OutcomeQuiet Outcome = iota
	OutcomeFired
	// OutcomeSkipped: the rule could not be evaluated (warm-up, ordering).
	// This is "not evaluated", never "no anomaly".
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFired:
		return "fired"
	case OutcomeSkipped:
		return "skipped"
	}
	return "quiet"
}

// minBaseline keeps slope and variance ratios finite when the historical
// baseline is flat.
const minBaseline = 1e-9

// Params are the engine-wide algorithm defaults; rule parameters override them.
type Params struct {
	WarmUp             int
	ZBands             domain.ZBands
	SlopeWindow        int
	RateMultiple       float64
	RecentWindow       int
	VolatilityMultiple float64
}

func DefaultParams() Params {
	return Params{
		WarmUp:             30,
		ZBands:             domain.ZBands{Low: 2.0, Medium: 2.5, High: 3.0, Critical: 3.5},
		SlopeWindow:        10,
		RateMultiple:       1.5,
		RecentWindow:       10,
		VolatilityMultiple: 2.0,
	}
}

// Candidate is a firing detection handed to the alert manager.
type Candidate struct {
	RuleID    string           `json:"rule_id"`
	Algorithm domain.Algorithm `json:"algorithm"`
	Severity  domain.Severity  `json:"severity"`
	Score     float64          `json:"score"`
	Detail    string           `json:"detail,omitempty"`
}

type Evaluation struct {
	Rule      domain.AlertRule
	Outcome   Outcome
	Candidate *Candidate
	Reason    string
}

// input is everything an algorithm may look at. The window already contains
// the reading when inWindow is true.
type input struct {
	rule     domain.AlertRule
	sensor   domain.Sensor
	reading  domain.Reading
	window   *Window
	inWindow bool
	defaults Params
}

func evaluate(in input) Evaluation {
	switch in.rule.Algorithm {
	case domain.AlgorithmStatisticalOutlier:
		return evalOutlier(in)
	case domain.AlgorithmRateOfChange:
		return evalRateOfChange(in)
	case domain.AlgorithmThreshold:
		return evalThreshold(in)
	case domain.AlgorithmVolatility:
		return evalVolatility(in)
	}
	return skipped(in.rule, fmt.Sprintf("unknown algorithm %q", in.rule.Algorithm))
}

func evalOutlier(in input) Evaluation {
	if !in.inWindow {
		return skipped(in.rule, "reading not in window order")
	}
	minSamples := pick(in.rule.Params.MinSamples, in.defaults.WarmUp)
	if in.window.Len() < minSamples {
		return skipped(in.rule, fmt.Sprintf("warm-up %d/%d", in.window.Len(), minSamples))
	}
	sd := in.window.StdDev()
	if sd == 0 {
		return quiet(in.rule)
	}
	bands := in.defaults.ZBands
	if in.rule.Params.ZBands != nil {
		bands = *in.rule.Params.ZBands
	}
	z := (in.reading.Value - in.window.Mean()) / sd
	sev := bands.Classify(math.Abs(z))
	if sev == domain.SeverityNone {
		return quiet(in.rule)
	}
	return fired(in.rule, sev, z, fmt.Sprintf("z=%.3f mean=%.4f stddev=%.4f", z, in.window.Mean(), sd))
}

func evalRateOfChange(in input) Evaluation {
	if !in.inWindow {
		return skipped(in.rule, "reading not in window order")
	}
	k := pick(in.rule.Params.SlopeWindow, in.defaults.SlopeWindow)
	if k < 2 {
		k = 2
	}
	need := pick(in.rule.Params.MinSamples, 2*k)
	if need < k+2 {
		need = k + 2
	}
	n := in.window.Len()
	if n < need {
		return skipped(in.rule, fmt.Sprintf("warm-up %d/%d", n, need))
	}
	recent, ok := in.window.slope(n-k, n)
	if !ok {
		return skipped(in.rule, "degenerate recent timestamps")
	}
	historical, ok := in.window.slope(0, n-k)
	if !ok {
		return skipped(in.rule, "degenerate historical timestamps")
	}
	baseline := math.Max(math.Abs(historical), minBaseline)
	ratio := math.Abs(recent) / baseline
	multiple := pickFloat(in.rule.Params.RateMultiple, in.defaults.RateMultiple)
	if math.Abs(recent) <= minBaseline || ratio <= multiple {
		return quiet(in.rule)
	}
	return fired(in.rule, ruleSeverity(in.rule), recent,
		fmt.Sprintf("slope=%.6f/s baseline=%.6f/s ratio=%.2f", recent, historical, ratio))
}

func evalThreshold(in input) Evaluation {
	lo, hi := in.rule.Params.Min, in.rule.Params.Max
	if lo == nil && hi == nil {
		lo, hi = in.sensor.MinValue, in.sensor.MaxValue
	}
	if lo == nil && hi == nil {
		return skipped(in.rule, "no bounds configured")
	}
	v := in.reading.Value
	if lo != nil && v < *lo {
		return fired(in.rule, ruleSeverity(in.rule), v-*lo, fmt.Sprintf("value %.4f below min %.4f", v, *lo))
	}
	if hi != nil && v > *hi {
		return fired(in.rule, ruleSeverity(in.rule), v-*hi, fmt.Sprintf("value %.4f above max %.4f", v, *hi))
	}
	return quiet(in.rule)
}

func evalVolatility(in input) Evaluation {
	if !in.inWindow {
		return skipped(in.rule, "reading not in window order")
	}
	m := pick(in.rule.Params.RecentWindow, in.defaults.RecentWindow)
	if m < 2 {
		m = 2
	}
	need := pick(in.rule.Params.MinSamples, in.defaults.WarmUp)
	if need < m+2 {
		need = m + 2
	}
	n := in.window.Len()
	if n < need {
		return skipped(in.rule, fmt.Sprintf("warm-up %d/%d", n, need))
	}
	recent, _ := in.window.variance(n-m, n)
	historical, _ := in.window.variance(0, n-m)
	ratio := recent / math.Max(historical, minBaseline)
	multiple := pickFloat(in.rule.Params.VolatilityMultiple, in.defaults.VolatilityMultiple)
	if recent <= minBaseline || ratio <= multiple {
		return quiet(in.rule)
	}
	return fired(in.rule, ruleSeverity(in.rule), ratio,
		fmt.Sprintf("recent variance=%.6f historical=%.6f ratio=%.2f", recent, historical, ratio))
}

func ruleSeverity(rule domain.AlertRule) domain.Severity {
	if rule.Severity == domain.SeverityNone {
		return domain.SeverityMedium
	}
	return rule.Severity
}

func fired(rule domain.AlertRule, sev domain.Severity, score float64, detail string) Evaluation {
	return Evaluation{
		Rule:    rule,
		Outcome: OutcomeFired,
		Candidate: &Candidate{
			RuleID:    rule.ID,
			Algorithm: rule.Algorithm,
			Severity:  sev,
			Score:     score,
			Detail:    detail,
		},
	}
}

func quiet(rule domain.AlertRule) Evaluation {
	return Evaluation{Rule: rule, Outcome: OutcomeQuiet}
}

func skipped(rule domain.AlertRule, reason string) Evaluation {
	return Evaluation{Rule: rule, Outcome: OutcomeSkipped, Reason: reason}
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func pickFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
