package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensor_pipeline"

var (
	readingsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_accepted_total",
			Help:      "Readings accepted by the ingestion gateway, by transport.",
		},
		[]string{"transport"},
	)

	readingsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Readings rejected by the ingestion gateway, by transport and reason.",
		},
		[]string{"transport", "reason"},
	)

	authChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_checks_total",
			Help:      "Device credential checks, by result.",
		},
		[]string{"result"},
	)

	detectionsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_fired_total",
			Help:      "Candidate detections produced, by algorithm.",
		},
		[]string{"algorithm"},
	)

	detectionsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_skipped_total",
			Help:      "Rule evaluations skipped for lack of history, by algorithm.",
		},
		[]string{"algorithm"},
	)

	alertsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts opened.",
		},
	)

	alertsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alerts resolved, by actor (operator, auto, superseded).",
		},
		[]string{"by"},
	)

	alertPersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_persist_failures_total",
			Help:      "Detections dropped after alert persistence retries were exhausted.",
		},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	webhookLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_seconds",
			Help:      "Webhook delivery attempt latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	webhookExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_exhausted_total",
			Help:      "Webhook chains marked permanently failed.",
		},
	)

	broadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast messages discarded, by reason (overflow, evicted).",
		},
		[]string{"reason"},
	)

	broadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_subscribers",
			Help:      "Live broadcast subscribers.",
		},
	)

	stageDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_dropped_total",
			Help:      "Items dropped because a downstream stage queue was full, by stage.",
		},
		[]string{"stage"},
	)
)

// Register attaches the pipeline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		readingsAccepted,
		readingsRejected,
		authChecks,
		detectionsFired,
		detectionsSkipped,
		alertsCreated,
		alertsResolved,
		alertPersistFailures,
		webhookDeliveries,
		webhookLatency,
		webhookExhausted,
		broadcastDropped,
		broadcastSubscribers,
		stageDropped,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func ReadingAccepted(transport string) { readingsAccepted.WithLabelValues(transport).Inc() }

func ReadingRejected(transport, reason string) {
	readingsRejected.WithLabelValues(transport, reason).Inc()
}

func AuthCheck(result string) { authChecks.WithLabelValues(result).Inc() }

func DetectionFired(algorithm string) { detectionsFired.WithLabelValues(algorithm).Inc() }

func DetectionSkipped(algorithm string) { detectionsSkipped.WithLabelValues(algorithm).Inc() }

func AlertCreated() { alertsCreated.Inc() }

func AlertResolved(by string) { alertsResolved.WithLabelValues(by).Inc() }

func AlertPersistFailure() { alertPersistFailures.Inc() }

// ObserveDelivery records one webhook attempt.
func ObserveDelivery(duration time.Duration, succeeded bool) {
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	webhookDeliveries.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	webhookLatency.Observe(duration.Seconds())
}

func DeliveryExhausted() { webhookExhausted.Inc() }

func BroadcastDropped(reason string) { broadcastDropped.WithLabelValues(reason).Inc() }

func SetBroadcastSubscribers(n int) { broadcastSubscribers.Set(float64(n)) }

func StageDropped(stage string) { stageDropped.WithLabelValues(stage).Inc() }
