package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the defense pipeline.
type Recorder struct {
	inspected       *prometheus.CounterVec
	inspectDuration prometheus.Histogram
	violations      *prometheus.CounterVec
	matchTimeouts   *prometheus.CounterVec
	classifications *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	eventsLogged    *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	flushes         *prometheus.CounterVec
	flushBatchSize  prometheus.Histogram
	bufferDepth     prometheus.Gauge
	alertsFired     *prometheus.CounterVec
	alertsSuppress  *prometheus.CounterVec
	counterErrors   prometheus.Counter
	dispatches      *prometheus.CounterVec
	threatsDetected *prometheus.CounterVec
	killSwitch      prometheus.Gauge
	ledgerSize      prometheus.Gauge
	kafkaErrors     *prometheus.CounterVec
	kafkaLag        *prometheus.GaugeVec
	commands        *prometheus.CounterVec
	backoffs        *prometheus.CounterVec
	outboxDepth     prometheus.Gauge
	outboxPublishes *prometheus.CounterVec
	outboxRetries   prometheus.Counter
	outboxBatchSize prometheus.Histogram
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		inspected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_requests_inspected_total",
			Help: "Total requests run through the pipeline, by verdict",
		}, []string{"verdict"}),
		inspectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "defense_inspect_duration_seconds",
			Help:    "Latency of the blocking inspection path",
			Buckets: prometheus.DefBuckets,
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_waf_violations_total",
			Help: "Total WAF rule matches, by rule and severity",
		}, []string{"rule_id", "severity"}),
		matchTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_waf_match_timeouts_total",
			Help: "Rules that exceeded their match budget",
		}, []string{"rule_id"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_ip_classifications_total",
			Help: "IP access control decisions",
		}, []string{"decision"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by scope",
		}, []string{"scope"}),
		eventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_events_logged_total",
			Help: "Security events appended to the buffer",
		}, []string{"event_type", "severity"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "defense_events_dropped_total",
			Help: "Events evicted without persisting under sustained outage",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_event_flushes_total",
			Help: "Event store flush attempts, by status",
		}, []string{"status"}),
		flushBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "defense_event_flush_batch_size",
			Help:    "Events per flush batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "defense_event_buffer_depth",
			Help: "Events currently buffered in memory",
		}),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_alerts_fired_total",
			Help: "Alerts fired, by rule",
		}, []string{"rule_id"}),
		alertsSuppress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_alerts_suppressed_total",
			Help: "Alerts suppressed by the per-window latch",
		}, []string{"rule_id"}),
		counterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "defense_alert_counter_errors_total",
			Help: "Event count lookups that failed during rule evaluation",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_alert_dispatches_total",
			Help: "Alert channel deliveries, by channel and status",
		}, []string{"channel", "status"}),
		threatsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_threats_detected_total",
			Help: "Threat pattern detections, by pattern",
		}, []string{"pattern_id"}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "defense_waf_disabled",
			Help: "1 when WAF inspection is disabled via the kill switch",
		}),
		ledgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "defense_ledger_tracked_ips",
			Help: "IPs currently tracked by the violation ledger",
		}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_kafka_errors_total",
			Help: "Kafka consumer errors, by reason",
		}, []string{"reason"}),
		kafkaLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "defense_kafka_consumer_lag",
			Help: "Control topic consumer lag, by partition",
		}, []string{"partition"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_control_commands_total",
			Help: "Control commands processed, by kind and status",
		}, []string{"kind", "status"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_backoff_retries_total",
			Help: "Background loop retries after failure, by component",
		}, []string{"component"}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "defense_outbox_depth",
			Help: "Alerts queued in the durable outbox",
		}),
		outboxPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defense_outbox_publishes_total",
			Help: "Outbox publish attempts, by status",
		}, []string{"status"}),
		outboxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "defense_outbox_retries_total",
			Help: "Outbox publish retries after transient failure",
		}),
		outboxBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "defense_outbox_batch_size",
			Help:    "Alerts per outbox batch publish",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	reg.MustRegister(
		r.inspected,
		r.inspectDuration,
		r.violations,
		r.matchTimeouts,
		r.classifications,
		r.rateLimited,
		r.eventsLogged,
		r.eventsDropped,
		r.flushes,
		r.flushBatchSize,
		r.bufferDepth,
		r.alertsFired,
		r.alertsSuppress,
		r.counterErrors,
		r.dispatches,
		r.threatsDetected,
		r.killSwitch,
		r.ledgerSize,
		r.kafkaErrors,
		r.kafkaLag,
		r.commands,
		r.backoffs,
		r.outboxDepth,
		r.outboxPublishes,
		r.outboxRetries,
		r.outboxBatchSize,
	)
	return r
}

// Handler returns an HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObserveInspection records one verdict and the time spent reaching it.
func (r *Recorder) ObserveInspection(verdict string, d time.Duration) {
	r.inspected.WithLabelValues(verdict).Inc()
	r.inspectDuration.Observe(d.Seconds())
}

// ObserveViolation counts a WAF rule match.
func (r *Recorder) ObserveViolation(ruleID, severity string) {
	r.violations.WithLabelValues(ruleID, severity).Inc()
}

// ObserveMatchTimeout counts a rule exceeding its match budget.
func (r *Recorder) ObserveMatchTimeout(ruleID string) {
	r.matchTimeouts.WithLabelValues(ruleID).Inc()
}

// ObserveClassification counts an IP access decision.
func (r *Recorder) ObserveClassification(decision string) {
	r.classifications.WithLabelValues(decision).Inc()
}

// ObserveRateLimited counts a rejection for a scope.
func (r *Recorder) ObserveRateLimited(scope string) {
	r.rateLimited.WithLabelValues(scope).Inc()
}

// ObserveEventLogged counts a buffered security event.
func (r *Recorder) ObserveEventLogged(eventType, severity string) {
	r.eventsLogged.WithLabelValues(eventType, severity).Inc()
}

// ObserveEventDropped counts an event evicted without persisting.
func (r *Recorder) ObserveEventDropped() { r.eventsDropped.Inc() }

// ObserveFlush records a flush attempt.
func (r *Recorder) ObserveFlush(status string, size int) {
	r.flushes.WithLabelValues(status).Inc()
	if status == "ok" {
		r.flushBatchSize.Observe(float64(size))
	}
}

// SetBufferDepth reports the current event buffer depth.
func (r *Recorder) SetBufferDepth(n int) { r.bufferDepth.Set(float64(n)) }

// ObserveAlertFired counts a fired alert.
func (r *Recorder) ObserveAlertFired(ruleID string) {
	r.alertsFired.WithLabelValues(ruleID).Inc()
}

// ObserveAlertSuppressed counts a latch suppression.
func (r *Recorder) ObserveAlertSuppressed(ruleID string) {
	r.alertsSuppress.WithLabelValues(ruleID).Inc()
}

// ObserveCounterError counts a failed event count lookup.
func (r *Recorder) ObserveCounterError() { r.counterErrors.Inc() }

// ObserveDispatch records an alert delivery outcome.
func (r *Recorder) ObserveDispatch(channel, status string) {
	r.dispatches.WithLabelValues(channel, status).Inc()
}

// ObserveThreatDetected counts a threat pattern detection.
func (r *Recorder) ObserveThreatDetected(patternID string) {
	r.threatsDetected.WithLabelValues(patternID).Inc()
}

// SetKillSwitch toggles the WAF-disabled gauge.
func (r *Recorder) SetKillSwitch(disabled bool) {
	if disabled {
		r.killSwitch.Set(1)
	} else {
		r.killSwitch.Set(0)
	}
}

// SetLedgerSize reports how many IPs the ledger currently tracks.
func (r *Recorder) SetLedgerSize(n int) { r.ledgerSize.Set(float64(n)) }

// ObserveKafkaError counts a consumer error.
func (r *Recorder) ObserveKafkaError(reason string) {
	r.kafkaErrors.WithLabelValues(reason).Inc()
}

// ObserveKafkaLag reports consumer lag for a partition.
func (r *Recorder) ObserveKafkaLag(partition int32, lag int64) {
	r.kafkaLag.WithLabelValues(strconv.Itoa(int(partition))).Set(float64(lag))
}

// ObserveCommand records the outcome of one control command.
func (r *Recorder) ObserveCommand(kind, status string) {
	r.commands.WithLabelValues(kind, status).Inc()
}

// ObserveBackoff counts a background loop retry.
func (r *Recorder) ObserveBackoff(component string) {
	r.backoffs.WithLabelValues(component).Inc()
}

// SetOutboxDepth reports queued outbox entries.
func (r *Recorder) SetOutboxDepth(n int) { r.outboxDepth.Set(float64(n)) }

// ObserveOutboxPublish records one publish attempt.
func (r *Recorder) ObserveOutboxPublish(status string, size int) {
	r.outboxPublishes.WithLabelValues(status).Inc()
	if status == "ok" {
		r.outboxBatchSize.Observe(float64(size))
	}
}

// ObserveOutboxRetry counts a retried publish.
func (r *Recorder) ObserveOutboxRetry() { r.outboxRetries.Inc() }
