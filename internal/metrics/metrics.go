// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "smc_bot"

// Recorder holds the engine's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	cycles          *prometheus.CounterVec
	signals         *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
	tradesOpened    *prometheus.CounterVec
	tradesClosed    *prometheus.CounterVec
	reconciliation  *prometheus.CounterVec
	learningRuns    *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Bot cycles by result.",
		}, []string{"result"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_detected_total", Help: "Newly persisted signals.",
		}, []string{"type", "direction"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_denied_total", Help: "Admission denials by reason.",
		}, []string{"reason"}),
		tradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_opened_total", Help: "Trades opened by side.",
		}, []string{"side"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_closed_total", Help: "Trades closed or cancelled by reason.",
		}, []string{"reason"}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_actions_total", Help: "Drift corrections by action.",
		}, []string{"action"}),
		learningRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "learning_runs_total", Help: "Learning passes by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds", Help: "Duration of one bot cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	reg.MustRegister(r.cycles, r.signals, r.admissionDenied, r.tradesOpened,
		r.tradesClosed, r.reconciliation, r.learningRuns, r.cycleDuration)
	return r
}

func (r *Recorder) Cycle(result string, took time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(result).Inc()
	r.cycleDuration.Observe(took.Seconds())
}

func (r *Recorder) SignalDetected(signalType, direction string) {
	if r == nil {
		return
	}
	r.signals.WithLabelValues(signalType, direction).Inc()
}

func (r *Recorder) AdmissionDenied(reason string) {
	if r == nil {
		return
	}
	r.admissionDenied.WithLabelValues(reason).Inc()
}

func (r *Recorder) TradeOpened(side string) {
	if r == nil {
		return
	}
	r.tradesOpened.WithLabelValues(side).Inc()
}

func (r *Recorder) TradeClosed(reason string) {
	if r == nil {
		return
	}
	r.tradesClosed.WithLabelValues(reason).Inc()
}

func (r *Recorder) Reconciled(action string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.reconciliation.WithLabelValues(action).Add(float64(n))
}

func (r *Recorder) LearningRun(outcome string) {
	if r == nil {
		return
	}
	r.learningRuns.WithLabelValues(outcome).Inc()
}
