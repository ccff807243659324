package metrics

import (
	"strconv"

	"BookPulse/internal/domain/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	messages       *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	lastPrice      *prometheus.GaugeVec
	spread         *prometheus.GaugeVec
	latency        *prometheus.HistogramVec
	modelState     *prometheus.GaugeVec
	intervals      *prometheus.GaugeVec
	poorFits       *prometheus.GaugeVec
	fitQuality     *prometheus.GaugeVec
	pending        *prometheus.GaugeVec
	forecastErrors *prometheus.GaugeVec
}

// New creates a new Prometheus metrics recorder registered on the default registry.
func New() *Recorder {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the recorder's collectors on reg.
func NewWith(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookpulse_feed_messages_total",
				Help: "Feed messages applied by the engine, by type",
			},
			[]string{"type"},
		),
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookpulse_messages_sent_total",
				Help: "Total number of snapshots sent to a backend",
			},
			[]string{"backend", "product"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookpulse_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_mid_price",
				Help: "Last mid price sample",
			},
			[]string{"product"},
		),
		spread: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_spread",
				Help: "Current best ask minus best bid",
			},
			[]string{"product"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		modelState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_model_state",
				Help: "Forecast model state (0 untrained, 1 training, 2 trained)",
			},
			[]string{"product"},
		),
		intervals: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_scheduler_interval_seconds",
				Help: "Current scheduler intervals",
			},
			[]string{"product", "tick"},
		),
		poorFits: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_scheduler_consecutive_poor_fits",
				Help: "Consecutive poor or failed trainings",
			},
			[]string{"product"},
		),
		fitQuality: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_model_fit_quality",
				Help: "Fit quality of the current model",
			},
			[]string{"product"},
		),
		pending: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_pending_forecasts",
				Help: "Forecasts waiting for their target time",
			},
			[]string{"product"},
		),
		forecastErrors: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bookpulse_forecast_abs_error",
				Help: "Rolling mean absolute forecast error by window",
			},
			[]string{"product", "window_seconds"},
		),
	}
}

// RecordMessage counts an applied feed message.
func (r *Recorder) RecordMessage(kind string) {
	r.messages.WithLabelValues(kind).Inc()
}

// RecordMessageSent records a snapshot sent to a backend.
func (r *Recorder) RecordMessageSent(backend, product string) {
	r.messagesSent.WithLabelValues(backend, product).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last mid price.
func (r *Recorder) RecordLastPrice(product string, price float64) {
	r.lastPrice.WithLabelValues(product).Set(price)
}

// RecordSpread records the current spread.
func (r *Recorder) RecordSpread(product string, spread float64) {
	r.spread.WithLabelValues(product).Set(spread)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// RecordModel exports the scheduler state.
func (r *Recorder) RecordModel(product string, st models.ModelStatus) {
	r.modelState.WithLabelValues(product).Set(float64(st.State))
	r.intervals.WithLabelValues(product, "update").Set(st.UpdateInterval.Seconds())
	r.intervals.WithLabelValues(product, "retrain").Set(st.RetrainInterval.Seconds())
	r.poorFits.WithLabelValues(product).Set(float64(st.ConsecutivePoorFits))
	r.pending.WithLabelValues(product).Set(float64(st.Pending))
	if st.FitQuality != nil {
		r.fitQuality.WithLabelValues(product).Set(*st.FitQuality)
	}
}

// RecordForecastError exports one rolling error window.
func (r *Recorder) RecordForecastError(product string, windowSeconds int, value float64) {
	r.forecastErrors.WithLabelValues(product, strconv.Itoa(windowSeconds)).Set(value)
}

// Nop discards all metrics.
type Nop struct{}

func (Nop) RecordMessage(string)                     {}
func (Nop) RecordMessageSent(string, string)         {}
func (Nop) RecordError(string)                       {}
func (Nop) RecordLastPrice(string, float64)          {}
func (Nop) RecordSpread(string, float64)             {}
func (Nop) RecordLatency(string, float64)            {}
func (Nop) RecordModel(string, models.ModelStatus)   {}
func (Nop) RecordForecastError(string, int, float64) {}
