package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Relay gateway.
type Metrics struct {
	StreamTotal       *prometheus.CounterVec
	StreamDurationMs  *prometheus.HistogramVec
	ChunksTotal       *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	ResumeTotal       *prometheus.CounterVec
	ErrorChunkTotal   *prometheus.CounterVec
	RateLimitHitTotal *prometheus.CounterVec
	KeyCacheTotal     *prometheus.CounterVec
	CredentialOpTotal *prometheus.CounterVec
	ActiveStreams     *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StreamTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_total",
			Help: "Total number of completion streams started.",
		}, []string{"model", "vendor", "status", "key_source"}),

		StreamDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_stream_duration_ms",
			Help:    "Total stream duration in milliseconds (including vendor latency).",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000},
		}, []string{"model", "vendor"}),

		ChunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_chunks_total",
			Help: "Total content chunks relayed to clients.",
		}, []string{"vendor"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total completion tokens relayed.",
		}, []string{"model", "vendor"}),

		ResumeTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_resume_total",
			Help: "Total stream resume attempts.",
		}, []string{"outcome"}),

		ErrorChunkTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_error_chunk_total",
			Help: "Total terminal error chunks emitted, by error code.",
		}, []string{"code"}),

		RateLimitHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limit_hit_total",
			Help: "Total requests denied by an operation rate limit.",
		}, []string{"operation"}),

		KeyCacheTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_key_cache_total",
			Help: "Credential resolver cache lookups.",
		}, []string{"result"}),

		CredentialOpTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_credential_op_total",
			Help: "Credential management operations performed.",
		}, []string{"operation", "status"}),

		ActiveStreams: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_active_streams",
			Help: "Streams currently in flight.",
		}, []string{"vendor"}),
	}
}

// StreamLabels holds the label values for recording a finished stream.
type StreamLabels struct {
	Model            string
	Vendor           string
	Status           string
	KeySource        string
	DurationMs       float64
	CompletionTokens int
}

// RecordStream records metrics for a finished stream.
func (m *Metrics) RecordStream(labels StreamLabels) {
	m.StreamTotal.WithLabelValues(
		labels.Model, labels.Vendor, labels.Status, labels.KeySource,
	).Inc()

	m.StreamDurationMs.WithLabelValues(
		labels.Model, labels.Vendor,
	).Observe(labels.DurationMs)

	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(
			labels.Model, labels.Vendor,
		).Add(float64(labels.CompletionTokens))
	}
}

// RecordChunk counts one content chunk relayed for a vendor.
func (m *Metrics) RecordChunk(vendor string) {
	m.ChunksTotal.WithLabelValues(vendor).Inc()
}

// RecordResume records the outcome of a resume attempt
// (resumed, replayed, not_found, failed).
func (m *Metrics) RecordResume(outcome string) {
	m.ResumeTotal.WithLabelValues(outcome).Inc()
}

// RecordErrorChunk counts a terminal error chunk by its error code.
func (m *Metrics) RecordErrorChunk(code string) {
	m.ErrorChunkTotal.WithLabelValues(code).Inc()
}

// RecordRateLimitHit counts a request denied by the named operation limit.
func (m *Metrics) RecordRateLimitHit(operation string) {
	m.RateLimitHitTotal.WithLabelValues(operation).Inc()
}

// RecordKeyCache records a resolver cache lookup result (hit or miss).
func (m *Metrics) RecordKeyCache(result string) {
	m.KeyCacheTotal.WithLabelValues(result).Inc()
}

// RecordCredentialOp counts a credential management operation.
func (m *Metrics) RecordCredentialOp(operation, status string) {
	m.CredentialOpTotal.WithLabelValues(operation, status).Inc()
}

// StreamStarted and StreamFinished bracket an in-flight stream.
func (m *Metrics) StreamStarted(vendor string) {
	m.ActiveStreams.WithLabelValues(vendor).Inc()
}

func (m *Metrics) StreamFinished(vendor string) {
	m.ActiveStreams.WithLabelValues(vendor).Dec()
}
