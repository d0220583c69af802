package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 摄取指标
	IngestTotal        *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	ThreadsCreated     prometheus.Counter
	AttachmentSize     prometheus.Histogram
	WebhookSigRejected *prometheus.CounterVec

	// 外发指标
	SendTotal    *prometheus.CounterVec
	SendDuration *prometheus.HistogramVec

	// 过滤与限流指标
	FilterRejections *prometheus.CounterVec
	RateLimitDenials prometheus.Counter

	// IMAP 轮询指标
	PollCycles       *prometheus.CounterVec
	PollMessages     prometheus.Counter
	UIDValidityReset prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadbox_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		IngestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_ingest_total",
				Help: "Inbound messages processed, by provider and outcome",
			},
			[]string{"provider", "status"},
		),

		IngestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadbox_ingest_duration_seconds",
				Help:    "Inbound pipeline processing time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		ThreadsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadbox_threads_created_total",
				Help: "Conversation threads created",
			},
		),

		AttachmentSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threadbox_attachment_size_bytes",
				Help:    "Size of stored attachments in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		WebhookSigRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_webhook_signature_rejected_total",
				Help: "Inbound webhooks rejected for bad signatures",
			},
			[]string{"provider"},
		),

		SendTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_send_total",
				Help: "Outbound sends, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		SendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadbox_send_duration_seconds",
				Help:    "Outbound send time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		FilterRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_filter_rejections_total",
				Help: "Messages rejected by the domain filter, by direction",
			},
			[]string{"direction"},
		),

		RateLimitDenials: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadbox_ratelimit_denials_total",
				Help: "Outbound sends denied by the rate limiter",
			},
		),

		PollCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_imap_poll_cycles_total",
				Help: "IMAP poll cycles, by outcome",
			},
			[]string{"outcome"},
		),

		PollMessages: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadbox_imap_poll_messages_total",
				Help: "Messages fetched by the IMAP poller",
			},
		),

		UIDValidityReset: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadbox_imap_uidvalidity_resets_total",
				Help: "UIDVALIDITY changes that forced a mailbox state reset",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadbox_errors_total",
				Help: "Errors by type and component",
			},
			[]string{"error_type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "threadbox_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordIngest 记录一次摄取结果
func (m *Metrics) RecordIngest(provider, status string, duration time.Duration) {
	m.IngestTotal.WithLabelValues(provider, status).Inc()
	m.IngestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordSend 记录一次外发结果
func (m *Metrics) RecordSend(provider, outcome string, duration time.Duration) {
	m.SendTotal.WithLabelValues(provider, outcome).Inc()
	m.SendDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFilterRejection 记录域名过滤拒绝
func (m *Metrics) RecordFilterRejection(direction string) {
	m.FilterRejections.WithLabelValues(direction).Inc()
}

// RecordRateLimitDenial 记录限流拒绝
func (m *Metrics) RecordRateLimitDenial() {
	m.RateLimitDenials.Inc()
}

// RecordSignatureRejected 记录 Webhook 签名拒绝
func (m *Metrics) RecordSignatureRejected(provider string) {
	m.WebhookSigRejected.WithLabelValues(provider).Inc()
}

// RecordPollCycle 记录一次轮询周期
func (m *Metrics) RecordPollCycle(outcome string, fetched int) {
	m.PollCycles.WithLabelValues(outcome).Inc()
	if fetched > 0 {
		m.PollMessages.Add(float64(fetched))
	}
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
