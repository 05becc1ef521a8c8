package notification

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics は通知エンジンのPrometheusメトリクス。
// nilのMetricsに対する記録は何もしない。
type Metrics struct {
	// EventsProcessed は処理結果ごとのイベント処理回数。
	EventsProcessed *prometheus.CounterVec
	// NotificationsCreated は作成した通知の件数。
	NotificationsCreated prometheus.Counter
	// NotificationsExpired は保持期限切れで削除した通知の件数。
	NotificationsExpired prometheus.Counter
	// ProcessingDuration はロック取得から結果確定までの所要時間。
	ProcessingDuration prometheus.Histogram
}

// NewMetrics はメトリクスを生成し、regに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docnotify",
			Subsystem: "processor",
			Name:      "events_processed_total",
			Help:      "Total processed events by outcome",
		}, []string{"outcome"}),
		NotificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docnotify",
			Subsystem: "processor",
			Name:      "notifications_created_total",
			Help:      "Total notifications created",
		}),
		NotificationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docnotify",
			Subsystem: "scheduler",
			Name:      "notifications_expired_total",
			Help:      "Total expired notifications deleted by the retention sweep",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docnotify",
			Subsystem: "processor",
			Name:      "event_processing_duration_seconds",
			Help:      "Event processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.EventsProcessed, m.NotificationsCreated, m.NotificationsExpired, m.ProcessingDuration)
	return m
}

// observeOutcome は1回の処理結果と所要時間を記録する。
func (m *Metrics) observeOutcome(outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(outcome.String()).Inc()
	m.ProcessingDuration.Observe(elapsed.Seconds())
}

// addCreated は作成した通知の件数を加算する。
func (m *Metrics) addCreated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.NotificationsCreated.Add(float64(n))
}

// addExpired は削除した通知の件数を加算する。
func (m *Metrics) addExpired(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.NotificationsExpired.Add(float64(n))
}
