// Package metrics содержит счётчики Prometheus сервиса зачислений.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics объединяет метрики обработки вебхуков и исходящего тегирования.
// Методы безопасны для nil-получателя: тесты работают без регистрации.
type Metrics struct {
	WebhookEvents *prometheus.CounterVec
	TagQueueDrops prometheus.Counter
	TagDeliveries prometheus.Counter
	TagFailures   prometheus.Counter
}

// New создаёт и регистрирует метрики в реестре по умолчанию.
func New() *Metrics {
	return &Metrics{
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollhub_webhook_events_total",
			Help: "Webhook events by provider and outcome",
		}, []string{"provider", "outcome"}),
		TagQueueDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollhub_tag_queue_drops_total",
			Help: "Tag tasks dropped because the queue was full or tagging is disabled",
		}),
		TagDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollhub_tag_deliveries_total",
			Help: "Successfully delivered Kit tags",
		}),
		TagFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "enrollhub_tag_failures_total",
			Help: "Failed Kit tag deliveries (final, no retries)",
		}),
	}
}

// ObserveWebhook учитывает один обработанный вебхук.
func (m *Metrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(provider, outcome).Inc()
}

// ObserveTagQueueDrop учитывает невыполненную постановку тега в очередь.
func (m *Metrics) ObserveTagQueueDrop() {
	if m == nil {
		return
	}
	m.TagQueueDrops.Inc()
}

// ObserveTagDelivery учитывает успешную доставку тега.
func (m *Metrics) ObserveTagDelivery() {
	if m == nil {
		return
	}
	m.TagDeliveries.Inc()
}

// ObserveTagFailure учитывает неудачную доставку тега.
func (m *Metrics) ObserveTagFailure() {
	if m == nil {
		return
	}
	m.TagFailures.Inc()
}
