package kit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/enrollhub-system/internal/metrics"
)

type tagTask struct {
	email string
	tag   string
}

// Tagger ставит задачи тегирования в очередь и выполняет их в фоновом
// воркере, отвязанном от цикла запрос-ответ. Постановка не блокирует
// обработчик; переполненная очередь отбрасывает задачу. Доставка без
// повторов: неудача логируется и учитывается в метриках.
type Tagger struct {
	client  *Client
	tasks   chan tagTask
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewTagger создаёт воркер тегирования. nil-клиент означает, что исходящее
// тегирование отключено: постановка в очередь всегда возвращает false.
func NewTagger(client *Client, queueSize int, logger *zap.Logger, m *metrics.Metrics) *Tagger {
	return &Tagger{
		client:  client,
		tasks:   make(chan tagTask, queueSize),
		logger:  logger,
		metrics: m,
	}
}

// Enqueue ставит задачу тегирования в очередь без блокировки.
// Возвращает true, если задача принята воркером.
func (t *Tagger) Enqueue(email, tag string) bool {
	if t == nil || t.client == nil {
		return false
	}

	select {
	case t.tasks <- tagTask{email: email, tag: tag}:
		return true
	default:
		t.logger.Warn("kit: tag queue full, dropping task",
			zap.String("email", email), zap.String("tag", tag))
		t.metrics.ObserveTagQueueDrop()
		return false
	}
}

// Run выполняет задачи очереди до отмены контекста.
func (t *Tagger) Run(ctx context.Context) {
	if t.client == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-t.tasks:
			callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if t.client.TagSubscriberByEmail(callCtx, task.email, task.tag) {
				t.metrics.ObserveTagDelivery()
			} else {
				t.metrics.ObserveTagFailure()
			}
			cancel()
		}
	}
}
