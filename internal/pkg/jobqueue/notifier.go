package jobqueue

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LLMReady/internal/pkg/billing"
	"github.com/ManuelReschke/LLMReady/internal/pkg/metrics"
)

// Notifier hands billing notifications to the job queue. Enqueue failures
// are logged and counted, never returned.
type Notifier struct {
	queue *Queue
}

func NewNotifier(queue *Queue) *Notifier {
	return &Notifier{queue: queue}
}

func (n *Notifier) Notify(ctx context.Context, note billing.Notification) {
	payload := NotificationJobPayload{
		UserID:      note.UserID,
		Category:    string(note.Category),
		AmountCents: note.AmountCents,
		Currency:    note.Currency,
		Plan:        note.Plan,
		URL:         note.URL,
	}
	if _, err := n.queue.EnqueueJob(ctx, JobTypeSendNotification, payload.ToMap()); err != nil {
		metrics.NotificationsTotal.WithLabelValues(payload.Category, "enqueue_failed").Inc()
		log.Errorf("[JobQueue] Failed to enqueue %s notification for user %d: %v", note.Category, note.UserID, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(payload.Category, "enqueued").Inc()
}
