package worker

import (
	"context"
	"fmt"
	"time"

	"gallery-checkout/internal/broker"
	"gallery-checkout/internal/models"
	"gallery-checkout/internal/notify"
	"gallery-checkout/internal/util"

	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

// NotificationWorker delivers NotificationRequested events through a Mailer
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	mailer       notify.Mailer
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, mailer notify.Mailer) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		mailer:       mailer,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnNotificationRequested(w.HandleNotification)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleNotification sends one queued message.
// Events without a recipient are dropped.
func (w *NotificationWorker) HandleNotification(ctx context.Context, evt *models.NotificationRequestedEvent) error {
	if evt.Recipient == "" {
		w.logger.Warn("Dropping notification without recipient", zap.String("event_id", evt.EventID))
		util.NotificationsSentTotal.WithLabelValues("dropped").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err := w.mailer.Send(ctx, notify.Message{To: evt.Recipient, Subject: evt.Subject, Body: evt.Body})
	if err != nil {
		util.NotificationsSentTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to send notification %s: %w", evt.EventID, err)
	}

	util.NotificationsSentTotal.WithLabelValues("sent").Inc()
	w.logger.Info("Notification sent",
		zap.String("event_id", evt.EventID),
		zap.String("subject", evt.Subject))
	return nil
}
