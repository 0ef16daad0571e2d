package app

import (
	"time"

	"marketnotify/internal/dispatch"
	"marketnotify/internal/domain/delivery"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/prefs"
	"marketnotify/internal/domain/router"
	"marketnotify/internal/history"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/monitor"
)

// dispatchHooks соединяет исходы доставки с метриками, журналом и окном
// дедупликации.
func dispatchHooks(metrics *monitor.Metrics, sink history.Sink, filter *prefs.Filter, maxAttempts int) dispatch.Hooks {
	return dispatch.Hooks{
		Delivered: func(item notifications.QueueItem, latency time.Duration) {
			metrics.Delivered(latency)
			sink.Write(record(history.ActionDelivered, item, ""))
		},
		Coalesced: func(item notifications.QueueItem, summaryID string) {
			metrics.Coalesced()
			sink.Write(record(history.ActionCoalesced, item, summaryID))
		},
		Failed: func(item notifications.QueueItem, result delivery.Result) {
			metrics.Failed()
			// Очередь инкрементирует attempts после хука: +1 отражает исход
			// этой попытки.
			if result.Status == delivery.StatusPermanent {
				metrics.DeadLettered()
				sink.Write(record(history.ActionDead, item, result.Reason))
			} else if item.Attempts+1 >= maxAttempts {
				metrics.DeadLettered()
				sink.Write(record(history.ActionDead, item, notifications.ReasonMaxAttempts))
			}
		},
		RateRefused: func(string) {
			metrics.RateRefused()
		},
		DeliveredMark: func(recipientID, dedupKey string, now time.Time) {
			if err := filter.MarkDelivered(recipientID, dedupKey, now); err != nil {
				logger.Errorf("app: mark delivered for %s: %v", recipientID, err)
			}
		},
	}
}

// routerHooks соединяет исходы маршрутизации с метриками и журналом.
func routerHooks(metrics *monitor.Metrics, sink history.Sink) router.Hooks {
	return router.Hooks{
		Enqueued: func(item notifications.QueueItem) {
			metrics.Enqueued()
			sink.Write(record(history.ActionEnqueued, item, ""))
		},
		Deferred: func(n notifications.Notification, until time.Time, reason string) {
			logger.Debugf("router: %s deferred until %s (%s)", n.NotifID, until.Format(time.RFC3339), reason)
		},
		Dropped: func(recipientID, reason string) {
			metrics.Dropped(reason)
			sink.Write(history.Record{
				Action:      history.ActionDropped,
				RecipientID: recipientID,
				Reason:      reason,
			})
		},
		Superseded: func(oldNotifID, newNotifID string) {
			metrics.Dropped(notifications.ReasonSuperseded)
			sink.Write(history.Record{
				Action:  history.ActionDropped,
				NotifID: oldNotifID,
				Reason:  notifications.ReasonSuperseded,
			})
		},
	}
}

// record строит запись журнала из элемента очереди. extra — summary-ID для
// склейки либо причина для dead/dropped.
func record(action history.Action, item notifications.QueueItem, extra string) history.Record {
	rec := history.Record{
		Action:      action,
		RecipientID: item.Notification.RecipientID,
		NotifID:     item.Notification.NotifID,
		Kind:        string(item.Notification.Kind),
		Priority:    string(item.Notification.Priority),
	}
	switch action {
	case history.ActionDead, history.ActionDropped:
		rec.Reason = extra
	case history.ActionCoalesced:
		// В Reason кладётся ID summary-уведомления, закрывшего элемент.
		rec.Reason = extra
	}
	return rec
}
