// Package router — разветвление потока событий: для каждого события берётся
// множество заинтересованных получателей, на каждого строится уведомление,
// прогоняется через фильтр предпочтений и кладётся в очередь. Роутер никогда
// не блокирует источник: переполнение очереди разрешается политикой очереди,
// ошибки учитываются и не останавливают поток.
package router

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/interest"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/prefs"
	"marketnotify/internal/domain/profile"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/domain/template"
	"marketnotify/internal/infra/logger"
)

// Hooks — наблюдатели исходов маршрутизации. Любое поле может быть nil.
type Hooks struct {
	Enqueued   func(item notifications.QueueItem)
	Deferred   func(n notifications.Notification, until time.Time, reason string)
	Dropped    func(recipientID, reason string)
	Superseded func(oldNotifID, newNotifID string)
	IndexError func(err error)
}

// Router — маршрутизатор событий.
type Router struct {
	index    *interest.Index
	profiles *profile.Store
	selector *template.Selector
	filter   *prefs.Filter
	queue    *queue.Manager
	hooks    Hooks
}

// New создаёт маршрутизатор.
func New(ix *interest.Index, ps *profile.Store, sel *template.Selector, f *prefs.Filter, qm *queue.Manager, hooks Hooks) *Router {
	return &Router{
		index:    ix,
		profiles: ps,
		selector: sel,
		filter:   f,
		queue:    qm,
		hooks:    hooks,
	}
}

// Run читает события из канала источника до его закрытия либо отмены контекста.
func (r *Router) Run(ctx context.Context, events <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Route(ev, time.Now())
		}
	}
}

// Route разветвляет одно событие. Ошибка чтения индекса трактуется как
// «заинтересованных нет», но учитывается как ошибка.
func (r *Router) Route(ev event.Event, now time.Time) {
	recipients, err := r.index.Interested(ev)
	if err != nil {
		logger.Errorf("router: interest lookup for %s: %v", ev.EventID, err)
		if r.hooks.IndexError != nil {
			r.hooks.IndexError(err)
		}
		return
	}
	for _, recipientID := range recipients {
		r.routeTo(recipientID, ev, now)
	}
}

// routeTo строит, фильтрует и ставит в очередь уведомление одному получателю.
// Возвращает true, если уведомление попало в очередь.
func (r *Router) routeTo(recipientID string, ev event.Event, now time.Time) bool {
	p, err := r.profiles.Get(recipientID)
	if err != nil {
		// Нечитаемый профиль — не отправляем: drop с причиной, не ошибка доставки.
		if !errors.Is(err, profile.ErrNotFound) {
			logger.Errorf("router: profile %s: %v", recipientID, err)
		}
		r.drop(recipientID, notifications.ReasonProfileUnavailable)
		return false
	}

	n, ok := r.selector.Select(ev, p, now)
	if !ok {
		r.drop(recipientID, notifications.ReasonUnknownKind)
		return false
	}

	verdict, err := r.filter.Evaluate(n, ev, p, now)
	if err != nil {
		logger.Errorf("router: evaluate %s: %v", n.NotifID, err)
		r.drop(recipientID, notifications.ReasonProfileUnavailable)
		return false
	}

	switch verdict.Decision {
	case prefs.DecisionDrop:
		r.drop(recipientID, verdict.Reason)
		return false
	case prefs.DecisionDefer:
		n.ScheduledFor = verdict.Until
		n = n.WithTag(verdict.Reason)
		if r.hooks.Deferred != nil {
			r.hooks.Deferred(n, verdict.Until, verdict.Reason)
		}
	}

	if verdict.SupersededID != "" {
		r.supersede(verdict.SupersededID, n.NotifID)
	}
	return r.enqueue(n, now)
}

// supersede снимает из очереди вытесненный дубликат, если он ещё ожидает.
func (r *Router) supersede(oldID, newID string) {
	dropped, err := r.queue.DropPending(oldID)
	if err != nil {
		logger.Errorf("router: drop superseded %s: %v", oldID, err)
		return
	}
	if dropped {
		logger.Debugf("router: %s superseded by %s", oldID, newID)
		if r.hooks.Superseded != nil {
			r.hooks.Superseded(oldID, newID)
		}
	}
}

// enqueue кладёт уведомление в очередь и разносит исход по хукам.
func (r *Router) enqueue(n notifications.Notification, now time.Time) bool {
	item := notifications.QueueItem{Notification: n}
	out, err := r.queue.Enqueue(item, now)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			r.drop(n.RecipientID, notifications.ReasonQueueFull)
			return false
		}
		// Ошибка хранилища фатальна для элемента, но не для потока.
		logger.Errorf("router: enqueue %s: %v", n.NotifID, err)
		r.drop(n.RecipientID, "store_error")
		return false
	}
	if out.Duplicate {
		r.drop(n.RecipientID, notifications.ReasonDuplicate)
		return false
	}
	if out.EvictedID != "" && r.hooks.Dropped != nil {
		r.hooks.Dropped(n.RecipientID, notifications.ReasonEvicted)
	}
	if r.hooks.Enqueued != nil {
		r.hooks.Enqueued(item)
	}
	return true
}

// Inject ставит в очередь готовое уведомление, минуя отбор шаблонов и фильтр
// предпочтений. Служит для ручных уведомлений через командный API.
func (r *Router) Inject(n notifications.Notification, now time.Time) error {
	if n.RecipientID == "" {
		return errors.New("inject: empty recipient_id")
	}
	if n.Title == "" && n.Body == "" {
		return errors.New("inject: empty message")
	}
	if !r.enqueue(n, now) {
		return errors.New("inject: not enqueued")
	}
	return nil
}

func (r *Router) drop(recipientID, reason string) {
	if r.hooks.Dropped != nil {
		r.hooks.Dropped(recipientID, reason)
	}
}

// Broadcast строит уведомление каждому получателю из индекса подписок.
// Широковещательные уведомления проходят тихие часы и дедупликацию наравне с
// обычными. Возвращает число поставленных в очередь.
func (r *Router) Broadcast(ev event.Event, now time.Time) (int, error) {
	recipients, err := r.index.AllRecipients()
	if err != nil {
		return 0, errors.Wrap(err, "broadcast recipients")
	}
	enqueued := 0
	for _, recipientID := range recipients {
		if r.routeTo(recipientID, ev, now) {
			enqueued++
		}
	}
	return enqueued, nil
}
