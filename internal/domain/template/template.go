// Package template — детерминированный селектор шаблонов: чистая функция из
// (событие, профиль) в уведомление. Никаких побочных эффектов; единственный
// недетерминизм — генерация notif_id, вынесенная в параметр для тестов.
//
// Шаблон выбирается по виду события и бакету полезной нагрузки: транзакции
// делятся на large/medium/small по порогам, позиции — по действию, резолюции —
// по исходу. Приоритет выводится из серьёзности: резолюции срочные, крупные
// транзакции высокие, остальное — среднее либо низкое.
package template

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/profile"
)

// Пороги бакетизации транзакций. Фиксированы контрактом шаблонов: large
// начинается выше 1000, medium — выше 100.
var (
	txLargeThreshold  = decimal.NewFromInt(1000)
	txMediumThreshold = decimal.NewFromInt(100)
)

// priceMajorThreshold отделяет крупное движение цены (в абсолютной дельте).
var priceMajorThreshold = decimal.NewFromFloat(0.10)

// IDFunc генерирует notif_id. Подменяется в тестах ради детерминизма.
type IDFunc func() string

// Selector — селектор шаблонов с фиксированной языковой таблицей.
type Selector struct {
	newID IDFunc
}

// NewSelector создаёт селектор с uuid-генератором идентификаторов.
func NewSelector() *Selector {
	return &Selector{newID: func() string { return uuid.NewString() }}
}

// NewSelectorWithID создаёт селектор с заданным генератором (для тестов).
func NewSelectorWithID(fn IDFunc) *Selector {
	return &Selector{newID: fn}
}

// Select строит уведомление для получателя. Возвращает false для события
// неизвестного вида: вызывающий считает его отброшенным с причиной.
// scheduled_for устанавливается в now; фильтр предпочтений может сдвинуть его позже.
func (s *Selector) Select(ev event.Event, p *profile.Profile, now time.Time) (notifications.Notification, bool) {
	if !ev.Kind.Known() {
		return notifications.Notification{}, false
	}

	templateID, priority := classify(ev)
	title, body := render(ev, templateID, language(p))

	n := notifications.Notification{
		NotifID:      s.newID(),
		RecipientID:  p.RecipientID,
		Kind:         ev.Kind,
		Priority:     priority,
		Title:        title,
		Body:         body,
		DedupKey:     DedupKey(p.RecipientID, ev),
		CreatedAt:    now,
		ScheduledFor: now,
		Correlation: notifications.Correlation{
			EventID:    ev.EventID,
			TemplateID: templateID,
		},
		SubjectWallet: ev.SubjectWallet,
		SubjectMarket: ev.SubjectMarket,
	}
	return n, true
}

// classify возвращает идентификатор шаблона и приоритет по бакету payload.
func classify(ev event.Event) (string, notifications.Priority) {
	switch ev.Kind {
	case event.KindTransaction:
		amount := ev.Payload.Amount.Abs()
		switch {
		case amount.GreaterThan(txLargeThreshold):
			return "tx_large", notifications.PriorityHigh
		case amount.GreaterThan(txMediumThreshold):
			return "tx_medium", notifications.PriorityMedium
		default:
			return "tx_small", notifications.PriorityLow
		}

	case event.KindPositionUpdate:
		switch ev.Payload.Action {
		case event.PositionOpened:
			return "position_opened", notifications.PriorityMedium
		case event.PositionClosed:
			return "position_closed", notifications.PriorityMedium
		case event.PositionIncreased:
			return "position_increased", notifications.PriorityLow
		default:
			return "position_decreased", notifications.PriorityLow
		}

	case event.KindResolution:
		return "resolution_" + ev.Payload.Outcome, notifications.PriorityUrgent

	case event.KindPriceUpdate:
		delta := ev.Payload.PriceAfter.Sub(ev.Payload.PriceBefore).Abs()
		if delta.GreaterThanOrEqual(priceMajorThreshold) {
			return "price_major", notifications.PriorityMedium
		}
		return "price_minor", notifications.PriorityLow

	default: // volume_update
		return "volume_update", notifications.PriorityLow
	}
}

// DedupKey — стабильный FNV-1a хэш от (recipient, kind, subject_market,
// subject_wallet, каноническая форма payload). Один и тот же смысл события
// даёт один ключ независимо от форматирования чисел в кадре.
func DedupKey(recipientID string, ev event.Event) string {
	hasher := fnv.New64a()
	for _, part := range []string{
		recipientID,
		string(ev.Kind),
		ev.SubjectMarket,
		ev.SubjectWallet,
		ev.CanonicalPayload(),
	} {
		_, _ = hasher.Write([]byte(part))
		// Разделитель исключает склейку соседних частей.
		_, _ = hasher.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// language возвращает язык текстов, откатываясь на английский.
func language(p *profile.Profile) string {
	if p != nil && p.Language == "ru" {
		return "ru"
	}
	return "en"
}
