// Package notifications — доменные модели уведомлений и элементов очереди.
// Notification неизменяемо после выпуска селектором шаблонов; фильтр
// предпочтений вправе менять только scheduled_for, понижать priority и
// дописывать теги. QueueItem добавляет изменяемые поля жизненного цикла.
// Приведены функции клонирования, чтобы снапшоты в persist не зависели от
// дальнейших мутаций в рантайме.
package notifications

import (
	"slices"
	"time"

	"marketnotify/internal/domain/event"
)

// Priority — приоритет уведомления. Порядок важен: меньший Weight — ниже
// приоритет в ready-множестве.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Weight возвращает вес приоритета для скоринга ready-множества.
// Веса фиксированы контрактом очереди: urgent=1000, high=100, medium=10, low=1.
func (p Priority) Weight() int64 {
	switch p {
	case PriorityUrgent:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	default:
		return 1
	}
}

// Less сообщает, строго ли ниже приоритет p, чем other.
func (p Priority) Less(other Priority) bool {
	return p.Weight() < other.Weight()
}

// Correlation связывает уведомление с породившим его событием и шаблоном.
// CoalescedIDs заполняется только у summary-уведомлений.
type Correlation struct {
	EventID      string   `json:"event_id"`
	TemplateID   string   `json:"template_id"`
	Tags         []string `json:"tags,omitempty"`
	CoalescedIDs []string `json:"coalesced_ids,omitempty"`
}

// Notification — единица доставки. NotifID глобально уникален; DedupKey
// детерминированно выводится из (recipient, kind, subject, canonical payload).
type Notification struct {
	NotifID      string      `json:"notif_id"`
	RecipientID  string      `json:"recipient_id"`
	Kind         event.Kind  `json:"kind"`
	Priority     Priority    `json:"priority"`
	Title        string      `json:"title"`
	Body         string      `json:"body"`
	DedupKey     string      `json:"dedup_key"`
	CreatedAt    time.Time   `json:"created_at"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Correlation  Correlation `json:"correlation"`

	SubjectWallet string `json:"subject_wallet,omitempty"`
	SubjectMarket string `json:"subject_market,omitempty"`
}

// QueueItem — Notification плюс изменяемые поля жизненного цикла очереди.
type QueueItem struct {
	SchemaVersion int          `json:"schema_version"`
	Notification  Notification `json:"notification"`
	Attempts      int          `json:"attempts"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitzero"`
	VisibleAt     time.Time    `json:"visible_at,omitzero"`
	RetryDelay    time.Duration `json:"retry_delay,omitempty"`
}

// Причины терминальных/промежуточных исходов. Метки стабильны: попадают в
// счётчики мониторинга и в журнал истории.
const (
	ReasonDisabled           = "disabled"
	ReasonKindDisabled       = "kind_disabled"
	ReasonBelowThreshold     = "below_threshold"
	ReasonNotRelevant        = "not_relevant"
	ReasonQuietHours         = "quiet_hours"
	ReasonDuplicate          = "duplicate"
	ReasonFrequencyLimited   = "frequency_limited"
	ReasonProfileUnavailable = "profile_unavailable"
	ReasonUnknownKind        = "unknown_kind"
	ReasonQueueFull          = "queue_full"
	ReasonEvicted            = "evicted"
	ReasonMaxAttempts        = "max_attempts"
	ReasonPermanent          = "permanent"
	ReasonShutdown           = "shutdown"
	ReasonSuperseded         = "superseded"
)

// Clone делает глубокую копию уведомления, включая срезы корреляции.
func (n Notification) Clone() Notification {
	clone := n
	clone.Correlation.Tags = slices.Clone(n.Correlation.Tags)
	clone.Correlation.CoalescedIDs = slices.Clone(n.Correlation.CoalescedIDs)
	return clone
}

// Clone возвращает независимую копию элемента очереди.
func (it QueueItem) Clone() QueueItem {
	clone := it
	clone.Notification = it.Notification.Clone()
	return clone
}

// WithTag возвращает копию уведомления с добавленным тегом корреляции.
func (n Notification) WithTag(tag string) Notification {
	clone := n.Clone()
	clone.Correlation.Tags = append(clone.Correlation.Tags, tag)
	return clone
}
