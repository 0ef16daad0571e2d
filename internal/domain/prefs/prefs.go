// Package prefs — фильтр предпочтений: семь стадий в фиксированном порядке,
// первая отказавшая завершает оценку. Фильтр не мутирует уведомление, кроме
// scheduled_for (перенос), понижения priority и тегов.
//
// Стадии: мастер-переключатель → флаг вида → порог величины → релевантность
// отслеживаемым сущностям → тихие часы → дедупликация в скользящем окне →
// частотный token-bucket получателя. Дедупликация store-backed (bbolt с TTL),
// частотные бакеты — процесс-локальные и сбрасываются при мутации профиля.
package prefs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/profile"
	"marketnotify/internal/infra/store"
)

// Decision — исход оценки.
type Decision int

const (
	DecisionPass Decision = iota
	DecisionDrop
	DecisionDefer
)

// Verdict — результат evaluate. Until заполнен только при Defer;
// SupersededID — когда новое уведомление вытесняет более слабый дубликат,
// всё ещё ожидающий в очереди.
type Verdict struct {
	Decision     Decision
	Reason       string
	Until        time.Time
	SupersededID string
}

func pass() Verdict              { return Verdict{Decision: DecisionPass} }
func drop(reason string) Verdict { return Verdict{Decision: DecisionDrop, Reason: reason} }
func deferUntil(until time.Time, reason string) Verdict {
	return Verdict{Decision: DecisionDefer, Reason: reason, Until: until}
}

// GlobalChecker отвечает, подписан ли получатель на глобальный ключ.
// Реализуется индексом подписок.
type GlobalChecker interface {
	IsGlobal(recipientID string) (bool, error)
}

// frequencyDeferDelay — перенос при исчерпании частотного бакета получателя.
const frequencyDeferDelay = 5 * time.Second

// dedupRecord — запись окна дедупликации в bbolt.
type dedupRecord struct {
	NotifID   string    `json:"notif_id"`
	Priority  string    `json:"priority"`
	ExpiresAt time.Time `json:"expires_at"`
	Delivered bool      `json:"delivered"`
}

// Filter — фильтр предпочтений.
type Filter struct {
	db     *store.DB
	global GlobalChecker

	window time.Duration // окно дедупликации

	rps   float64 // частотный лимит получателя
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewFilter создаёт фильтр. dedupWindow — окно дедупликации; rps/burst —
// логический частотный лимит получателя (отдельный от лимитов диспетчера).
func NewFilter(db *store.DB, global GlobalChecker, dedupWindow time.Duration, rps float64, burst int) *Filter {
	if burst < 1 {
		burst = 1
	}
	return &Filter{
		db:      db,
		global:  global,
		window:  dedupWindow,
		rps:     rps,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Invalidate сбрасывает частотный бакет получателя. Подключается к
// OnInvalidate хранилища профилей.
func (f *Filter) Invalidate(recipientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets, recipientID)
}

// Evaluate прогоняет уведомление через стадии фильтра. Событие нужно стадии
// порога: величина payload сравнивается с порогом профиля для данного вида.
func (f *Filter) Evaluate(n notifications.Notification, ev event.Event, p *profile.Profile, now time.Time) (Verdict, error) {
	// 1. Мастер-переключатель.
	if !p.Enabled {
		return drop(notifications.ReasonDisabled), nil
	}

	// 2. Флаг вида.
	if !p.KindEnabled(n.Kind) {
		return drop(notifications.ReasonKindDisabled), nil
	}

	// 3. Порог величины. Нулевой порог означает «порога нет».
	threshold := p.Thresholds.ForKind(n.Kind)
	if !threshold.IsZero() && ev.Magnitude().LessThan(threshold) {
		return drop(notifications.ReasonBelowThreshold), nil
	}

	// 4. Релевантность: уведомление с subject должно попадать в отслеживаемые
	// множества, если получатель не подписан глобально.
	if n.SubjectWallet != "" || n.SubjectMarket != "" {
		if !p.Tracks(n.SubjectWallet, n.SubjectMarket) {
			global, err := f.global.IsGlobal(n.RecipientID)
			if err != nil {
				return Verdict{}, errors.Wrap(err, "global check")
			}
			if !global {
				return drop(notifications.ReasonNotRelevant), nil
			}
		}
	}

	// 5. Тихие часы: urgent проходит, остальные переносятся на конец окна.
	if !p.QuietHours.Window.IsZero() && n.Priority != notifications.PriorityUrgent {
		local := now.In(p.QuietHours.Location())
		if p.QuietHours.Window.Contains(local) {
			return deferUntil(p.QuietHours.Window.NextEnd(local), notifications.ReasonQuietHours), nil
		}
	}

	// 6. Дедупликация в скользящем окне.
	verdict, err := f.dedupStage(n, now)
	if err != nil {
		return Verdict{}, err
	}
	if verdict.Decision == DecisionDrop {
		return verdict, nil
	}
	superseded := verdict.SupersededID

	// 7. Частотный бакет получателя.
	if !f.bucket(n.RecipientID).Allow() {
		return deferUntil(now.Add(frequencyDeferDelay), notifications.ReasonFrequencyLimited), nil
	}

	out := pass()
	out.SupersededID = superseded
	return out, nil
}

// dedupStage проверяет и обновляет запись окна дедупликации. Повтор с тем же
// ключом отбрасывается; если ожидающий дубликат слабее по приоритету, новое
// уведомление проходит и вытесняет его (SupersededID).
func (f *Filter) dedupStage(n notifications.Notification, now time.Time) (Verdict, error) {
	key := dedupKey(n.RecipientID, n.DedupKey)
	verdict := pass()

	err := f.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(store.BucketDedup)
		raw := bucket.Get(key)
		if raw != nil {
			var rec dedupRecord
			if err := json.Unmarshal(raw, &rec); err == nil && now.Before(rec.ExpiresAt) {
				existing := notifications.Priority(rec.Priority)
				if rec.Delivered || !existing.Less(n.Priority) {
					verdict = drop(notifications.ReasonDuplicate)
					return nil
				}
				// Новое строго сильнее ожидающего дубликата: вытесняем.
				verdict.SupersededID = rec.NotifID
			}
		}

		rec := dedupRecord{
			NotifID:   n.NotifID,
			Priority:  string(n.Priority),
			ExpiresAt: now.Add(f.window),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal dedup record")
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return Verdict{}, errors.Wrap(err, "dedup stage")
	}
	return verdict, nil
}

// MarkDelivered помечает запись дедупликации доставленной: до конца окна
// последующие дубликаты отбрасываются независимо от приоритета.
func (f *Filter) MarkDelivered(recipientID, dedupKeyStr string, now time.Time) error {
	key := dedupKey(recipientID, dedupKeyStr)
	return f.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(store.BucketDedup)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		var rec dedupRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil // нечитаемую запись перезапишет следующая оценка
		}
		rec.Delivered = true
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// PurgeExpired удаляет истёкшие записи дедупликации. Вызывается по таймеру.
func (f *Filter) PurgeExpired(now time.Time) (int, error) {
	purged := 0
	err := f.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(store.BucketDedup)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec dedupRecord
			if err := json.Unmarshal(v, &rec); err != nil || !now.Before(rec.ExpiresAt) {
				if err := cursor.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "purge dedup")
	}
	return purged, nil
}

// bucket возвращает (создавая при необходимости) частотный лимитер получателя.
func (f *Filter) bucket(recipientID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.buckets[recipientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.rps), f.burst)
		f.buckets[recipientID] = lim
	}
	return lim
}

// dedupKey строит ключ бакета дедупликации: recipient + разделитель + hash.
func dedupKey(recipientID, hash string) []byte {
	key := make([]byte, 0, len(recipientID)+1+len(hash))
	key = append(key, recipientID...)
	key = append(key, 0)
	key = append(key, hash...)
	return key
}
