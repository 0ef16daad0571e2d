// Package queue — долговечная очередь уведомлений поверх bbolt: ready-множества
// по получателям, общий delayed по времени готовности, inflight с visibility
// timeout и dead-letter. Каждая операция — одна bbolt-транзакция, поэтому
// элемент в любой момент находится ровно в одном под-состоянии.
//
// «Сортированные множества» реализованы ключами вида score+id: первые 8 байт —
// big-endian score, хвост — notif_id. Курсор bbolt обходит их по возрастанию
// score, id даёт детерминированный tie-break.
package queue

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/store"
)

// Состояния элемента в индексе. Строки стабильны: попадают на диск.
const (
	stateReady    = "ready"
	stateDelayed  = "delayed"
	stateInflight = "inflight"
	stateDead     = "dead"
)

// priorityScale разносит приоритеты по шкале score настолько, чтобы разница
// весов доминировала над типичным разбросом scheduled_for внутри батча.
const priorityScale = 1_000_000

// ErrQueueFull возвращается из Enqueue при политике reject и полной очереди.
var ErrQueueFull = errors.New("queue: full")

var keyBacklog = []byte("backlog")

// Config — параметры очереди.
type Config struct {
	MaxSize           int
	VisibilityTimeout time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	EvictOnOverflow   bool // false — отказ ErrQueueFull
}

// Manager — менеджер очереди.
type Manager struct {
	db  *store.DB
	cfg Config
}

// NewManager создаёт менеджер поверх открытой базы.
func NewManager(db *store.DB, cfg Config) *Manager {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Manager{db: db, cfg: cfg}
}

// indexEntry — запись положения элемента: notif_id → (состояние, ключ).
// Наличие записи означает, что notif_id уже занят; enqueue дубликата — no-op.
type indexEntry struct {
	State     string `json:"state"`
	Recipient string `json:"recipient"`
	Score     uint64 `json:"score"`
	Reason    string `json:"reason,omitempty"`
}

// deadEntry — элемент dead-letter вместе с причиной и моментом попадания.
type deadEntry struct {
	Item   notifications.QueueItem `json:"item"`
	Reason string                  `json:"reason"`
	DeadAt time.Time               `json:"dead_at"`
}

// EnqueueOutcome — исход enqueue.
type EnqueueOutcome struct {
	Enqueued  bool
	Duplicate bool
	// EvictedID — notif_id элемента, вытесненного политикой evict_lowest.
	EvictedID string
}

// readyScore вычисляет score ready-множества: момент готовности минус вес
// приоритета. Меньший score — выше приоритет.
func readyScore(n notifications.Notification) int64 {
	return n.ScheduledFor.UnixMilli() - n.Priority.Weight()*priorityScale
}

// encodeScore переводит знаковый score в uint64 с сохранением порядка
// (инверсия знакового бита).
func encodeScore(score int64) uint64 {
	return uint64(score) ^ (1 << 63)
}

// Enqueue помещает элемент в очередь: delayed при scheduled_for в будущем,
// иначе в ready получателя. Дубликат notif_id — no-op. При переполнении
// политика либо отказывает (ErrQueueFull), либо вытесняет элемент с самым
// низким приоритетом в dead с причиной evicted.
func (m *Manager) Enqueue(item notifications.QueueItem, now time.Time) (EnqueueOutcome, error) {
	var out EnqueueOutcome
	item.SchemaVersion = 1

	err := m.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(store.BucketQueueIndex)
		id := []byte(item.Notification.NotifID)
		if index.Get(id) != nil {
			out.Duplicate = true
			return nil
		}

		if m.cfg.MaxSize > 0 && backlog(tx) >= int64(m.cfg.MaxSize) {
			if !m.cfg.EvictOnOverflow {
				return ErrQueueFull
			}
			evicted, err := evictLowest(tx, item.Notification, now)
			if err != nil {
				return err
			}
			if evicted == "" {
				return ErrQueueFull
			}
			out.EvictedID = evicted
		}

		if err := place(tx, item, now); err != nil {
			return err
		}
		out.Enqueued = true
		return addBacklog(tx, 1)
	})
	if err != nil {
		return EnqueueOutcome{}, err
	}
	return out, nil
}

// place кладёт элемент в delayed либо ready и записывает индекс.
// Вызывается только внутри открытой Update-транзакции.
func place(tx *bolt.Tx, item notifications.QueueItem, now time.Time) error {
	n := item.Notification
	data, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal queue item")
	}

	var entry indexEntry
	if n.ScheduledFor.After(now) {
		score := encodeScore(n.ScheduledFor.UnixMilli())
		if err := tx.Bucket(store.BucketQueueDelayed).Put(store.ScoreKey(score, n.NotifID), data); err != nil {
			return err
		}
		entry = indexEntry{State: stateDelayed, Recipient: n.RecipientID, Score: score}
	} else {
		score := encodeScore(readyScore(n))
		sub, err := tx.Bucket(store.BucketQueueReady).CreateBucketIfNotExists([]byte(n.RecipientID))
		if err != nil {
			return errors.Wrap(err, "create ready bucket")
		}
		if err := sub.Put(store.ScoreKey(score, n.NotifID), data); err != nil {
			return err
		}
		entry = indexEntry{State: stateReady, Recipient: n.RecipientID, Score: score}
	}
	return putIndex(tx, n.NotifID, entry)
}

// DequeueBatch снимает до maxN элементов с минимальным score из ready
// получателя и переводит их в inflight с visible_at = now + visibility_timeout.
func (m *Manager) DequeueBatch(recipientID string, maxN int, now time.Time) ([]notifications.QueueItem, error) {
	if maxN <= 0 {
		return nil, nil
	}
	var batch []notifications.QueueItem

	err := m.db.Update(func(tx *bolt.Tx) error {
		sub := tx.Bucket(store.BucketQueueReady).Bucket([]byte(recipientID))
		if sub == nil {
			return nil
		}
		visibleAt := now.Add(m.cfg.VisibilityTimeout)
		inflight := tx.Bucket(store.BucketQueueInflight)

		cursor := sub.Cursor()
		for k, v := cursor.First(); k != nil && len(batch) < maxN; k, v = cursor.Next() {
			var item notifications.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				logger.Errorf("queue: unreadable ready item, dropping: %v", err)
				if err := cursor.Delete(); err != nil {
					return err
				}
				continue
			}
			item.VisibleAt = visibleAt

			data, err := json.Marshal(item)
			if err != nil {
				return errors.Wrap(err, "marshal inflight item")
			}
			score := encodeScore(visibleAt.UnixMilli())
			id := item.Notification.NotifID
			if err := inflight.Put(store.ScoreKey(score, id), data); err != nil {
				return err
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
			if err := putIndex(tx, id, indexEntry{State: stateInflight, Recipient: recipientID, Score: score}); err != nil {
				return err
			}
			batch = append(batch, item)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "dequeue batch")
	}
	return batch, nil
}

// Complete подтверждает доставку: элемент удаляется из inflight и индекса.
// Неизвестный notif_id — no-op (двойное подтверждение после свипа допустимо).
func (m *Manager) Complete(notifID string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		entry, ok, err := getIndex(tx, notifID)
		if err != nil || !ok {
			return err
		}
		if entry.State != stateInflight {
			return nil
		}
		if err := tx.Bucket(store.BucketQueueInflight).Delete(store.ScoreKey(entry.Score, notifID)); err != nil {
			return err
		}
		if err := tx.Bucket(store.BucketQueueIndex).Delete([]byte(notifID)); err != nil {
			return err
		}
		return addBacklog(tx, -1)
	})
}

// Fail фиксирует неуспех попытки. Transient: attempts+1, при исчерпании
// max_attempts — в dead, иначе в delayed с экспоненциальной задержкой
// (forcedDelay > 0 заменяет расчётную, например retry_after сервера).
// Permanent уходит в dead сразу.
func (m *Manager) Fail(notifID string, transient bool, reason string, forcedDelay time.Duration, now time.Time) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		entry, ok, err := getIndex(tx, notifID)
		if err != nil || !ok {
			return err
		}
		if entry.State != stateInflight {
			return nil
		}

		key := store.ScoreKey(entry.Score, notifID)
		inflight := tx.Bucket(store.BucketQueueInflight)
		raw := inflight.Get(key)
		if raw == nil {
			return tx.Bucket(store.BucketQueueIndex).Delete([]byte(notifID))
		}
		var item notifications.QueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return errors.Wrap(err, "unmarshal inflight item")
		}
		if err := inflight.Delete(key); err != nil {
			return err
		}

		item.Attempts++
		item.LastAttemptAt = now

		if !transient || item.Attempts >= m.cfg.MaxAttempts {
			deadReason := reason
			if transient {
				deadReason = notifications.ReasonMaxAttempts
			}
			return moveToDead(tx, item, deadReason, now)
		}

		delay := forcedDelay
		if delay <= 0 {
			delay = m.retryDelay(item.Attempts)
		}
		item.RetryDelay = delay
		item.Notification.ScheduledFor = now.Add(delay)
		item.VisibleAt = time.Time{}
		return place(tx, item, now)
	})
}

// retryDelay считает задержку ретрая: min(base × multiplier^(attempts−1), max).
func (m *Manager) retryDelay(attempts int) time.Duration {
	delay := float64(m.cfg.BaseDelay)
	for i := 1; i < attempts; i++ {
		delay *= m.cfg.Multiplier
		if delay >= float64(m.cfg.MaxDelay) {
			return m.cfg.MaxDelay
		}
	}
	if maxd := float64(m.cfg.MaxDelay); delay > maxd {
		return m.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// moveToDead переводит элемент в dead-letter. Вызывается внутри транзакции.
func moveToDead(tx *bolt.Tx, item notifications.QueueItem, reason string, now time.Time) error {
	id := item.Notification.NotifID
	entry := deadEntry{Item: item, Reason: reason, DeadAt: now}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal dead entry")
	}
	score := encodeScore(now.UnixMilli())
	if err := tx.Bucket(store.BucketQueueDead).Put(store.ScoreKey(score, id), data); err != nil {
		return err
	}
	if err := putIndex(tx, id, indexEntry{State: stateDead, Recipient: item.Notification.RecipientID, Score: score, Reason: reason}); err != nil {
		return err
	}
	// dead не входит в backlog: ёмкость ограничивает только ожидающие элементы.
	return addBacklog(tx, -1)
}

// DropPending удаляет ожидающий (ready либо delayed) элемент, например при
// вытеснении более сильным дубликатом. Inflight не трогается. Возвращает
// true, если элемент был найден и удалён.
func (m *Manager) DropPending(notifID string) (bool, error) {
	dropped := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		entry, ok, err := getIndex(tx, notifID)
		if err != nil || !ok {
			return err
		}
		key := store.ScoreKey(entry.Score, notifID)
		switch entry.State {
		case stateReady:
			sub := tx.Bucket(store.BucketQueueReady).Bucket([]byte(entry.Recipient))
			if sub == nil {
				return nil
			}
			if err := sub.Delete(key); err != nil {
				return err
			}
		case stateDelayed:
			if err := tx.Bucket(store.BucketQueueDelayed).Delete(key); err != nil {
				return err
			}
		default:
			return nil
		}
		dropped = true
		if err := tx.Bucket(store.BucketQueueIndex).Delete([]byte(notifID)); err != nil {
			return err
		}
		return addBacklog(tx, -1)
	})
	return dropped, err
}

// evictLowest находит ожидающий элемент с самым низким приоритетом
// (максимальный score среди ready) и переводит его в dead с причиной evicted.
// Новичок участвует в сравнении: если его собственный ready-score хуже всех
// ожидающих, вытеснения не происходит — более приоритетный элемент терять
// нельзя. Возвращает notif_id вытесненного либо пустую строку, когда ready
// пуст или новичок сам худший.
func evictLowest(tx *bolt.Tx, incoming notifications.Notification, now time.Time) (string, error) {
	var worstKey []byte
	var worstVal []byte
	var worstRecipient []byte

	ready := tx.Bucket(store.BucketQueueReady)
	err := ready.ForEachBucket(func(name []byte) error {
		k, v := ready.Bucket(name).Cursor().Last()
		if k == nil {
			return nil
		}
		if worstKey == nil || string(k) > string(worstKey) {
			worstKey = append([]byte(nil), k...)
			worstVal = append([]byte(nil), v...)
			worstRecipient = append([]byte(nil), name...)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if worstKey == nil {
		return "", nil
	}
	incomingKey := store.ScoreKey(encodeScore(readyScore(incoming)), incoming.NotifID)
	if string(incomingKey) >= string(worstKey) {
		return "", nil
	}

	var item notifications.QueueItem
	if err := json.Unmarshal(worstVal, &item); err != nil {
		return "", errors.Wrap(err, "unmarshal evicted item")
	}
	if err := ready.Bucket(worstRecipient).Delete(worstKey); err != nil {
		return "", err
	}
	if err := moveToDead(tx, item, notifications.ReasonEvicted, now); err != nil {
		return "", err
	}
	return item.Notification.NotifID, nil
}

// putIndex записывает положение элемента в индекс.
func putIndex(tx *bolt.Tx, notifID string, entry indexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal index entry")
	}
	return tx.Bucket(store.BucketQueueIndex).Put([]byte(notifID), data)
}

// getIndex читает положение элемента. ok=false — notif_id неизвестен.
func getIndex(tx *bolt.Tx, notifID string) (indexEntry, bool, error) {
	raw := tx.Bucket(store.BucketQueueIndex).Get([]byte(notifID))
	if raw == nil {
		return indexEntry{}, false, nil
	}
	var entry indexEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return indexEntry{}, false, errors.Wrap(err, "unmarshal index entry")
	}
	return entry, true, nil
}

// backlog возвращает число ожидающих элементов (ready+delayed+inflight).
func backlog(tx *bolt.Tx) int64 {
	raw := tx.Bucket(store.BucketCounters).Get(keyBacklog)
	if raw == nil {
		return 0
	}
	return int64(store.DecodeUint64(raw))
}

// addBacklog изменяет счётчик ожидающих элементов.
func addBacklog(tx *bolt.Tx, delta int64) error {
	next := backlog(tx) + delta
	if next < 0 {
		next = 0
	}
	return tx.Bucket(store.BucketCounters).Put(keyBacklog, store.EncodeUint64(uint64(next)))
}
