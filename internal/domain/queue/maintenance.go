package queue

// Фоновые обязанности очереди: продвижение созревших delayed, восстановление
// зависших inflight, ретеншн dead-letter и ручной возврат из него.

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/store"
)

// PromoteDue переводит элементы с scheduled_for ≤ now из delayed в ready.
// Возвращает число продвинутых элементов.
func (m *Manager) PromoteDue(now time.Time) (int, error) {
	promoted := 0
	limit := store.ScoreKey(encodeScore(now.UnixMilli()), "\xff")

	err := m.db.Update(func(tx *bolt.Tx) error {
		delayed := tx.Bucket(store.BucketQueueDelayed)
		cursor := delayed.Cursor()
		for k, v := cursor.First(); k != nil && string(k) <= string(limit); k, v = cursor.Next() {
			var item notifications.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				logger.Errorf("queue: unreadable delayed item, dropping: %v", err)
				if err := cursor.Delete(); err != nil {
					return err
				}
				continue
			}
			if err := cursor.Delete(); err != nil {
				return err
			}

			n := item.Notification
			score := encodeScore(readyScore(n))
			sub, err := tx.Bucket(store.BucketQueueReady).CreateBucketIfNotExists([]byte(n.RecipientID))
			if err != nil {
				return errors.Wrap(err, "create ready bucket")
			}
			data, err := json.Marshal(item)
			if err != nil {
				return errors.Wrap(err, "marshal ready item")
			}
			if err := sub.Put(store.ScoreKey(score, n.NotifID), data); err != nil {
				return err
			}
			if err := putIndex(tx, n.NotifID, indexEntry{State: stateReady, Recipient: n.RecipientID, Score: score}); err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "promote due")
	}
	return promoted, nil
}

// SweepInflight возвращает элементы с истёкшим visible_at обратно в оборот
// как transient-сбой: та же политика ретраев, что и у явного Fail. Элементы,
// не исчерпавшие попытки, уходят в delayed; исчерпавшие — в dead.
func (m *Manager) SweepInflight(now time.Time) (int, error) {
	swept := 0
	limit := store.ScoreKey(encodeScore(now.UnixMilli()), "\xff")

	err := m.db.Update(func(tx *bolt.Tx) error {
		inflight := tx.Bucket(store.BucketQueueInflight)
		cursor := inflight.Cursor()
		for k, v := cursor.First(); k != nil && string(k) <= string(limit); k, v = cursor.Next() {
			var item notifications.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				logger.Errorf("queue: unreadable inflight item, dropping: %v", err)
				if err := cursor.Delete(); err != nil {
					return err
				}
				continue
			}
			if err := cursor.Delete(); err != nil {
				return err
			}

			item.Attempts++
			item.LastAttemptAt = now
			item.VisibleAt = time.Time{}
			if item.Attempts >= m.cfg.MaxAttempts {
				if err := moveToDead(tx, item, notifications.ReasonMaxAttempts, now); err != nil {
					return err
				}
			} else {
				delay := m.retryDelay(item.Attempts)
				item.RetryDelay = delay
				item.Notification.ScheduledFor = now.Add(delay)
				if err := place(tx, item, now); err != nil {
					return err
				}
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "sweep inflight")
	}
	if swept > 0 {
		logger.Warnf("queue: recovered %d expired inflight items", swept)
	}
	return swept, nil
}

// PurgeDead удаляет из dead-letter записи старше retention.
func (m *Manager) PurgeDead(retention time.Duration, now time.Time) (int, error) {
	purged := 0
	limit := store.ScoreKey(encodeScore(now.Add(-retention).UnixMilli()), "\xff")

	err := m.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(store.BucketQueueDead).Cursor()
		for k, _ := cursor.First(); k != nil && string(k) <= string(limit); k, _ = cursor.Next() {
			_, id := store.SplitScoreKey(k)
			if err := cursor.Delete(); err != nil {
				return err
			}
			if err := tx.Bucket(store.BucketQueueIndex).Delete([]byte(id)); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "purge dead")
	}
	return purged, nil
}

// RequeueDead возвращает элемент из dead-letter в оборот со сброшенными
// попытками. Возвращает false, если notif_id не находится в dead.
func (m *Manager) RequeueDead(notifID string, now time.Time) (bool, error) {
	requeued := false
	err := m.db.Update(func(tx *bolt.Tx) error {
		entry, ok, err := getIndex(tx, notifID)
		if err != nil || !ok || entry.State != stateDead {
			return err
		}
		key := store.ScoreKey(entry.Score, notifID)
		raw := tx.Bucket(store.BucketQueueDead).Get(key)
		if raw == nil {
			return nil
		}
		var dead deadEntry
		if err := json.Unmarshal(raw, &dead); err != nil {
			return errors.Wrap(err, "unmarshal dead entry")
		}
		if err := tx.Bucket(store.BucketQueueDead).Delete(key); err != nil {
			return err
		}

		item := dead.Item
		item.Attempts = 0
		item.RetryDelay = 0
		item.VisibleAt = time.Time{}
		item.Notification.ScheduledFor = now
		if err := place(tx, item, now); err != nil {
			return err
		}
		requeued = true
		return addBacklog(tx, 1)
	})
	return requeued, err
}

// ListDead возвращает до maxN записей dead-letter в порядке попадания.
func (m *Manager) ListDead(maxN int) ([]DeadItem, error) {
	var out []DeadItem
	err := m.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(store.BucketQueueDead).Cursor()
		for k, v := cursor.First(); k != nil && (maxN <= 0 || len(out) < maxN); k, v = cursor.Next() {
			var dead deadEntry
			if err := json.Unmarshal(v, &dead); err != nil {
				continue
			}
			out = append(out, DeadItem{Item: dead.Item, Reason: dead.Reason, DeadAt: dead.DeadAt})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list dead")
	}
	return out, nil
}

// DeadItem — публичное представление записи dead-letter.
type DeadItem struct {
	Item   notifications.QueueItem `json:"item"`
	Reason string                  `json:"reason"`
	DeadAt time.Time               `json:"dead_at"`
}

// Depths — текущие размеры под-состояний очереди.
type Depths struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Inflight int `json:"inflight"`
	Dead     int `json:"dead"`
}

// Depths возвращает размеры под-состояний. Ready суммируется по получателям.
func (m *Manager) Depths() (Depths, error) {
	var d Depths
	err := m.db.View(func(tx *bolt.Tx) error {
		ready := tx.Bucket(store.BucketQueueReady)
		if err := ready.ForEachBucket(func(name []byte) error {
			d.Ready += ready.Bucket(name).Stats().KeyN
			return nil
		}); err != nil {
			return err
		}
		d.Delayed = tx.Bucket(store.BucketQueueDelayed).Stats().KeyN
		d.Inflight = tx.Bucket(store.BucketQueueInflight).Stats().KeyN
		d.Dead = tx.Bucket(store.BucketQueueDead).Stats().KeyN
		return nil
	})
	if err != nil {
		return Depths{}, errors.Wrap(err, "queue depths")
	}
	return d, nil
}

// RecipientsWithReady возвращает получателей с непустым ready-множеством.
func (m *Manager) RecipientsWithReady() ([]string, error) {
	var out []string
	err := m.db.View(func(tx *bolt.Tx) error {
		ready := tx.Bucket(store.BucketQueueReady)
		return ready.ForEachBucket(func(name []byte) error {
			if ready.Bucket(name).Stats().KeyN > 0 {
				out = append(out, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "ready recipients")
	}
	return out, nil
}
