// Package interest — индекс подписок: по событию отвечает на вопрос «каким
// получателям оно интересно». Ключи — кошелёк, рынок и глобальная подписка;
// ответ — объединение множеств без дубликатов. Все операции идемпотентны.
//
// Представление в bbolt: в бакетах interest_wallet / interest_market лежат
// вложенные бакеты на каждую сущность, внутри — recipient_id как ключ с пустым
// значением. Глобальные подписки — плоский бакет interest_global.
package interest

import (
	"sort"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/infra/store"
)

// SubjectKind различает виды ключей индекса.
type SubjectKind string

const (
	SubjectWallet SubjectKind = "wallet"
	SubjectMarket SubjectKind = "market"
	SubjectGlobal SubjectKind = "global"
)

// Index — индекс подписок поверх bbolt.
type Index struct {
	db *store.DB
}

// NewIndex создаёт индекс поверх открытой базы.
func NewIndex(db *store.DB) *Index {
	return &Index{db: db}
}

// Add подписывает получателя на сущность. Для SubjectGlobal значение subject
// игнорируется. Повторная подписка — no-op.
func (ix *Index) Add(recipientID string, kind SubjectKind, subject string) error {
	if recipientID == "" {
		return errors.New("interest: empty recipient_id")
	}
	if kind != SubjectGlobal && subject == "" {
		return errors.Errorf("interest: empty subject for %s", kind)
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		switch kind {
		case SubjectGlobal:
			return tx.Bucket(store.BucketInterestGlobal).Put([]byte(recipientID), nil)
		case SubjectWallet, SubjectMarket:
			sub, err := bucketFor(tx, kind).CreateBucketIfNotExists([]byte(subject))
			if err != nil {
				return errors.Wrapf(err, "create subject bucket %s", subject)
			}
			return sub.Put([]byte(recipientID), nil)
		default:
			return errors.Errorf("interest: unknown subject kind %q", kind)
		}
	})
}

// Remove снимает подписку. Отсутствующая подписка — no-op.
func (ix *Index) Remove(recipientID string, kind SubjectKind, subject string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		switch kind {
		case SubjectGlobal:
			return tx.Bucket(store.BucketInterestGlobal).Delete([]byte(recipientID))
		case SubjectWallet, SubjectMarket:
			sub := bucketFor(tx, kind).Bucket([]byte(subject))
			if sub == nil {
				return nil
			}
			return sub.Delete([]byte(recipientID))
		default:
			return errors.Errorf("interest: unknown subject kind %q", kind)
		}
	})
}

// Interested возвращает объединение получателей, подписанных на кошелёк и
// рынок события плюс глобальные подписчики. Результат отсортирован и не
// содержит дубликатов; пустой ответ — нормальный исход, не ошибка.
func (ix *Index) Interested(ev event.Event) ([]string, error) {
	seen := make(map[string]struct{})
	err := ix.db.View(func(tx *bolt.Tx) error {
		if ev.SubjectWallet != "" {
			collect(tx.Bucket(store.BucketInterestWallet).Bucket([]byte(ev.SubjectWallet)), seen)
		}
		if ev.SubjectMarket != "" {
			collect(tx.Bucket(store.BucketInterestMarket).Bucket([]byte(ev.SubjectMarket)), seen)
		}
		return tx.Bucket(store.BucketInterestGlobal).ForEach(func(k, _ []byte) error {
			seen[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "interest lookup")
	}
	return sorted(seen), nil
}

// AllRecipients возвращает всех получателей, встречающихся где-либо в индексе.
// Используется для широковещательных уведомлений.
func (ix *Index) AllRecipients() ([]string, error) {
	seen := make(map[string]struct{})
	err := ix.db.View(func(tx *bolt.Tx) error {
		for _, kind := range []SubjectKind{SubjectWallet, SubjectMarket} {
			err := bucketFor(tx, kind).ForEachBucket(func(name []byte) error {
				collect(bucketFor(tx, kind).Bucket(name), seen)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return tx.Bucket(store.BucketInterestGlobal).ForEach(func(k, _ []byte) error {
			seen[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "interest scan")
	}
	return sorted(seen), nil
}

// IsGlobal сообщает, подписан ли получатель на глобальный ключ.
func (ix *Index) IsGlobal(recipientID string) (bool, error) {
	var global bool
	err := ix.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(store.BucketInterestGlobal).Cursor()
		k, _ := cursor.Seek([]byte(recipientID))
		global = string(k) == recipientID
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "interest global lookup")
	}
	return global, nil
}

// DropRecipient удаляет получателя из всех множеств индекса. Вызывается при
// удалении профиля.
func (ix *Index) DropRecipient(recipientID string) error {
	key := []byte(recipientID)
	return ix.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range []SubjectKind{SubjectWallet, SubjectMarket} {
			parent := bucketFor(tx, kind)
			err := parent.ForEachBucket(func(name []byte) error {
				return parent.Bucket(name).Delete(key)
			})
			if err != nil {
				return err
			}
		}
		return tx.Bucket(store.BucketInterestGlobal).Delete(key)
	})
}

// SyncProfile приводит подписки получателя в соответствие с наборами
// отслеживаемых сущностей профиля: старые снимаются, новые добавляются.
func (ix *Index) SyncProfile(recipientID string, wallets, markets []string) error {
	key := []byte(recipientID)
	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := syncSubjects(bucketFor(tx, SubjectWallet), key, wallets); err != nil {
			return err
		}
		return syncSubjects(bucketFor(tx, SubjectMarket), key, markets)
	})
}

// syncSubjects реализует реконсиляцию одного вида: проход по всем вложенным
// бакетам снимает устаревшие подписки, затем добавляются актуальные.
func syncSubjects(parent *bolt.Bucket, recipient []byte, subjects []string) error {
	want := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		want[s] = struct{}{}
	}

	if err := parent.ForEachBucket(func(name []byte) error {
		if _, keep := want[string(name)]; !keep {
			return parent.Bucket(name).Delete(recipient)
		}
		return nil
	}); err != nil {
		return err
	}

	for s := range want {
		sub, err := parent.CreateBucketIfNotExists([]byte(s))
		if err != nil {
			return errors.Wrapf(err, "create subject bucket %s", s)
		}
		if err := sub.Put(recipient, nil); err != nil {
			return err
		}
	}
	return nil
}

func bucketFor(tx *bolt.Tx, kind SubjectKind) *bolt.Bucket {
	if kind == SubjectWallet {
		return tx.Bucket(store.BucketInterestWallet)
	}
	return tx.Bucket(store.BucketInterestMarket)
}

func collect(b *bolt.Bucket, into map[string]struct{}) {
	if b == nil {
		return
	}
	_ = b.ForEach(func(k, _ []byte) error {
		into[string(k)] = struct{}{}
		return nil
	})
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
