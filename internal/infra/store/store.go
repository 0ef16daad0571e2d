// Package store — единственное разделяемое изменяемое состояние пайплайна:
// обёртка над bbolt с фиксированной схемой бакетов. Все многоключевые мутации
// (enqueue, переводы между под-состояниями очереди, ретраи) выполняются внутри
// одной bbolt-транзакции, что даёт атомарность без серверных скриптов.
//
// Схема версионируется через meta/schema_version; читатели обязаны терпеть
// незнакомые JSON-поля (forward-readable на один минорный шаг).
package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/infra/logger"
)

// SchemaVersion — текущая версия схемы persist-слоя.
const SchemaVersion = 1

// Имена бакетов. Строки стабильны: они попадают на диск.
var (
	BucketMeta           = []byte("meta")
	BucketProfiles       = []byte("profiles")
	BucketInterestWallet = []byte("interest_wallet")
	BucketInterestMarket = []byte("interest_market")
	BucketInterestGlobal = []byte("interest_global")
	BucketQueueReady     = []byte("queue_ready") // вложенные бакеты по recipient_id
	BucketQueueDelayed   = []byte("queue_delayed")
	BucketQueueInflight  = []byte("queue_inflight")
	BucketQueueDead      = []byte("queue_dead")
	BucketQueueIndex     = []byte("queue_index") // notif_id -> положение элемента
	BucketDedup          = []byte("dedup")
	BucketCounters       = []byte("counters")

	keySchemaVersion = []byte("schema_version")
)

// ErrUnreachable сигнализирует, что хранилище не удалось открыть после ретраев.
// Верхний уровень транслирует её в выходной код 2.
var ErrUnreachable = errors.New("store: unreachable")

const (
	openRetries    = 3
	openRetryDelay = time.Second
	openTimeout    = 5 * time.Second
	filePerm       = 0o600
)

// DB — открытая база пайплайна.
type DB struct {
	bolt *bolt.DB
}

// Open открывает (или создаёт) файл bbolt, гарантирует каталог и схему бакетов.
// Несколько попыток с паузой защищают от гонки за файловый лок при рестартах;
// после исчерпания попыток возвращается ErrUnreachable.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "create store dir")
		}
	}

	var db *bolt.DB
	var err error
	for attempt := 0; attempt < openRetries; attempt++ {
		db, err = bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
		if err == nil {
			break
		}
		logger.Warnf("store: open attempt %d failed: %v", attempt+1, err)
		time.Sleep(openRetryDelay)
	}
	if err != nil {
		return nil, errors.Wrap(ErrUnreachable, err.Error())
	}

	s := &DB{bolt: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema создаёт бакеты и проверяет совместимость версии схемы.
// Версия на диске больше текущей на >1 минор — отказ: читать такой формат нельзя.
func (s *DB) ensureSchema() error {
	return s.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			BucketMeta, BucketProfiles,
			BucketInterestWallet, BucketInterestMarket, BucketInterestGlobal,
			BucketQueueReady, BucketQueueDelayed, BucketQueueInflight, BucketQueueDead,
			BucketQueueIndex, BucketDedup, BucketCounters,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}

		meta := tx.Bucket(BucketMeta)
		raw := meta.Get(keySchemaVersion)
		if raw == nil {
			return meta.Put(keySchemaVersion, EncodeUint64(SchemaVersion))
		}
		onDisk := DecodeUint64(raw)
		if onDisk > SchemaVersion+1 {
			return errors.Errorf("schema version %d on disk is ahead of supported %d", onDisk, SchemaVersion)
		}
		if onDisk < SchemaVersion {
			logger.Infof("store: migrating schema %d -> %d", onDisk, SchemaVersion)
			return meta.Put(keySchemaVersion, EncodeUint64(SchemaVersion))
		}
		return nil
	})
}

// Close закрывает базу.
func (s *DB) Close() error {
	return s.bolt.Close()
}

// Update выполняет мутирующую транзакцию.
func (s *DB) Update(fn func(tx *bolt.Tx) error) error {
	return s.bolt.Update(fn)
}

// View выполняет читающую транзакцию.
func (s *DB) View(fn func(tx *bolt.Tx) error) error {
	return s.bolt.View(fn)
}

// EncodeUint64 кодирует значение big-endian: лексикографический порядок ключей
// совпадает с числовым, что и даёт «сортированные множества» поверх bbolt.
func EncodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// DecodeUint64 — обратная операция к EncodeUint64.
func DecodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// ScoreKey строит ключ «score + id»: первые 8 байт — big-endian score, далее id.
// Курсор bbolt обходит такие ключи в порядке возрастания score; id в хвосте даёт
// детерминированный tie-break.
func ScoreKey(score uint64, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key[:8], score)
	copy(key[8:], id)
	return key
}

// SplitScoreKey извлекает score и id из ключа, построенного ScoreKey.
func SplitScoreKey(key []byte) (score uint64, id string) {
	if len(key) < 8 {
		return 0, string(key)
	}
	return binary.BigEndian.Uint64(key[:8]), string(key[8:])
}
