package profile

// Хранилище профилей: bbolt как источник истины, небольшой TTL-кэш поверх.
// Кэш существует ради горячего пути фильтра предпочтений (одно чтение на
// уведомление); любая мутация профиля синхронно инвалидирует запись и
// уведомляет подписчиков (сброс per-recipient лимитеров и т.п.).

import (
	"sync"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/store"
)

// cacheTTL ограничивает время жизни записи кэша: даже без событий
// инвалидации профиль перечитывается из bbolt не реже раза в TTL.
const cacheTTL = 5 * time.Minute

// ErrNotFound возвращается, когда профиль получателя отсутствует.
var ErrNotFound = errors.New("profile: not found")

// InvalidateFunc вызывается после каждой мутации профиля.
type InvalidateFunc func(recipientID string)

type cacheEntry struct {
	profile  *Profile
	cachedAt time.Time
}

// Store — CRUD профилей получателей.
type Store struct {
	db *store.DB

	mu    sync.RWMutex
	cache map[string]cacheEntry

	invalidateMu sync.RWMutex
	onInvalidate []InvalidateFunc
}

// NewStore создаёт хранилище профилей поверх открытой базы.
func NewStore(db *store.DB) *Store {
	return &Store{
		db:    db,
		cache: make(map[string]cacheEntry),
	}
}

// OnInvalidate регистрирует подписчика на мутации профилей.
// Подписчики вызываются синхронно после успешной записи в bbolt.
func (s *Store) OnInvalidate(fn InvalidateFunc) {
	if fn == nil {
		return
	}
	s.invalidateMu.Lock()
	defer s.invalidateMu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Get возвращает профиль получателя. Сначала проверяется кэш; промах или
// истёкший TTL ведут к чтению из bbolt. Отсутствующий профиль — ErrNotFound.
func (s *Store) Get(recipientID string) (*Profile, error) {
	s.mu.RLock()
	entry, ok := s.cache[recipientID]
	s.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < cacheTTL {
		return entry.profile, nil
	}

	var p *Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		var getErr error
		p, getErr = get(tx, store.BucketProfiles, recipientID)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	s.cache[recipientID] = cacheEntry{profile: p, cachedAt: time.Now()}
	s.mu.Unlock()
	return p, nil
}

// Put валидирует и записывает профиль, затем инвалидирует кэш.
func (s *Store) Put(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	clone := *p
	clone.SchemaVersion = 1
	clone.UpdatedAt = time.Now().UTC()

	data, err := encode(&clone)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketProfiles).Put([]byte(clone.RecipientID), data)
	})
	if err != nil {
		return errors.Wrap(err, "put profile")
	}

	s.invalidate(clone.RecipientID)
	logger.Debugf("profile: updated %s", clone.RecipientID)
	return nil
}

// Delete удаляет профиль. Удаление отсутствующего профиля — no-op.
func (s *Store) Delete(recipientID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketProfiles).Delete([]byte(recipientID))
	})
	if err != nil {
		return errors.Wrap(err, "delete profile")
	}
	s.invalidate(recipientID)
	return nil
}

// List возвращает все профили в порядке recipient_id.
func (s *Store) List() ([]*Profile, error) {
	var out []*Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketProfiles).ForEach(func(_, v []byte) error {
			p, decErr := decode(v)
			if decErr != nil {
				return decErr
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list profiles")
	}
	return out, nil
}

// invalidate выбрасывает запись из кэша и уведомляет подписчиков.
func (s *Store) invalidate(recipientID string) {
	s.mu.Lock()
	delete(s.cache, recipientID)
	s.mu.Unlock()

	s.invalidateMu.RLock()
	subs := s.onInvalidate
	s.invalidateMu.RUnlock()
	for _, fn := range subs {
		fn(recipientID)
	}
}
