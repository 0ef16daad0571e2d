// Package profile — профили получателей: настройки доставки, пороги, тихие
// часы и отслеживаемые сущности. Единственный писатель — внешние вызовы API
// предпочтений; пайплайн только читает. Поверх bbolt держится TTL-кэш,
// инвалидируемый при каждой мутации.
package profile

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/infra/timeutil"
)

// Thresholds — минимальные величины, ниже которых события не интересны
// получателю. Нулевое значение означает «порога нет».
type Thresholds struct {
	MinTransactionAmount decimal.Decimal `json:"min_transaction_amount"`
	MinPositionSize      decimal.Decimal `json:"min_position_size"`
	MinPriceChange       decimal.Decimal `json:"min_price_change"`
}

// ForKind возвращает порог, применимый к событию данного типа.
// Для resolution порога нет: резолюция рынка значима всегда.
func (t Thresholds) ForKind(kind event.Kind) decimal.Decimal {
	switch kind {
	case event.KindTransaction:
		return t.MinTransactionAmount
	case event.KindPositionUpdate:
		return t.MinPositionSize
	case event.KindPriceUpdate, event.KindVolumeUpdate:
		return t.MinPriceChange
	default:
		return decimal.Zero
	}
}

// QuietHours — тихие часы в локальном времени получателя.
type QuietHours struct {
	Window   timeutil.DayWindow `json:"window"`
	Timezone string             `json:"timezone"`
}

// Location возвращает локацию тихих часов; при пустой или нераспознанной
// таймзоне — UTC.
func (q QuietHours) Location() *time.Location {
	if q.Timezone == "" {
		return time.UTC
	}
	loc, err := timeutil.ParseLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Profile — профиль получателя. RecipientID стабилен и служит ключом во всех
// хранилищах и лимитерах.
type Profile struct {
	SchemaVersion int    `json:"schema_version"`
	RecipientID   string `json:"recipient_id"`
	Enabled       bool   `json:"enabled"`

	// Kinds: типы событий, включённые получателем. Отсутствующий в карте
	// тип считается выключенным.
	Kinds map[event.Kind]bool `json:"kinds"`

	Thresholds Thresholds `json:"thresholds"`
	QuietHours QuietHours `json:"quiet_hours"`
	Language   string     `json:"language"`

	TrackedWallets []string `json:"tracked_wallets"`
	TrackedMarkets []string `json:"tracked_markets"`

	UpdatedAt time.Time `json:"updated_at"`
}

// KindEnabled сообщает, включён ли у получателя данный тип событий.
func (p *Profile) KindEnabled(kind event.Kind) bool {
	return p.Kinds[kind]
}

// Tracks сообщает, отслеживает ли получатель хотя бы одну из сущностей
// события (кошелёк либо рынок). Пустой subject не сопоставляется ни с чем.
func (p *Profile) Tracks(wallet, market string) bool {
	if wallet != "" {
		for _, w := range p.TrackedWallets {
			if w == wallet {
				return true
			}
		}
	}
	if market != "" {
		for _, m := range p.TrackedMarkets {
			if m == market {
				return true
			}
		}
	}
	return false
}

// Validate проверяет обязательные поля профиля перед записью.
func (p *Profile) Validate() error {
	if p.RecipientID == "" {
		return errors.New("profile: empty recipient_id")
	}
	for kind := range p.Kinds {
		if !kind.Known() {
			return errors.Errorf("profile: unknown kind %q", kind)
		}
	}
	if p.QuietHours.Timezone != "" {
		if _, err := timeutil.ParseLocation(p.QuietHours.Timezone); err != nil {
			return errors.Wrap(err, "profile: quiet hours timezone")
		}
	}
	return nil
}

// Default возвращает профиль с разумными значениями по умолчанию:
// все типы включены, порогов и тихих часов нет.
func Default(recipientID string) *Profile {
	kinds := make(map[event.Kind]bool, len(event.Kinds))
	for _, k := range event.Kinds {
		kinds[k] = true
	}
	return &Profile{
		SchemaVersion: 1,
		RecipientID:   recipientID,
		Enabled:       true,
		Kinds:         kinds,
		Language:      "en",
	}
}

// encode сериализует профиль для записи в bbolt.
func encode(p *Profile) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "marshal profile")
	}
	return data, nil
}

// decode восстанавливает профиль из байтов bbolt. Незнакомые поля
// игнорируются: схема forward-readable на один минорный шаг.
func decode(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal profile")
	}
	return &p, nil
}

// get читает профиль в рамках открытой транзакции.
func get(tx *bolt.Tx, bucket []byte, recipientID string) (*Profile, error) {
	raw := tx.Bucket(bucket).Get([]byte(recipientID))
	if raw == nil {
		return nil, nil
	}
	return decode(raw)
}
