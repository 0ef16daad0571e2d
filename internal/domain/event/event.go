// Package event — доменные модели рыночных событий, приходящих из апстрима.
// Событие неизменяемо после декодирования кадра; все суммы и цены хранятся как
// decimal, чтобы сравнение с порогами получателей было точным, а каноническая
// форма payload — стабильной для хэширования ключей дедупликации.
package event

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind — вид рыночного события. Строковые метки стабильны: они попадают в
// persist и в ключи дедупликации.
type Kind string

const (
	KindTransaction    Kind = "transaction"
	KindPositionUpdate Kind = "position_update"
	KindResolution     Kind = "resolution"
	KindPriceUpdate    Kind = "price_update"
	KindVolumeUpdate   Kind = "volume_update"
)

// Kinds перечисляет все известные виды событий в стабильном порядке.
var Kinds = []Kind{KindTransaction, KindPositionUpdate, KindResolution, KindPriceUpdate, KindVolumeUpdate}

// Known сообщает, распознан ли вид события.
func (k Kind) Known() bool {
	switch k {
	case KindTransaction, KindPositionUpdate, KindResolution, KindPriceUpdate, KindVolumeUpdate:
		return true
	default:
		return false
	}
}

// PositionAction — направление изменения позиции.
type PositionAction string

const (
	PositionOpened    PositionAction = "opened"
	PositionIncreased PositionAction = "increased"
	PositionDecreased PositionAction = "decreased"
	PositionClosed    PositionAction = "closed"
)

// Payload — kind-специфичные данные события. Поля, не относящиеся к виду,
// остаются нулевыми; omitempty держит JSON компактным.
type Payload struct {
	// transaction
	Amount decimal.Decimal `json:"amount,omitempty"`
	Side   string          `json:"side,omitempty"` // buy | sell

	// position_update
	PositionSize  decimal.Decimal `json:"position_size,omitempty"`
	PositionDelta decimal.Decimal `json:"position_delta,omitempty"`
	Action        PositionAction  `json:"action,omitempty"`

	// resolution
	Outcome string `json:"outcome,omitempty"` // yes | no | invalid | ...

	// price_update
	PriceBefore decimal.Decimal `json:"price_before,omitempty"`
	PriceAfter  decimal.Decimal `json:"price_after,omitempty"`

	// volume_update
	Volume decimal.Decimal `json:"volume,omitempty"`
}

// Event — единица входного потока. IngestSeq присваивается адаптером источника
// и монотонно растёт в пределах одного соединения; разрывы последовательности —
// информационный сигнал, не ошибка.
type Event struct {
	EventID       string    `json:"event_id"`
	Kind          Kind      `json:"kind"`
	OccurredAt    time.Time `json:"occurred_at"`
	SubjectWallet string    `json:"subject_wallet,omitempty"`
	SubjectMarket string    `json:"subject_market,omitempty"`
	IngestSeq     uint64    `json:"ingest_seq"`
	Payload       Payload   `json:"payload"`
}

// Validate проверяет минимальные инварианты события. Неизвестный kind не
// считается ошибкой валидации: селектор шаблонов вернёт none, и событие будет
// учтено как dropped-with-reason.
func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("event: empty event_id")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("event: zero occurred_at")
	}
	return nil
}

// Magnitude возвращает «величину» события для сравнения с порогом получателя:
// сумма сделки, абсолютная дельта позиции, абсолютное изменение цены или объём.
// Для resolutions порогов нет — возвращается ноль (стадия порога пропускает).
func (e Event) Magnitude() decimal.Decimal {
	switch e.Kind {
	case KindTransaction:
		return e.Payload.Amount.Abs()
	case KindPositionUpdate:
		if !e.Payload.PositionDelta.IsZero() {
			return e.Payload.PositionDelta.Abs()
		}
		return e.Payload.PositionSize.Abs()
	case KindPriceUpdate:
		return e.Payload.PriceAfter.Sub(e.Payload.PriceBefore).Abs()
	case KindVolumeUpdate:
		return e.Payload.Volume.Abs()
	default:
		return decimal.Zero
	}
}

// CanonicalPayload возвращает стабильную строковую форму payload для
// хэширования ключа дедупликации. Порядок полей фиксирован; decimal
// сериализуется через String(), что нормализует экспоненту.
func (e Event) CanonicalPayload() string {
	var b strings.Builder
	b.Grow(64)
	switch e.Kind {
	case KindTransaction:
		b.WriteString("amount=")
		b.WriteString(e.Payload.Amount.String())
		b.WriteString(";side=")
		b.WriteString(e.Payload.Side)
	case KindPositionUpdate:
		b.WriteString("size=")
		b.WriteString(e.Payload.PositionSize.String())
		b.WriteString(";delta=")
		b.WriteString(e.Payload.PositionDelta.String())
		b.WriteString(";action=")
		b.WriteString(string(e.Payload.Action))
	case KindResolution:
		b.WriteString("outcome=")
		b.WriteString(e.Payload.Outcome)
	case KindPriceUpdate:
		b.WriteString("before=")
		b.WriteString(e.Payload.PriceBefore.String())
		b.WriteString(";after=")
		b.WriteString(e.Payload.PriceAfter.String())
	case KindVolumeUpdate:
		b.WriteString("volume=")
		b.WriteString(e.Payload.Volume.String())
	}
	return b.String()
}
