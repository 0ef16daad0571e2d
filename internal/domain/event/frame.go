package event

// Кадры апстрим-потока. Каждый кадр — JSON-объект с полем type; помимо событий
// апстрим шлёт heartbeat и сигнал rate_limited с временем снятия ограничения.

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

// FrameType — тип кадра апстрима.
type FrameType string

const (
	FrameEvent       FrameType = "event"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameRateLimited FrameType = "rate_limited"
)

// Frame — декодированный кадр потока. Для FrameEvent заполнено Event,
// для FrameRateLimited — ResetAt.
type Frame struct {
	Type    FrameType
	Event   Event
	ResetAt time.Time
}

// wireFrame — сырой формат кадра на проводе. SchemaVersion проверяется мягко:
// читаем на один минор вперёд, незнакомые поля игнорируются.
type wireFrame struct {
	SchemaVersion int             `json:"schema_version"`
	Type          FrameType       `json:"type"`
	Event         json.RawMessage `json:"event,omitempty"`
	ResetAtUnix   int64           `json:"reset_at,omitempty"`
}

// DecodeFrame разбирает один кадр. Ошибка декодирования трактуется адаптером
// как parse error конкретного кадра: счётчик растёт, поток продолжается.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}

	switch w.Type {
	case FrameHeartbeat:
		return Frame{Type: FrameHeartbeat}, nil
	case FrameRateLimited:
		f := Frame{Type: FrameRateLimited}
		if w.ResetAtUnix > 0 {
			f.ResetAt = time.Unix(w.ResetAtUnix, 0).UTC()
		}
		return f, nil
	case FrameEvent:
		if len(w.Event) == 0 {
			return Frame{}, errors.New("event frame without event body")
		}
		var ev Event
		if err := json.Unmarshal(w.Event, &ev); err != nil {
			return Frame{}, errors.Wrap(err, "decode event")
		}
		if err := ev.Validate(); err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameEvent, Event: ev}, nil
	default:
		return Frame{}, errors.Errorf("unknown frame type %q", w.Type)
	}
}
