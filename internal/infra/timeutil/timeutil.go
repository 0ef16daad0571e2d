// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон (IANA и UTC‑смещения) и «тихие окна» вида HH:MM–HH:MM,
// в том числе окна, пересекающие полночь.
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA‑таймзону (например, "Europe/Moscow"),
// либо UTC‑смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Сначала пробуем IANA.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := parseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// offsetRe покрывает формы +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM.
var offsetRe = regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)

// parseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func parseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)

	m := offsetRe.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil || hours > 14 {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		if mins, err = strconv.Atoi(m[3]); err != nil || mins > 59 {
			return nil, false
		}
	}
	offset := sign * (hours*3600 + mins*60)
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// DayWindow — интервал внутри суток [From, To) в минутах от полуночи.
// Если From > To, окно пересекает полночь (например, 22:00–08:00).
type DayWindow struct {
	From int // минуты от полуночи, включительно
	To   int // минуты от полуночи, исключительно
}

// ParseDayWindow разбирает окно формата "HH:MM-HH:MM". Пустая строка
// трактуется как отсутствие окна (zero value; Contains всегда false).
func ParseDayWindow(value string) (DayWindow, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return DayWindow{}, nil
	}
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return DayWindow{}, fmt.Errorf("invalid day window %q: expected HH:MM-HH:MM", value)
	}
	from, err := parseClock(parts[0])
	if err != nil {
		return DayWindow{}, fmt.Errorf("invalid day window %q: %w", value, err)
	}
	to, err := parseClock(parts[1])
	if err != nil {
		return DayWindow{}, fmt.Errorf("invalid day window %q: %w", value, err)
	}
	return DayWindow{From: from, To: to}, nil
}

// parseClock разбирает "HH:MM" в минуты от полуночи.
func parseClock(value string) (int, error) {
	v := strings.TrimSpace(value)
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", value)
	}
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q: %w", value, err)
	}
	minute, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time %q out of range", value)
	}
	return hour*60 + minute, nil
}

// IsZero сообщает, что окно не задано.
func (w DayWindow) IsZero() bool { return w.From == 0 && w.To == 0 }

// Contains проверяет, попадает ли локальное время t в окно.
// Окна через полночь (From > To) трактуются как [From, 24:00) ∪ [00:00, To).
func (w DayWindow) Contains(t time.Time) bool {
	if w.IsZero() {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	if w.From <= w.To {
		return minutes >= w.From && minutes < w.To
	}
	return minutes >= w.From || minutes < w.To
}

// NextEnd возвращает ближайший момент окончания окна после t (граница To
// в локальной таймзоне t). Для t вне окна возвращает само t.
func (w DayWindow) NextEnd(t time.Time) time.Time {
	if !w.Contains(t) {
		return t
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), w.To/60, w.To%60, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}
