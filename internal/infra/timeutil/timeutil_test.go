package timeutil_test

import (
	"testing"
	"time"

	"marketnotify/internal/infra/timeutil"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		value   string
		wantErr bool
		offset  int // секунды; проверяется только для fixed-зон
		fixed   bool
	}{
		{name: "iana", value: "Europe/Moscow"},
		{name: "offsetColon", value: "+03:00", fixed: true, offset: 3 * 3600},
		{name: "offsetCompact", value: "-0700", fixed: true, offset: -7 * 3600},
		{name: "utcPrefix", value: "UTC+3", fixed: true, offset: 3 * 3600},
		{name: "zulu", value: "Z", fixed: true, offset: 0},
		{name: "empty", value: "", wantErr: true},
		{name: "garbage", value: "Not/AZone+", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			loc, err := timeutil.ParseLocation(tc.value)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLocation(%q) expected error, got %v", tc.value, loc)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLocation(%q) unexpected error: %v", tc.value, err)
			}
			if tc.fixed {
				_, off := time.Date(2026, 1, 15, 12, 0, 0, 0, loc).Zone()
				if off != tc.offset {
					t.Fatalf("ParseLocation(%q) offset = %d, want %d", tc.value, off, tc.offset)
				}
			}
		})
	}
}

func TestDayWindowContains(t *testing.T) {
	t.Parallel()

	at := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 10, hour, minute, 0, 0, time.UTC)
	}

	cases := []struct {
		name   string
		window string
		at     time.Time
		want   bool
	}{
		{name: "insideSimple", window: "09:00-18:00", at: at(12, 30), want: true},
		{name: "beforeSimple", window: "09:00-18:00", at: at(8, 59), want: false},
		{name: "atEndExclusive", window: "09:00-18:00", at: at(18, 0), want: false},
		{name: "overnightLate", window: "22:00-08:00", at: at(23, 0), want: true},
		{name: "overnightEarly", window: "22:00-08:00", at: at(7, 59), want: true},
		{name: "overnightOutside", window: "22:00-08:00", at: at(12, 0), want: false},
		{name: "zeroWindow", window: "", at: at(12, 0), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w, err := timeutil.ParseDayWindow(tc.window)
			if err != nil {
				t.Fatalf("ParseDayWindow(%q) error: %v", tc.window, err)
			}
			if got := w.Contains(tc.at); got != tc.want {
				t.Fatalf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestDayWindowNextEnd(t *testing.T) {
	t.Parallel()

	w, err := timeutil.ParseDayWindow("22:00-08:00")
	if err != nil {
		t.Fatalf("ParseDayWindow error: %v", err)
	}

	// 23:00 внутри okна: конец — завтрашние 08:00.
	late := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	gotLate := w.NextEnd(late)
	wantLate := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !gotLate.Equal(wantLate) {
		t.Fatalf("NextEnd(23:00) = %v, want %v", gotLate, wantLate)
	}

	// 07:00 внутри окна: конец — сегодняшние 08:00.
	early := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
	gotEarly := w.NextEnd(early)
	wantEarly := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if !gotEarly.Equal(wantEarly) {
		t.Fatalf("NextEnd(07:00) = %v, want %v", gotEarly, wantEarly)
	}

	// Вне окна NextEnd возвращает вход как есть.
	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if got := w.NextEnd(noon); !got.Equal(noon) {
		t.Fatalf("NextEnd(noon) = %v, want %v", got, noon)
	}
}

func TestParseDayWindowErrors(t *testing.T) {
	t.Parallel()

	for _, value := range []string{"22:00", "25:00-08:00", "22:61-08:00", "a-b"} {
		if _, err := timeutil.ParseDayWindow(value); err == nil {
			t.Fatalf("ParseDayWindow(%q) expected error", value)
		}
	}
}
