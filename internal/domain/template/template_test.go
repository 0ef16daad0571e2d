package template

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/profile"
)

func testSelector() *Selector {
	n := 0
	return NewSelectorWithID(func() string {
		n++
		return "notif-" + string(rune('0'+n))
	})
}

func TestSelectTransactionBuckets(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := profile.Default("r-1")

	tests := []struct {
		name         string
		amount       int64
		wantTemplate string
		wantPriority notifications.Priority
	}{
		{"large", 5000, "tx_large", notifications.PriorityHigh},
		{"boundaryLargeExcluded", 1000, "tx_medium", notifications.PriorityMedium},
		{"medium", 500, "tx_medium", notifications.PriorityMedium},
		{"small", 50, "tx_small", notifications.PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := event.Event{
				EventID:       "evt-1",
				Kind:          event.KindTransaction,
				OccurredAt:    now,
				SubjectMarket: "mkt-1",
				Payload:       event.Payload{Amount: decimal.NewFromInt(tt.amount), Side: "buy"},
			}
			n, ok := testSelector().Select(ev, p, now)
			if !ok {
				t.Fatal("Select returned none")
			}
			if n.Correlation.TemplateID != tt.wantTemplate {
				t.Errorf("template = %s, want %s", n.Correlation.TemplateID, tt.wantTemplate)
			}
			if n.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", n.Priority, tt.wantPriority)
			}
		})
	}
}

func TestSelectResolutionUrgent(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ev := event.Event{
		EventID:       "evt-2",
		Kind:          event.KindResolution,
		OccurredAt:    now,
		SubjectMarket: "mkt-1",
		Payload:       event.Payload{Outcome: "yes"},
	}
	n, ok := testSelector().Select(ev, profile.Default("r-1"), now)
	if !ok {
		t.Fatal("Select returned none")
	}
	if n.Priority != notifications.PriorityUrgent {
		t.Errorf("priority = %s, want urgent", n.Priority)
	}
	if n.Correlation.TemplateID != "resolution_yes" {
		t.Errorf("template = %s, want resolution_yes", n.Correlation.TemplateID)
	}
	if !strings.Contains(n.Body, "mkt-1") {
		t.Errorf("body lacks market: %q", n.Body)
	}
}

func TestSelectUnknownKindNone(t *testing.T) {
	t.Parallel()
	ev := event.Event{EventID: "evt-3", Kind: event.Kind("mystery")}
	if _, ok := testSelector().Select(ev, profile.Default("r-1"), time.Now()); ok {
		t.Error("unknown kind produced a notification")
	}
}

func TestSelectDeterministicExceptID(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := event.Event{
		EventID:       "evt-4",
		Kind:          event.KindPriceUpdate,
		OccurredAt:    now,
		SubjectMarket: "mkt-2",
		Payload: event.Payload{
			PriceBefore: decimal.NewFromFloat(0.40),
			PriceAfter:  decimal.NewFromFloat(0.55),
		},
	}
	p := profile.Default("r-1")
	a, _ := NewSelectorWithID(func() string { return "x" }).Select(ev, p, now)
	b, _ := NewSelectorWithID(func() string { return "x" }).Select(ev, p, now)
	if a.DedupKey != b.DedupKey || a.Body != b.Body || a.Correlation.TemplateID != b.Correlation.TemplateID {
		t.Errorf("selection is not deterministic: %+v vs %+v", a, b)
	}
	if a.Correlation.TemplateID != "price_major" {
		t.Errorf("template = %s, want price_major", a.Correlation.TemplateID)
	}
}

func TestSelectRussianTexts(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := profile.Default("r-ru")
	p.Language = "ru"
	ev := event.Event{
		EventID:       "evt-5",
		Kind:          event.KindTransaction,
		OccurredAt:    now,
		SubjectMarket: "mkt-1",
		Payload:       event.Payload{Amount: decimal.NewFromInt(2000), Side: "sell"},
	}
	n, _ := testSelector().Select(ev, p, now)
	if n.Title != "Крупная сделка" {
		t.Errorf("title = %q", n.Title)
	}
	if !strings.Contains(n.Body, "Продажа") {
		t.Errorf("body = %q", n.Body)
	}
}

func TestDedupKeyStability(t *testing.T) {
	t.Parallel()
	base := event.Event{
		Kind:          event.KindTransaction,
		SubjectWallet: "0xabc",
		SubjectMarket: "mkt-1",
		Payload:       event.Payload{Amount: decimal.RequireFromString("5000.00"), Side: "buy"},
	}
	// Каноническая форма payload: 5000.00 и 5000.000 — одно значение.
	same := base
	same.Payload.Amount = decimal.RequireFromString("5000.000")
	if DedupKey("r-1", base) != DedupKey("r-1", same) {
		t.Error("equal payloads produced different dedup keys")
	}

	other := base
	other.Payload.Amount = decimal.NewFromInt(5001)
	if DedupKey("r-1", base) == DedupKey("r-1", other) {
		t.Error("different payloads produced the same dedup key")
	}
	if DedupKey("r-1", base) == DedupKey("r-2", base) {
		t.Error("different recipients produced the same dedup key")
	}
	if len(DedupKey("r-1", base)) != 16 {
		t.Errorf("dedup key %q is not 16 hex chars", DedupKey("r-1", base))
	}
}
