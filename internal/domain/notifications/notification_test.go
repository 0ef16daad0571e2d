package notifications

import (
	"reflect"
	"testing"
	"time"
)

func TestPriorityWeight(t *testing.T) {
	t.Parallel()
	tests := []struct {
		priority Priority
		want     int64
	}{
		{PriorityUrgent, 1000},
		{PriorityHigh, 100},
		{PriorityMedium, 10},
		{PriorityLow, 1},
		{Priority("bogus"), 1},
	}
	for _, tt := range tests {
		if got := tt.priority.Weight(); got != tt.want {
			t.Errorf("Weight(%q) = %d, want %d", tt.priority, got, tt.want)
		}
	}
}

func TestPriorityLess(t *testing.T) {
	t.Parallel()
	if !PriorityLow.Less(PriorityUrgent) {
		t.Error("low must be less than urgent")
	}
	if PriorityUrgent.Less(PriorityHigh) {
		t.Error("urgent must not be less than high")
	}
	if PriorityMedium.Less(PriorityMedium) {
		t.Error("Less must be strict")
	}
}

func TestNotificationCloneIndependence(t *testing.T) {
	t.Parallel()
	orig := Notification{
		NotifID:     "n-1",
		RecipientID: "r-1",
		Priority:    PriorityHigh,
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Correlation: Correlation{
			EventID:    "evt-1",
			TemplateID: "tx_large",
			Tags:       []string{"a"},
		},
	}
	clone := orig.Clone()
	clone.Correlation.Tags[0] = "mutated"
	clone.Correlation.Tags = append(clone.Correlation.Tags, "b")
	if orig.Correlation.Tags[0] != "a" || len(orig.Correlation.Tags) != 1 {
		t.Errorf("clone mutation leaked into original: %v", orig.Correlation.Tags)
	}
}

func TestQueueItemClone(t *testing.T) {
	t.Parallel()
	item := QueueItem{
		SchemaVersion: 1,
		Notification: Notification{
			NotifID:     "n-2",
			Correlation: Correlation{CoalescedIDs: []string{"n-1"}},
		},
		Attempts: 2,
	}
	clone := item.Clone()
	if !reflect.DeepEqual(item, clone) {
		t.Fatalf("clone differs: %+v vs %+v", item, clone)
	}
	clone.Notification.Correlation.CoalescedIDs[0] = "x"
	if item.Notification.Correlation.CoalescedIDs[0] != "n-1" {
		t.Error("clone shares coalesced IDs slice with original")
	}
}

func TestWithTag(t *testing.T) {
	t.Parallel()
	orig := Notification{NotifID: "n-3"}
	tagged := orig.WithTag("coalesced")
	if len(orig.Correlation.Tags) != 0 {
		t.Error("WithTag mutated the original")
	}
	if want := []string{"coalesced"}; !reflect.DeepEqual(tagged.Correlation.Tags, want) {
		t.Errorf("tags = %v, want %v", tagged.Correlation.Tags, want)
	}
}
