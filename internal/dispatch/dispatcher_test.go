package dispatch

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketnotify/internal/domain/delivery"
	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/infra/store"
)

// fakeClient — транспорт с программируемой очередью результатов.
type fakeClient struct {
	mu      sync.Mutex
	results []delivery.Result
	sent    []delivery.Message
}

func (c *fakeClient) Send(_ context.Context, _ string, msg delivery.Message) delivery.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	if len(c.results) == 0 {
		return delivery.OK()
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "q.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return queue.NewManager(db, queue.Config{
		MaxSize:           100,
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		Multiplier:        2,
	})
}

func testDispatcherConfig() Config {
	return Config{
		BatchMax:          10,
		CoalesceThreshold: 3,
		SendTimeout:       time.Second,
		Tick:              10 * time.Millisecond,
		GlobalRPS:         1000,
		GlobalBurst:       1000,
		PerRecipientRPS:   1000,
		PerRecipientBurst: 1000,
		MaxConcurrent:     4,
	}
}

func enqueueN(t *testing.T, qm *queue.Manager, recipient string, n int, now time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		item := notifications.QueueItem{
			Notification: notifications.Notification{
				NotifID:      recipient + "-n-" + string(rune('a'+i)),
				RecipientID:  recipient,
				Kind:         event.KindTransaction,
				Priority:     notifications.PriorityMedium,
				Title:        "t",
				Body:         "b",
				CreatedAt:    now,
				ScheduledFor: now,
			},
		}
		if out, err := qm.Enqueue(item, now); err != nil || !out.Enqueued {
			t.Fatalf("enqueue: %v %+v", err, out)
		}
	}
}

func TestDispatchSingleItemsDelivered(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{}
	now := time.Now()
	enqueueN(t, qm, "r1", 2, now)

	var delivered []string
	var mu sync.Mutex
	d := New(testDispatcherConfig(), qm, client, NewBreaker(10, time.Second, 1), Hooks{
		Delivered: func(item notifications.QueueItem, _ time.Duration) {
			mu.Lock()
			delivered = append(delivered, item.Notification.NotifID)
			mu.Unlock()
		},
	})

	d.dispatchRecipient(context.Background(), "r1", 10, false, now)

	if client.sentCount() != 2 {
		t.Errorf("sent = %d, want 2", client.sentCount())
	}
	if len(delivered) != 2 {
		t.Errorf("delivered hooks = %d, want 2", len(delivered))
	}
	depths, _ := qm.Depths()
	if depths.Ready+depths.Inflight+depths.Delayed+depths.Dead != 0 {
		t.Errorf("queue not drained: %+v", depths)
	}
}

func TestDispatchCoalescesBigBatch(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{}
	now := time.Now()
	enqueueN(t, qm, "r1", 5, now) // больше coalesce_threshold=3

	var coalesced []string
	var summaryID string
	var mu sync.Mutex
	d := New(testDispatcherConfig(), qm, client, NewBreaker(10, time.Second, 1), Hooks{
		Coalesced: func(item notifications.QueueItem, sid string) {
			mu.Lock()
			coalesced = append(coalesced, item.Notification.NotifID)
			summaryID = sid
			mu.Unlock()
		},
	})

	d.dispatchRecipient(context.Background(), "r1", 10, false, now)

	// Одна summary-отправка вместо пяти.
	if client.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1 summary", client.sentCount())
	}
	if len(coalesced) != 5 || summaryID == "" {
		t.Errorf("coalesced = %v (summary %q), want 5 items", coalesced, summaryID)
	}
	depths, _ := qm.Depths()
	if depths.Inflight != 0 || depths.Ready != 0 {
		t.Errorf("queue not drained: %+v", depths)
	}
}

func TestDispatchTransientFailureRetries(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{results: []delivery.Result{
		delivery.Transient("upstream timeout", 0),
	}}
	now := time.Now()
	enqueueN(t, qm, "r1", 1, now)

	var failed []delivery.Result
	d := New(testDispatcherConfig(), qm, client, NewBreaker(10, time.Second, 1), Hooks{
		Failed: func(_ notifications.QueueItem, r delivery.Result) { failed = append(failed, r) },
	})
	d.dispatchRecipient(context.Background(), "r1", 10, false, now)

	if len(failed) != 1 || failed[0].Status != delivery.StatusTransient {
		t.Errorf("failed hooks = %+v", failed)
	}
	depths, _ := qm.Depths()
	if depths.Delayed != 1 {
		t.Errorf("depths = %+v, want delayed=1", depths)
	}
}

func TestDispatchPermanentFailureQuarantines(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{results: []delivery.Result{
		delivery.Permanent("recipient blocked"),
	}}
	now := time.Now()
	enqueueN(t, qm, "r1", 1, now)

	d := New(testDispatcherConfig(), qm, client, NewBreaker(10, time.Second, 1), Hooks{})
	d.dispatchRecipient(context.Background(), "r1", 10, false, now)

	depths, _ := qm.Depths()
	if depths.Dead != 1 {
		t.Errorf("depths = %+v, want dead=1", depths)
	}
	dead, _ := qm.ListDead(1)
	if len(dead) != 1 || dead[0].Reason != "recipient blocked" {
		t.Errorf("dead = %+v", dead)
	}
}

func TestTickSkipsWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{}
	now := time.Now()
	enqueueN(t, qm, "r1", 1, now)

	b := NewBreaker(1, time.Hour, 1)
	b.Failure(now) // открыт на час
	d := New(testDispatcherConfig(), qm, client, b, Hooks{})

	d.runTick(context.Background(), now.Add(time.Second))
	d.wgWait()
	if client.sentCount() != 0 {
		t.Errorf("sent = %d with open breaker, want 0", client.sentCount())
	}
}

func TestTickRateRefusal(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{}
	now := time.Now()
	enqueueN(t, qm, "r1", 1, now)
	enqueueN(t, qm, "r2", 1, now)

	cfg := testDispatcherConfig()
	cfg.GlobalRPS = 0.001
	cfg.GlobalBurst = 1 // токена хватит на одного получателя
	var refused int
	var mu sync.Mutex
	d := New(cfg, qm, client, NewBreaker(10, time.Second, 1), Hooks{
		RateRefused: func(string) {
			mu.Lock()
			refused++
			mu.Unlock()
		},
	})

	d.runTick(context.Background(), now)
	d.wgWait()

	if client.sentCount() != 1 {
		t.Errorf("sent = %d, want 1 (global bucket exhausted)", client.sentCount())
	}
	if refused != 1 {
		t.Errorf("refused = %d, want 1", refused)
	}
}

func TestBuildSummaryAggregates(t *testing.T) {
	t.Parallel()
	now := time.Now()
	batch := []notifications.QueueItem{
		{Notification: notifications.Notification{NotifID: "a", Kind: event.KindTransaction, Priority: notifications.PriorityLow, ScheduledFor: now}},
		{Notification: notifications.Notification{NotifID: "b", Kind: event.KindTransaction, Priority: notifications.PriorityHigh, ScheduledFor: now}},
		{Notification: notifications.Notification{NotifID: "c", Kind: event.KindResolution, Priority: notifications.PriorityUrgent, ScheduledFor: now}},
	}
	s := buildSummary("r1", batch)
	if s.Priority != notifications.PriorityUrgent {
		t.Errorf("priority = %s, want urgent", s.Priority)
	}
	if s.Title != "3 pending updates" {
		t.Errorf("title = %q", s.Title)
	}
	if s.Body != "transaction: 2, resolution: 1" {
		t.Errorf("body = %q", s.Body)
	}
	if len(s.Correlation.CoalescedIDs) != 3 {
		t.Errorf("coalesced ids = %v", s.Correlation.CoalescedIDs)
	}
}

// wgWait ждёт завершения воркеров, запущенных runTick.
func (d *Dispatcher) wgWait() { d.wg.Wait() }

func TestTickHalfOpenProbesThenRecovers(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{}
	now := time.Now()
	enqueueN(t, qm, "r1", 2, now)

	b := NewBreaker(1, time.Second, 1)
	b.Failure(now) // открыт на секунду
	d := New(testDispatcherConfig(), qm, client, b, Hooks{})

	// Пока open — ни одной отправки.
	d.runTick(context.Background(), now.Add(100*time.Millisecond))
	d.wgWait()
	if client.sentCount() != 0 {
		t.Fatalf("sent = %d with open breaker, want 0", client.sentCount())
	}

	// Пустые тики в half_open бюджет проб не расходуют.
	at := now.Add(2 * time.Second)
	for i := 0; i < 5; i++ {
		if !b.Allow(at) {
			t.Fatalf("tick %d refused in half_open", i)
		}
	}

	// Проба — ровно одна отправка, несмотря на batch_max=10 и два
	// готовых элемента; её успех закрывает выключатель.
	d.runTick(context.Background(), at)
	d.wgWait()
	if client.sentCount() != 1 {
		t.Fatalf("sent = %d during half_open probe, want 1", client.sentCount())
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after successful probe", b.State())
	}

	// Закрытый выключатель возвращает обычную пропускную способность.
	d.runTick(context.Background(), at.Add(time.Second))
	d.wgWait()
	if client.sentCount() != 2 {
		t.Errorf("sent = %d after recovery, want 2", client.sentCount())
	}
	depths, _ := qm.Depths()
	if depths.Ready+depths.Inflight != 0 {
		t.Errorf("queue not drained: %+v", depths)
	}
}

func TestHalfOpenProbeRefundedOnPermanentFailure(t *testing.T) {
	t.Parallel()
	qm := newTestQueue(t)
	client := &fakeClient{results: []delivery.Result{
		delivery.Permanent("recipient blocked"),
	}}
	now := time.Now()
	enqueueN(t, qm, "r1", 2, now)

	b := NewBreaker(1, time.Second, 1)
	b.Failure(now)
	d := New(testDispatcherConfig(), qm, client, b, Hooks{})

	// Permanent-исход пробы не закрывает и не открывает выключатель: слот
	// возвращается, следующая проба возможна сразу.
	at := now.Add(2 * time.Second)
	d.runTick(context.Background(), at)
	d.wgWait()
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half_open after permanent outcome", b.State())
	}

	d.runTick(context.Background(), at.Add(time.Millisecond))
	d.wgWait()
	if client.sentCount() != 2 {
		t.Fatalf("sent = %d, want second probe after refund", client.sentCount())
	}
	if b.State() != BreakerClosed {
		t.Errorf("state = %s, want closed after successful probe", b.State())
	}
}
