package router

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/interest"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/prefs"
	"marketnotify/internal/domain/profile"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/domain/template"
	"marketnotify/internal/infra/store"
	"marketnotify/internal/infra/timeutil"

	"github.com/shopspring/decimal"
)

// outcomes собирает исходы маршрутизации для проверок.
type outcomes struct {
	mu         sync.Mutex
	enqueued   []string // notif_id
	dropped    map[string][]string
	deferred   int
	superseded int
}

func newOutcomes() *outcomes {
	return &outcomes{dropped: map[string][]string{}}
}

func (o *outcomes) hooks() Hooks {
	return Hooks{
		Enqueued: func(item notifications.QueueItem) {
			o.mu.Lock()
			o.enqueued = append(o.enqueued, item.Notification.NotifID)
			o.mu.Unlock()
		},
		Deferred: func(notifications.Notification, time.Time, string) {
			o.mu.Lock()
			o.deferred++
			o.mu.Unlock()
		},
		Dropped: func(recipientID, reason string) {
			o.mu.Lock()
			o.dropped[recipientID] = append(o.dropped[recipientID], reason)
			o.mu.Unlock()
		},
		Superseded: func(_, _ string) {
			o.mu.Lock()
			o.superseded++
			o.mu.Unlock()
		},
	}
}

func (o *outcomes) droppedReasons(recipientID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[recipientID]
}

func (o *outcomes) enqueuedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.enqueued)
}

type fixture struct {
	router   *Router
	index    *interest.Index
	profiles *profile.Store
	queue    *queue.Manager
	out      *outcomes
}

func newFixture(t *testing.T, qcfg queue.Config) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ix := interest.NewIndex(db)
	ps := profile.NewStore(db)
	sel := template.NewSelector()
	filter := prefs.NewFilter(db, ix, time.Minute, 100, 100)
	qm := queue.NewManager(db, qcfg)
	out := newOutcomes()
	return &fixture{
		router:   New(ix, ps, sel, filter, qm, out.hooks()),
		index:    ix,
		profiles: ps,
		queue:    qm,
		out:      out,
	}
}

func defaultQueueConfig() queue.Config {
	return queue.Config{
		MaxSize:           100,
		VisibilityTimeout: 30 * time.Second,
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          time.Minute,
		Multiplier:        2,
	}
}

func mustPutProfile(t *testing.T, fx *fixture, p *profile.Profile) {
	t.Helper()
	if err := fx.profiles.Put(p); err != nil {
		t.Fatalf("profiles.Put(%s): %v", p.RecipientID, err)
	}
	if err := fx.index.SyncProfile(p.RecipientID, p.TrackedWallets, p.TrackedMarkets); err != nil {
		t.Fatalf("SyncProfile(%s): %v", p.RecipientID, err)
	}
}

func trackingProfile(recipientID, wallet string) *profile.Profile {
	p := profile.Default(recipientID)
	p.TrackedWallets = []string{wallet}
	return p
}

func txEvent(id string, amount int64) event.Event {
	return event.Event{
		EventID:       id,
		Kind:          event.KindTransaction,
		OccurredAt:    time.Now().UTC(),
		SubjectWallet: "0xW",
		Payload: event.Payload{
			Amount: decimal.NewFromInt(amount),
			Side:   "buy",
		},
	}
}

func TestRouteFanOut(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	mustPutProfile(t, fx, trackingProfile("r1", "0xW"))
	mustPutProfile(t, fx, trackingProfile("r2", "0xW"))

	now := time.Now()
	fx.router.Route(txEvent("ev-1", 5000), now)

	if got := fx.out.enqueuedCount(); got != 2 {
		t.Fatalf("enqueued %d notifications, want 2", got)
	}
	depths, err := fx.queue.Depths()
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths.Ready != 2 {
		t.Errorf("ready depth = %d, want 2", depths.Ready)
	}
}

func TestRouteProfileUnavailable(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	// Подписка есть, профиля нет.
	if err := fx.index.Add("ghost", interest.SubjectWallet, "0xW"); err != nil {
		t.Fatalf("index.Add: %v", err)
	}

	fx.router.Route(txEvent("ev-1", 5000), time.Now())

	got := fx.out.droppedReasons("ghost")
	if len(got) != 1 || got[0] != notifications.ReasonProfileUnavailable {
		t.Errorf("dropped reasons = %v, want [%s]", got, notifications.ReasonProfileUnavailable)
	}
	if fx.out.enqueuedCount() != 0 {
		t.Errorf("enqueued %d, want 0", fx.out.enqueuedCount())
	}
}

func TestRouteUnknownKindDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	mustPutProfile(t, fx, trackingProfile("r1", "0xW"))

	ev := txEvent("ev-1", 5000)
	ev.Kind = event.Kind("weird_kind")
	fx.router.Route(ev, time.Now())

	got := fx.out.droppedReasons("r1")
	if len(got) != 1 || got[0] != notifications.ReasonUnknownKind {
		t.Errorf("dropped reasons = %v, want [%s]", got, notifications.ReasonUnknownKind)
	}
}

func TestRouteThresholdDrop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	p := trackingProfile("r1", "0xW")
	p.Thresholds.MinTransactionAmount = decimal.NewFromInt(1000)
	mustPutProfile(t, fx, p)

	fx.router.Route(txEvent("ev-1", 50), time.Now())

	got := fx.out.droppedReasons("r1")
	if len(got) != 1 || got[0] != notifications.ReasonBelowThreshold {
		t.Errorf("dropped reasons = %v, want [%s]", got, notifications.ReasonBelowThreshold)
	}
}

func TestRouteQuietHoursDefers(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	p := trackingProfile("r1", "0xW")
	window, err := timeutil.ParseDayWindow("09:00-18:00")
	if err != nil {
		t.Fatalf("ParseDayWindow: %v", err)
	}
	p.QuietHours = profile.QuietHours{Window: window, Timezone: "UTC"}
	mustPutProfile(t, fx, p)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx.router.Route(txEvent("ev-1", 5000), now)

	if fx.out.deferred != 1 {
		t.Fatalf("deferred = %d, want 1", fx.out.deferred)
	}
	// Отложенное уведомление всё равно попадает в очередь, но в delayed.
	depths, err := fx.queue.Depths()
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	if depths.Delayed != 1 || depths.Ready != 0 {
		t.Errorf("depths ready=%d delayed=%d, want 0/1", depths.Ready, depths.Delayed)
	}
}

func TestRouteDuplicateDropped(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	mustPutProfile(t, fx, trackingProfile("r1", "0xW"))

	now := time.Now()
	ev := txEvent("ev-1", 5000)
	fx.router.Route(ev, now)
	// То же самое содержимое секундой позже: тот же dedup-ключ.
	ev.EventID = "ev-2"
	fx.router.Route(ev, now.Add(time.Second))

	if fx.out.enqueuedCount() != 1 {
		t.Fatalf("enqueued %d, want 1", fx.out.enqueuedCount())
	}
	got := fx.out.droppedReasons("r1")
	if len(got) != 1 || got[0] != notifications.ReasonDuplicate {
		t.Errorf("dropped reasons = %v, want [%s]", got, notifications.ReasonDuplicate)
	}
}

func TestRouteQueueFull(t *testing.T) {
	t.Parallel()
	cfg := defaultQueueConfig()
	cfg.MaxSize = 1
	fx := newFixture(t, cfg)
	mustPutProfile(t, fx, trackingProfile("r1", "0xW"))
	mustPutProfile(t, fx, trackingProfile("r2", "0xW"))

	fx.router.Route(txEvent("ev-1", 5000), time.Now())

	if fx.out.enqueuedCount() != 1 {
		t.Fatalf("enqueued %d, want 1", fx.out.enqueuedCount())
	}
	total := 0
	for _, reasons := range fx.out.dropped {
		for _, reason := range reasons {
			if reason == notifications.ReasonQueueFull {
				total++
			}
		}
	}
	if total != 1 {
		t.Errorf("queue_full drops = %d, want 1", total)
	}
}

func TestBroadcastReachesAllRecipients(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())
	mustPutProfile(t, fx, trackingProfile("r1", "0xW"))
	mustPutProfile(t, fx, trackingProfile("r2", "0xOTHER"))
	// Глобальный подписчик без отслеживаемых сущностей.
	p3 := profile.Default("r3")
	mustPutProfile(t, fx, p3)
	if err := fx.index.Add("r3", interest.SubjectGlobal, ""); err != nil {
		t.Fatalf("index.Add: %v", err)
	}

	ev := event.Event{
		EventID:       "news-1",
		Kind:          event.KindResolution,
		OccurredAt:    time.Now().UTC(),
		SubjectMarket: "mkt-1",
		Payload:       event.Payload{Outcome: "yes"},
	}
	n, err := fx.router.Broadcast(ev, time.Now())
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	// r1 и r2 не отслеживают mkt-1 и не глобальны: релевантность их отсеет.
	if n != 1 {
		t.Errorf("Broadcast enqueued %d, want 1", n)
	}
}

func TestInjectValidation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, defaultQueueConfig())

	if err := fx.router.Inject(notifications.Notification{Title: "hi"}, time.Now()); err == nil {
		t.Error("Inject without recipient_id succeeded")
	}

	n := notifications.Notification{
		NotifID:     "manual-1",
		RecipientID: "r1",
		Kind:        "manual",
		Priority:    notifications.PriorityHigh,
		Title:       "Maintenance",
		Body:        "The service restarts in 5 minutes.",
		CreatedAt:   time.Now().UTC(),
	}
	if err := fx.router.Inject(n, time.Now()); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if fx.out.enqueuedCount() != 1 {
		t.Errorf("enqueued %d, want 1", fx.out.enqueuedCount())
	}
}
