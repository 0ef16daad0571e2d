package profile

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/infra/store"
	"marketnotify/internal/infra/timeutil"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestThresholdsForKind(t *testing.T) {
	t.Parallel()
	th := Thresholds{
		MinTransactionAmount: decimal.NewFromInt(100),
		MinPositionSize:      decimal.NewFromInt(50),
		MinPriceChange:       decimal.NewFromFloat(0.05),
	}
	tests := []struct {
		kind event.Kind
		want decimal.Decimal
	}{
		{event.KindTransaction, decimal.NewFromInt(100)},
		{event.KindPositionUpdate, decimal.NewFromInt(50)},
		{event.KindPriceUpdate, decimal.NewFromFloat(0.05)},
		{event.KindVolumeUpdate, decimal.NewFromFloat(0.05)},
		{event.KindResolution, decimal.Zero},
	}
	for _, tt := range tests {
		if got := th.ForKind(tt.kind); !got.Equal(tt.want) {
			t.Errorf("ForKind(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
}

func TestTracks(t *testing.T) {
	t.Parallel()
	p := &Profile{
		TrackedWallets: []string{"0xabc"},
		TrackedMarkets: []string{"mkt-1"},
	}
	tests := []struct {
		name           string
		wallet, market string
		want           bool
	}{
		{"trackedWallet", "0xabc", "", true},
		{"trackedMarket", "", "mkt-1", true},
		{"unknownBoth", "0xdef", "mkt-2", false},
		{"emptySubjects", "", "", false},
		{"marketMatchesDespiteWalletMiss", "0xdef", "mkt-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := p.Tracks(tt.wallet, tt.market); got != tt.want {
				t.Errorf("Tracks(%q, %q) = %v, want %v", tt.wallet, tt.market, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := Default("r-1")
	if err := valid.Validate(); err != nil {
		t.Errorf("valid profile rejected: %v", err)
	}

	empty := &Profile{}
	if err := empty.Validate(); err == nil {
		t.Error("empty recipient_id accepted")
	}

	badKind := Default("r-2")
	badKind.Kinds[event.Kind("bogus")] = true
	if err := badKind.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}

	badTZ := Default("r-3")
	badTZ.QuietHours.Timezone = "Nowhere/Nothing"
	if err := badTZ.Validate(); err == nil {
		t.Error("bad timezone accepted")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewStore(openTestDB(t))

	p := Default("r-1")
	p.Thresholds.MinTransactionAmount = decimal.NewFromInt(500)
	p.QuietHours = QuietHours{
		Window:   timeutil.DayWindow{From: 22 * 60, To: 8 * 60},
		Timezone: "UTC",
	}
	if err := s.Put(p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RecipientID != "r-1" || !got.Enabled {
		t.Errorf("unexpected profile: %+v", got)
	}
	if !got.Thresholds.MinTransactionAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("threshold = %s, want 500", got.Thresholds.MinTransactionAmount)
	}
	if got.QuietHours.Window.From != 22*60 {
		t.Errorf("quiet window from = %d, want %d", got.QuietHours.Window.From, 22*60)
	}
}

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()
	s := NewStore(openTestDB(t))
	if _, err := s.Get("ghost"); err != ErrNotFound {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestStoreDeleteAndList(t *testing.T) {
	t.Parallel()
	s := NewStore(openTestDB(t))

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		if err := s.Put(Default(id)); err != nil {
			t.Fatalf("Put(%s): %v", id, err)
		}
	}
	if err := s.Delete("r-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List len = %d, want 2", len(all))
	}
	if all[0].RecipientID != "r-1" || all[1].RecipientID != "r-3" {
		t.Errorf("List order = %s, %s", all[0].RecipientID, all[1].RecipientID)
	}

	if _, err := s.Get("r-2"); err != ErrNotFound {
		t.Errorf("deleted profile still readable: %v", err)
	}
}

func TestStoreInvalidateSubscriber(t *testing.T) {
	t.Parallel()
	s := NewStore(openTestDB(t))

	var invalidated []string
	s.OnInvalidate(func(id string) { invalidated = append(invalidated, id) })

	if err := s.Put(Default("r-1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete("r-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	want := []string{"r-1", "r-1"}
	if len(invalidated) != 2 || invalidated[0] != want[0] || invalidated[1] != want[1] {
		t.Errorf("invalidated = %v, want %v", invalidated, want)
	}
}
