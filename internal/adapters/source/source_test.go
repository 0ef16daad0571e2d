package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketnotify/internal/domain/event"
)

// wsServer поднимает тестовый websocket-сервер, шлющий заданные кадры.
func wsServer(t *testing.T, frames []string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Держим соединение, пока клиент не закроет.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collectEvents(t *testing.T, a *Adapter, want int, timeout time.Duration) []event.Event {
	t.Helper()
	var out []event.Event
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				t.Fatalf("events channel closed after %d events", len(out))
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out with %d/%d events", len(out), want)
		}
	}
	return out
}

func TestEmitsEventsWithIngestSeq(t *testing.T) {
	t.Parallel()
	url := wsServer(t, []string{
		`{"schema_version":1,"type":"heartbeat"}`,
		`{"schema_version":1,"type":"event","event":{"event_id":"e1","kind":"transaction","occurred_at":"2026-03-01T12:00:00Z","payload":{"amount":"10"}}}`,
		`{"schema_version":1,"type":"event","event":{"event_id":"e2","kind":"resolution","occurred_at":"2026-03-01T12:00:01Z","subject_market":"m1","payload":{"outcome":"yes"}}}`,
	})

	a := New(url, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	events := collectEvents(t, a, 2, 5*time.Second)
	if events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Errorf("events = %v", events)
	}
	if events[0].IngestSeq != 1 || events[1].IngestSeq != 2 {
		t.Errorf("ingest_seq = %d, %d, want 1, 2", events[0].IngestSeq, events[1].IngestSeq)
	}

	stats := a.Stats()
	if stats.BytesReceived == 0 || stats.LastMessageAt.IsZero() {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSkipsUnparsableFrames(t *testing.T) {
	t.Parallel()
	url := wsServer(t, []string{
		`garbage`,
		`{"schema_version":1,"type":"event","event":{"event_id":"e1","kind":"transaction","occurred_at":"2026-03-01T12:00:00Z","payload":{}}}`,
	})

	a := New(url, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	events := collectEvents(t, a, 1, 5*time.Second)
	if events[0].EventID != "e1" {
		t.Errorf("event = %+v", events[0])
	}
	if a.Stats().ParseErrors != 1 {
		t.Errorf("parse errors = %d, want 1", a.Stats().ParseErrors)
	}
}

func TestReconnectsAfterServerClose(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	conns := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns++
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns == 1 {
			// Первое соединение рвём сразу.
			conn.Close()
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"schema_version":1,"type":"event","event":{"event_id":"after-reconnect","kind":"transaction","occurred_at":"2026-03-01T12:00:00Z","payload":{}}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	a := New("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	events := collectEvents(t, a, 1, 10*time.Second)
	if events[0].EventID != "after-reconnect" {
		t.Errorf("event = %+v", events[0])
	}
	if a.Stats().Reconnects < 1 {
		t.Errorf("reconnects = %d, want >= 1", a.Stats().Reconnects)
	}
	// Новое соединение нумерует ingest_seq заново.
	if events[0].IngestSeq != 1 {
		t.Errorf("ingest_seq = %d, want 1", events[0].IngestSeq)
	}
}

func TestStopClosesEventsChannel(t *testing.T) {
	t.Parallel()
	url := wsServer(t, nil)

	a := New(url, time.Second)
	a.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	a.Stop()

	select {
	case _, ok := <-a.Events():
		if ok {
			t.Error("got event after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed after Stop")
	}
}
