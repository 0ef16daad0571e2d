// Package source — адаптер upstream-потока событий: websocket-подключение с
// реконнектом (экспоненциальный backoff с джиттером, потолок 30с), сторожевой
// таймер хитбитов, попкадровый парсинг и ограниченный исходящий канал.
// Адаптер прячет от роутера все сетевые неприятности: наружу идёт только
// ленивый поток валидных Event.
//
// Защитные механизмы:
//   - пропуск хитбитов дольше 2× интервала закрывает соединение и запускает
//     реконнект;
//   - доля ошибок парсинга выше порога за окно наблюдения открывает локальный
//     выключатель: кадры отбрасываются до истечения reset_timeout;
//   - кадр rate_limited приостанавливает эмиссию до указанного reset.
package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/infra/logger"
)

// Параметры реконнекта и защит. healthyWindow — минимальная длительность
// соединения (с хотя бы одним сообщением), после которой счётчик попыток
// сбрасывается.
const (
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	healthyWindow     = 60 * time.Second
	parseErrorRatio   = 0.5
	parseWindowFrames = 20
	breakerReset      = 30 * time.Second
	outBufferSize     = 1024
	handshakeTimeout  = 10 * time.Second
)

// Stats — снимок состояния адаптера.
type Stats struct {
	LastMessageAt time.Time `json:"last_message_at"`
	Reconnects    int64     `json:"reconnects"`
	BytesReceived int64     `json:"bytes_received"`
	ParseErrors   int64     `json:"parse_errors"`
	Discarded     int64     `json:"discarded"`
	Connected     bool      `json:"connected"`
}

// Adapter — адаптер источника событий.
type Adapter struct {
	url               string
	heartbeatInterval time.Duration

	out chan event.Event

	lastMessageNano atomic.Int64
	reconnects      atomic.Int64
	bytesReceived   atomic.Int64
	parseErrors     atomic.Int64
	discarded       atomic.Int64
	connected       atomic.Bool

	// Окно наблюдения парсинга и локальный выключатель.
	mu           sync.Mutex
	windowFrames int
	windowErrors int
	brokenUntil  time.Time

	// Пауза по сигналу rate_limited от сервера.
	pausedUntil atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New создаёт адаптер. Выходной канал ограничен: при заполнении чтение из
// сокета притормаживает, давление не доходит до очереди.
func New(url string, heartbeatInterval time.Duration) *Adapter {
	return &Adapter{
		url:               url,
		heartbeatInterval: heartbeatInterval,
		out:               make(chan event.Event, outBufferSize),
		done:              make(chan struct{}),
	}
}

// Events возвращает канал событий. Закрывается после Stop.
func (a *Adapter) Events() <-chan event.Event {
	return a.out
}

// Start запускает цикл подключения. Идемпотентен.
func (a *Adapter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go a.run(runCtx)
	})
}

// Stop закрывает соединение и канал событий. Идемпотентен.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		<-a.done
	})
}

// Stats возвращает снимок счётчиков адаптера.
func (a *Adapter) Stats() Stats {
	var last time.Time
	if nano := a.lastMessageNano.Load(); nano != 0 {
		last = time.Unix(0, nano)
	}
	return Stats{
		LastMessageAt: last,
		Reconnects:    a.reconnects.Load(),
		BytesReceived: a.bytesReceived.Load(),
		ParseErrors:   a.parseErrors.Load(),
		Discarded:     a.discarded.Load(),
		Connected:     a.connected.Load(),
	}
}

// run — основной цикл: подключение, чтение до сбоя, пауза, реконнект.
// Транспортные ошибки ретраятся вечно; backoff сбрасывается после здорового
// окна соединения.
func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)
	defer close(a.out)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = reconnectBase
	policy.MaxInterval = reconnectCap
	policy.MaxElapsedTime = 0 // без предела: ретраим вечно

	for ctx.Err() == nil {
		startedAt := time.Now()
		sawMessage := a.readConnection(ctx)
		if ctx.Err() != nil {
			return
		}

		if sawMessage && time.Since(startedAt) >= healthyWindow {
			policy.Reset()
		}
		a.reconnects.Add(1)

		delay := policy.NextBackOff()
		logger.Warnf("source: reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// readConnection устанавливает соединение и читает кадры до первого сбоя.
// Возвращает true, если за время соединения пришло хотя бы одно сообщение.
func (a *Adapter) readConnection(ctx context.Context) bool {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		logger.Warnf("source: dial %s: %v", a.url, err)
		return false
	}
	defer conn.Close()

	a.connected.Store(true)
	defer a.connected.Store(false)
	logger.Infof("source: connected to %s", a.url)

	// Сторожевой таймер: ни одного кадра дольше 2× интервала хитбитов —
	// соединение считается мёртвым.
	watchdog := 2 * a.heartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(watchdog))

	// Закрытие сокета при отмене контекста прерывает блокирующий ReadMessage.
	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closeOnCancel:
		}
	}()

	sawMessage := false
	var ingestSeq uint64

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warnf("source: read: %v", err)
			}
			return sawMessage
		}
		sawMessage = true
		a.bytesReceived.Add(int64(len(data)))
		a.lastMessageNano.Store(time.Now().UnixNano())
		_ = conn.SetReadDeadline(time.Now().Add(watchdog))

		frame, err := event.DecodeFrame(data)
		if err != nil {
			a.recordParseError()
			continue
		}
		a.recordParsedFrame()

		switch frame.Type {
		case event.FrameHeartbeat:
			continue

		case event.FrameRateLimited:
			a.pausedUntil.Store(frame.ResetAt.UnixNano())
			logger.Warnf("source: upstream rate limited until %s", frame.ResetAt)
			continue

		case event.FrameEvent:
			if a.discarding(time.Now()) {
				a.discarded.Add(1)
				continue
			}
			ingestSeq++
			ev := frame.Event
			ev.IngestSeq = ingestSeq

			if !a.waitIfPaused(ctx) {
				return sawMessage
			}
			select {
			case a.out <- ev:
			case <-ctx.Done():
				return sawMessage
			}
		}
	}
}

// recordParseError учитывает ошибку парсинга в окне наблюдения; превышение
// доли открывает выключатель кадров.
func (a *Adapter) recordParseError() {
	a.parseErrors.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFrames++
	a.windowErrors++
	a.evaluateWindowLocked()
}

// recordParsedFrame учитывает успешно разобранный кадр.
func (a *Adapter) recordParsedFrame() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFrames++
	a.evaluateWindowLocked()
}

// evaluateWindowLocked по заполнении окна сравнивает долю ошибок с порогом.
func (a *Adapter) evaluateWindowLocked() {
	if a.windowFrames < parseWindowFrames {
		return
	}
	if float64(a.windowErrors)/float64(a.windowFrames) > parseErrorRatio {
		a.brokenUntil = time.Now().Add(breakerReset)
		logger.Errorf("source: parse error ratio %d/%d, discarding frames for %s",
			a.windowErrors, a.windowFrames, breakerReset)
	}
	a.windowFrames = 0
	a.windowErrors = 0
}

// discarding сообщает, открыт ли выключатель кадров.
func (a *Adapter) discarding(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Before(a.brokenUntil)
}

// waitIfPaused ждёт окончания паузы rate_limited. false — контекст отменён.
func (a *Adapter) waitIfPaused(ctx context.Context) bool {
	nano := a.pausedUntil.Load()
	if nano == 0 {
		return true
	}
	until := time.Unix(0, nano)
	wait := time.Until(until)
	if wait <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
