package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketnotify/internal/infra/logger"
)

// DepthsFunc отдаёт текущие глубины очереди.
type DepthsFunc func() (QueueDepths, error)

// BreakerFunc отдаёт состояние предохранителя и момент его открытия
// (нулевое время — не открыт).
type BreakerFunc func() (state string, openSince time.Time)

// AlertFunc принимает сработавший алерт. rule — стабильное имя правила.
type AlertFunc func(rule, message string)

// Rules — пороги правил алертов. Нулевое значение отключает правило.
type Rules struct {
	SuccessRateTarget  float64       // минимальная успешность окна
	SuccessRateWindows int           // сколько окон подряд ниже цели
	DepthFraction      float64       // доля max_queue_size, выше которой алерт
	MaxQueueSize       int
	DeadPerWindow      int64         // смертей за окно
	BreakerOpenFor     time.Duration // предохранитель открыт дольше
}

// Collector раз в tick снимает срез метрик и проверяет правила алертов.
// Не участвует в пути данных: читает счётчики и глубины, ничего не мутирует
// в конвейере.
type Collector struct {
	metrics *Metrics
	depths  DepthsFunc
	breaker BreakerFunc
	alert   AlertFunc
	rules   Rules
	tick    time.Duration

	belowTarget int // подряд окон с успешностью ниже цели

	mu   sync.Mutex
	last Snapshot
}

// NewCollector создаёт сборщик. alert может быть nil — тогда алерты просто
// логируются.
func NewCollector(m *Metrics, depths DepthsFunc, breaker BreakerFunc, rules Rules, tick time.Duration, alert AlertFunc) *Collector {
	if alert == nil {
		alert = func(rule, message string) {
			logger.Warnf("alert [%s]: %s", rule, message)
		}
	}
	return &Collector{
		metrics: m,
		depths:  depths,
		breaker: breaker,
		alert:   alert,
		rules:   rules,
		tick:    tick,
	}
}

// Run крутит цикл сбора до отмены контекста.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.Collect(now)
		}
	}
}

// Collect снимает срез и прогоняет правила. Вынесен отдельно, чтобы звать из
// тестов с управляемым временем.
func (c *Collector) Collect(now time.Time) Snapshot {
	m := c.metrics
	snap := Snapshot{
		TakenAt:        now.UTC(),
		EventsIngested: m.eventsIngested.Load(),
		Enqueued:       m.enqueued.Load(),
		Delivered:      m.delivered.Load(),
		Coalesced:      m.coalesced.Load(),
		Failed:         m.failed.Load(),
		DeadLettered:   m.deadLettered.Load(),
		RateRefused:    m.rateRefused.Load(),
		Drops:          m.dropsCopy(),
		Latency:        m.percentiles(),
	}

	if c.depths != nil {
		depths, err := c.depths()
		if err != nil {
			logger.Errorf("monitor: queue depths: %v", err)
		} else {
			snap.QueueDepths = depths
		}
	}
	var openSince time.Time
	if c.breaker != nil {
		snap.BreakerState, openSince = c.breaker()
		if !openSince.IsZero() {
			snap.BreakerOpenFor = now.Sub(openSince)
		}
	}

	window := m.window()
	snap.SuccessRate = window.SuccessRate()
	c.evaluate(snap, window)

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
	return snap
}

// Last возвращает последний снятый срез.
func (c *Collector) Last() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Collector) evaluate(snap Snapshot, window WindowSample) {
	r := c.rules

	if r.SuccessRateTarget > 0 && r.SuccessRateWindows > 0 {
		if window.Delivered+window.Failed > 0 && window.SuccessRate() < r.SuccessRateTarget {
			c.belowTarget++
		} else {
			c.belowTarget = 0
		}
		if c.belowTarget >= r.SuccessRateWindows {
			c.alert("success_rate", fmt.Sprintf("success rate %.2f below %.2f for %d windows",
				window.SuccessRate(), r.SuccessRateTarget, c.belowTarget))
		}
	}

	if r.DepthFraction > 0 && r.MaxQueueSize > 0 {
		backlog := snap.QueueDepths.Ready + snap.QueueDepths.Delayed + snap.QueueDepths.Inflight
		if float64(backlog) >= r.DepthFraction*float64(r.MaxQueueSize) {
			c.alert("queue_depth", fmt.Sprintf("backlog %d above %.0f%% of %d",
				backlog, r.DepthFraction*100, r.MaxQueueSize))
		}
	}

	if r.DeadPerWindow > 0 && window.Dead >= r.DeadPerWindow {
		c.alert("dead_letter_rate", fmt.Sprintf("%d items dead-lettered in the last window", window.Dead))
	}

	if r.BreakerOpenFor > 0 && snap.BreakerOpenFor >= r.BreakerOpenFor {
		c.alert("breaker_open", fmt.Sprintf("circuit breaker %s for %s", snap.BreakerState, snap.BreakerOpenFor))
	}
}
