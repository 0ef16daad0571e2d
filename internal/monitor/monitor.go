// Package monitor — наблюдение за конвейером вне пути данных: счётчики стадий,
// глубины очереди, латентность доставки, скользящее окно успешности и правила
// алертов. Счётчики атомарные, резервуар латентности — кольцевой буфер под
// мьютексом; сборщик раз в metrics_tick снимает срез и проверяет правила.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencyReservoirSize — ёмкость кольцевого буфера латентностей. Перцентили
// считаются по последним N доставкам, а не по всей истории процесса.
const latencyReservoirSize = 1024

// Metrics — счётчики конвейера. Потокобезопасны; все инкременты дешёвые,
// чтобы их можно было звать из горячего пути через хуки.
type Metrics struct {
	eventsIngested atomic.Int64
	enqueued       atomic.Int64
	delivered      atomic.Int64
	coalesced      atomic.Int64
	failed         atomic.Int64
	deadLettered   atomic.Int64
	rateRefused    atomic.Int64

	dropMu sync.Mutex
	drops  map[string]int64 // причина → счётчик

	latMu    sync.Mutex
	latRing  [latencyReservoirSize]time.Duration
	latCount int // всего записей (для индекса кольца и определения заполненности)

	// Срез предыдущего окна для оконных дельт.
	winMu        sync.Mutex
	winDelivered int64
	winFailed    int64
	winDead      int64
}

// NewMetrics создаёт пустой набор счётчиков.
func NewMetrics() *Metrics {
	return &Metrics{drops: make(map[string]int64)}
}

func (m *Metrics) EventIngested() { m.eventsIngested.Add(1) }
func (m *Metrics) Enqueued()      { m.enqueued.Add(1) }
func (m *Metrics) Coalesced()     { m.coalesced.Add(1) }
func (m *Metrics) Failed()        { m.failed.Add(1) }
func (m *Metrics) DeadLettered()  { m.deadLettered.Add(1) }
func (m *Metrics) RateRefused()   { m.rateRefused.Add(1) }

// Dropped учитывает отброс уведомления на любой стадии с причиной.
func (m *Metrics) Dropped(reason string) {
	m.dropMu.Lock()
	m.drops[reason]++
	m.dropMu.Unlock()
}

// Delivered учитывает успешную доставку с её латентностью.
func (m *Metrics) Delivered(latency time.Duration) {
	m.delivered.Add(1)
	m.latMu.Lock()
	m.latRing[m.latCount%latencyReservoirSize] = latency
	m.latCount++
	m.latMu.Unlock()
}

// Percentiles — латентность доставки по последним записям резервуара.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

func (m *Metrics) percentiles() Percentiles {
	m.latMu.Lock()
	n := m.latCount
	if n > latencyReservoirSize {
		n = latencyReservoirSize
	}
	samples := make([]time.Duration, n)
	copy(samples, m.latRing[:n])
	m.latMu.Unlock()

	if n == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(n-1))
		return samples[idx]
	}
	return Percentiles{P50: at(0.50), P95: at(0.95), P99: at(0.99)}
}

// dropsCopy возвращает копию счётчиков отбросов.
func (m *Metrics) dropsCopy() map[string]int64 {
	m.dropMu.Lock()
	defer m.dropMu.Unlock()
	out := make(map[string]int64, len(m.drops))
	for reason, n := range m.drops {
		out[reason] = n
	}
	return out
}

// WindowSample — дельты счётчиков за одно окно metrics_tick.
type WindowSample struct {
	Delivered int64
	Failed    int64
	Dead      int64
}

// window снимает дельты с прошлого вызова и обновляет базу окна.
func (m *Metrics) window() WindowSample {
	m.winMu.Lock()
	defer m.winMu.Unlock()
	delivered := m.delivered.Load()
	failed := m.failed.Load()
	dead := m.deadLettered.Load()
	s := WindowSample{
		Delivered: delivered - m.winDelivered,
		Failed:    failed - m.winFailed,
		Dead:      dead - m.winDead,
	}
	m.winDelivered = delivered
	m.winFailed = failed
	m.winDead = dead
	return s
}

// SuccessRate окна: delivered / (delivered + failed); пустое окно — 1.
func (s WindowSample) SuccessRate() float64 {
	total := s.Delivered + s.Failed
	if total == 0 {
		return 1
	}
	return float64(s.Delivered) / float64(total)
}

// Snapshot — срез состояния конвейера для /api/status и алертов.
type Snapshot struct {
	TakenAt        time.Time        `json:"taken_at"`
	EventsIngested int64            `json:"events_ingested"`
	Enqueued       int64            `json:"enqueued"`
	Delivered      int64            `json:"delivered"`
	Coalesced      int64            `json:"coalesced"`
	Failed         int64            `json:"failed"`
	DeadLettered   int64            `json:"dead_lettered"`
	RateRefused    int64            `json:"rate_refused"`
	Drops          map[string]int64 `json:"drops"`
	Latency        Percentiles      `json:"latency"`
	QueueDepths    QueueDepths      `json:"queue_depths"`
	BreakerState   string           `json:"breaker_state"`
	BreakerOpenFor time.Duration    `json:"breaker_open_for"`
	SuccessRate    float64          `json:"success_rate"`
}

// QueueDepths дублирует глубины очереди в формате среза.
type QueueDepths struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	Inflight int `json:"inflight"`
	Dead     int `json:"dead"`
}
