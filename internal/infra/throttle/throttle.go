// Package throttle — ограничение скорости и повторные попытки для внешних
// интеграций. В основе токен-бакет (rate.Limiter: RPS + burst) и экспоненциальный
// backoff с джиттером. Серверные указания подождать (retry_after и т.п.)
// извлекаются настраиваемыми WaitExtractor; интерфейс StopRetryer позволяет
// немедленно прекращать ретраи. Троттлер потокобезопасен: Do может вызываться
// из нескольких горутин.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier задаёт burst по умолчанию как кратный rate: кратковременно
// допускается до 2*rate операций в секунду.
const burstMultiplier = 2

// WaitExtractor анализирует ошибку и возвращает длительность ожидания, если
// распознал её формат. Экстракторы вызываются в порядке регистрации, первый
// совпавший определяет паузу перед повторной попыткой.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Ошибка, реализующая этот интерфейс, возвращается вызывающему без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// Option задаёт дополнительные параметры троттлера при создании.
type Option func(*Throttler)

// WithMaxRetries ограничивает количество повторных попыток. Значение <=0
// означает отсутствие ограничения.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) {
		t.maxRetries = maxRetries
	}
}

// WithBurst переопределяет ёмкость токен-бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		t.burst = burst
	}
}

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		t.waitExtractors = append(t.waitExtractors, extractors...)
	}
}

// WithRandom позволяет задать источник случайности для джиттера (для тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// WithBackoffCap переопределяет верхнюю границу экспоненциального бэкофа.
func WithBackoffCap(cap time.Duration) Option {
	return func(t *Throttler) {
		if cap > 0 {
			t.backoffCap = cap
		}
	}
}

// Throttler инкапсулирует токен-бакет и стратегию повторных попыток с
// экспоненциальным бэкофом и поддержкой серверных задержек.
type Throttler struct {
	limiter *rate.Limiter
	burst   int

	waitExtractors []WaitExtractor
	backoffCap     time.Duration

	mu         sync.Mutex
	maxRetries int // -1 означает «без ограничений»

	randomFn func() float64
}

// New создаёт троттлер с частотой rps (операций/сек). По умолчанию
// burst = 2*rps с нижней границей 1, ретраи не ограничены, бэкоф растёт до 60с.
func New(rps float64, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}

	t := &Throttler{
		burst:      int(rps) * burstMultiplier,
		maxRetries: -1,
		backoffCap: 60 * time.Second,
		randomFn:   rand.Float64,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst < 1 {
		t.burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)

	return t
}

// SetMaxRetries меняет лимит повторных попыток после создания. Значение <=0
// продолжает означать «без ограничений». Метод потокобезопасен.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do выполняет функцию fn с лимитами токен-бакета и ретраями.
// Алгоритм:
//  1. ждём токен (с уважением к ctx);
//  2. вызываем fn;
//  3. если err: StopRetryer → вернуть сразу; контекст сорван → вернуть;
//     extractor дал паузу → подождать и повторить без роста attempt;
//     иначе экспоненциальный backoff с джиттером, учитывая лимит ретраев.
//
// Возвращает nil при успехе либо последнюю ошибку при исчерпании стратегии.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	maxRetries := t.currentMaxRetries()

	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			// Сервер велел подождать — ждём и повторяем без роста attempt.
			if wErr := sleep(ctx, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}

		pause := t.expBackoff(attempt)
		attempt++
		if wErr := sleep(ctx, pause); wErr != nil {
			return wErr
		}
	}
}

// Allow сообщает, доступен ли токен прямо сейчас, не блокируясь.
func (t *Throttler) Allow() bool {
	return t.limiter.Allow()
}

// currentMaxRetries возвращает снапшот лимита ретраев под мьютексом.
func (t *Throttler) currentMaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// extractWait запускает WaitExtractor по цепочке и возвращает первую распознанную паузу.
func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// expBackoff вычисляет задержку 2^attempt секунд, ограниченную backoffCap и
// умноженную на джиттер из диапазона [0.85..1.15].
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		basePower   = 2.0
	)

	base := math.Pow(basePower, float64(attempt))
	if capSec := t.backoffCap.Seconds(); base > capSec {
		base = capSec
	}

	jitter := t.randomFn()*jitterRange + jitterMin
	return time.Duration(base * jitter * float64(time.Second))
}

// sleep ждёт duration или отмену контекста.
func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
