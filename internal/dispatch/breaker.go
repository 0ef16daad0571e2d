package dispatch

// Автоматический выключатель диспетчера: closed → open → half_open → closed.
// В closed transient-сбои считаются в скользящем окне; при достижении порога
// выключатель открывается на reset_timeout. По истечении таймаута half_open
// пропускает ограниченное число проб — по одной отправке на слот: все успешны
// — closed, любой сбой — снова open с удвоением таймаута вплоть до потолка.
// Слот пробы расходуется только фактической отправкой (Probe) и возвращается,
// если она не состоялась (Refund); пустые тики бюджет не трогают.

import (
	"sync"
	"time"
)

// BreakerState — состояние выключателя.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// maxResetMultiplier ограничивает рост reset_timeout при повторных открытиях.
const maxResetMultiplier = 16

// failureWindow — ширина скользящего окна подсчёта сбоев в closed: порог
// должен набраться за это время, редкие одиночные сбои выключатель не
// открывают.
const failureWindow = time.Minute

// Breaker — выключатель. Потокобезопасен.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failureTimes []time.Time
	threshold    int
	baseReset    time.Duration
	currentReset time.Duration
	nextAttempt  time.Time

	probeCalls      int // бюджет проб half_open
	probesIssued    int
	probesSucceeded int

	openedAt time.Time
}

// NewBreaker создаёт выключатель в состоянии closed.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenProbeCalls int) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if halfOpenProbeCalls < 1 {
		halfOpenProbeCalls = 1
	}
	return &Breaker{
		state:        BreakerClosed,
		threshold:    failureThreshold,
		baseReset:    resetTimeout,
		currentReset: resetTimeout,
		probeCalls:   halfOpenProbeCalls,
	}
}

// Allow сообщает, имеет ли смысл начинать тик диспетчеризации. Бюджет проб
// не расходуется: это чистая проверка состояния. В open по истечении
// next_attempt выполняется переход в half_open.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Before(b.nextAttempt) {
			return false
		}
		b.toHalfOpen()
		return true
	default: // half_open
		return b.probesIssued < b.probeCalls
	}
}

// Probe резервирует право на одну отправку. В closed бюджет не трогается;
// в half_open расходуется один слот пробы (probing=true), и исход этой
// отправки решает судьбу выключателя.
func (b *Breaker) Probe(now time.Time) (ok, probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if now.Before(b.nextAttempt) {
			return false, false
		}
		b.toHalfOpen()
		b.probesIssued = 1
		return true, true
	default: // half_open
		if b.probesIssued >= b.probeCalls {
			return false, false
		}
		b.probesIssued++
		return true, true
	}
}

// Refund возвращает слот пробы, когда отправка не состоялась или её исход не
// характеризует канал (permanent-отказ самого получателя). Без возврата
// несостоявшиеся пробы навсегда исчерпали бы бюджет half_open.
func (b *Breaker) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen && b.probesIssued > 0 {
		b.probesIssued--
	}
}

// toHalfOpen сбрасывает учёт проб. Вызывается под мьютексом.
func (b *Breaker) toHalfOpen() {
	b.state = BreakerHalfOpen
	b.probesIssued = 0
	b.probesSucceeded = 0
}

// Success фиксирует успешную доставку. В half_open при успехе всех проб
// закрывает выключатель и возвращает reset_timeout к базовому значению.
func (b *Breaker) Success(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.pruneFailures(now)
	case BreakerHalfOpen:
		b.probesSucceeded++
		if b.probesSucceeded >= b.probeCalls {
			b.state = BreakerClosed
			b.failureTimes = nil
			b.currentReset = b.baseReset
		}
	}
}

// Failure фиксирует transient-сбой. В closed при наборе порога в скользящем
// окне открывает выключатель; в half_open любой сбой возвращает в open с
// удвоенным таймаутом.
func (b *Breaker) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneFailures(now)
		if len(b.failureTimes) >= b.threshold {
			b.open(now, b.currentReset)
		}
	case BreakerHalfOpen:
		next := b.currentReset * 2
		if maxReset := b.baseReset * maxResetMultiplier; next > maxReset {
			next = maxReset
		}
		b.currentReset = next
		b.open(now, next)
	}
}

// open переводит выключатель в open. Вызывается под мьютексом.
func (b *Breaker) open(now time.Time, reset time.Duration) {
	b.state = BreakerOpen
	b.failureTimes = nil
	b.nextAttempt = now.Add(reset)
	b.openedAt = now
}

// pruneFailures отбрасывает сбои старше окна подсчёта. Вызывается под
// мьютексом.
func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-failureWindow)
	i := 0
	for i < len(b.failureTimes) && b.failureTimes[i].Before(cutoff) {
		i++
	}
	b.failureTimes = b.failureTimes[i:]
}

// State возвращает текущее состояние.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenSince возвращает момент последнего открытия и признак, открыт ли
// выключатель сейчас. Используется правилом алертов «открыт дольше T».
func (b *Breaker) OpenSince() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt, b.state == BreakerOpen
}
