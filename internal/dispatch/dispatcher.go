// Package dispatch — диспетчер доставки: выгребает ready-множества получателей
// в транспорт чата под глобальным и пер-получательским token-bucket лимитами,
// склеивает большие батчи в summary, ретраит transient-сбои через очередь и
// прерывает доставку выключателем при продолжительных отказах.
//
// Модель: один логический планировщик, не более max_concurrent_dispatch
// одновременных отправок, на получателя — не больше одной (сериализация
// сохраняет порядок внутри получателя).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"marketnotify/internal/domain/delivery"
	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/infra/logger"
)

// Config — параметры диспетчера.
type Config struct {
	BatchMax          int
	CoalesceThreshold int
	SendTimeout       time.Duration
	Tick              time.Duration

	GlobalRPS         float64
	GlobalBurst       int
	PerRecipientRPS   float64
	PerRecipientBurst int
	MaxConcurrent     int
}

// Hooks — наблюдатели исходов доставки. Любое поле может быть nil.
type Hooks struct {
	// Delivered вызывается после успешной доставки одиночного элемента.
	Delivered func(item notifications.QueueItem, latency time.Duration)
	// Coalesced вызывается для каждого элемента, закрытого summary-отправкой.
	Coalesced func(item notifications.QueueItem, summaryID string)
	// Failed вызывается при неуспехе попытки (transient и permanent).
	Failed func(item notifications.QueueItem, result delivery.Result)
	// RateRefused считает отказы token-bucket на тике.
	RateRefused func(recipientID string)
	// DeliveredMark отмечает запись дедупликации доставленной.
	DeliveredMark func(recipientID, dedupKey string, now time.Time)
}

// Dispatcher — диспетчер доставки.
type Dispatcher struct {
	cfg     Config
	queue   *queue.Manager
	client  delivery.ChatClient
	breaker *Breaker
	hooks   Hooks

	global *rate.Limiter

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	busy    map[string]bool

	sem chan struct{}

	wg sync.WaitGroup
}

// New создаёт диспетчер.
func New(cfg Config, qm *queue.Manager, client delivery.ChatClient, breaker *Breaker, hooks Hooks) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.BatchMax < 1 {
		cfg.BatchMax = 1
	}
	if cfg.GlobalBurst < 1 {
		cfg.GlobalBurst = 1
	}
	if cfg.PerRecipientBurst < 1 {
		cfg.PerRecipientBurst = 1
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   qm,
		client:  client,
		breaker: breaker,
		hooks:   hooks,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		buckets: make(map[string]*rate.Limiter),
		busy:    make(map[string]bool),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// InvalidateRecipient сбрасывает token-bucket получателя. Подключается к
// OnInvalidate хранилища профилей.
func (d *Dispatcher) InvalidateRecipient(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buckets, recipientID)
}

// SetRateLimits применяет новые лимиты без рестарта: глобальный бакет
// перенастраивается на месте, пер-получательские сбрасываются и пересоздаются
// лениво с новыми параметрами.
func (d *Dispatcher) SetRateLimits(globalRPS float64, globalBurst int, perRPS float64, perBurst int) {
	if globalBurst < 1 {
		globalBurst = 1
	}
	if perBurst < 1 {
		perBurst = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.GlobalRPS = globalRPS
	d.cfg.GlobalBurst = globalBurst
	d.cfg.PerRecipientRPS = perRPS
	d.cfg.PerRecipientBurst = perBurst
	d.global.SetLimit(rate.Limit(globalRPS))
	d.global.SetBurst(globalBurst)
	d.buckets = make(map[string]*rate.Limiter)
}

// Run крутит цикл планировщика до отмены контекста, затем дожидается
// завершения запущенных отправок. Незавершённые элементы остаются в inflight
// и будут восстановлены свипом после рестарта.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.runTick(ctx, time.Now())
		}
	}
}

// runTick — один проход планировщика: отбор получателей с ready-элементами,
// проверка лимитов и запуск воркеров в пределах бюджета конкурентности.
func (d *Dispatcher) runTick(ctx context.Context, now time.Time) {
	if !d.breaker.Allow(now) {
		return
	}

	recipients, err := d.queue.RecipientsWithReady()
	if err != nil {
		logger.Errorf("dispatch: ready recipients: %v", err)
		return
	}

	for _, recipientID := range recipients {
		if ctx.Err() != nil {
			return
		}
		if !d.tryReserve(recipientID) {
			continue
		}

		select {
		case d.sem <- struct{}{}:
		default:
			// Бюджет конкурентности исчерпан: остаток получателей ждёт
			// следующего тика, токены уже возвращать не имеет смысла.
			d.release(recipientID)
			return
		}

		// Слот пробы берётся на каждую диспетчеризацию; в half_open проба
		// ограничивается одной отправкой, чтобы бюджет проб считал именно
		// отправки, а не тики.
		ok, probing := d.breaker.Probe(now)
		if !ok {
			<-d.sem
			d.release(recipientID)
			return
		}
		maxN := d.cfg.BatchMax
		if probing {
			maxN = 1
		}

		d.wg.Add(1)
		go func(recipient string, maxN int, probing bool) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			defer d.release(recipient)
			d.dispatchRecipient(ctx, recipient, maxN, probing, time.Now())
		}(recipientID, maxN, probing)
	}
}

// tryReserve атомарно проверяет занятость получателя и оба token-bucket.
// Токены снимаются только при полном успехе проверки.
func (d *Dispatcher) tryReserve(recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.busy[recipientID] {
		return false
	}
	bucket, ok := d.buckets[recipientID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(d.cfg.PerRecipientRPS), d.cfg.PerRecipientBurst)
		d.buckets[recipientID] = bucket
	}
	if bucket.Tokens() < 1 || d.global.Tokens() < 1 {
		if d.hooks.RateRefused != nil {
			d.hooks.RateRefused(recipientID)
		}
		return false
	}
	_ = bucket.Allow()
	_ = d.global.Allow()
	d.busy[recipientID] = true
	return true
}

func (d *Dispatcher) release(recipientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, recipientID)
}

// dispatchRecipient забирает батч получателя и доставляет его: больше
// coalesce_threshold — одной summary-отправкой, иначе поэлементно в порядке
// приоритета.
func (d *Dispatcher) dispatchRecipient(ctx context.Context, recipientID string, maxN int, probing bool, now time.Time) {
	batch, err := d.queue.DequeueBatch(recipientID, maxN, now)
	if err != nil {
		// Одна повторная попытка; дальше получатель ждёт следующего тика.
		logger.Warnf("dispatch: dequeue %s: %v, retrying once", recipientID, err)
		batch, err = d.queue.DequeueBatch(recipientID, maxN, now)
	}
	if err != nil || len(batch) == 0 {
		if err != nil {
			logger.Errorf("dispatch: dequeue %s: %v", recipientID, err)
		}
		if probing {
			// Отправки не было — слот пробы возвращается.
			d.breaker.Refund()
		}
		return
	}

	if len(batch) > d.cfg.CoalesceThreshold && d.cfg.CoalesceThreshold > 0 {
		d.sendSummary(ctx, recipientID, batch)
		return
	}
	for _, item := range batch {
		if ctx.Err() != nil {
			// Остаток батча остаётся в inflight до свипа после рестарта.
			if probing {
				d.breaker.Refund()
			}
			return
		}
		d.sendOne(ctx, item, probing)
	}
}

// sendOne доставляет одиночный элемент и разносит исход: ok → complete,
// transient → fail с ретраем (уважая retry_after), permanent → dead.
func (d *Dispatcher) sendOne(ctx context.Context, item notifications.QueueItem, probing bool) {
	n := item.Notification
	started := time.Now()
	result := d.send(ctx, n.RecipientID, delivery.Message{Title: n.Title, Body: n.Body})
	now := time.Now()

	switch result.Status {
	case delivery.StatusOK:
		d.breaker.Success(now)
		if err := d.queue.Complete(n.NotifID); err != nil {
			logger.Errorf("dispatch: complete %s: %v", n.NotifID, err)
		}
		if d.hooks.DeliveredMark != nil {
			d.hooks.DeliveredMark(n.RecipientID, n.DedupKey, now)
		}
		if d.hooks.Delivered != nil {
			d.hooks.Delivered(item, now.Sub(started))
		}

	case delivery.StatusTransient:
		d.breaker.Failure(now)
		if err := d.queue.Fail(n.NotifID, true, result.Reason, result.RetryAfter, now); err != nil {
			logger.Errorf("dispatch: fail %s: %v", n.NotifID, err)
		}
		if d.hooks.Failed != nil {
			d.hooks.Failed(item, result)
		}

	default: // permanent
		if probing {
			// Отказ самого получателя ничего не говорит о здоровье канала.
			d.breaker.Refund()
		}
		if err := d.queue.Fail(n.NotifID, false, result.Reason, 0, now); err != nil {
			logger.Errorf("dispatch: fail %s: %v", n.NotifID, err)
		}
		if d.hooks.Failed != nil {
			d.hooks.Failed(item, result)
		}
	}
}

// sendSummary доставляет summary вместо элементов батча: агрегат по видам и
// максимальный приоритет. Успех закрывает все элементы с пометкой coalesced;
// сбой разносится на каждый элемент по обычной политике.
func (d *Dispatcher) sendSummary(ctx context.Context, recipientID string, batch []notifications.QueueItem) {
	summary := buildSummary(recipientID, batch)
	result := d.send(ctx, recipientID, delivery.Message{Title: summary.Title, Body: summary.Body})
	now := time.Now()

	if result.Status == delivery.StatusOK {
		d.breaker.Success(now)
		for _, item := range batch {
			n := item.Notification
			if err := d.queue.Complete(n.NotifID); err != nil {
				logger.Errorf("dispatch: complete coalesced %s: %v", n.NotifID, err)
			}
			if d.hooks.DeliveredMark != nil {
				d.hooks.DeliveredMark(n.RecipientID, n.DedupKey, now)
			}
			if d.hooks.Coalesced != nil {
				d.hooks.Coalesced(item, summary.NotifID)
			}
		}
		return
	}

	transient := result.Status == delivery.StatusTransient
	if transient {
		d.breaker.Failure(now)
	}
	for _, item := range batch {
		if err := d.queue.Fail(item.Notification.NotifID, transient, result.Reason, result.RetryAfter, now); err != nil {
			logger.Errorf("dispatch: fail coalesced %s: %v", item.Notification.NotifID, err)
		}
		if d.hooks.Failed != nil {
			d.hooks.Failed(item, result)
		}
	}
}

// send выполняет отправку с жёстким таймаутом. Истечение таймаута транспорт
// обязан классифицировать как transient.
func (d *Dispatcher) send(ctx context.Context, recipientID string, msg delivery.Message) delivery.Result {
	sendCtx := ctx
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}
	return d.client.Send(sendCtx, recipientID, msg)
}

// buildSummary собирает summary-уведомление: счётчики по видам событий и
// наивысший приоритет батча. Оригиналы перечислены в корреляции.
func buildSummary(recipientID string, batch []notifications.QueueItem) notifications.Notification {
	counts := make(map[event.Kind]int)
	highest := notifications.PriorityLow
	ids := make([]string, 0, len(batch))
	for _, item := range batch {
		counts[item.Notification.Kind]++
		if highest.Less(item.Notification.Priority) {
			highest = item.Notification.Priority
		}
		ids = append(ids, item.Notification.NotifID)
	}

	body := ""
	for _, kind := range event.Kinds {
		if counts[kind] == 0 {
			continue
		}
		if body != "" {
			body += ", "
		}
		body += fmt.Sprintf("%s: %d", kind, counts[kind])
	}

	return notifications.Notification{
		NotifID:     uuid.NewString(),
		RecipientID: recipientID,
		Priority:    highest,
		Title:       fmt.Sprintf("%d pending updates", len(batch)),
		Body:        body,
		CreatedAt:   time.Now(),
		Correlation: notifications.Correlation{
			TemplateID:   "summary",
			CoalescedIDs: ids,
		},
	}
}

// Drain дотикивает доставку после остановки планировщика: гоняет проходы,
// пока ready не опустеет либо не истечёт контекст, затем дожидается воркеров.
// Второй этап остановки процесса; невыгребанное остаётся в inflight/ready.
func (d *Dispatcher) Drain(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
			recipients, err := d.queue.RecipientsWithReady()
			if err != nil {
				logger.Errorf("dispatch: drain: %v", err)
				d.wg.Wait()
				return
			}
			if len(recipients) == 0 {
				d.wg.Wait()
				return
			}
			d.runTick(ctx, time.Now())
		}
	}
}
