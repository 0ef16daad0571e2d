// Package delivery — контракт между диспетчером и транспортом чата.
// Результат попытки классифицируется на три исхода: успех, временный сбой
// (повторить с задержкой) и постоянный сбой (в dead-letter без повторов).
package delivery

import (
	"context"
	"time"
)

// Status — классификация результата попытки доставки.
type Status string

const (
	StatusOK        Status = "ok"
	StatusTransient Status = "transient"
	StatusPermanent Status = "permanent"
)

// Result описывает исход одной попытки. RetryAfter ненулевой только когда
// транспорт явно сообщил паузу (HTTP 429 с retry_after); диспетчер обязан
// уважать её вместо расчётной экспоненциальной задержки.
type Result struct {
	Status     Status
	Reason     string
	RetryAfter time.Duration
}

// OK — успешная доставка.
func OK() Result { return Result{Status: StatusOK} }

// Transient — временный сбой с необязательной подсказкой паузы.
func Transient(reason string, retryAfter time.Duration) Result {
	return Result{Status: StatusTransient, Reason: reason, RetryAfter: retryAfter}
}

// Permanent — постоянный сбой, повторы бессмысленны.
func Permanent(reason string) Result {
	return Result{Status: StatusPermanent, Reason: reason}
}

// Message — подготовленный к отправке текст. ParseMode пробрасывается в
// транспорт как есть (для Telegram-совместимых API это "HTML" либо пусто).
type Message struct {
	Title     string
	Body      string
	ParseMode string
}

// ChatClient — транспорт доставки. Реализация обязана возвращать Result
// даже при сетевых ошибках: классификация — её зона ответственности.
type ChatClient interface {
	Send(ctx context.Context, recipientID string, msg Message) Result
}
