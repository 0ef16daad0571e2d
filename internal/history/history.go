// Package history — журнал жизненного цикла уведомлений. Приёмник получает
// записи о постановке в очередь, доставке, склейке, отбросах и смерти; файловая
// реализация дописывает JSON-строки в O_APPEND-файл, по строке на запись, так
// что обрыв процесса портит максимум последнюю строку. Для тестов и
// отключённой истории есть no-op приёмник.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"marketnotify/internal/infra/logger"
)

// Action — тип записи журнала.
type Action string

const (
	ActionEnqueued  Action = "enqueued"
	ActionDelivered Action = "delivered"
	ActionCoalesced Action = "coalesced"
	ActionDropped   Action = "dropped"
	ActionDead      Action = "dead"
	ActionRequeued  Action = "requeued"
)

// Record — одна строка журнала. Reason заполнен для dropped/dead.
type Record struct {
	At          time.Time `json:"at"`
	Action      Action    `json:"action"`
	RecipientID string    `json:"recipient_id"`
	NotifID     string    `json:"notif_id,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Sink — приёмник записей. Реализации обязаны быть потокобезопасными и не
// блокировать вызывающего дольше, чем на локальную запись.
type Sink interface {
	Write(rec Record)
	Close() error
}

// Nop — приёмник, который молча игнорирует записи.
type Nop struct{}

func (Nop) Write(Record) {}
func (Nop) Close() error { return nil }

// FileSink пишет журнал JSON-строками в append-only файл. Каждая запись —
// одна строка; битая строка при чтении пропускается, а не валит выборку.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewFileSink открывает (или создаёт) файл журнала.
func NewFileSink(path string) (*FileSink, error) {
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, errors.Wrap(err, "history dir")
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open history file")
	}
	return &FileSink{file: f, path: clean}, nil
}

// Write дописывает запись. Ошибка записи логируется и не распространяется:
// журнал вспомогательный, конвейер из-за него не останавливается.
func (s *FileSink) Write(rec Record) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		logger.Errorf("history: marshal record: %v", err)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(line); err != nil {
		logger.Errorf("history: append %s: %v", s.path, err)
	}
}

// Close закрывает файл журнала. Последующие Write — no-op.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ByRecipient возвращает последние limit записей получателя, от старых к
// новым. Читает файл целиком: журнал ротируется снаружи, объёмы умеренные.
func (s *FileSink) ByRecipient(recipientID string, limit int) ([]Record, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open history file")
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Warnf("history: skipping corrupt line in %s: %v", path, err)
			continue
		}
		if rec.RecipientID != recipientID {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan history file")
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
