// Package web — HTTP JSON API поверх конвейера: здоровье, срез состояния,
// CRUD профилей получателей, ручные уведомления, широковещание, реанимация
// dead-letter и выборка истории. Сервер не участвует в пути данных: все
// мутации идут через те же доменные компоненты, что и у конвейера.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/interest"
	"marketnotify/internal/domain/notifications"
	"marketnotify/internal/domain/profile"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/domain/router"
	"marketnotify/internal/history"
	"marketnotify/internal/infra/config"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/monitor"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	maxRequestBody    = 1 << 20 // 1 MiB
	defaultHistoryCap = 50
)

// HistoryReader отдаёт записи журнала получателя. Может быть nil, если
// журнал отключён.
type HistoryReader interface {
	ByRecipient(recipientID string, limit int) ([]history.Record, error)
}

// Deps — зависимости сервера.
type Deps struct {
	Profiles *profile.Store
	Interest *interest.Index
	Queue    *queue.Manager
	Router   *router.Router
	Monitor  *monitor.Collector
	History  HistoryReader

	// SourceStats отдаёт произвольный JSON-дружественный срез источника.
	SourceStats func() any

	// UpdateLimits применяет новые лимиты к диспетчеру. Вызывается после
	// подмены снапшота конфигурации.
	UpdateLimits func(limits config.RateLimits)
}

// Server — HTTP-сервер API.
type Server struct {
	srv  *http.Server
	deps Deps
}

// NewServer собирает роутинг и HTTP-сервер на addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/profiles", s.handleProfilesList)
	mux.HandleFunc("GET /api/profiles/{id}", s.handleProfileGet)
	mux.HandleFunc("PUT /api/profiles/{id}", s.handleProfilePut)
	mux.HandleFunc("DELETE /api/profiles/{id}", s.handleProfileDelete)

	mux.HandleFunc("PUT /api/config/limits", s.handleLimitsUpdate)
	mux.HandleFunc("POST /api/notify", s.handleNotify)
	mux.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /api/queue/promote", s.handleQueuePromote)
	mux.HandleFunc("POST /api/dead/requeue", s.handleDeadRequeue)
	mux.HandleFunc("GET /api/dead", s.handleDeadList)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start запускает сервер и блокируется до его остановки.
func (s *Server) Start() error {
	logger.Infof("web: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Infof("web: shutting down")
	return s.srv.Shutdown(ctx)
}

// Handler отдаёт корневой обработчик; используется в тестах.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	writeResponse(w, []byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"metrics": s.deps.Monitor.Last(),
	}
	if s.deps.SourceStats != nil {
		status["source"] = s.deps.SourceStats()
	}
	if depths, err := s.deps.Queue.Depths(); err == nil {
		status["queue"] = depths
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProfilesList(w http.ResponseWriter, _ *http.Request) {
	list, err := s.deps.Profiles.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Profiles.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleProfilePut создаёт либо обновляет профиль. Отслеживаемые сущности из
// тела синхронизируются с индексом подписок в том же запросе.
func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if !decodeBody(w, r, &p) {
		return
	}
	p.RecipientID = r.PathValue("id")
	if err := s.deps.Profiles.Put(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Interest.SyncProfile(p.RecipientID, p.TrackedWallets, p.TrackedMarkets); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recipient_id": p.RecipientID})
}

func (s *Server) handleProfileDelete(w http.ResponseWriter, r *http.Request) {
	recipientID := r.PathValue("id")
	if err := s.deps.Profiles.Delete(recipientID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.deps.Interest.DropRecipient(recipientID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// limitsRequest — тело обновления лимитов доставки.
type limitsRequest struct {
	GlobalRPS         float64 `json:"global_rps"`
	GlobalBurst       int     `json:"global_burst"`
	PerRecipientRPS   float64 `json:"per_recipient_rps"`
	PerRecipientBurst int     `json:"per_recipient_burst"`
}

// handleLimitsUpdate подменяет снапшот конфигурации новым с изменёнными
// лимитами и применяет их к диспетчеру. Остальные опции требуют рестарта.
func (s *Server) handleLimitsUpdate(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GlobalRPS <= 0 || req.GlobalBurst < 1 || req.PerRecipientRPS <= 0 || req.PerRecipientBurst < 1 {
		writeError(w, http.StatusBadRequest, errors.New("rates must be positive, bursts at least 1"))
		return
	}
	next := *config.Current()
	next.RateLimits.GlobalRPS = req.GlobalRPS
	next.RateLimits.GlobalBurst = req.GlobalBurst
	next.RateLimits.PerRecipientRPS = req.PerRecipientRPS
	next.RateLimits.PerRecipientBurst = req.PerRecipientBurst
	config.Swap(&next)
	if s.deps.UpdateLimits != nil {
		s.deps.UpdateLimits(next.RateLimits)
	}
	logger.Infof("web: rate limits updated: global %.1f/%d, per-recipient %.1f/%d",
		req.GlobalRPS, req.GlobalBurst, req.PerRecipientRPS, req.PerRecipientBurst)
	writeJSON(w, http.StatusOK, next.RateLimits)
}

// notifyRequest — тело ручного уведомления.
type notifyRequest struct {
	RecipientID string `json:"recipient_id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Priority    string `json:"priority"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	priority := notifications.Priority(req.Priority)
	if req.Priority == "" {
		priority = notifications.PriorityMedium
	}
	now := time.Now()
	n := notifications.Notification{
		NotifID:     uuid.NewString(),
		RecipientID: req.RecipientID,
		Kind:        "manual",
		Priority:    priority,
		Title:       req.Title,
		Body:        req.Body,
		CreatedAt:   now.UTC(),
	}
	if err := s.deps.Router.Inject(n, now); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"notif_id": n.NotifID})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	n, err := s.deps.Router.Broadcast(ev, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": ev.EventID, "enqueued": n})
}

// requeueRequest — тело реанимации dead-letter.
type requeueRequest struct {
	NotifID string `json:"notif_id"`
}

// handleQueuePromote — ручной перенос созревших отложенных уведомлений в
// готовые, не дожидаясь планового тика.
func (s *Server) handleQueuePromote(w http.ResponseWriter, _ *http.Request) {
	n, err := s.deps.Queue.PromoteDue(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger.Infof("manual promote moved %d notifications to ready", n)
	writeJSON(w, http.StatusOK, map[string]int{"promoted": n})
}

func (s *Server) handleDeadRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.NotifID == "" {
		writeError(w, http.StatusBadRequest, errors.New("notif_id is required"))
		return
	}
	ok, err := s.deps.Queue.RequeueDead(req.NotifID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("notif %s is not in dead letters", req.NotifID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"notif_id": req.NotifID, "state": "ready"})
}

func (s *Server) handleDeadList(w http.ResponseWriter, _ *http.Request) {
	items, err := s.deps.Queue.ListDead(defaultHistoryCap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, errors.New("history sink is disabled"))
		return
	}
	limit := defaultHistoryCap
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad limit %q", v))
			return
		}
	}
	records, err := s.deps.History.ByRecipient(r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
