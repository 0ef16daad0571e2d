// Package app — сборка и запуск конвейера. Компоненты соединяются через
// граф жизненного цикла: хранилище поднимается первым, источник событий —
// последним, остановка идёт в обратном порядке. Второй этап остановки даёт
// диспетчеру дотянуть ready до shutdown_deadline; недоставленное остаётся
// в inflight и восстанавливается свипом после рестарта.
package app

import (
	"context"
	"time"

	"marketnotify/internal/adapters/chatapi"
	"marketnotify/internal/adapters/source"
	"marketnotify/internal/dispatch"
	"marketnotify/internal/domain/delivery"
	"marketnotify/internal/domain/event"
	"marketnotify/internal/domain/interest"
	"marketnotify/internal/domain/prefs"
	"marketnotify/internal/domain/profile"
	"marketnotify/internal/domain/queue"
	"marketnotify/internal/domain/router"
	"marketnotify/internal/domain/template"
	"marketnotify/internal/history"
	"marketnotify/internal/infra/config"
	"marketnotify/internal/infra/lifecycle"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/store"
	"marketnotify/internal/monitor"
	"marketnotify/internal/web"
)

// Run собирает конвейер по текущему снапшоту конфигурации и блокируется до
// отмены контекста. Ошибки открытия хранилища и авторизации чата
// возвращаются как есть: main сопоставляет им коды выхода.
func Run(ctx context.Context) error {
	cfg := config.Current()

	db, err := store.Open(cfg.StoreFile)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			logger.Errorf("app: close store: %v", errClose)
		}
	}()

	chat := chatapi.New(cfg.ChatAPIURL, cfg.ChatToken, cfg.RateLimits.GlobalRPS)
	if err := chat.CheckAuth(ctx); err != nil {
		return err
	}

	return run(ctx, cfg, db, chat)
}

// run поднимает все узлы поверх уже открытых хранилища и транспорта.
// Вынесен отдельно, чтобы тесты могли подставить fake-клиент чата.
func run(ctx context.Context, cfg *config.Snapshot, db *store.DB, chat delivery.ChatClient) error {
	profiles := profile.NewStore(db)
	ix := interest.NewIndex(db)
	qm := queue.NewManager(db, queue.Config{
		MaxSize:           cfg.Queue.MaxQueueSize,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Multiplier:        cfg.Retry.Multiplier,
		EvictOnOverflow:   cfg.Queue.OverflowPolicy == config.OverflowEvictLowest,
	})
	filter := prefs.NewFilter(db, ix, cfg.Dedup.Window,
		cfg.RateLimits.PrefsRecipientRPS, cfg.RateLimits.PrefsRecipientBurst)

	var sink history.Sink = history.Nop{}
	var reader web.HistoryReader
	if cfg.HistoryFile != "" {
		fileSink, err := history.NewFileSink(cfg.HistoryFile)
		if err != nil {
			return err
		}
		defer func() { _ = fileSink.Close() }()
		sink = fileSink
		reader = fileSink
	}

	metrics := monitor.NewMetrics()
	breaker := dispatch.NewBreaker(cfg.Breaker.FailureThreshold,
		cfg.Breaker.ResetTimeout, cfg.Breaker.HalfOpenProbeCalls)

	dispatcher := dispatch.New(dispatch.Config{
		BatchMax:          cfg.Queue.BatchMax,
		CoalesceThreshold: cfg.Queue.CoalesceThreshold,
		SendTimeout:       cfg.Queue.VisibilityTimeout / 2,
		Tick:              cfg.Timers.PromoteTick,
		GlobalRPS:         cfg.RateLimits.GlobalRPS,
		GlobalBurst:       cfg.RateLimits.GlobalBurst,
		PerRecipientRPS:   cfg.RateLimits.PerRecipientRPS,
		PerRecipientBurst: cfg.RateLimits.PerRecipientBurst,
		MaxConcurrent:     cfg.MaxConcurrentDispatch,
	}, qm, chat, breaker, dispatchHooks(metrics, sink, filter, cfg.Retry.MaxAttempts))

	rt := router.New(ix, profiles, template.NewSelector(), filter, qm,
		routerHooks(metrics, sink))

	// Мутация профиля сбрасывает кэш фильтра и бакеты диспетчера.
	profiles.OnInvalidate(func(recipientID string) {
		filter.Invalidate(recipientID)
		dispatcher.InvalidateRecipient(recipientID)
	})

	collector := monitor.NewCollector(metrics,
		func() (monitor.QueueDepths, error) {
			d, err := qm.Depths()
			if err != nil {
				return monitor.QueueDepths{}, err
			}
			return monitor.QueueDepths{Ready: d.Ready, Delayed: d.Delayed, Inflight: d.Inflight, Dead: d.Dead}, nil
		},
		func() (string, time.Time) {
			state := string(breaker.State())
			if openedAt, open := breaker.OpenSince(); open {
				return state, openedAt
			}
			return state, time.Time{}
		},
		monitor.Rules{
			SuccessRateTarget:  cfg.Targets.SuccessRate,
			SuccessRateWindows: 3,
			DepthFraction:      0.8,
			MaxQueueSize:       cfg.Queue.MaxQueueSize,
			DeadPerWindow:      10,
			BreakerOpenFor:     4 * cfg.Breaker.ResetTimeout,
		},
		cfg.Timers.MetricsTick, nil)

	src := source.New(cfg.UpstreamURL, cfg.HeartbeatInterval)

	life := lifecycle.New(ctx)
	reg := func(name, parent string, deps []string, start lifecycle.StartFunc, stop lifecycle.StopFunc) error {
		return life.Register(name, parent, deps, start, stop)
	}

	if err := reg("dispatcher", "", nil, func(nodeCtx context.Context) error {
		go func() { _ = dispatcher.Run(nodeCtx) }()
		return nil
	}, func(context.Context) error {
		// Второй этап остановки: источник уже погашен, дотягиваем ready.
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
		defer cancel()
		dispatcher.Drain(drainCtx)
		return nil
	}); err != nil {
		return err
	}

	if err := reg("promoter", "", nil, func(nodeCtx context.Context) error {
		go tickLoop(nodeCtx, cfg.Timers.PromoteTick, func(now time.Time) {
			if _, err := qm.PromoteDue(now); err != nil {
				logger.Errorf("app: promote due: %v", err)
			}
		})
		return nil
	}, nil); err != nil {
		return err
	}

	if err := reg("sweeper", "", nil, func(nodeCtx context.Context) error {
		go tickLoop(nodeCtx, cfg.Timers.SweepTick, func(now time.Time) {
			if _, err := qm.SweepInflight(now); err != nil {
				logger.Errorf("app: sweep inflight: %v", err)
			}
			if _, err := qm.PurgeDead(cfg.Queue.DeadLetterRetention, now); err != nil {
				logger.Errorf("app: purge dead: %v", err)
			}
			if _, err := filter.PurgeExpired(now); err != nil {
				logger.Errorf("app: purge dedup: %v", err)
			}
		})
		return nil
	}, nil); err != nil {
		return err
	}

	if err := reg("monitor", "", nil, func(nodeCtx context.Context) error {
		go func() { _ = collector.Run(nodeCtx) }()
		return nil
	}, nil); err != nil {
		return err
	}

	if err := reg("router", "", []string{"dispatcher"}, func(nodeCtx context.Context) error {
		counted := countEvents(nodeCtx, src.Events(), metrics)
		go func() { _ = rt.Run(nodeCtx, counted) }()
		return nil
	}, nil); err != nil {
		return err
	}

	if err := reg("source", "", []string{"router"}, func(nodeCtx context.Context) error {
		src.Start(nodeCtx)
		return nil
	}, func(context.Context) error {
		src.Stop()
		return nil
	}); err != nil {
		return err
	}

	if cfg.WebServerEnable {
		webSrv := web.NewServer(cfg.WebServerAddress, web.Deps{
			Profiles: profiles,
			Interest: ix,
			Queue:    qm,
			Router:   rt,
			Monitor:  collector,
			History:  reader,
			SourceStats: func() any {
				return src.Stats()
			},
			UpdateLimits: func(limits config.RateLimits) {
				dispatcher.SetRateLimits(limits.GlobalRPS, limits.GlobalBurst,
					limits.PerRecipientRPS, limits.PerRecipientBurst)
			},
		})
		if err := reg("web", "", []string{"source"}, func(context.Context) error {
			go func() {
				if err := webSrv.Start(); err != nil {
					logger.Errorf("app: %v", err)
				}
			}()
			return nil
		}, func(stopCtx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stopCtx
			return webSrv.Shutdown(shutdownCtx)
		}); err != nil {
			return err
		}
	}

	if err := life.StartAll(); err != nil {
		_ = life.Shutdown()
		return err
	}
	logger.Infof("pipeline is running")

	<-ctx.Done()
	logger.Infof("shutdown requested")
	return life.Shutdown()
}

// tickLoop — общий каркас фоновых задач с фиксированным периодом.
func tickLoop(ctx context.Context, tick time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// countEvents прокладывает между источником и роутером счётную горутину:
// каждое событие учитывается в метриках и передаётся дальше без буферизации
// сверх ёмкости канала.
func countEvents(ctx context.Context, in <-chan event.Event, metrics *monitor.Metrics) <-chan event.Event {
	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				metrics.EventIngested()
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
