// Пакет config отвечает за сбор и предоставление конфигурации пайплайна
// уведомлений. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения по «мягким» опциям вместо падения,
//  4. фиксирует результат в неизменяемом снапшоте.
//
// Бизнес-контекст: снапшот описывает лимиты отправки (token bucket глобально и
// на получателя), параметры очереди (ёмкость, батчи, visibility timeout),
// политику ретраев, circuit breaker, окно дедупликации, тики фоновых задач и
// целевые SLO. Жёсткие опции (URL апстрима, токен чата, путь к хранилищу)
// валидируются строго: без них процесс не стартует.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"marketnotify/internal/infra/timeutil"
)

// RateLimits описывает два независимых token bucket: глобальный и на получателя.
type RateLimits struct {
	GlobalRPS           float64
	GlobalBurst         int
	PerRecipientRPS     float64
	PerRecipientBurst   int
	PrefsRecipientRPS   float64 // логический бакет стадии фильтра, отдельный от диспетчера
	PrefsRecipientBurst int
}

// OverflowPolicy — поведение очереди при достижении ёмкости.
type OverflowPolicy string

const (
	// OverflowReject — enqueue возвращает ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowEvictLowest — вытесняется pending-элемент с наинизшим приоритетом.
	OverflowEvictLowest OverflowPolicy = "evict_lowest"
)

// QueueConfig — параметры долговременной очереди.
type QueueConfig struct {
	MaxQueueSize        int
	BatchMax            int
	CoalesceThreshold   int
	VisibilityTimeout   time.Duration
	DeadLetterRetention time.Duration
	OverflowPolicy      OverflowPolicy
}

// RetryConfig — политика повторных попыток доставки.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// BreakerConfig — параметры circuit breaker диспетчера и адаптера источника.
type BreakerConfig struct {
	FailureThreshold   int
	ResetTimeout       time.Duration
	HalfOpenProbeCalls int
}

// Timers — периоды фоновых задач пайплайна.
type Timers struct {
	PromoteTick time.Duration
	SweepTick   time.Duration
	MetricsTick time.Duration
}

// Targets — целевые SLO, используемые правилами алертов мониторинга.
type Targets struct {
	P95DeliveryMs int
	SuccessRate   float64
}

// Snapshot — неизменяемый слепок конфигурации процесса. Любое обновление
// порождает новый снапшот, который атомарно подменяется (см. Swap).
type Snapshot struct {
	RateLimits RateLimits
	Queue      QueueConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
	Dedup      struct{ Window time.Duration }
	Timers     Timers
	Targets    Targets

	MaxConcurrentDispatch int
	ShutdownDeadline      time.Duration

	UpstreamURL       string
	HeartbeatInterval time.Duration

	ChatAPIURL string
	ChatToken  string

	StoreFile   string
	HistoryFile string

	LogLevel    string
	AppTimezone string

	WebServerEnable  bool
	WebServerAddress string
}

// Значения по умолчанию для «мягких» опций.
const (
	defaultGlobalRPS           = 25.0
	defaultGlobalBurst         = 50
	defaultPerRecipientRPS     = 1.0
	defaultPerRecipientBurst   = 3
	defaultPrefsRecipientRPS   = 0.5
	defaultPrefsRecipientBurst = 5

	defaultMaxQueueSize      = 100000
	defaultBatchMax          = 10
	defaultCoalesceThreshold = 3
	defaultVisibilitySec     = 60
	defaultDeadRetentionHrs  = 72

	defaultMaxAttempts = 5
	defaultBaseDelayMS = 1000
	defaultMaxDelaySec = 300
	defaultMultiplier  = 2.0

	defaultFailureThreshold = 10
	defaultResetTimeoutSec  = 30
	defaultHalfOpenProbes   = 1

	defaultDedupWindowSec = 60

	defaultPromoteTickMS  = 100
	defaultSweepTickSec   = 1
	defaultMetricsTickSec = 10

	defaultTargetP95Ms       = 2000
	defaultTargetSuccessRate = 0.99

	defaultMaxConcurrent       = 8
	defaultShutdownDeadlineSec = 20
	defaultHeartbeatSec        = 15

	defaultChatAPIURL = "https://api.telegram.org"

	defaultStoreFile   = "data/pipeline.bbolt"
	defaultHistoryFile = "data/history.jsonl"

	defaultLogLevel    = "info"
	defaultAppTimezone = "UTC"

	defaultWebServerEnable  = true
	defaultWebServerAddress = "127.0.0.1:8080"
)

var (
	mu       sync.RWMutex
	current  *Snapshot
	warnings []string
	loaded   bool
)

// Load — точка входа инициализации конфигурации. Повторный вызов запрещён,
// чтобы исключить гонки конфигурации на старте. envPath = "" пропускает чтение
// .env и работает только с окружением процесса (удобно в тестах и контейнерах).
func Load(envPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return errors.New("config already loaded")
	}

	snap, warns, err := loadSnapshot(envPath)
	if err != nil {
		return err
	}
	current = snap
	warnings = warns
	loaded = true
	return nil
}

// loadSnapshot выполняет фактическую загрузку без установки глобального
// состояния. Вынесено отдельно для тестов.
func loadSnapshot(envPath string) (*Snapshot, []string, error) {
	if envPath != "" {
		if err := loadDotEnv(envPath); err != nil {
			return nil, nil, errors.Wrap(err, "load .env")
		}
	}

	var warns []string

	upstreamURL := strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	if upstreamURL == "" {
		return nil, nil, errors.New("env UPSTREAM_URL must be set")
	}
	chatToken := strings.TrimSpace(os.Getenv("CHAT_TOKEN"))
	if chatToken == "" {
		return nil, nil, errors.New("env CHAT_TOKEN must be set")
	}

	appTimezone := sanitizeTimezone(os.Getenv("APP_TIMEZONE"), defaultAppTimezone, &warns)

	snap := &Snapshot{
		RateLimits: RateLimits{
			GlobalRPS:           parseFloatDefault("GLOBAL_RPS", defaultGlobalRPS, positiveFloat, &warns),
			GlobalBurst:         parseIntDefault("GLOBAL_BURST", defaultGlobalBurst, greaterThanZero, &warns),
			PerRecipientRPS:     parseFloatDefault("PER_RECIPIENT_RPS", defaultPerRecipientRPS, positiveFloat, &warns),
			PerRecipientBurst:   parseIntDefault("PER_RECIPIENT_BURST", defaultPerRecipientBurst, greaterThanZero, &warns),
			PrefsRecipientRPS:   parseFloatDefault("PREFS_RECIPIENT_RPS", defaultPrefsRecipientRPS, positiveFloat, &warns),
			PrefsRecipientBurst: parseIntDefault("PREFS_RECIPIENT_BURST", defaultPrefsRecipientBurst, greaterThanZero, &warns),
		},
		Queue: QueueConfig{
			MaxQueueSize:        parseIntDefault("MAX_QUEUE_SIZE", defaultMaxQueueSize, greaterThanZero, &warns),
			BatchMax:            parseIntDefault("BATCH_MAX", defaultBatchMax, greaterThanZero, &warns),
			CoalesceThreshold:   parseIntDefault("COALESCE_THRESHOLD", defaultCoalesceThreshold, greaterThanZero, &warns),
			VisibilityTimeout:   secondsDefault("VISIBILITY_TIMEOUT_SEC", defaultVisibilitySec, &warns),
			DeadLetterRetention: hoursDefault("DEAD_LETTER_RETENTION_HOURS", defaultDeadRetentionHrs, &warns),
			OverflowPolicy:      sanitizeOverflow(os.Getenv("OVERFLOW_POLICY"), &warns),
		},
		Retry: RetryConfig{
			MaxAttempts: parseIntDefault("MAX_ATTEMPTS", defaultMaxAttempts, greaterThanZero, &warns),
			BaseDelay:   millisDefault("RETRY_BASE_DELAY_MS", defaultBaseDelayMS, &warns),
			MaxDelay:    secondsDefault("RETRY_MAX_DELAY_SEC", defaultMaxDelaySec, &warns),
			Multiplier:  parseFloatDefault("RETRY_MULTIPLIER", defaultMultiplier, atLeastOne, &warns),
		},
		Breaker: BreakerConfig{
			FailureThreshold:   parseIntDefault("CB_FAILURE_THRESHOLD", defaultFailureThreshold, greaterThanZero, &warns),
			ResetTimeout:       secondsDefault("CB_RESET_TIMEOUT_SEC", defaultResetTimeoutSec, &warns),
			HalfOpenProbeCalls: parseIntDefault("CB_HALF_OPEN_PROBES", defaultHalfOpenProbes, greaterThanZero, &warns),
		},
		Timers: Timers{
			PromoteTick: millisDefault("PROMOTE_TICK_MS", defaultPromoteTickMS, &warns),
			SweepTick:   secondsDefault("SWEEP_TICK_SEC", defaultSweepTickSec, &warns),
			MetricsTick: secondsDefault("METRICS_TICK_SEC", defaultMetricsTickSec, &warns),
		},
		Targets: Targets{
			P95DeliveryMs: parseIntDefault("TARGET_P95_DELIVERY_MS", defaultTargetP95Ms, greaterThanZero, &warns),
			SuccessRate:   parseFloatDefault("TARGET_SUCCESS_RATE", defaultTargetSuccessRate, fraction, &warns),
		},

		MaxConcurrentDispatch: parseIntDefault("MAX_CONCURRENT_DISPATCH", defaultMaxConcurrent, greaterThanZero, &warns),
		ShutdownDeadline:      secondsDefault("SHUTDOWN_DEADLINE_SEC", defaultShutdownDeadlineSec, &warns),

		UpstreamURL:       upstreamURL,
		HeartbeatInterval: secondsDefault("HEARTBEAT_SEC", defaultHeartbeatSec, &warns),

		ChatAPIURL: sanitizeString("CHAT_API_URL", os.Getenv("CHAT_API_URL"), defaultChatAPIURL, &warns),
		ChatToken:  chatToken,

		StoreFile:   sanitizeString("STORE_FILE", os.Getenv("STORE_FILE"), defaultStoreFile, &warns),
		HistoryFile: sanitizeString("HISTORY_FILE", os.Getenv("HISTORY_FILE"), defaultHistoryFile, &warns),

		LogLevel:    sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warns),
		AppTimezone: appTimezone,

		WebServerEnable:  parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warns),
		WebServerAddress: sanitizeString("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"), defaultWebServerAddress, &warns),
	}
	snap.Dedup.Window = secondsDefault("DEDUP_WINDOW_SEC", defaultDedupWindowSec, &warns)

	return snap, warns, nil
}

// Current возвращает текущий снапшот. Паникует, если Load не был вызван:
// это программная ошибка порядка инициализации, а не ошибочный ввод.
func Current() *Snapshot {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		panic("config: Current called before Load")
	}
	return current
}

// Swap атомарно подменяет снапшот новым (update_config). Возвращает прежний.
func Swap(next *Snapshot) *Snapshot {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	current = next
	return prev
}

// Warnings возвращает копию предупреждений последней загрузки.
func Warnings() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, len(warnings))
	copy(out, warnings)
	return out
}

// parseIntDefault читает name как int. Пусто/некорректно/не проходит validator —
// возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warns *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warns, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warns, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseFloatDefault — аналог parseIntDefault для float64.
func parseFloatDefault(name string, defaultVal float64, validator func(float64) bool, warns *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warns, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warns, "env %s value %g does not satisfy constraints; using default %g", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool с дефолтом и предупреждением.
func parseBoolDefault(name string, defaultVal bool, warns *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warns, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

func secondsDefault(name string, defaultSec int, warns *[]string) time.Duration {
	return time.Duration(parseIntDefault(name, defaultSec, greaterThanZero, warns)) * time.Second
}

func millisDefault(name string, defaultMS int, warns *[]string) time.Duration {
	return time.Duration(parseIntDefault(name, defaultMS, greaterThanZero, warns)) * time.Millisecond
}

func hoursDefault(name string, defaultHrs int, warns *[]string) time.Duration {
	return time.Duration(parseIntDefault(name, defaultHrs, greaterThanZero, warns)) * time.Hour
}

// sanitizeString подставляет fallback на пустое значение.
func sanitizeString(name, value, fallback string, warns *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warns, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeLogLevel ограничивает LOG_LEVEL набором {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warns *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warns, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeTimezone проверяет, что значение — корректная IANA-зона или UTC-смещение.
func sanitizeTimezone(value, fallback string, warns *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if _, err := timeutil.ParseLocation(v); err != nil {
		appendWarningf(warns, "timezone %q is invalid; using default %q", v, fallback)
		return fallback
	}
	return v
}

// sanitizeOverflow нормализует политику переполнения очереди.
func sanitizeOverflow(value string, warns *[]string) OverflowPolicy {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "", string(OverflowEvictLowest):
		return OverflowEvictLowest
	case string(OverflowReject):
		return OverflowReject
	default:
		appendWarningf(warns, "env OVERFLOW_POLICY value %q is invalid; using %q", value, OverflowEvictLowest)
		return OverflowEvictLowest
	}
}

func appendWarningf(warns *[]string, format string, args ...any) {
	if warns == nil {
		return
	}
	*warns = append(*warns, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool     { return v > 0 }
func positiveFloat(v float64) bool   { return v > 0 }
func atLeastOne(v float64) bool      { return v >= 1 }
func fraction(v float64) bool        { return v > 0 && v <= 1 }
