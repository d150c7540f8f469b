// Package httpclient настраивает HTTP-клиент с повторами для обращения к внешним провайдерам.
package httpclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Options задаёт параметры клиента.
type Options struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultOptions возвращает параметры, подходящие для API провайдеров.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 3 * time.Second,
	}
}

// New создаёт клиент, повторяющий запросы при сетевых ошибках, 429 и 5xx.
// После исчерпания попыток возвращается последний ответ, чтобы вызывающий код мог разобрать статус.
func New(logger *zap.Logger, opts Options) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = opts.Timeout
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = NewLeveledLogger(logger)
	return c
}

// NormalizeBaseURL убирает завершающий слэш и добавляет схему, если она не указана.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// StatusError описывает неуспешный ответ провайдера.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable сообщает, может ли повтор запроса позже завершиться успешно.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// LeveledLogger адаптирует zap к интерфейсу retryablehttp.LeveledLogger.
type LeveledLogger struct {
	sugar *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = (*LeveledLogger)(nil)

// NewLeveledLogger создаёт адаптер. Nil-логгер заменяется на no-op.
func NewLeveledLogger(logger *zap.Logger) *LeveledLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeveledLogger{sugar: logger.Sugar()}
}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Debug пишет на уровне debug: retryablehttp логирует каждый запрос.
func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}
