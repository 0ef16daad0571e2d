// Package chatapi — транспорт доставки поверх Bot-API-совместимого HTTP:
// POST /bot<token>/sendMessage с JSON-телом. Адаптер классифицирует ответы в
// трёхзначный Result: 429 и 5xx/сетевые сбои — transient (с retry_after, если
// сервер его сообщил), остальные 4xx — permanent. Троттлер сглаживает частоту
// исходящих запросов ниже лимитов самого API.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"marketnotify/internal/domain/delivery"
	"marketnotify/internal/infra/logger"
	"marketnotify/internal/infra/throttle"
)

// httpClientTimeout покрывает сетевые колебания, не зависая бесконечно.
const httpClientTimeout = 30 * time.Second

// ErrAuth — токен отвергнут API. Верхний уровень транслирует её в выходной код 3.
var ErrAuth = errors.New("chatapi: authentication failed")

// Client — HTTP-клиент чата.
type Client struct {
	sendURL  string
	checkURL string
	client   *http.Client
	limiter  *throttle.Throttler
}

// New создаёт клиента. baseURL — корень API (например https://api.telegram.org),
// token — токен бота, rps — целевая частота исходящих запросов.
func New(baseURL, token string, rps float64) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		sendURL:  fmt.Sprintf("%s/bot%s/sendMessage", base, token),
		checkURL: fmt.Sprintf("%s/bot%s/getMe", base, token),
		client:   &http.Client{Timeout: httpClientTimeout},
		limiter:  throttle.New(rps, throttle.WithMaxRetries(0)),
	}
}

// CheckAuth проверяет валидность токена одним вызовом getMe. 401/404 — ErrAuth;
// сетевые и серверные сбои не считаются отказом в авторизации.
func (c *Client) CheckAuth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL, nil)
	if err != nil {
		return errors.Wrap(err, "build auth request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "auth request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusNotFound:
		return ErrAuth
	default:
		return errors.Errorf("auth check: unexpected status %d", resp.StatusCode)
	}
}

// apiResponse — общий конверт ответа Bot-API-совместимого сервера.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send доставляет сообщение получателю и классифицирует исход. Реализует
// delivery.ChatClient; ошибку наружу не возвращает — классификация и есть
// контракт транспорта.
func (c *Client) Send(ctx context.Context, recipientID string, msg delivery.Message) delivery.Result {
	payload := struct {
		ChatID                string `json:"chat_id"`
		Text                  string `json:"text"`
		ParseMode             string `json:"parse_mode,omitempty"`
		DisableWebPagePreview bool   `json:"disable_web_page_preview"`
	}{
		ChatID:                recipientID,
		Text:                  renderText(msg),
		ParseMode:             msg.ParseMode,
		DisableWebPagePreview: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return delivery.Permanent("marshal request: " + err.Error())
	}

	var result delivery.Result
	err = c.limiter.Do(ctx, func() error {
		result = c.performSend(ctx, body)
		return nil
	})
	if err != nil {
		// Отмена контекста: жёсткий таймаут отправки — transient по контракту.
		return delivery.Transient("send canceled: "+err.Error(), 0)
	}
	return result
}

// performSend выполняет один HTTP-вызов и нормализует ответ.
func (c *Client) performSend(ctx context.Context, body []byte) delivery.Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent("build request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return delivery.Transient("send timeout", 0)
		}
		return delivery.Transient("network: "+err.Error(), 0)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return delivery.Transient("read response: "+err.Error(), 0)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyHTTP(resp.StatusCode, respBody)
	}
	return classifyEnvelope(respBody)
}

// classifyHTTP нормализует не-200 ответы: 429 — transient с retry_after,
// остальные 4xx — permanent, 5xx — transient.
func classifyHTTP(status int, body []byte) delivery.Result {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return delivery.Transient(fmt.Sprintf("rate limited (%d): %s", status, msg), retryAfterFromBody(body))
	case status >= 400 && status < 500:
		return delivery.Permanent(fmt.Sprintf("client error (%d): %s", status, msg))
	default:
		return delivery.Transient(fmt.Sprintf("server error (%d): %s", status, msg), 0)
	}
}

// classifyEnvelope разбирает JSON-конверт со статусом 200: ok=false с
// error_code 429 — transient, прочие коды 4xx — permanent.
func classifyEnvelope(body []byte) delivery.Result {
	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return delivery.Transient("decode response: "+err.Error(), 0)
	}
	if api.OK {
		return delivery.OK()
	}

	desc := strings.TrimSpace(api.Description)
	if api.ErrorCode == http.StatusTooManyRequests || api.Parameters.RetryAfter > 0 {
		retry := time.Duration(api.Parameters.RetryAfter) * time.Second
		return delivery.Transient(fmt.Sprintf("rate limited: %s", desc), retry)
	}
	if api.ErrorCode >= 400 && api.ErrorCode < 500 {
		return delivery.Permanent(fmt.Sprintf("api error %d: %s", api.ErrorCode, desc))
	}
	logger.Warnf("chatapi: unexpected api error %d: %s", api.ErrorCode, desc)
	return delivery.Transient(fmt.Sprintf("api error %d: %s", api.ErrorCode, desc), 0)
}

// retryAfterFromBody извлекает parameters.retry_after из JSON-тела 429-ответа.
func retryAfterFromBody(body []byte) time.Duration {
	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return 0
	}
	if api.Parameters.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(api.Parameters.RetryAfter) * time.Second
}

// renderText склеивает заголовок и тело в один текст сообщения.
func renderText(msg delivery.Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	if msg.Body == "" {
		return msg.Title
	}
	return msg.Title + "\n" + msg.Body
}
