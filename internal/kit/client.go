// Package kit предоставляет клиент для внешнего сервиса тегирования Kit.
package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client инкапсулирует HTTP-взаимодействие с Kit API v4.
// Таймаут фиксированный: вызовы ограничивают задержку обработчика и
// никогда не повторяются — неудачная доставка тега финальна.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient создаёт HTTP-клиент Kit API по указанному адресу.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader([]byte("{}"))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kit-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// FindSubscriberByEmail ищет подписчика Kit по email. Возвращает 0, если не найден.
func (c *Client) FindSubscriberByEmail(ctx context.Context, email string) (int64, error) {
	clean := strings.ToLower(strings.TrimSpace(email))

	var result struct {
		Subscribers []struct {
			ID int64 `json:"id"`
		} `json:"subscribers"`
	}
	path := "/subscribers?email_address=" + url.QueryEscape(clean)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return 0, err
	}
	if len(result.Subscribers) == 0 {
		return 0, nil
	}
	return result.Subscribers[0].ID, nil
}

// FindOrCreateTag создаёт тег по имени. Операция идемпотентна на стороне
// Kit: повторный запрос с тем же именем возвращает существующий тег.
func (c *Client) FindOrCreateTag(ctx context.Context, name string) (int64, error) {
	var result struct {
		Tag struct {
			ID int64 `json:"id"`
		} `json:"tag"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/tags", map[string]string{"name": name}, &result); err != nil {
		return 0, err
	}
	if result.Tag.ID == 0 {
		return 0, fmt.Errorf("tag id missing in response")
	}
	return result.Tag.ID, nil
}

// AttachTag добавляет тег подписчику.
func (c *Client) AttachTag(ctx context.Context, tagID, subscriberID int64) error {
	path := fmt.Sprintf("/tags/%d/subscribers/%d", tagID, subscriberID)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// TagSubscriberByEmail находит подписчика по email, находит или создаёт тег
// и привязывает его. Любой сбой логируется и возвращает false: исходящее
// тегирование никогда не должно провалить входящий вебхук.
func (c *Client) TagSubscriberByEmail(ctx context.Context, email, tagName string) bool {
	subscriberID, err := c.FindSubscriberByEmail(ctx, email)
	if err != nil {
		c.logger.Error("kit: find subscriber failed", zap.String("email", email), zap.Error(err))
		return false
	}
	if subscriberID == 0 {
		c.logger.Warn("kit: subscriber not found, skipping tag",
			zap.String("email", email), zap.String("tag", tagName))
		return false
	}

	tagID, err := c.FindOrCreateTag(ctx, tagName)
	if err != nil {
		c.logger.Error("kit: find or create tag failed", zap.String("tag", tagName), zap.Error(err))
		return false
	}

	if err := c.AttachTag(ctx, tagID, subscriberID); err != nil {
		c.logger.Error("kit: attach tag failed",
			zap.String("email", email), zap.String("tag", tagName), zap.Error(err))
		return false
	}

	c.logger.Info("kit: tagged subscriber", zap.String("email", email), zap.String("tag", tagName))
	return true
}
