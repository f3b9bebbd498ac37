package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/metrics"
)

// Client — HTTP клиент сервиса обогащения контента: по contentID и площадке
// возвращает заголовок, описание и теги публикации.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ domain.Enricher = (*Client)(nil)

// New создаёт клиента по базовому адресу сервиса.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type enrichRequest struct {
	ContentID int64           `json:"content_id"`
	Platform  domain.Platform `json:"platform"`
}

type enrichResponse struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Hashtags    []string `json:"hashtags"`
}

// Enrich запрашивает метаданные публикации для контента на площадке.
func (c *Client) Enrich(ctx context.Context, contentID int64, platform domain.Platform) (domain.PublishPayload, error) {
	body, err := json.Marshal(enrichRequest{ContentID: contentID, Platform: platform})
	if err != nil {
		return domain.PublishPayload{}, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: "/api/v1/enrich"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return domain.PublishPayload{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("enrichment", "enrich", string(platform), start, err)
	if err != nil {
		return domain.PublishPayload{}, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.PublishPayload{}, fmt.Errorf("enrichment failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decoded enrichResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.PublishPayload{}, fmt.Errorf("decode response: %w", err)
	}
	tags := decoded.Tags
	if len(tags) == 0 {
		tags = decoded.Hashtags
	}
	return domain.PublishPayload{
		Title:       decoded.Title,
		Description: decoded.Description,
		Tags:        tags,
	}, nil
}
