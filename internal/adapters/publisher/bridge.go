package publisher

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

// Bridge реализует domain.PlatformPublisher поверх HTTP API сервиса загрузки,
// который владеет OAuth-учётками и переносом байтов видео на площадку.
type Bridge struct {
	platform    domain.Platform
	baseURL     *url.URL
	httpClient  *http.Client
	defaultSlot domain.TimeSlot
}

var _ domain.PlatformPublisher = (*Bridge)(nil)

// NewBridge создаёт мост для одной площадки.
func NewBridge(platform domain.Platform, baseURL string, defaultSlot domain.TimeSlot, timeout time.Duration) (*Bridge, error) {
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
		timeout = 60 * time.Second
	}
	return &Bridge{
		platform:    platform,
		baseURL:     parsed,
		httpClient:  &http.Client{Timeout: timeout},
		defaultSlot: defaultSlot,
	}, nil
}

type publishResponse struct {
	VideoID string `json:"video_id"`
}

// Publish отправляет публикацию и возвращает внешний идентификатор ролика.
// Ответы 4xx (кроме 408 и 429) считаются неповторяемым отказом площадки.
func (b *Bridge) Publish(ctx context.Context, payload domain.PublishPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	endpoint := b.baseURL.ResolveReference(&url.URL{Path: "/api/v1/publish"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	metrics.ObserveNetworkRequest("publisher", "publish", string(b.platform), start, err)
	if err != nil {
		return "", fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		reason := fmt.Errorf("publish rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return "", domain.NewPermanentError(reason)
		}
		return "", reason
	}

	var decoded publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.VideoID == "" {
		return "", fmt.Errorf("publish response without video_id")
	}
	return decoded.VideoID, nil
}

// GetAnalytics возвращает свежие показатели ролика.
func (b *Bridge) GetAnalytics(ctx context.Context, platformVideoID string) (domain.PerformanceSample, error) {
	endpoint := b.baseURL.ResolveReference(&url.URL{Path: "/api/v1/analytics/" + url.PathEscape(platformVideoID)})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return domain.PerformanceSample{}, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	metrics.ObserveNetworkRequest("publisher", "get_analytics", string(b.platform), start, err)
	if err != nil {
		return domain.PerformanceSample{}, fmt.Errorf("analytics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.PerformanceSample{}, fmt.Errorf("analytics failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var sample domain.PerformanceSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return domain.PerformanceSample{}, fmt.Errorf("decode response: %w", err)
	}
	sample.Platform = b.platform
	sample.PlatformVideoID = platformVideoID
	return sample, nil
}

// OptimalUploadTimeDefault возвращает статический слот площадки.
func (b *Bridge) OptimalUploadTimeDefault() domain.TimeSlot {
	return b.defaultSlot
}
