package skillsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jinford/skill-graph/internal/core/skill"
)

const (
	// DefaultHTTPTimeout は1リクエストあたりのタイムアウトの既定値
	DefaultHTTPTimeout = 15 * time.Second
	// DefaultHTTPAttempts は 429/5xx 時の試行回数の既定値
	DefaultHTTPAttempts = 3

	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
	maxErrorBody   = 512
)

// HTTPError は 2xx 以外の応答
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %s %s status=%d body=%s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPSource は職業分類 API からスキルを取得するソース
//
//	GET {base}/occupations?keyword=...      → {"occupations":[{"id":"...","title":"..."}]}
//	GET {base}/occupations/{id}/skills      → {"skills":[{"name":"..."}]}
type HTTPSource struct {
	name     string
	baseURL  string
	apiKey   string
	client   *http.Client
	attempts int
	logger   *slog.Logger
}

type httpSourceOptions struct {
	apiKey   string
	client   *http.Client
	attempts int
	logger   *slog.Logger
}

// HTTPSourceOption は HTTPSource のオプション設定
type HTTPSourceOption func(*httpSourceOptions)

// WithAPIKey は Authorization ヘッダーに付与する Bearer トークンを設定する
func WithAPIKey(key string) HTTPSourceOption {
	return func(o *httpSourceOptions) {
		o.apiKey = key
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(o *httpSourceOptions) {
		o.client = client
	}
}

// WithAttempts は 429/5xx 時の試行回数を設定する
func WithAttempts(n int) HTTPSourceOption {
	return func(o *httpSourceOptions) {
		o.attempts = n
	}
}

// WithHTTPSourceLogger はロガーを設定する
func WithHTTPSourceLogger(logger *slog.Logger) HTTPSourceOption {
	return func(o *httpSourceOptions) {
		o.logger = logger
	}
}

// NewHTTPSource は新しい HTTPSource を作成する
func NewHTTPSource(name, baseURL string, opts ...HTTPSourceOption) *HTTPSource {
	options := httpSourceOptions{
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
		attempts: DefaultHTTPAttempts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.client == nil {
		options.client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if options.attempts <= 0 {
		options.attempts = 1
	}

	return &HTTPSource{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   options.apiKey,
		client:   options.client,
		attempts: options.attempts,
		logger:   options.logger,
	}
}

var _ skill.Source = (*HTTPSource)(nil)

func (s *HTTPSource) Name() string {
	return s.name
}

type occupationsResponse struct {
	Occupations []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"occupations"`
}

type skillsResponse struct {
	Skills []struct {
		Name string `json:"name"`
	} `json:"skills"`
}

// Search はキーワードに一致する職業を返す
func (s *HTTPSource) Search(ctx context.Context, keyword string) ([]skill.Match, error) {
	endpoint := s.baseURL + "/occupations?" + url.Values{"keyword": {keyword}}.Encode()

	var resp occupationsResponse
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	matches := make([]skill.Match, 0, len(resp.Occupations))
	for _, o := range resp.Occupations {
		if o.ID == "" {
			continue
		}
		matches = append(matches, skill.Match{ID: o.ID, Title: o.Title})
	}
	return matches, nil
}

// FetchSkillNames は職業に紐づくスキル名を返す
func (s *HTTPSource) FetchSkillNames(ctx context.Context, matchID string) ([]string, error) {
	endpoint := s.baseURL + "/occupations/" + url.PathEscape(matchID) + "/skills"

	var resp skillsResponse
	if err := s.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Skills))
	for _, sk := range resp.Skills {
		names = append(names, sk.Name)
	}
	return names, nil
}

// getJSON は GET して JSON をデコードする。429/5xx は指数バックオフで再試行する
func (s *HTTPSource) getJSON(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		body, err := s.get(ctx, endpoint)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response from %s: %w", s.name, err)
			}
			return nil
		}

		lastErr = err
		var herr *HTTPError
		if !errors.As(err, &herr) || !herr.retryable() || attempt == s.attempts {
			break
		}

		wait := retryDelay(attempt, herr)
		s.logger.Debug("スキルソースへのリクエストを再試行します",
			"source", s.name,
			"status", herr.StatusCode,
			"attempt", attempt,
			"wait", wait,
		)
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *HTTPSource) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", s.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPError{
			Method:     req.Method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       snippet,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

// retryDelay は Retry-After があればそれを、なければ指数バックオフの待ち時間を返す
func retryDelay(attempt int, herr *HTTPError) time.Duration {
	wait := herr.RetryAfter
	if wait <= 0 {
		wait = baseRetryDelay * time.Duration(1<<(attempt-1))
	}
	if wait > maxRetryDelay {
		wait = maxRetryDelay
	}
	return wait
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
