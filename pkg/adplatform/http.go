package adplatform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Config 平台客户端配置
type Config struct {
	BaseURL        string
	APIVersion     string
	DeveloperToken string
	Timeout        time.Duration
}

// apiClient 共享的 HTTP 调用：OAuth Bearer、追踪、状态码映射
type apiClient struct {
	platform string
	base     http.RoundTripper
	timeout  time.Duration
	logger   *logrus.Logger
}

func newAPIClient(platform string, timeout time.Duration, logger *logrus.Logger) *apiClient {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{
		platform: platform,
		base:     otelhttp.NewTransport(http.DefaultTransport),
		timeout:  timeout,
		logger:   logger,
	}
}

func (c *apiClient) httpClient(token string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &http.Client{
		Timeout:   c.timeout,
		Transport: &oauth2.Transport{Source: src, Base: c.base},
	}
}

// do 执行请求并将 JSON 响应解码到 out
func (c *apiClient) do(ctx context.Context, token string, req *http.Request, out interface{}) error {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", "adpilot/1.0")

	resp, err := c.httpClient(token).Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("%s API %s %s -> %d", c.platform, req.Method, req.URL.Path, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, truncate(string(body), 200))
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 400:
		return &APIError{Platform: c.platform, StatusCode: resp.StatusCode, Message: truncate(string(body), 500)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
