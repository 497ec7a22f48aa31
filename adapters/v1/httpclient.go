package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/internal/tools"
)

const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 1024
)

// Option configures one of the HTTP backed providers
type Option func(*providerSettings)

type providerSettings struct {
	baseURL string
	client  *http.Client
	model   string
	timeout time.Duration
}

func WithBaseURL(u string) Option {
	return func(s *providerSettings) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *providerSettings) { s.client = c }
}

// WithModel sets the model used when a request does not name one
func WithModel(m string) Option {
	return func(s *providerSettings) { s.model = m }
}

// WithTimeout sets the connection timeout, generation calls get twice as long
func WithTimeout(t time.Duration) Option {
	return func(s *providerSettings) { s.timeout = t }
}

func newSettings(baseURL, model string, opts []Option) providerSettings {
	s := providerSettings{baseURL: baseURL, model: model, timeout: DefaultTimeout}
	for _, o := range opts {
		o(&s)
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	return s
}

// apiCall is the shared request path of the providers
type apiCall struct {
	provider string
	client   *http.Client
	timeout  time.Duration
	// generation failures are reported as generation errors, everything else as connection errors
	generation bool
}

func (c apiCall) fail(err error) error {
	if c.generation {
		return domain.NewGenerationError(c.provider, err)
	}
	return domain.NewConnectionError(c.provider, err)
}

// do sends the request and decodes a 2xx JSON body into out
func (c apiCall) do(ctx context.Context, method, url string, headers map[string]string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return domain.NewConfigError(c.provider, fmt.Errorf("marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return domain.NewConfigError(c.provider, fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(fmt.Errorf("timeout after %s: %w", c.timeout, err))
		}
		return domain.NewConnectionError(c.provider, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := fmt.Errorf("API returned status %d: %s", resp.StatusCode, tools.Excerpt(string(b), 200))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return domain.NewConnectionError(c.provider, statusErr)
		}
		return c.fail(statusErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// ExtractJSONObject parses the outermost JSON object in model output, tolerating prose
// or code fences around it
func ExtractJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, errors.New("no JSON object found in response")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &data); err != nil {
		return nil, fmt.Errorf("invalid JSON in response: %w", err)
	}
	return data, nil
}

func checkModel(models []domain.ModelInfo, name string) bool {
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}
