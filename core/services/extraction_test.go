package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kubescape/vulndash/adapters"
	v1 "github.com/kubescape/vulndash/adapters/v1"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acmeText = "CVE-2024-1234: Critical auth bypass in Acme CMS, CVSS 9.8"

func acmeData() map[string]any {
	return map[string]any{
		"cve_id":      "CVE-2024-1234",
		"vendor":      "Acme",
		"product":     "CMS",
		"severity":    "CRITICAL",
		"cvss_score":  9.8,
		"description": "Critical authentication bypass allowing full takeover.",
	}
}

func TestExtractionService_Extract(t *testing.T) {
	tests := []struct {
		name            string
		text            string
		data            map[string]any
		wantCVE         string
		wantSeverity    domain.Severity
		wantCVSS        *float64
		wantConfidence  float64
		wantNeedsReview bool
		wantIssues      int
	}{
		{
			name:            "well formed",
			text:            acmeText,
			data:            acmeData(),
			wantCVE:         "CVE-2024-1234",
			wantSeverity:    domain.SeverityCritical,
			wantCVSS:        ptr(9.8),
			wantConfidence:  0.9,
			wantNeedsReview: false,
		},
		{
			name: "invalid severity and score, cve recovered from text",
			text: "Advisory CVE-2024-5678 affects something",
			data: map[string]any{
				"severity":    "SUPER_HIGH",
				"cvss_score":  15.0,
				"description": "A vulnerability affecting something somewhere.",
			},
			wantCVE:         "CVE-2024-5678",
			wantSeverity:    domain.SeverityUnknown,
			wantConfidence:  0.3,
			wantNeedsReview: true,
			wantIssues:      2,
		},
		{
			name: "lowercase cve and string score",
			text: "something",
			data: map[string]any{
				"cve_id":      " cve-2023-12345 ",
				"title":       "Overflow",
				"vendor":      "Acme",
				"product":     "Widget",
				"severity":    "high",
				"cvss_score":  "7.5",
				"description": "Heap overflow in widget parser",
			},
			wantCVE:         "CVE-2023-12345",
			wantSeverity:    domain.SeverityHigh,
			wantCVSS:        ptr(7.5),
			wantConfidence:  0.95,
			wantNeedsReview: false,
		},
		{
			name: "invalid cve not recoverable",
			text: "no identifier here at all",
			data: map[string]any{
				"cve_id":   "CVE-24-1",
				"severity": "LOW",
			},
			wantSeverity:    domain.SeverityLow,
			wantConfidence:  0.15,
			wantNeedsReview: true,
			wantIssues:      2,
		},
		{
			name:            "empty object",
			text:            "short",
			data:            map[string]any{},
			wantSeverity:    domain.SeverityUnknown,
			wantConfidence:  0,
			wantNeedsReview: true,
			wantIssues:      3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewExtractionService(adapters.NewMockProvider("mock", tt.data), nil, ExtractionOptions{Model: "m"})
			got := s.Extract(context.TODO(), tt.text)
			assert.Equal(t, tt.wantCVE, got.CVEID)
			assert.Equal(t, tt.wantSeverity, got.Severity)
			assert.Equal(t, tt.wantCVSS, got.CVSSScore)
			assert.Equal(t, tt.wantConfidence, got.ConfidenceScore)
			assert.Equal(t, tt.wantNeedsReview, got.NeedsReview)
			assert.Len(t, got.Metadata.ValidationIssues, tt.wantIssues)
			assert.False(t, got.Metadata.Fallback)
			assert.Equal(t, "mock", got.Metadata.Provider)
			assert.Equal(t, 0, got.Metadata.FallbackAttempt)
		})
	}
}

func TestExtractionService_DescriptionFallback(t *testing.T) {
	long := "CVE-2024-0001 " + strings.Repeat("x", 600)
	s := NewExtractionService(adapters.NewMockProvider("mock", map[string]any{"description": "short"}), nil, ExtractionOptions{})
	got := s.Extract(context.TODO(), long)
	assert.Equal(t, 500, len([]rune(got.Description)))
	assert.Contains(t, got.Metadata.ValidationIssues, "Using raw text as description")
}

func TestExtractionService_Prompt(t *testing.T) {
	m := adapters.NewMockProvider("mock", acmeData())
	s := NewExtractionService(m, nil, ExtractionOptions{
		Model:     "llama3.1",
		Normalize: strings.ToUpper,
	})
	s.Extract(context.TODO(), "abc")
	req := m.LastRequest()
	assert.Equal(t, "llama3.1", req.Model)
	assert.Equal(t, 0.1, req.Temperature)
	assert.Equal(t, 1000, req.MaxTokens)
	assert.Contains(t, req.Prompt, "\n\nABC\n\n")
	assert.Contains(t, req.SystemPrompt, "cvss_vector")
}

func TestExtractionService_ZeroValuesKept(t *testing.T) {
	m := adapters.NewMockProvider("mock", map[string]any{"description": "short"})
	s := NewExtractionService(m, nil, ExtractionOptions{
		Temperature:         ptr(0.0),
		ConfidenceThreshold: ptr(0.0),
	})
	got := s.Extract(context.TODO(), "an advisory without identifiers")
	assert.Equal(t, 0.0, m.LastRequest().Temperature)
	assert.Equal(t, 0.0, got.Metadata.Temperature)
	assert.Equal(t, 0.0, got.ConfidenceScore)
	assert.False(t, got.NeedsReview)
}

func TestExtractionService_NormalizedPromptOnly(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		provider       ports.LLMProvider
		wantFallback   bool
		wantConfidence float64
	}{
		{
			name:     "autolink recovered after model misses it",
			text:     "Advisory for Acme CMS, see <https://nvd.nist.gov/vuln/detail/CVE-2024-1234> for details",
			provider: adapters.NewMockProvider("mock", map[string]any{"severity": "HIGH", "description": "Authentication bypass in Acme CMS."}),
		},
		{
			name:           "bracketed id kept in fallback",
			text:           "Acme CMS auth bypass <CVE-2024-1234>",
			provider:       adapters.NewFailingProvider("mock", domain.NewConnectionError("mock", errors.New("refused"))),
			wantFallback:   true,
			wantConfidence: 0.1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewExtractionService(tt.provider, nil, ExtractionOptions{Normalize: v1.PromptText})
			got := s.Extract(context.TODO(), tt.text)
			assert.Equal(t, "CVE-2024-1234", got.CVEID)
			assert.Equal(t, tt.wantFallback, got.Metadata.Fallback)
			if tt.wantFallback {
				assert.Equal(t, tt.wantConfidence, got.ConfidenceScore)
				assert.Equal(t, tt.text, got.Description)
			}
		})
	}
}

func TestExtractionService_NormalizedToBlank(t *testing.T) {
	m := adapters.NewMockProvider("mock", acmeData())
	s := NewExtractionService(m, nil, ExtractionOptions{Normalize: func(string) string { return " " }})
	got := s.Extract(context.TODO(), acmeText)
	assert.False(t, got.Metadata.Fallback)
	assert.Equal(t, 1, m.Calls())
	assert.Contains(t, m.LastRequest().Prompt, acmeText)
}

func TestExtractionService_ModelPerProvider(t *testing.T) {
	primary := adapters.NewFailingProvider("ollama", domain.NewConnectionError("ollama", errors.New("refused")))
	claude := adapters.NewFailingProvider("claude", domain.NewGenerationError("claude", errors.New("bad json")))
	gemini := adapters.NewMockProvider("gemini", acmeData())
	s := NewExtractionService(primary, []ports.LLMProvider{claude, gemini}, ExtractionOptions{
		Model:  "llama3.1",
		Models: map[string]string{"claude": "claude-3-haiku-20250307"},
	})
	got := s.Extract(context.TODO(), acmeText)
	assert.Equal(t, "llama3.1", primary.LastRequest().Model)
	assert.Equal(t, "claude-3-haiku-20250307", claude.LastRequest().Model)
	assert.Equal(t, "", gemini.LastRequest().Model)
	assert.Equal(t, 2, got.Metadata.FallbackAttempt)
	assert.Equal(t, "", got.Metadata.Model)
}

func TestExtractionService_Fallback(t *testing.T) {
	connErr := domain.NewConnectionError("primary", errors.New("connection refused"))
	genErr := domain.NewGenerationError("secondary", errors.New("unparseable"))
	tests := []struct {
		name           string
		providers      []ports.LLMProvider
		maxRetries     int
		wantProvider   string
		wantAttempt    int
		wantFallback   bool
		wantConfidence float64
		wantCalls      []int
	}{
		{
			name: "primary down, fallback succeeds",
			providers: []ports.LLMProvider{
				adapters.NewFailingProvider("primary", connErr),
				adapters.NewMockProvider("secondary", acmeData()),
			},
			wantProvider:   "secondary",
			wantAttempt:    1,
			wantConfidence: 0.9,
			wantCalls:      []int{1, 1},
		},
		{
			name: "success short circuits",
			providers: []ports.LLMProvider{
				adapters.NewMockProvider("primary", acmeData()),
				adapters.NewMockProvider("secondary", acmeData()),
			},
			wantProvider:   "primary",
			wantAttempt:    0,
			wantConfidence: 0.9,
			wantCalls:      []int{1, 0},
		},
		{
			name: "all fail",
			providers: []ports.LLMProvider{
				adapters.NewFailingProvider("primary", connErr),
				adapters.NewFailingProvider("secondary", genErr),
			},
			wantAttempt:    1,
			wantFallback:   true,
			wantConfidence: 0.1,
			wantCalls:      []int{1, 1},
		},
		{
			name: "retry ceiling spans the chain",
			providers: []ports.LLMProvider{
				adapters.NewFailingProvider("p0", connErr),
				adapters.NewFailingProvider("p1", connErr),
				adapters.NewMockProvider("p2", acmeData()),
			},
			maxRetries:     2,
			wantAttempt:    1,
			wantFallback:   true,
			wantConfidence: 0.1,
			wantCalls:      []int{1, 1, 0},
		},
		{
			name: "plain error counts as generation failure",
			providers: []ports.LLMProvider{
				adapters.NewFailingProvider("primary", errors.New("boom")),
				adapters.NewMockProvider("secondary", acmeData()),
			},
			wantProvider:   "secondary",
			wantAttempt:    1,
			wantConfidence: 0.9,
			wantCalls:      []int{1, 1},
		},
		{
			name: "nil object is a generation failure",
			providers: []ports.LLMProvider{
				&nilProvider{MockProvider: adapters.NewMockProvider("primary", nil)},
				adapters.NewMockProvider("secondary", acmeData()),
			},
			wantProvider:   "secondary",
			wantAttempt:    1,
			wantConfidence: 0.9,
			wantCalls:      []int{0, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewExtractionService(tt.providers[0], tt.providers[1:], ExtractionOptions{MaxRetries: tt.maxRetries})
			got := s.Extract(context.TODO(), acmeText)
			assert.Equal(t, "CVE-2024-1234", got.CVEID)
			assert.Equal(t, tt.wantAttempt, got.Metadata.FallbackAttempt)
			assert.Equal(t, tt.wantFallback, got.Metadata.Fallback)
			assert.Equal(t, tt.wantConfidence, got.ConfidenceScore)
			if tt.wantFallback {
				assert.True(t, got.NeedsReview)
				assert.Equal(t, domain.SeverityUnknown, got.Severity)
				assert.NotEmpty(t, got.Metadata.Error)
				assert.Equal(t, acmeText, got.Description)
			} else {
				assert.Equal(t, tt.wantProvider, got.Metadata.Provider)
			}
			for i, want := range tt.wantCalls {
				if m, ok := tt.providers[i].(*adapters.MockProvider); ok {
					assert.Equal(t, want, m.Calls(), "provider %d", i)
				}
			}
		})
	}
}

func TestExtractionService_FallbackWithoutCVE(t *testing.T) {
	s := NewExtractionService(adapters.NewFailingProvider("primary", domain.NewConnectionError("primary", domain.ErrMockError)), nil, ExtractionOptions{})
	got := s.Extract(context.TODO(), "an advisory without identifiers")
	assert.Empty(t, got.CVEID)
	assert.Equal(t, 0.0, got.ConfidenceScore)
	assert.True(t, got.NeedsReview)
	assert.True(t, got.Metadata.Fallback)
}

func TestExtractionService_EmptyText(t *testing.T) {
	m := adapters.NewMockProvider("mock", acmeData())
	s := NewExtractionService(m, nil, ExtractionOptions{})
	got := s.Extract(context.TODO(), "   ")
	assert.True(t, got.Metadata.Fallback)
	assert.Equal(t, 0, m.Calls())
}

func TestExtractionService_Timeout(t *testing.T) {
	slow := adapters.NewMockProvider("slow", acmeData()).WithDelay(time.Second)
	fast := adapters.NewMockProvider("fast", acmeData())
	s := NewExtractionService(slow, []ports.LLMProvider{fast}, ExtractionOptions{Timeout: 25 * time.Millisecond})
	start := time.Now()
	got := s.Extract(context.TODO(), acmeText)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "fast", got.Metadata.Provider)
	assert.Equal(t, 1, got.Metadata.FallbackAttempt)
	require.Len(t, got.Metadata.ProviderErrors, 1)
	assert.Contains(t, got.Metadata.ProviderErrors[0], "timed out")
}

func TestExtractionService_ConfigErrorStopsChain(t *testing.T) {
	secondary := adapters.NewMockProvider("secondary", acmeData())
	s := NewExtractionService(adapters.NewFailingProvider("primary", domain.NewConfigError("primary", errors.New("no key"))), []ports.LLMProvider{secondary}, ExtractionOptions{})
	got := s.Extract(context.TODO(), acmeText)
	assert.True(t, got.Metadata.Fallback)
	assert.Equal(t, 0, secondary.Calls())
}

func TestConfidence(t *testing.T) {
	full := domain.ExtractionResult{
		CVEID:       "CVE-2024-1234",
		Title:       "t",
		Vendor:      "v",
		Product:     "p",
		Severity:    domain.SeverityHigh,
		CVSSScore:   ptr(5.0),
		Description: strings.Repeat("d", 50),
	}
	tests := []struct {
		name   string
		result domain.ExtractionResult
		issues int
		want   float64
	}{
		{"all fields", full, 0, 1},
		{"penalty", full, 1, 0.95},
		{"penalty capped", full, 10, 0.8},
		{"description 20", domain.ExtractionResult{Description: strings.Repeat("d", 20)}, 0, 0.1},
		{"description 10", domain.ExtractionResult{Description: strings.Repeat("d", 10)}, 0, 0.05},
		{"clamped at zero", domain.ExtractionResult{}, 4, 0},
		{"unknown severity", domain.ExtractionResult{CVEID: "x", Severity: domain.SeverityUnknown}, 0, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.result, tt.issues)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

// nilProvider answers without a JSON object
type nilProvider struct {
	*adapters.MockProvider
}

func (n *nilProvider) GenerateJSON(context.Context, domain.GenerateRequest) (domain.GenerateResponse, error) {
	return domain.GenerateResponse{}, nil
}

func ptr[T any](v T) *T {
	return &v
}
