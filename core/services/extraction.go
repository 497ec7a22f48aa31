package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/eapache/go-resiliency/deadline"
	"github.com/hashicorp/go-multierror"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/kubescape/vulndash/internal/metrics"
	"github.com/kubescape/vulndash/internal/tools"
	"go.opentelemetry.io/otel"
)

const (
	systemPrompt = `You are a cybersecurity data extraction assistant. Your task is to extract structured vulnerability information from raw text.

Extract the following fields:
- cve_id: CVE identifier (format: CVE-YYYY-NNNNN)
- title: Short vulnerability title
- description: Detailed description
- vendor: Affected vendor/organization
- product: Affected product name
- severity: One of CRITICAL, HIGH, MEDIUM, LOW, NONE, or UNKNOWN
- cvss_score: CVSS score if available (0.0-10.0)
- cvss_vector: CVSS vector string if available

Return ONLY a JSON object with these fields. Use null for missing values.
Be conservative - only extract information you are confident about.`

	userPromptTemplate = "Extract vulnerability information from the following text:\n\n%s\n\nReturn a JSON object with the extracted fields."

	descriptionFallbackLength = 500
	minDescriptionLength      = 10

	fallbackConfidenceWithCVE = 0.1

	defaultTemperature         = 0.1
	defaultConfidenceThreshold = 0.8
)

// ExtractionOptions tune the extraction engine, unset values get defaults.
// Temperature and ConfidenceThreshold are pointers so an explicit zero is kept.
type ExtractionOptions struct {
	// Model is used by the primary provider, Models by provider name takes precedence.
	// Providers fall back to their own default model when neither is set.
	Model               string
	Models              map[string]string
	Temperature         *float64
	MaxTokens           int
	ConfidenceThreshold *float64
	MaxRetries          int
	// Timeout is the provider connection timeout, a generation call gets twice as long
	Timeout time.Duration
	// Normalize cleans raw text for the prompt only, CVE recovery and fallbacks read the raw text
	Normalize func(string) string
}

func (o ExtractionOptions) withDefaults() ExtractionOptions {
	if o.Temperature == nil {
		o.Temperature = ptrTo(defaultTemperature)
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1000
	}
	if o.ConfidenceThreshold == nil {
		o.ConfidenceThreshold = ptrTo(defaultConfidenceThreshold)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// ExtractionService turns raw text into a validated, confidence scored ExtractionResult,
// trying the primary provider first and then each fallback in order
type ExtractionService struct {
	providers   []ports.LLMProvider
	opts        ExtractionOptions
	temperature float64
	threshold   float64
	now         func() time.Time
}

var _ ports.Extractor = (*ExtractionService)(nil)

// NewExtractionService initializes the ExtractionService with a primary provider and ordered fallbacks
func NewExtractionService(primary ports.LLMProvider, fallbacks []ports.LLMProvider, opts ExtractionOptions) *ExtractionService {
	providers := make([]ports.LLMProvider, 0, len(fallbacks)+1)
	providers = append(providers, primary)
	providers = append(providers, fallbacks...)
	opts = opts.withDefaults()
	return &ExtractionService{
		providers:   providers,
		opts:        opts,
		temperature: *opts.Temperature,
		threshold:   *opts.ConfidenceThreshold,
		now:         time.Now,
	}
}

// Providers returns the provider chain, primary first
func (s *ExtractionService) Providers() []ports.LLMProvider {
	return s.providers
}

// Extract never fails: when every provider attempt fails it returns a low confidence fallback result
func (s *ExtractionService) Extract(ctx context.Context, rawText string) domain.ExtractionResult {
	ctx, span := otel.Tracer("").Start(ctx, "ExtractionService.Extract")
	defer span.End()
	start := s.now()

	if strings.TrimSpace(rawText) == "" {
		return s.fallback(rawText, start, 0, domain.ErrEmptyText, nil)
	}
	prompt := rawText
	if s.opts.Normalize != nil {
		if cleaned := s.opts.Normalize(rawText); strings.TrimSpace(cleaned) != "" {
			prompt = cleaned
		}
	}

	req := domain.GenerateRequest{
		Prompt:       fmt.Sprintf(userPromptTemplate, prompt),
		SystemPrompt: systemPrompt,
		Temperature:  s.temperature,
		MaxTokens:    s.opts.MaxTokens,
	}

	var errs *multierror.Error
	var lastErr error
	lastIndex := 0
	for i, provider := range s.providers {
		// the retry ceiling spans the whole chain
		if i >= s.opts.MaxRetries {
			break
		}
		lastIndex = i
		req.Model = s.modelFor(i, provider)
		resp, err := s.generate(ctx, provider, req)
		if err != nil {
			lastErr = err
			errs = multierror.Append(errs, err)
			metrics.ProviderErrors.WithLabelValues(provider.Name(), providerErrorKind(err)).Inc()
			logger.L().Ctx(ctx).Warning("provider failed, trying next",
				helpers.String("provider", provider.Name()),
				helpers.Int("attempt", i),
				helpers.Error(err))
			var pe *domain.ProviderError
			if errors.As(err, &pe) && !pe.Retryable() {
				break
			}
			continue
		}
		result := s.score(rawText, resp.Data)
		result.Metadata.Provider = provider.Name()
		result.Metadata.Model = req.Model
		if m, ok := resp.Metadata["model"].(string); ok && m != "" {
			result.Metadata.Model = m
		}
		result.Metadata.Temperature = s.temperature
		result.Metadata.ExtractionTime = start.UTC().Format(time.RFC3339Nano)
		result.Metadata.DurationMs = s.now().Sub(start).Milliseconds()
		result.Metadata.ProviderMetadata = resp.Metadata
		result.Metadata.FallbackAttempt = i
		result.Metadata.ProviderErrors = errorStrings(errs)
		metrics.Extractions.WithLabelValues(provider.Name(), "success").Inc()
		metrics.ExtractionConfidence.Observe(result.ConfidenceScore)
		logger.L().Debug("extraction done",
			helpers.String("provider", provider.Name()),
			helpers.String("cveID", result.CVEID),
			helpers.Interface("confidence", result.ConfidenceScore))
		return result
	}
	if lastErr == nil {
		lastErr = errors.New("no provider attempted")
	}
	return s.fallback(rawText, start, lastIndex, lastErr, errs)
}

func (s *ExtractionService) modelFor(index int, provider ports.LLMProvider) string {
	if m, ok := s.opts.Models[provider.Name()]; ok {
		return m
	}
	if index == 0 {
		return s.opts.Model
	}
	return ""
}

// generate calls the provider bounded by the generation timeout, any failure comes back as a *ProviderError
func (s *ExtractionService) generate(ctx context.Context, provider ports.LLMProvider, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ExtractionService.generate")
	defer span.End()
	timeout := 2 * s.opts.Timeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	results := make(chan domain.GenerateResponse, 1)
	err := deadline.New(timeout).Run(func(_ <-chan struct{}) error {
		resp, err := provider.GenerateJSON(ctx, req)
		if err != nil {
			return err
		}
		results <- resp
		return nil
	})
	switch {
	case errors.Is(err, deadline.ErrTimedOut):
		return domain.GenerateResponse{}, domain.NewGenerationError(provider.Name(), fmt.Errorf("generation timed out after %s", timeout))
	case err != nil:
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return domain.GenerateResponse{}, err
		}
		return domain.GenerateResponse{}, domain.NewGenerationError(provider.Name(), err)
	}
	resp := <-results
	if resp.Data == nil {
		return domain.GenerateResponse{}, domain.NewGenerationError(provider.Name(), errors.New("response has no JSON object"))
	}
	return resp, nil
}

// score validates the model output against the raw text and computes the confidence
func (s *ExtractionService) score(text string, data map[string]any) domain.ExtractionResult {
	var issues []string
	result := domain.ExtractionResult{}

	cveID := stringField(data, "cve_id")
	switch {
	case cveID != "" && domain.ValidCVEID(cveID):
		result.CVEID = strings.ToUpper(cveID)
	case cveID != "":
		if found, ok := domain.FindCVEID(text); ok {
			result.CVEID = found
			issues = append(issues, fmt.Sprintf("Invalid CVE format: %s, CVE extracted from raw text instead", cveID))
		} else {
			issues = append(issues, fmt.Sprintf("Invalid CVE format: %s", cveID))
		}
	default:
		if found, ok := domain.FindCVEID(text); ok {
			result.CVEID = found
		} else {
			issues = append(issues, "No CVE ID found")
		}
	}

	severity := stringField(data, "severity")
	sev, ok := domain.ParseSeverity(severity)
	result.Severity = sev
	if !ok {
		if severity == "" {
			issues = append(issues, "Missing severity")
		} else {
			issues = append(issues, fmt.Sprintf("Invalid severity: %s", severity))
		}
	}

	if raw, present := data["cvss_score"]; present && raw != nil {
		score, err := parseScore(raw)
		switch {
		case err != nil || math.IsNaN(score):
			issues = append(issues, fmt.Sprintf("Invalid CVSS score: %v", raw))
		case score < 0 || score > 10:
			issues = append(issues, fmt.Sprintf("CVSS score out of range: %v", score))
		default:
			result.CVSSScore = &score
		}
	}

	result.Title = stringField(data, "title")
	result.Vendor = stringField(data, "vendor")
	result.Product = stringField(data, "product")
	result.CVSSVector = stringField(data, "cvss_vector")
	result.Description = stringField(data, "description")
	if utf8.RuneCountInString(result.Description) < minDescriptionLength {
		result.Description = tools.Truncate(text, descriptionFallbackLength)
		issues = append(issues, "Using raw text as description")
	}

	result.ConfidenceScore = Confidence(result, len(issues))
	result.NeedsReview = result.ConfidenceScore < s.threshold
	result.Metadata.ValidationIssues = issues
	if result.Metadata.ValidationIssues == nil {
		result.Metadata.ValidationIssues = []string{}
	}
	return result
}

// Confidence weighs the populated fields out of 100 and deducts 5 points per validation issue, capped at 20
func Confidence(r domain.ExtractionResult, issueCount int) float64 {
	points := 0
	if r.CVEID != "" {
		points += 30
	}
	if r.Vendor != "" {
		points += 10
	}
	if r.Product != "" {
		points += 10
	}
	if r.Severity.Known() {
		points += 15
	}
	if r.CVSSScore != nil {
		points += 10
	}
	switch n := utf8.RuneCountInString(r.Description); {
	case n >= 50:
		points += 15
	case n >= 20:
		points += 10
	case n >= 10:
		points += 5
	}
	if r.Title != "" {
		points += 10
	}
	penalty := min(20, 5*issueCount)
	score := float64(points)/100 - float64(penalty)/100
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1000) / 1000
}

func (s *ExtractionService) fallback(text string, start time.Time, attempt int, cause error, errs *multierror.Error) domain.ExtractionResult {
	result := domain.ExtractionResult{
		Description: tools.Truncate(text, descriptionFallbackLength),
		Severity:    domain.SeverityUnknown,
		NeedsReview: true,
		Metadata: domain.ExtractionMetadata{
			Model:            s.opts.Model,
			Temperature:      s.temperature,
			ExtractionTime:   start.UTC().Format(time.RFC3339Nano),
			DurationMs:       s.now().Sub(start).Milliseconds(),
			ValidationIssues: []string{},
			FallbackAttempt:  attempt,
			Fallback:         true,
			Error:            cause.Error(),
			ProviderErrors:   errorStrings(errs),
		},
	}
	if cveID, ok := domain.FindCVEID(text); ok {
		result.CVEID = cveID
		result.ConfidenceScore = fallbackConfidenceWithCVE
	}
	metrics.Extractions.WithLabelValues(s.providers[attempt].Name(), "fallback").Inc()
	metrics.ExtractionConfidence.Observe(result.ConfidenceScore)
	logger.L().Warning("extraction fell back",
		helpers.String("cveID", result.CVEID),
		helpers.Int("fallbackAttempt", attempt),
		helpers.Error(cause))
	return result
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseScore(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func ptrTo[T any](v T) *T {
	return &v
}

func providerErrorKind(err error) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "unknown"
}

func errorStrings(errs *multierror.Error) []string {
	if errs == nil {
		return nil
	}
	out := make([]string, 0, len(errs.Errors))
	for _, err := range errs.Errors {
		out = append(out, err.Error())
	}
	return out
}
