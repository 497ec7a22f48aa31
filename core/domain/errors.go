package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMockError          = errors.New("mock error")
	ErrNoCVEID            = errors.New("no CVE ID extracted")
	ErrNotFound           = errors.New("not found")
	ErrBatchInProgress    = errors.New("a processing batch is already running")
	ErrSchedulerRunning   = errors.New("scheduler is already running")
	ErrSchedulerStopped   = errors.New("scheduler is not running")
	ErrAlreadyReviewed    = errors.New("vulnerability does not need review")
	ErrProviderConnection = errors.New("provider connection error")
	ErrProviderGeneration = errors.New("provider generation error")
	ErrProviderConfig     = errors.New("provider configuration error")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrEmptyText          = errors.New("empty text")
	ErrInvalidInput       = errors.New("invalid input")
)

// ProviderErrorKind classifies provider failures
type ProviderErrorKind string

const (
	ProviderErrorConnection ProviderErrorKind = "connection"
	ProviderErrorGeneration ProviderErrorKind = "generation"
	ProviderErrorConfig     ProviderErrorKind = "config"
)

// ProviderError is returned by LLM providers. It matches the sentinel of its kind with errors.Is.
type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.sentinel(), e.Err}
}

func (e *ProviderError) sentinel() error {
	switch e.Kind {
	case ProviderErrorConnection:
		return ErrProviderConnection
	case ProviderErrorGeneration:
		return ErrProviderGeneration
	default:
		return ErrProviderConfig
	}
}

// Retryable is true for errors that should advance the fallback chain
func (e *ProviderError) Retryable() bool {
	return e.Kind != ProviderErrorConfig
}

func NewConnectionError(provider string, err error) error {
	return &ProviderError{Kind: ProviderErrorConnection, Provider: provider, Err: err}
}

func NewGenerationError(provider string, err error) error {
	return &ProviderError{Kind: ProviderErrorGeneration, Provider: provider, Err: err}
}

func NewConfigError(provider string, err error) error {
	return &ProviderError{Kind: ProviderErrorConfig, Provider: provider, Err: err}
}
