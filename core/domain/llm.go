package domain

// GenerateRequest is a single JSON completion call against a provider
type GenerateRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// GenerateResponse carries the parsed JSON object and provider specific metadata
type GenerateResponse struct {
	Data     map[string]any
	Metadata map[string]any
}

type ModelInfo struct {
	Name          string `json:"name" yaml:"name"`
	DisplayName   string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Size          int64  `json:"size,omitempty" yaml:"size,omitempty"`
	ModifiedAt    string `json:"modified_at,omitempty" yaml:"modified_at,omitempty"`
	ContextWindow int    `json:"context_window,omitempty" yaml:"context_window,omitempty"`
}

// ConnectionStatus is the outcome of a provider health probe
type ConnectionStatus struct {
	Provider  string `json:"provider" yaml:"provider"`
	Connected bool   `json:"connected" yaml:"connected"`
	Version   string `json:"version,omitempty" yaml:"version,omitempty"`
	Models    int    `json:"models" yaml:"models"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProviderModels groups the model list of one provider
type ProviderModels struct {
	Provider string      `json:"provider" yaml:"provider"`
	Models   []ModelInfo `json:"models" yaml:"models"`
	Error    string      `json:"error,omitempty" yaml:"error,omitempty"`
}
