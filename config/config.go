package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr   string           `mapstructure:"listenAddr"`
	LogLevel     string           `mapstructure:"logLevel"`
	DatabasePath string           `mapstructure:"databasePath"`
	RedisURL     string           `mapstructure:"redisURL"`
	LLM          LLMConfig        `mapstructure:"llm"`
	Processing   ProcessingConfig `mapstructure:"processing"`
}

type LLMConfig struct {
	PrimaryProvider     string            `mapstructure:"primaryProvider"`
	FallbackProviders   []string          `mapstructure:"fallbackProviders"`
	Model               string            `mapstructure:"model"`
	Models              map[string]string `mapstructure:"models"`
	Temperature         float64           `mapstructure:"temperature"`
	MaxTokens           int               `mapstructure:"maxTokens"`
	ConfidenceThreshold float64           `mapstructure:"confidenceThreshold"`
	MaxRetries          int               `mapstructure:"maxRetries"`
	Timeout             time.Duration     `mapstructure:"timeout"`
	ModelsCacheTTL      time.Duration     `mapstructure:"modelsCacheTTL"`
	OllamaBaseURL       string            `mapstructure:"ollamaBaseURL"`
	ClaudeAPIKey        string            `mapstructure:"claudeAPIKey"`
	GeminiAPIKey        string            `mapstructure:"geminiAPIKey"`
}

type ProcessingConfig struct {
	IntervalMinutes  int  `mapstructure:"intervalMinutes"`
	BatchSize        int  `mapstructure:"batchSize"`
	RetentionDays    int  `mapstructure:"retentionDays"`
	SchedulerEnabled bool `mapstructure:"schedulerEnabled"`
}

// DefaultDatabasePath is under the XDG data home
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "vulndash", "vulndash.db")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	setDefaults()
	if err = bindEnv(); err != nil {
		return
	}

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	return unmarshal()
}

// LoadDefaults returns the defaults overridden by environment variables, for runs without a config file
func LoadDefaults() (Config, error) {
	setDefaults()
	if err := bindEnv(); err != nil {
		return Config{}, err
	}
	return unmarshal()
}

// bindEnv maps nested keys to env names, llm.claudeAPIKey is read from LLM_CLAUDEAPIKEY
func bindEnv() error {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// keys without a default are only seen by Unmarshal once bound
	for _, key := range []string{"llm.claudeAPIKey", "llm.geminiAPIKey"} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("listenAddr", ":8080")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("databasePath", DefaultDatabasePath())
	viper.SetDefault("redisURL", "")
	viper.SetDefault("llm.primaryProvider", "ollama")
	viper.SetDefault("llm.fallbackProviders", []string{})
	viper.SetDefault("llm.model", "llama3.1")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 1000)
	viper.SetDefault("llm.confidenceThreshold", 0.8)
	viper.SetDefault("llm.maxRetries", 3)
	viper.SetDefault("llm.timeout", 30*time.Second)
	viper.SetDefault("llm.modelsCacheTTL", 10*time.Minute)
	viper.SetDefault("llm.ollamaBaseURL", "http://localhost:11434")
	viper.SetDefault("processing.intervalMinutes", 30)
	viper.SetDefault("processing.batchSize", 10)
	viper.SetDefault("processing.retentionDays", 7)
	viper.SetDefault("processing.schedulerEnabled", true)
}

func unmarshal() (config Config, err error) {
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}
	if config.Processing.BatchSize <= 0 {
		config.Processing.BatchSize = 10
	}
	return
}
