package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/adapters"
	v1 "github.com/kubescape/vulndash/adapters/v1"
	"github.com/kubescape/vulndash/config"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/kubescape/vulndash/core/services"
	"github.com/kubescape/vulndash/goroutinelimits"
	"github.com/kubescape/vulndash/repositories"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const usage = `VulnDash CLI - LLM vulnerability extraction

Usage:
  vulndash-cli <command> [options]

Commands:
  process   run one processing batch
  purge     delete completed entries older than the retention
  extract   extract from a file or stdin without storing anything
  add       enqueue a raw entry from a file or stdin
  status    show queue counts

Run vulndash-cli <command> -help for the command options.
`

type options struct {
	configDir string
	dbPath    string
	output    string
	mock      bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.L().Ctx(ctx).Error("command failed", helpers.String("command", os.Args[1]), helpers.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	var o options
	fs.StringVar(&o.configDir, "config", os.Getenv("CONFIG_DIR"), "directory holding config.json, defaults only when empty")
	fs.StringVar(&o.dbPath, "db", "", "database path, overrides the configuration")
	fs.StringVar(&o.output, "o", "json", "output format: json or yaml")
	fs.BoolVar(&o.mock, "mock", false, "use the echoing mock provider instead of the configured ones")
	limit := fs.Int("limit", 0, "process: batch size, defaults to processing.batchSize")
	days := fs.Int("days", -1, "purge: retention in days, defaults to processing.retentionDays")
	file := fs.String("file", "", "extract/add: read the text from this file instead of stdin")
	source := fs.Uint("source", 0, "add: source id of the entry")

	switch command {
	case "process", "purge", "extract", "add", "status":
	case "-h", "-help", "--help", "help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", command)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.output != "json" && o.output != "yaml" {
		return fmt.Errorf("unknown output format %q", o.output)
	}

	c, err := loadConfig(o.configDir)
	if err != nil {
		return err
	}
	if o.dbPath != "" {
		c.DatabasePath = o.dbPath
	}
	if err := logger.L().SetLevel(c.LogLevel); err != nil {
		logger.L().Warning("invalid log level", helpers.String("level", c.LogLevel))
	}

	store, err := repositories.NewGormStore(c.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	extractor, err := buildExtractor(c.LLM, o.mock)
	if err != nil {
		return err
	}
	service := services.NewProcessingService(extractor, store, store, goroutinelimits.CreateCoroutineGuardian(goroutinelimits.MaxProcessingRuns))

	var result any
	switch command {
	case "process":
		if *limit <= 0 {
			*limit = c.Processing.BatchSize
		}
		result, err = service.ProcessBatch(ctx, *limit)
	case "purge":
		if *days < 0 {
			*days = c.Processing.RetentionDays
		}
		var purged int
		purged, err = service.PurgeOldEntries(ctx, *days)
		result = map[string]int{"purged": purged, "retention_days": *days}
	case "extract":
		var text string
		if text, err = readText(*file, in); err == nil {
			result, err = service.TestExtraction(ctx, text)
		}
	case "add":
		var text string
		if text, err = readText(*file, in); err == nil {
			result, err = service.AddEntry(ctx, *source, text, map[string]string{"origin": "cli"})
		}
	case "status":
		result, err = service.Status(ctx)
	}
	if err != nil {
		return err
	}
	return write(out, o.output, result)
}

// loadConfig falls back to the defaults when the directory has no config file
func loadConfig(dir string) (config.Config, error) {
	if dir == "" {
		dir = "/etc/config"
	}
	c, err := config.LoadConfig(dir)
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		logger.L().Debug("no config file, using defaults", helpers.String("dir", dir))
		return config.LoadDefaults()
	}
	return c, err
}

func buildExtractor(c config.LLMConfig, mock bool) (ports.Extractor, error) {
	opts := services.ExtractionOptions{
		Model:               c.Model,
		Models:              c.Models,
		Temperature:         &c.Temperature,
		MaxTokens:           c.MaxTokens,
		ConfidenceThreshold: &c.ConfidenceThreshold,
		MaxRetries:          c.MaxRetries,
		Timeout:             c.Timeout,
		Normalize:           v1.PromptText,
	}
	if mock {
		return services.NewExtractionService(adapters.NewMockProvider("mock", nil), nil, opts), nil
	}
	primary, fallbacks, err := v1.NewRegistry().NewProviderChain(c.PrimaryProvider, c.FallbackProviders, v1.Settings{
		OllamaBaseURL: c.OllamaBaseURL,
		ClaudeAPIKey:  c.ClaudeAPIKey,
		GeminiAPIKey:  c.GeminiAPIKey,
		Timeout:       c.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return services.NewExtractionService(primary, fallbacks, opts), nil
}

func readText(file string, in io.Reader) (string, error) {
	var b []byte
	var err error
	if file != "" {
		b, err = os.ReadFile(file)
	} else {
		b, err = io.ReadAll(io.LimitReader(in, 1<<20))
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}

func write(out io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
