package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	v1 "github.com/kubescape/vulndash/adapters/v1"
	"github.com/kubescape/vulndash/config"
	"github.com/kubescape/vulndash/controllers"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/kubescape/vulndash/core/services"
	"github.com/kubescape/vulndash/goroutinelimits"
	"github.com/kubescape/vulndash/internal/metrics"
	"github.com/kubescape/vulndash/internal/tools"
	"github.com/kubescape/vulndash/repositories"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func main() {
	ctx := context.Background()

	configDir := "/etc/config"
	if envPath := os.Getenv("CONFIG_DIR"); envPath != "" {
		configDir = envPath
	}

	c, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("load config error", helpers.Error(err))
	}
	if err := logger.L().SetLevel(c.LogLevel); err != nil {
		logger.L().Warning("invalid log level", helpers.String("level", c.LogLevel), helpers.Error(err))
	}

	// to enable otel, set OTEL_COLLECTOR_SVC=otel-collector:4317
	if otelHost, present := os.LookupEnv("OTEL_COLLECTOR_SVC"); present {
		ctx = logger.InitOtel("vulndash",
			os.Getenv("RELEASE"),
			"",
			"",
			url.URL{Host: otelHost})
		defer logger.ShutdownOtel(ctx)
	}

	// modify context to listen to interrupt signals from the OS.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	store, err := repositories.NewGormStore(c.DatabasePath)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("storage initialization error", helpers.Error(err))
	}
	defer store.Close()
	logger.L().Info("database opened",
		helpers.String("path", c.DatabasePath),
		helpers.String("driver", tools.PackageVersion("gorm.io/driver/sqlite")))

	runLock, closeLock, err := newRunLock(ctx, c.RedisURL)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("run lock initialization error", helpers.Error(err))
	}
	defer closeLock()

	extractor, err := newExtractor(c.LLM)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("provider initialization error", helpers.Error(err))
	}
	service := services.NewProcessingService(extractor, store, store, runLock)
	scheduler := services.NewScheduler(service, services.SchedulerOptions{
		IntervalMinutes: c.Processing.IntervalMinutes,
		BatchSize:       c.Processing.BatchSize,
		RetentionDays:   c.Processing.RetentionDays,
	})
	controller := controllers.NewHTTPController(service, scheduler, c.Processing.RetentionDays)

	if c.Processing.SchedulerEnabled {
		if err := scheduler.Start(ctx); err != nil {
			logger.L().Ctx(ctx).Fatal("scheduler start error", helpers.Error(err))
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    c.ListenAddr,
		Handler: newRouter(controller),
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		logger.L().Info("starting server", helpers.String("addr", c.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().Ctx(ctx).Fatal("router error", helpers.Error(err))
		}
	}()

	// Listen for the interrupt signal.
	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	logger.L().Info("shutting down gracefully")

	// modify context to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L().Ctx(ctx).Error("server forced to shutdown", helpers.Error(err))
	}

	// the running entry is allowed to finish
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.L().Warning("scheduler stop", helpers.Error(err))
	}

	// Purging the controller worker queue
	controller.Shutdown()

	logger.L().Info("vulndash exiting")
}

func newRouter(controller *controllers.HTTPController) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/v1/liveness", controller.Alive)
	router.GET("/v1/readiness", controller.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	group := router.Group("/v1")
	{
		group.Use(otelgin.Middleware("vulndash-svc"))
		group.POST("/processing/trigger", controller.Trigger)
		group.GET("/processing/status", controller.Status)
		group.GET("/processing/scheduler", controller.SchedulerStatus)
		group.POST("/processing/scheduler/start", controller.StartScheduler)
		group.POST("/processing/scheduler/stop", controller.StopScheduler)
		group.POST("/processing/purge", controller.Purge)
		group.GET("/review", controller.ReviewQueue)
		group.POST("/review/approve", controller.Approve)
		group.POST("/review/reject", controller.Reject)
		group.POST("/review/bulk-approve", controller.BulkApprove)
		group.POST("/review/bulk-reject", controller.BulkReject)
		group.POST("/llm/test-extract", controller.TestExtract)
		group.GET("/llm/test-all", controller.TestProviders)
		group.GET("/llm/models", controller.Models)
	}
	return router
}

// newRunLock picks the redis lock when a URL is configured, otherwise a process local guard
func newRunLock(ctx context.Context, redisURL string) (ports.RunLock, func(), error) {
	if redisURL == "" {
		return goroutinelimits.CreateCoroutineGuardian(goroutinelimits.MaxProcessingRuns), func() {}, nil
	}
	lock, err := repositories.NewRedisLock(ctx, redisURL, repositories.DefaultLockKey, repositories.DefaultLockTTL)
	if err != nil {
		return nil, nil, err
	}
	logger.L().Info("using redis run lock", helpers.String("key", repositories.DefaultLockKey))
	return lock, func() { _ = lock.Close() }, nil
}

func newExtractor(c config.LLMConfig) (*services.ExtractionService, error) {
	registry := v1.NewRegistry()
	primary, fallbacks, err := registry.NewProviderChain(c.PrimaryProvider, c.FallbackProviders, v1.Settings{
		OllamaBaseURL:  c.OllamaBaseURL,
		ClaudeAPIKey:   c.ClaudeAPIKey,
		GeminiAPIKey:   c.GeminiAPIKey,
		Timeout:        c.Timeout,
		ModelsCacheTTL: c.ModelsCacheTTL,
	})
	if err != nil {
		return nil, err
	}
	names := []string{primary.Name()}
	for _, f := range fallbacks {
		names = append(names, f.Name())
	}
	logger.L().Info("provider chain ready", helpers.Interface("providers", names))
	return services.NewExtractionService(primary, fallbacks, services.ExtractionOptions{
		Model:               c.Model,
		Models:              c.Models,
		Temperature:         &c.Temperature,
		MaxTokens:           c.MaxTokens,
		ConfidenceThreshold: &c.ConfidenceThreshold,
		MaxRetries:          c.MaxRetries,
		Timeout:             c.Timeout,
		Normalize:           v1.PromptText,
	}), nil
}
