package controllers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gammazero/workerpool"
	"github.com/gin-gonic/gin"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"schneider.vip/problem"
)

// HTTPController maps ProcessingService and Scheduler ports to gin handlers that can be mapped to paths and methods
// this mapping is usually done in main()
type HTTPController struct {
	processingService ports.ProcessingService
	scheduler         ports.Scheduler
	retentionDays     int
	workerPool        *workerpool.WorkerPool
}

// NewHTTPController initializes the HTTPController struct with the injected services,
// async triggers are queued on a single worker so cycles never overlap
func NewHTTPController(processingService ports.ProcessingService, scheduler ports.Scheduler, retentionDays int) *HTTPController {
	return &HTTPController{
		processingService: processingService,
		scheduler:         scheduler,
		retentionDays:     retentionDays,
		workerPool:        workerpool.New(1),
	}
}

type approveRequest struct {
	CVEID     string   `json:"cve_id" binding:"required"`
	Severity  *string  `json:"severity"`
	Vendor    *string  `json:"vendor"`
	Product   *string  `json:"product"`
	CVSSScore *float64 `json:"cvss_score"`
}

type rejectRequest struct {
	CVEID string `json:"cve_id" binding:"required"`
}

type bulkRequest struct {
	CVEIDs []string `json:"cve_ids" binding:"required,min=1"`
}

type extractRequest struct {
	Text string `json:"text" binding:"required"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrBatchInProgress), errors.Is(err, domain.ErrAlreadyReviewed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrEmptyText),
		errors.Is(err, domain.ErrSchedulerRunning),
		errors.Is(err, domain.ErrSchedulerStopped):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *HTTPController) serviceError(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		logger.L().Ctx(c.Request.Context()).Error("service error", helpers.Error(err))
	} else {
		logger.L().Ctx(c.Request.Context()).Debug("request rejected", helpers.Error(err))
	}
	problem.Of(code).Append(problem.Detail(err.Error())).WriteTo(c.Writer)
}

func badRequest(c *gin.Context, err error) {
	logger.L().Ctx(c.Request.Context()).Error("handler error", helpers.Error(err))
	problem.Of(http.StatusBadRequest).Append(problem.Detail(err.Error())).WriteTo(c.Writer)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// Alive returns 200 OK
func (h *HTTPController) Alive(c *gin.Context) {
	problem.Of(http.StatusOK).WriteTo(c.Writer)
}

// Ready calls processingService.Ready
func (h *HTTPController) Ready(c *gin.Context) {
	if !h.processingService.Ready(c.Request.Context()) {
		problem.Of(http.StatusServiceUnavailable).WriteTo(c.Writer)
		return
	}

	problem.Of(http.StatusOK).WriteTo(c.Writer)
}

// Trigger runs one processing cycle, with async=true the cycle is queued and 202 is returned
func (h *HTTPController) Trigger(c *gin.Context) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		ctx := context.WithoutCancel(c.Request.Context())
		h.workerPool.Submit(func() {
			if _, err := h.scheduler.TriggerNow(ctx); err != nil {
				logger.L().Ctx(ctx).Warning("queued processing cycle failed", helpers.Error(err))
			}
		})
		problem.Of(http.StatusAccepted).Append(problem.Detail("processing cycle queued")).WriteTo(c.Writer)
		return
	}

	stats, err := h.scheduler.TriggerNow(c.Request.Context())
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Status returns raw entry and vulnerability counts
func (h *HTTPController) Status(c *gin.Context) {
	status, err := h.processingService.Status(c.Request.Context())
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *HTTPController) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func (h *HTTPController) StartScheduler(c *gin.Context) {
	if err := h.scheduler.Start(c.Request.Context()); err != nil {
		h.serviceError(c, err)
		return
	}
	problem.Of(http.StatusOK).Append(problem.Detail("scheduler started")).WriteTo(c.Writer)
}

func (h *HTTPController) StopScheduler(c *gin.Context) {
	if err := h.scheduler.Stop(c.Request.Context()); err != nil {
		h.serviceError(c, err)
		return
	}
	problem.Of(http.StatusOK).Append(problem.Detail("scheduler stopped")).WriteTo(c.Writer)
}

// Purge deletes completed entries older than days, the configured retention by default
func (h *HTTPController) Purge(c *gin.Context) {
	days, err := queryInt(c, "days", h.retentionDays)
	if err != nil {
		badRequest(c, err)
		return
	}
	purged, err := h.processingService.PurgeOldEntries(c.Request.Context(), days)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged, "retention_days": days})
}

func (h *HTTPController) ReviewQueue(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	page, err := h.processingService.ReviewQueue(c.Request.Context(), limit, offset)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Approve unmarshalls the payload and calls processingService.Approve
func (h *HTTPController) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	overrides := domain.ReviewOverrides{Vendor: req.Vendor, Product: req.Product, CVSSScore: req.CVSSScore}
	if req.Severity != nil {
		sev, ok := domain.ParseSeverity(*req.Severity)
		if !ok {
			problem.Of(http.StatusBadRequest).Append(problem.Detailf("invalid severity %q", *req.Severity)).WriteTo(c.Writer)
			return
		}
		overrides.Severity = &sev
	}
	v, err := h.processingService.Approve(c.Request.Context(), req.CVEID, overrides)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Reject deletes a vulnerability awaiting review
func (h *HTTPController) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.processingService.Reject(c.Request.Context(), req.CVEID); err != nil {
		h.serviceError(c, err)
		return
	}
	problem.Of(http.StatusOK).Append(problem.Detailf("CVEID=%s", req.CVEID)).WriteTo(c.Writer)
}

func (h *HTTPController) BulkApprove(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processingService.BulkApprove(c.Request.Context(), req.CVEIDs))
}

func (h *HTTPController) BulkReject(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.processingService.BulkReject(c.Request.Context(), req.CVEIDs))
}

// TestExtract runs the extraction engine on the posted text without storing anything
func (h *HTTPController) TestExtract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.processingService.TestExtraction(c.Request.Context(), req.Text)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *HTTPController) TestProviders(c *gin.Context) {
	c.JSON(http.StatusOK, h.processingService.ProviderStatuses(c.Request.Context()))
}

func (h *HTTPController) Models(c *gin.Context) {
	c.JSON(http.StatusOK, h.processingService.ProviderModels(c.Request.Context()))
}

// Shutdown waits for queued cycles to finish
func (h *HTTPController) Shutdown() {
	logger.L().Info("purging processing queue", helpers.String("queue size", strconv.Itoa(h.workerPool.WaitingQueueSize())))
	h.workerPool.StopWait()
}
