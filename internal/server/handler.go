package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	ocrerrors "github.com/adverant/nexus/vision-ocr/internal/errors"
	"github.com/adverant/nexus/vision-ocr/internal/imageproc"
	"github.com/adverant/nexus/vision-ocr/internal/logging"
	"github.com/adverant/nexus/vision-ocr/internal/ocr"
	"github.com/adverant/nexus/vision-ocr/internal/processor"
	"github.com/adverant/nexus/vision-ocr/internal/queue"
	"github.com/adverant/nexus/vision-ocr/internal/storage"
)

// MaxImageSize caps a single uploaded image
const MaxImageSize = 32 << 20

// pollInterval is the Retry-After hint, in seconds, for unfinished jobs
const pollInterval = "2"

// Engine is the extraction surface served over HTTP
type Engine interface {
	ExtractText(ctx context.Context, input interface{}, opts processor.ExtractOptions) (*ocr.Extraction, error)
	ExtractFromRegions(ctx context.Context, input interface{}, regions []ocr.Region, opts processor.ExtractOptions) ([]ocr.RegionItem, error)
	GetAvailableModels() []string
	Test(ctx context.Context) *processor.TestReport
	Provider() string
	Model() string
}

// JobStore records asynchronous jobs
type JobStore interface {
	CreateJob(ctx context.Context, kind string, metadata map[string]interface{}) (*storage.JobRecord, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) (*storage.JobRecord, error)
	GetJob(ctx context.Context, jobID string) (*storage.JobRecord, error)
	HealthCheck(ctx context.Context) error
}

// Enqueuer schedules asynchronous jobs
type Enqueuer interface {
	EnqueueExtract(ctx context.Context, payload *queue.ExtractPayload) error
	EnqueueBatch(ctx context.Context, payload *queue.BatchPayload) error
}

// Handler serves the OCR API. Jobs and Queue are optional; without them the
// /api/jobs routes answer 503.
type Handler struct {
	engine   Engine
	jobs     JobStore
	queue    Enqueuer
	defaults processor.ExtractOptions
	logger   *logging.Logger
}

// NewHandler creates a handler around engine. jobs and q may be nil.
func NewHandler(engine Engine, defaults processor.ExtractOptions, jobs JobStore, q Enqueuer) *Handler {
	return &Handler{
		engine:   engine,
		jobs:     jobs,
		queue:    q,
		defaults: defaults,
		logger:   logging.NewLogger("HTTPServer"),
	}
}

func (h *Handler) asyncEnabled() bool {
	return h.jobs != nil && h.queue != nil
}

// Index is a plain text banner
func (h *Handler) Index(c *gin.Context) {
	c.String(http.StatusOK, "Vision OCR API is running. Use POST /api/ocr to process images.")
}

// Health reports service and storage health
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":   "ok",
		"provider": h.engine.Provider(),
		"model":    h.engine.Model(),
		"async":    h.asyncEnabled(),
	}

	if h.jobs != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := h.jobs.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}

	if s, ok := h.jobs.(interface{ Stats() map[string]interface{} }); ok {
		resp["storage"] = s.Stats()
	}

	c.JSON(http.StatusOK, resp)
}

// Extract runs OCR on the uploaded "image" file
func (h *Handler) Extract(c *gin.Context) {
	image, ok := h.readImage(c)
	if !ok {
		return
	}
	opts, ok := h.extractOptions(c)
	if !ok {
		return
	}
	query, ok := parseResultQuery(c, opts.Format)
	if !ok {
		return
	}

	extraction, err := h.engine.ExtractText(c.Request.Context(), image, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if query.empty() || extraction.Result == nil {
		c.JSON(http.StatusOK, extraction)
		return
	}
	c.JSON(http.StatusOK, query.apply(extraction.Result))
}

// ExtractRegions runs OCR on each rectangle of the "regions" JSON field
func (h *Handler) ExtractRegions(c *gin.Context) {
	image, ok := h.readImage(c)
	if !ok {
		return
	}

	var regions []ocr.Region
	if err := json.Unmarshal([]byte(c.PostForm("regions")), &regions); err != nil || len(regions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "regions must be a non-empty JSON array of {x, y, width, height}"})
		return
	}

	opts, ok := h.extractOptions(c)
	if !ok {
		return
	}

	items, err := h.engine.ExtractFromRegions(c.Request.Context(), image, regions, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": items})
}

// Models lists the models of the configured provider
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"provider": h.engine.Provider(),
		"model":    h.engine.Model(),
		"models":   h.engine.GetAvailableModels(),
	})
}

// SelfTest runs OCR against a generated sample image
func (h *Handler) SelfTest(c *gin.Context) {
	report := h.engine.Test(c.Request.Context())
	status := http.StatusOK
	if !report.Success {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// CreateJob queues extraction of the uploaded "image" files and "url"
// fields. One image becomes an extract job, several a batch job.
func (h *Handler) CreateJob(c *gin.Context) {
	if !h.asyncEnabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "asynchronous jobs are not enabled"})
		return
	}

	sources, ok := h.readSources(c)
	if !ok {
		return
	}
	jobOpts, ok := h.jobOptions(c)
	if !ok {
		return
	}

	concurrency := 0
	if v := c.PostForm("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency must be a positive integer"})
			return
		}
		concurrency = n
	}

	kind := storage.KindExtract
	if len(sources) > 1 {
		kind = storage.KindBatch
	}

	ctx := c.Request.Context()
	job, err := h.jobs.CreateJob(ctx, kind, map[string]interface{}{"images": len(sources)})
	if err != nil {
		h.respondError(c, err)
		return
	}

	if kind == storage.KindExtract {
		err = h.queue.EnqueueExtract(ctx, &queue.ExtractPayload{JobID: job.ID, Image: sources[0], Options: jobOpts})
	} else {
		err = h.queue.EnqueueBatch(ctx, &queue.BatchPayload{JobID: job.ID, Images: sources, Options: jobOpts, Concurrency: concurrency})
	}
	if err != nil {
		h.logger.Error("Failed to enqueue job", "jobId", job.ID, "error", err)
		if _, updateErr := h.jobs.UpdateJobStatus(ctx, &storage.JobUpdate{
			JobID:        job.ID,
			Kind:         kind,
			Status:       storage.StatusFailed,
			ErrorCode:    string(ocrerrors.ErrorStorageFailed),
			ErrorMessage: err.Error(),
		}); updateErr != nil {
			h.logger.Warn("Failed to mark job failed", "jobId", job.ID, "error", updateErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job", "jobId": job.ID})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":  job.ID,
		"kind":   kind,
		"status": job.Status,
	})
}

// GetJob returns the stored state of a job
func (h *Handler) GetJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "asynchronous jobs are not enabled"})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if stderrors.Is(err, storage.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !job.Terminal() {
		c.Header("Retry-After", pollInterval)
	}
	c.JSON(http.StatusOK, job)
}

// readImage reads the required "image" upload
func (h *Handler) readImage(c *gin.Context) ([]byte, bool) {
	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided."})
		return nil, false
	}

	data, err := readUpload(header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return data, true
}

// readSources collects every "image" upload and "url" field
func (h *Handler) readSources(c *gin.Context) ([]queue.ImageSource, bool) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form expected"})
		return nil, false
	}

	var sources []queue.ImageSource
	for _, header := range form.File["image"] {
		data, err := readUpload(header)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return nil, false
		}
		sources = append(sources, queue.ImageSource{Filename: header.Filename, Buffer: data})
	}
	for _, u := range form.Value["url"] {
		if !imageproc.IsURL(u) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("not an http(s) URL: %q", u)})
			return nil, false
		}
		sources = append(sources, queue.ImageSource{URL: u})
	}

	if len(sources) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide at least one image file or url"})
		return nil, false
	}
	return sources, true
}

func readUpload(header *multipart.FileHeader) ([]byte, error) {
	if header.Size > MaxImageSize {
		return nil, fmt.Errorf("%s exceeds the %d byte limit", header.Filename, MaxImageSize)
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxImageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %s: %w", header.Filename, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", header.Filename)
	}
	return data, nil
}

// jobOptions reads outputFormat, includeColors and customPrompt
func (h *Handler) jobOptions(c *gin.Context) (queue.JobOptions, bool) {
	opts := queue.JobOptions{
		OutputFormat: c.PostForm("outputFormat"),
		CustomPrompt: c.PostForm("customPrompt"),
	}
	if v := c.PostForm("includeColors"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "includeColors must be true or false"})
			return opts, false
		}
		opts.IncludeColors = &b
	}
	if _, err := ocr.ParseFormat(opts.OutputFormat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return opts, false
	}
	return opts, true
}

func (h *Handler) extractOptions(c *gin.Context) (processor.ExtractOptions, bool) {
	jobOpts, ok := h.jobOptions(c)
	if !ok {
		return processor.ExtractOptions{}, false
	}
	opts, err := jobOpts.Apply(h.defaults)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return opts, false
	}
	return opts, true
}

// respondError maps a processing error onto a status code
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case ocrerrors.HasCode(err, ocrerrors.ErrorInvalidInput), ocrerrors.HasCode(err, ocrerrors.ErrorImageProcessing):
		status = http.StatusUnprocessableEntity
	case ocrerrors.HasCode(err, ocrerrors.ErrorProcessingTimeout):
		status = http.StatusGatewayTimeout
	case ocrerrors.HasCode(err, ocrerrors.ErrorModelInvocation):
		status = http.StatusBadGateway
	}

	resp := gin.H{"error": ocrerrors.Message(err)}
	var pe *ocrerrors.ProcessingError
	if stderrors.As(err, &pe) {
		resp["code"] = pe.Code
	}

	h.logger.Error("Request failed", "path", c.FullPath(), "status", status, "error", err)
	c.JSON(status, resp)
}
