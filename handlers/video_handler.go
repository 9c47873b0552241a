package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"storyreel/models"
	"storyreel/services"
	"storyreel/utils"
)

// Generator runs the video pipeline for one story
type Generator interface {
	Validate(story models.StoryText, opts models.RenderOptions) error
	Generate(ctx context.Context, story models.StoryText, opts models.RenderOptions, onProgress func(models.Progress)) (*models.VideoArtifact, error)
}

// VideoHandlerConfig holds the job-level limits of the HTTP layer
type VideoHandlerConfig struct {
	MaxConcurrentRuns int
	// OutputRetention is how long a finished video stays on disk; zero keeps it
	OutputRetention time.Duration
}

// VideoHandler handles video generation requests
type VideoHandler struct {
	pipeline  Generator
	posts     services.PostSource
	publisher services.VideoPublisher
	store     JobStore
	cfg       VideoHandlerConfig
	logger    *slog.Logger

	slots chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	cancels   map[string]context.CancelFunc
	cancelMux sync.Mutex
}

// NewVideoHandler creates a new video handler; posts and publisher may be nil
func NewVideoHandler(pipeline Generator, posts services.PostSource, publisher services.VideoPublisher, store JobStore, cfg VideoHandlerConfig, logger *slog.Logger) *VideoHandler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stop := context.WithCancel(context.Background())

	return &VideoHandler{
		pipeline:  pipeline,
		posts:     posts,
		publisher: publisher,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		slots:     make(chan struct{}, cfg.MaxConcurrentRuns),
		baseCtx:   baseCtx,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// RegisterRoutes mounts the API under r
func (h *VideoHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/generate", h.Generate)
	r.GET("/status/:job_id", h.GetStatus)
	r.GET("/download/:job_id", h.Download)
	r.POST("/cancel/:job_id", h.Cancel)
}

// Generate handles POST /api/generate
func (h *VideoHandler) Generate(c *gin.Context) {
	defaults := models.DefaultRenderOptions()
	req := models.GenerateRequest{Options: &defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	opts := models.DefaultRenderOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	story, status, err := h.resolveStory(c.Request.Context(), req)
	if err != nil {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if err := h.pipeline.Validate(story, opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      err.Error(),
			"error_kind": string(services.KindOf(err)),
		})
		return
	}

	jobID := uuid.New().String()
	now := time.Now()
	job := &models.JobStatus{
		JobID:       jobID,
		Status:      models.JobQueued,
		CurrentStep: "Queued",
		Stage:       models.StageIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.Create(c.Request.Context(), job); err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	h.cancelMux.Lock()
	h.cancels[jobID] = cancel
	h.cancelMux.Unlock()

	// Start background processing
	h.wg.Add(1)
	go h.processJob(ctx, cancel, jobID, story, opts)

	c.JSON(http.StatusOK, models.GenerateResponse{
		JobID:  jobID,
		Status: models.JobQueued,
	})
}

// resolveStory picks the inline story or fetches the linked post
func (h *VideoHandler) resolveStory(ctx context.Context, req models.GenerateRequest) (models.StoryText, int, error) {
	if req.Story != nil && strings.TrimSpace(req.Story.Script()) != "" {
		return *req.Story, http.StatusOK, nil
	}
	if req.RedditURL == "" {
		return models.StoryText{}, http.StatusBadRequest, errors.New("story or reddit_url is required")
	}
	if h.posts == nil {
		return models.StoryText{}, http.StatusBadRequest, errors.New("reddit import is not enabled")
	}

	post, err := h.posts.FetchPost(ctx, req.RedditURL)
	if errors.Is(err, services.ErrInvalidRedditURL) {
		return models.StoryText{}, http.StatusBadRequest, err
	}
	if err != nil {
		h.logger.Warn("reddit fetch failed", slog.String("url", req.RedditURL), slog.String("error", err.Error()))
		return models.StoryText{}, http.StatusBadGateway, errors.New("failed to fetch reddit post")
	}
	return post.Story(), http.StatusOK, nil
}

// GetStatus handles GET /api/status/:job_id
func (h *VideoHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	resp := models.StatusResponse{
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Stage:       job.Stage,
	}

	if job.Status == models.JobCompleted && job.VideoURL != "" {
		videoURL := job.VideoURL
		resp.VideoURL = &videoURL
	}

	if job.Error != "" {
		errMsg := job.Error
		resp.Error = &errMsg
	}
	if job.ErrorKind != "" {
		kind := job.ErrorKind
		resp.ErrorKind = &kind
	}

	c.JSON(http.StatusOK, resp)
}

// Download handles GET /api/download/:job_id
func (h *VideoHandler) Download(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}

	if job.Status != models.JobCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job not completed yet"})
		return
	}

	if job.VideoPath == "" || !utils.FileExists(job.VideoPath) {
		c.JSON(http.StatusGone, gin.H{"error": "Video file is no longer available"})
		return
	}

	// Stream video file
	c.Header("Content-Type", "video/mp4")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=video_%s.mp4", jobID))
	c.File(job.VideoPath)
}

// Cancel handles POST /api/cancel/:job_id
func (h *VideoHandler) Cancel(c *gin.Context) {
	jobID := c.Param("job_id")

	// Cancelling under the lock orders this against untrack
	h.cancelMux.Lock()
	cancel, running := h.cancels[jobID]
	if running {
		cancel()
	}
	h.cancelMux.Unlock()

	if running {
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "cancelling"})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		return
	}
	if job.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Job already finished", "status": job.Status})
		return
	}
	c.JSON(http.StatusConflict, gin.H{"error": "Job is finishing and can no longer be cancelled", "status": job.Status})
}

// Shutdown cancels every running job and waits for them to clean up
func (h *VideoHandler) Shutdown(ctx context.Context) error {
	h.stop()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processJob runs one pipeline in the background once a run slot is free
func (h *VideoHandler) processJob(ctx context.Context, cancel context.CancelFunc, jobID string, story models.StoryText, opts models.RenderOptions) {
	defer h.wg.Done()
	defer cancel()

	log := h.logger.With(slog.String("job_id", jobID))

	select {
	case h.slots <- struct{}{}:
		defer func() { <-h.slots }()
	case <-ctx.Done():
		h.untrack(ctx, jobID)
		h.markJobFailed(jobID, &services.PipelineError{
			Stage:   models.StageIdle,
			Kind:    services.KindCancelled,
			Message: "cancelled while queued",
		})
		return
	}

	h.updateJob(jobID, func(job *models.JobStatus) {
		job.Status = models.JobProcessing
		job.CurrentStep = "Starting"
	})

	// Helper function to update status
	onProgress := func(p models.Progress) {
		h.updateJob(jobID, func(job *models.JobStatus) {
			job.Stage = p.Stage
			job.Progress = p.Percent
			job.CurrentStep = p.Message
		})
		log.Debug("progress", slog.String("stage", string(p.Stage)), slog.Int("percent", p.Percent))
	}

	artifact, err := h.pipeline.Generate(ctx, story, opts, onProgress)
	cancelled := h.untrack(ctx, jobID)
	if err != nil {
		h.markJobFailed(jobID, err)
		return
	}
	if cancelled {
		// A 202 was already returned for this job, so the finished video is discarded
		if rmErr := os.Remove(artifact.FilePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("failed to remove discarded video", slog.String("error", rmErr.Error()))
		}
		h.markJobFailed(jobID, &services.PipelineError{
			Stage:   models.StageCompleted,
			Kind:    services.KindCancelled,
			Message: "cancelled after the video was composed",
			Err:     ctx.Err(),
		})
		return
	}

	videoURL := fmt.Sprintf("/api/download/%s", jobID)
	if h.publisher != nil {
		published, err := h.publisher.Publish(ctx, artifact.FilePath, "videos/"+jobID+".mp4")
		if err != nil {
			log.Warn("publish failed, serving local file", slog.String("error", err.Error()))
		} else {
			videoURL = published
		}
	}

	h.updateJob(jobID, func(job *models.JobStatus) {
		job.Status = models.JobCompleted
		job.Progress = 100
		job.Stage = models.StageCompleted
		job.VideoPath = artifact.FilePath
		job.VideoURL = videoURL
	})

	if h.cfg.OutputRetention > 0 {
		utils.ScheduleRemoval(artifact.FilePath, h.cfg.OutputRetention)
	}

	log.Info("video generation completed", slog.String("output", artifact.FilePath))
}

// untrack removes the job from the cancel table before its terminal status is written.
// It reports whether a cancel landed first.
func (h *VideoHandler) untrack(ctx context.Context, jobID string) bool {
	h.cancelMux.Lock()
	defer h.cancelMux.Unlock()
	delete(h.cancels, jobID)
	return ctx.Err() != nil
}

func (h *VideoHandler) updateJob(jobID string, fn func(job *models.JobStatus)) {
	// Bookkeeping must land even when the job context is cancelled
	if err := h.store.Update(context.Background(), jobID, fn); err != nil {
		h.logger.Warn("failed to update job", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// markJobFailed records a terminal failure; cancellations get their own status
func (h *VideoHandler) markJobFailed(jobID string, err error) {
	kind := services.KindOf(err)
	status := models.JobFailed
	if kind == services.KindCancelled {
		status = models.JobCancelled
	}

	h.logger.Warn("video generation failed",
		slog.String("job_id", jobID),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)

	h.updateJob(jobID, func(job *models.JobStatus) {
		job.Status = status
		job.Stage = models.StageFailed
		job.Error = err.Error()
		job.ErrorKind = string(kind)
	})
}
