package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyreel/metrics"
	"storyreel/models"
	"storyreel/utils"
)

// Progress milestones reported on entry to each stage
const (
	percentSynthesizing     = 10
	percentDerivingCaptions = 40
	percentComposingStart   = 50
	percentComposingEnd     = 90
	percentCleaningUp       = 95
	percentCompleted        = 100
)

// PipelineConfig holds workspace layout and stage timeouts
type PipelineConfig struct {
	TempDir            string
	OutputDir          string
	BackgroundDir      string
	SynthesisTimeout   time.Duration
	CompositionTimeout time.Duration
}

// PipelineService sequences synthesis, caption derivation and composition for one story
type PipelineService struct {
	synthesizer SpeechSynthesizer
	subtitles   *SubtitleService
	composer    VideoComposer
	cfg         PipelineConfig
	metrics     *metrics.Metrics
	logger      *slog.Logger
	newRunID    func() string
}

// NewPipelineService creates a new orchestrator
func NewPipelineService(synthesizer SpeechSynthesizer, subtitles *SubtitleService, composer VideoComposer, cfg PipelineConfig, m *metrics.Metrics, logger *slog.Logger) *PipelineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineService{
		synthesizer: synthesizer,
		subtitles:   subtitles,
		composer:    composer,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		newRunID:    uuid.NewString,
	}
}

// BackgroundPath resolves a background track to its file
func (ps *PipelineService) BackgroundPath(track models.BackgroundTrack) string {
	return filepath.Join(ps.cfg.BackgroundDir, string(track)+".mp4")
}

// Validate checks a request without touching the filesystem beyond a background lookup
func (ps *PipelineService) Validate(story models.StoryText, opts models.RenderOptions) error {
	if strings.TrimSpace(story.Script()) == "" {
		return newError(models.StageIdle, KindInvalidInput, "story has no text", nil)
	}
	if err := opts.Validate(); err != nil {
		return newError(models.StageIdle, KindInvalidInput, err.Error(), nil)
	}
	if !utils.FileExists(ps.BackgroundPath(opts.BackgroundTrackID)) {
		return newError(models.StageIdle, KindInvalidInput,
			fmt.Sprintf("background track %q is not available", opts.BackgroundTrackID), nil)
	}
	return nil
}

// progressReporter keeps reported percentages non-decreasing
type progressReporter struct {
	fn   func(models.Progress)
	last int
}

func (p *progressReporter) emit(stage models.Stage, percent int, message string) {
	if percent < p.last {
		percent = p.last
	}
	p.last = percent
	if p.fn != nil {
		p.fn(models.Progress{Stage: stage, Percent: percent, Message: message})
	}
}

// Generate runs the whole pipeline and returns the finished video.
// The run directory is removed on every exit path; the video outlives the run.
func (ps *PipelineService) Generate(ctx context.Context, story models.StoryText, opts models.RenderOptions, onProgress func(models.Progress)) (*models.VideoArtifact, error) {
	if err := ps.Validate(story, opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stageError(ctx, models.StageIdle, KindCancelled, "run cancelled before start", err)
	}

	runID := ps.newRunID()
	log := ps.logger.With(slog.String("run_id", runID))
	progress := &progressReporter{fn: onProgress}

	ps.metrics.RunStarted()
	started := time.Now()
	log.Info("run started", slog.String("voice", string(opts.Voice)), slog.String("background", string(opts.BackgroundTrackID)))

	artifact, workDir, err := ps.run(ctx, runID, story.Script(), opts, progress, log)

	progress.emit(models.StageCleaningUp, percentCleaningUp, "Cleaning up temporary files")
	// Only remove a directory this run created
	if workDir != "" {
		if cerr := utils.CleanupRunDir(ps.cfg.TempDir, runID); cerr != nil {
			log.Warn("failed to clean up run directory", slog.String("error", cerr.Error()))
		}
	}

	if err != nil {
		progress.emit(models.StageFailed, progress.last, err.Error())
		ps.metrics.RunFinished(outcomeOf(err))
		log.Error("run failed",
			slog.String("stage", string(stageOf(err))),
			slog.String("kind", string(KindOf(err))),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	progress.emit(models.StageCompleted, percentCompleted, "Video ready")
	ps.metrics.RunFinished(metrics.OutcomeCompleted)
	size, _ := utils.GetFileSize(artifact.FilePath)
	log.Info("run completed",
		slog.String("output", artifact.FilePath),
		slog.Int64("size_bytes", size),
		slog.Duration("elapsed", time.Since(started)),
	)
	return artifact, nil
}

// run executes the stages; workDir is non-empty once the run directory was created
func (ps *PipelineService) run(ctx context.Context, runID, script string, opts models.RenderOptions, progress *progressReporter, log *slog.Logger) (artifact *models.VideoArtifact, workDir string, err error) {
	progress.emit(models.StageSynthesizing, percentSynthesizing, "Synthesizing narration")

	workDir, err = utils.CreateRunDir(ps.cfg.TempDir, runID)
	if err != nil {
		return nil, "", newError(models.StageSynthesizing, KindSynthesisFailed, "failed to create run directory", err)
	}

	var audio *models.AudioArtifact
	err = ps.runStage(ctx, models.StageSynthesizing, KindSynthesisFailed, ps.cfg.SynthesisTimeout, "speech synthesis failed",
		func(ctx context.Context) error {
			var err error
			audio, err = ps.synthesizer.Synthesize(ctx, workDir, script, opts.Voice, opts.SpeechRate)
			return err
		})
	if err != nil {
		return nil, workDir, err
	}
	log.Debug("narration ready", slog.Float64("duration_seconds", audio.DurationSeconds))

	progress.emit(models.StageDerivingCaptions, percentDerivingCaptions, "Timing captions")

	subtitlePath := filepath.Join(workDir, utils.RunCaptionsDir, "captions.srt")
	err = ps.runStage(ctx, models.StageDerivingCaptions, KindCaptionDerivationFailed, 0, "caption derivation failed",
		func(ctx context.Context) error {
			track, err := ps.subtitles.DeriveAtRate(script, audio.DurationSeconds, opts.SpeechRate)
			if err != nil {
				return err
			}
			if err := ValidateTrack(track, audio.DurationSeconds); err != nil {
				return err
			}
			if err := utils.EnsureDir(filepath.Dir(subtitlePath)); err != nil {
				return err
			}
			return WriteSRTFile(subtitlePath, track)
		})
	if err != nil {
		return nil, workDir, err
	}

	progress.emit(models.StageComposing, percentComposingStart, "Composing video")

	if err := utils.EnsureDir(ps.cfg.OutputDir); err != nil {
		return nil, workDir, newError(models.StageComposing, KindCompositionFailed, "failed to prepare output directory", err)
	}

	err = ps.runStage(ctx, models.StageComposing, KindCompositionFailed, ps.cfg.CompositionTimeout, "video composition failed",
		func(ctx context.Context) error {
			var err error
			artifact, err = ps.composer.Compose(ctx, ComposeRequest{
				BackgroundPath: ps.BackgroundPath(opts.BackgroundTrackID),
				Audio:          audio,
				SubtitlePath:   subtitlePath,
				Options:        opts,
				OutputPath:     filepath.Join(ps.cfg.OutputDir, runID+".mp4"),
				OnProgress: func(percent float64) {
					span := float64(percentComposingEnd - percentComposingStart)
					progress.emit(models.StageComposing, percentComposingStart+int(percent*span/100), "Composing video")
				},
			})
			return err
		})
	if err != nil {
		return nil, workDir, err
	}

	return artifact, workDir, nil
}

// runStage runs fn under the stage's timeout and maps its failure to one pipeline error
func (ps *PipelineService) runStage(ctx context.Context, stage models.Stage, kind ErrorKind, timeout time.Duration, message string, fn func(context.Context) error) error {
	var stageCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stageCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if err := stageCtx.Err(); err != nil {
		return stageError(stageCtx, stage, kind, message, err)
	}

	start := time.Now()
	err := fn(stageCtx)
	ps.metrics.ObserveStage(string(stage), time.Since(start))
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) && stageCtx.Err() == nil {
		return pe
	}
	return stageError(stageCtx, stage, kind, message, err)
}

func stageOf(err error) models.Stage {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}

func outcomeOf(err error) string {
	switch KindOf(err) {
	case KindTimeout:
		return metrics.OutcomeTimeout
	case KindCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeFailed
	}
}
