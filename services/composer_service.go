package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"storyreel/models"
	"storyreel/utils"
)

// VideoComposer burns captions over a background and muxes the narration
type VideoComposer interface {
	Compose(ctx context.Context, req ComposeRequest) (*models.VideoArtifact, error)
}

// ComposeRequest is everything one composition needs
type ComposeRequest struct {
	BackgroundPath string
	Audio          *models.AudioArtifact
	SubtitlePath   string
	Options        models.RenderOptions
	OutputPath     string
	// OnProgress receives percent complete, non-decreasing
	OnProgress func(percent float64)
}

// ComposerConfig holds encoder settings
type ComposerConfig struct {
	FPS             int
	CRF             int
	Preset          string
	AudioBitrate    string
	AudioSampleRate int
}

// ComposerService combines background, narration and captions into the final video
type ComposerService struct {
	engine utils.Engine
	cfg    ComposerConfig
	logger *slog.Logger
}

// NewComposerService creates a new composer service
func NewComposerService(engine utils.Engine, cfg ComposerConfig, logger *slog.Logger) *ComposerService {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.CRF <= 0 {
		cfg.CRF = 23
	}
	if cfg.Preset == "" {
		cfg.Preset = "medium"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "192k"
	}
	if cfg.AudioSampleRate <= 0 {
		cfg.AudioSampleRate = 44100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ComposerService{engine: engine, cfg: cfg, logger: logger}
}

// captionStyles maps each caption style to its ASS override, minus the font size
var captionStyles = map[models.CaptionStyle]string{
	models.CaptionModern:  "FontName=Arial,Bold=1,PrimaryColour=&H00FFFFFF,OutlineColour=&H00000000,BorderStyle=1,Outline=3,Shadow=0",
	models.CaptionBold:    "FontName=Impact,Bold=1,PrimaryColour=&H0000FFFF,OutlineColour=&H00000000,BorderStyle=1,Outline=4,Shadow=1",
	models.CaptionMinimal: "FontName=Helvetica,Bold=0,PrimaryColour=&H00FFFFFF,OutlineColour=&H00000000,BorderStyle=1,Outline=1,Shadow=0",
	models.CaptionNeon:    "FontName=Arial,Bold=1,PrimaryColour=&H00FFFF00,OutlineColour=&H00FF00FF,BorderStyle=1,Outline=2,Shadow=2",
	models.CaptionClassic: "FontName=Georgia,Bold=0,PrimaryColour=&H00FFFFFF,BackColour=&H80000000,BorderStyle=3,Outline=1,Shadow=0",
}

// ForceStyle returns the subtitles filter force_style value for the options
func ForceStyle(style models.CaptionStyle, sizePt int) string {
	base, ok := captionStyles[style]
	if !ok {
		base = captionStyles[models.CaptionModern]
	}
	return fmt.Sprintf("%s,FontSize=%d,Alignment=2,MarginV=320", base, sizePt)
}

// escapeFilterPath quotes a path for use inside a single-quoted filtergraph value
func escapeFilterPath(path string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `'\''`).Replace(path)
}

// VideoFilter builds the filter chain: fill 9:16, dim, then burn captions
func (cs *ComposerService) VideoFilter(req ComposeRequest) string {
	filters := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", models.OutputWidth, models.OutputHeight),
		fmt.Sprintf("crop=%d:%d", models.OutputWidth, models.OutputHeight),
		"setsar=1",
		fmt.Sprintf("fps=%d", cs.cfg.FPS),
	}

	if dim := 1 - req.Options.BackgroundOpacity; dim > 0.001 {
		filters = append(filters, fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=ih:color=black@%.2f:t=fill", dim))
	}

	filters = append(filters, fmt.Sprintf("subtitles='%s':force_style='%s'",
		escapeFilterPath(req.SubtitlePath),
		ForceStyle(req.Options.CaptionStyle, req.Options.CaptionSizePt),
	))

	return strings.Join(filters, ",")
}

// BuildArgs returns the engine arguments; equal requests give equal arguments
func (cs *ComposerService) BuildArgs(req ComposeRequest) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-stream_loop", "-1", "-i", req.BackgroundPath,
		"-i", req.Audio.FilePath,
		"-vf", cs.VideoFilter(req),
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", cs.cfg.Preset,
		"-crf", strconv.Itoa(cs.cfg.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", cs.cfg.AudioBitrate,
		"-ar", strconv.Itoa(cs.cfg.AudioSampleRate),
		"-aspect", "9:16",
		"-shortest",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		req.OutputPath,
	}
}

// Compose runs the transcoding engine and waits for it, relaying progress
func (cs *ComposerService) Compose(ctx context.Context, req ComposeRequest) (*models.VideoArtifact, error) {
	if req.BackgroundPath == "" || req.SubtitlePath == "" || req.OutputPath == "" || req.Audio == nil {
		return nil, newError(models.StageComposing, KindCompositionFailed, "background, audio, subtitles and output paths are required", nil)
	}

	task, err := cs.engine.Start(ctx, utils.TranscodeJob{
		Args:             cs.BuildArgs(req),
		OutputPath:       req.OutputPath,
		ExpectedDuration: req.Audio.DurationSeconds,
	})
	if err != nil {
		_ = utils.RemoveIfExists(req.OutputPath)
		return nil, stageError(ctx, models.StageComposing, KindCompositionFailed, "failed to start transcoding", err)
	}

	last := 0.0
	report := func(p float64) {
		if p > 100 {
			p = 100
		}
		if p > last {
			last = p
			if req.OnProgress != nil {
				req.OnProgress(p)
			}
		}
	}

	progress := task.Progress()
wait:
	for {
		select {
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			report(p)
		case <-task.Done():
			// The engine closes progress before done; keep what is still buffered
			if progress != nil {
				for p := range progress {
					report(p)
				}
			}
			break wait
		case <-ctx.Done():
			task.Cancel()
			<-task.Done()
			_ = utils.RemoveIfExists(req.OutputPath)
			return nil, stageError(ctx, models.StageComposing, KindCompositionFailed, "transcoding interrupted", ctx.Err())
		}
	}

	if err := task.Err(); err != nil {
		_ = utils.RemoveIfExists(req.OutputPath)
		return nil, stageError(ctx, models.StageComposing, KindCompositionFailed, "transcoding failed", err)
	}

	if !utils.NonEmptyFile(req.OutputPath) {
		_ = utils.RemoveIfExists(req.OutputPath)
		return nil, newError(models.StageComposing, KindCompositionFailed, "transcoder produced no output", nil)
	}

	cs.logger.Debug("video composed", slog.String("output", req.OutputPath))

	return &models.VideoArtifact{
		FilePath: req.OutputPath,
		Width:    models.OutputWidth,
		Height:   models.OutputHeight,
	}, nil
}
