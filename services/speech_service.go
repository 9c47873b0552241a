package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"storyreel/metrics"
	"storyreel/models"
	"storyreel/utils"
)

// SpeechSynthesizer turns narration text into an audio artifact
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, workDir, text string, voice models.Voice, rate float64) (*models.AudioArtifact, error)
}

// DurationReader measures the playable duration of a media file
type DurationReader func(ctx context.Context, path string) (float64, error)

// AudioConcatenator joins audio files in order into output
type AudioConcatenator func(ctx context.Context, inputs []string, output string) error

// maxSpeechAttempts is one call plus one retry for transient failures
const maxSpeechAttempts = 2

// AudioServiceConfig holds the speech service settings
type AudioServiceConfig struct {
	BaseURL        string
	Model          string
	MaxChunkChars  int
	MaxConcurrent  int
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	KeyCooldown    time.Duration
	FFmpegBinary   string
}

// AudioService handles text-to-speech against an OpenAI-compatible speech endpoint
type AudioService struct {
	apiPool       *utils.APIKeyPool
	httpClient    *http.Client
	baseURL       string
	model         string
	splitter      *TextSplitter
	maxConcurrent int
	retryBackoff  time.Duration
	keyCooldown   time.Duration
	readDuration  DurationReader
	concat        AudioConcatenator
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewAudioService creates a new audio service
func NewAudioService(apiPool *utils.APIKeyPool, cfg AudioServiceConfig, logger *slog.Logger) *AudioService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.KeyCooldown <= 0 {
		cfg.KeyCooldown = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.FFmpegBinary

	return &AudioService{
		apiPool: apiPool,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		splitter:      NewTextSplitter(cfg.MaxChunkChars),
		maxConcurrent: cfg.MaxConcurrent,
		retryBackoff:  cfg.RetryBackoff,
		keyCooldown:   cfg.KeyCooldown,
		readDuration:  utils.MediaDuration,
		concat: func(ctx context.Context, inputs []string, output string) error {
			return utils.ConcatAudio(ctx, binary, inputs, output)
		},
		logger: logger,
	}
}

// WithDurationReader replaces how the narration duration is measured
func (as *AudioService) WithDurationReader(p DurationReader) *AudioService {
	as.readDuration = p
	return as
}

// WithMetrics records speech API calls
func (as *AudioService) WithMetrics(m *metrics.Metrics) *AudioService {
	as.metrics = m
	return as
}

// WithConcatenator replaces the audio concatenation step
func (as *AudioService) WithConcatenator(c AudioConcatenator) *AudioService {
	as.concat = c
	return as
}

// speechRequest is the body of POST /audio/speech
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

type speechErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// speechAPIError is a non-2xx answer from the speech service
type speechAPIError struct {
	StatusCode int
	Message    string
}

func (e *speechAPIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("speech API error: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("speech API returned status %d", e.StatusCode)
}

// Synthesize generates narration audio in workDir and measures its duration
func (as *AudioService) Synthesize(ctx context.Context, workDir, text string, voice models.Voice, rate float64) (*models.AudioArtifact, error) {
	chunks := as.splitter.SplitForSpeech(text)
	if len(chunks) == 0 {
		return nil, newError(models.StageSynthesizing, KindSynthesisFailed, "narration text is empty", nil)
	}

	audioDir := filepath.Join(workDir, utils.RunAudioDir)
	if err := utils.EnsureDir(audioDir); err != nil {
		return nil, newError(models.StageSynthesizing, KindSynthesisFailed, "failed to prepare audio directory", err)
	}

	paths := make([]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(as.maxConcurrent)
	for i, chunk := range chunks {
		g.Go(func() error {
			path, err := as.synthesizeChunk(gctx, chunk, voice, rate, audioDir, i)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stageError(ctx, models.StageSynthesizing, KindSynthesisFailed, "speech synthesis failed", err)
	}

	narrationPath := paths[0]
	if len(paths) > 1 {
		narrationPath = filepath.Join(audioDir, "narration.mp3")
		if err := as.concat(ctx, paths, narrationPath); err != nil {
			return nil, stageError(ctx, models.StageSynthesizing, KindSynthesisFailed, "failed to join narration chunks", err)
		}
	}

	if !utils.NonEmptyFile(narrationPath) {
		return nil, newError(models.StageSynthesizing, KindSynthesisFailed, "narration file is missing or empty", nil)
	}

	duration, err := as.readDuration(ctx, narrationPath)
	if err != nil {
		return nil, stageError(ctx, models.StageSynthesizing, KindSynthesisFailed, "narration audio is unreadable", err)
	}
	if duration <= 0 {
		return nil, newError(models.StageSynthesizing, KindSynthesisFailed, "narration audio has no duration", nil)
	}

	as.logger.Debug("narration synthesized",
		slog.Int("chunks", len(chunks)),
		slog.Float64("duration_seconds", duration),
	)

	return &models.AudioArtifact{FilePath: narrationPath, DurationSeconds: duration}, nil
}

// synthesizeChunk calls the speech API for one chunk with a single retry on transient failures
func (as *AudioService) synthesizeChunk(ctx context.Context, text string, voice models.Voice, rate float64, audioDir string, index int) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxSpeechAttempts; attempt++ {
		apiKey, err := as.apiPool.NextKey()
		if err != nil {
			stats := as.apiPool.Stats()
			as.logger.Warn("no speech API key available",
				slog.Int("total", stats.Total),
				slog.Int("cooling_down", stats.CoolingDown),
				slog.Time("next_ready", stats.NextReady),
			)
			return "", err
		}

		audioData, err := as.callSpeechAPI(ctx, text, voice, rate, apiKey)
		if err == nil {
			as.metrics.IncSpeechRequests("ok")
			as.apiPool.MarkSuccess(apiKey)
			audioPath := filepath.Join(audioDir, fmt.Sprintf("chunk_%03d.mp3", index))
			if err := os.WriteFile(audioPath, audioData, 0644); err != nil {
				return "", fmt.Errorf("failed to save audio: %w", err)
			}
			return audioPath, nil
		}
		lastErr = err
		as.metrics.IncSpeechRequests("error")

		var apiErr *speechAPIError
		if errors.As(err, &apiErr) && isKeyRejection(apiErr.StatusCode) {
			cooldown := as.apiPool.MarkRejected(apiKey, as.keyCooldown)
			as.logger.Warn("speech API key rejected",
				slog.Int("status", apiErr.StatusCode),
				slog.Duration("cooldown", cooldown),
			)
		}

		if attempt == maxSpeechAttempts || ctx.Err() != nil || !isTransient(err) {
			break
		}

		as.logger.Warn("speech request failed, retrying",
			slog.Int("chunk", index),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(as.retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	return "", lastErr
}

// callSpeechAPI posts one chunk and returns the raw audio bytes
func (as *AudioService) callSpeechAPI(ctx context.Context, text string, voice models.Voice, rate float64, apiKey string) ([]byte, error) {
	reqBody := speechRequest{
		Model:          as.model,
		Input:          text,
		Voice:          string(voice),
		Speed:          rate,
		ResponseFormat: "mp3",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, as.baseURL+"/audio/speech", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := as.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &speechAPIError{StatusCode: resp.StatusCode}
		var errResp speechErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			apiErr.Message = errResp.Error.Message
		}
		return nil, apiErr
	}

	if len(body) == 0 {
		return nil, fmt.Errorf("speech API returned an empty payload")
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return nil, fmt.Errorf("speech API returned JSON instead of audio")
	}

	return body, nil
}

// isKeyRejection reports statuses that condemn the key itself; 429 only throttles and is retried
func isKeyRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// isTransient reports conditions worth exactly one more attempt
func isTransient(err error) bool {
	var apiErr *speechAPIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
