package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"storyreel/config"
	"storyreel/handlers"
	"storyreel/logger"
	"storyreel/metrics"
	"storyreel/services"
	"storyreel/utils"
)

var (
	rootCmd = &cobra.Command{
		Use:   "storyreel",
		Short: "Turn short stories into narrated vertical videos",
		Long: `storyreel narrates a story, times captions to the narration and burns them
over a looping background, producing a 1080x1920 video.

Examples:
  # Run the HTTP API
  storyreel serve

  # Render one story from the command line
  storyreel generate --title "TIFU" --body "So this happened today..." --out story.mp4

  # Render a Reddit post
  storyreel generate --reddit-url https://www.reddit.com/r/tifu/comments/abc123/ --out story.mp4`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logger.New(cfg.LogLevel, cfg.LogFormat)
			log.Info("configuration loaded", slog.String("config", cfg.String()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
)

// app is the wired service graph shared by serve and generate
type app struct {
	pipeline  *services.PipelineService
	posts     services.PostSource
	publisher services.VideoPublisher
	metrics   *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	m := metrics.New()

	// Create API key pool
	ttsPool := utils.NewAPIKeyPool(cfg.TTSAPIKeys)

	audioService := services.NewAudioService(ttsPool, services.AudioServiceConfig{
		BaseURL:       cfg.TTSBaseURL,
		Model:         cfg.TTSModel,
		MaxChunkChars: cfg.MaxSpeechChars,
		MaxConcurrent: cfg.MaxConcurrentTTSRequests,
		RetryBackoff:  cfg.TTSRetryBackoff,
		KeyCooldown:   cfg.TTSKeyCooldown,
		FFmpegBinary:  cfg.FFmpegBinary,
	}, log).WithMetrics(m)

	subtitleService := services.NewSubtitleService(cfg.WordsPerCue, cfg.CueWindowSeconds, cfg.CaptionRateAware)

	composerService := services.NewComposerService(utils.NewFFmpegEngine(cfg.FFmpegBinary), services.ComposerConfig{
		FPS:             cfg.VideoFPS,
		CRF:             cfg.VideoCRF,
		Preset:          cfg.VideoPreset,
		AudioBitrate:    cfg.AudioBitrate,
		AudioSampleRate: cfg.AudioSampleRate,
	}, log)

	pipeline := services.NewPipelineService(audioService, subtitleService, composerService, services.PipelineConfig{
		TempDir:            cfg.TempDir,
		OutputDir:          cfg.OutputDir,
		BackgroundDir:      cfg.BackgroundDir,
		SynthesisTimeout:   cfg.SynthesisTimeout,
		CompositionTimeout: cfg.CompositionTimeout,
	}, m, log)

	posts, err := services.NewRedditService(services.RedditConfig{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		Username:     cfg.RedditUsername,
		Password:     cfg.RedditPassword,
		UserAgent:    cfg.RedditUserAgent,
	})
	if err != nil {
		return nil, err
	}

	a := &app{pipeline: pipeline, posts: posts, metrics: m}

	if cfg.S3Enabled() {
		publisher, err := services.NewS3Publisher(ctx, services.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicURL:       cfg.S3PublicURL,
		})
		if err != nil {
			return nil, err
		}
		a.publisher = publisher
	}

	return a, nil
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	var store handlers.JobStore = handlers.NewMemoryJobStore()
	if cfg.DatabaseURL != "" {
		gormStore, err := handlers.OpenGormJobStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store = gormStore
	}

	videoHandler := handlers.NewVideoHandler(a.pipeline, a.posts, a.publisher, store, handlers.VideoHandlerConfig{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		OutputRetention:   cfg.OutputRetention,
	}, log)

	router := newRouter(videoHandler, a.metrics, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return videoHandler.Shutdown(shutdownCtx)
}

func newRouter(videoHandler *handlers.VideoHandler, m *metrics.Metrics, log *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logger.RequestLogger(log), metrics.RequestMiddleware(m))

	// Setup CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now(),
		})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))

	videoHandler.RegisterRoutes(router.Group("/api"))

	return router
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
