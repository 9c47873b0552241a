package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"storyreel/config"
	"storyreel/logger"
	"storyreel/models"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Render one story to a video file",
	Long: fmt.Sprintf(`Render a story given inline or as a Reddit post URL.

Voices: %s
Backgrounds: %s
Caption styles: %s

Example:
  storyreel generate --title "AITA" --body "..." --voice nova --caption-style neon --out aita.mp4`,
		joinValues(models.ValidVoices), joinValues(models.ValidBackgroundTracks), joinValues(models.ValidCaptionStyles)),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		redditURL, _ := cmd.Flags().GetString("reddit-url")
		outPath, _ := cmd.Flags().GetString("out")

		opts, err := renderOptionsFromFlags(cmd)
		if err != nil {
			return err
		}

		if strings.TrimSpace(title+body) == "" && redditURL == "" {
			return fmt.Errorf("either --title/--body or --reddit-url is required")
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := logger.New(cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return generate(ctx, cfg, log, models.StoryText{Title: title, Body: body}, redditURL, opts, outPath, cmd.ErrOrStderr())
	},
}

func init() {
	defaults := models.DefaultRenderOptions()

	generateCmd.Flags().String("title", "", "Story title")
	generateCmd.Flags().String("body", "", "Story body")
	generateCmd.Flags().String("reddit-url", "", "Reddit post to narrate instead of --title/--body")
	generateCmd.Flags().StringP("out", "o", "", "Where to write the video (default: OUTPUT_DIR/<run id>.mp4)")
	generateCmd.Flags().String("voice", string(defaults.Voice), "Narration voice")
	generateCmd.Flags().Float64("speech-rate", defaults.SpeechRate, "Speaking rate (0.5-2.0)")
	generateCmd.Flags().String("background", string(defaults.BackgroundTrackID), "Background track")
	generateCmd.Flags().Float64("opacity", defaults.BackgroundOpacity, "Background opacity (0.3-1.0)")
	generateCmd.Flags().String("caption-style", string(defaults.CaptionStyle), "Caption style")
	generateCmd.Flags().Int("caption-size", defaults.CaptionSizePt, "Caption font size in points (16-48)")
}

func renderOptionsFromFlags(cmd *cobra.Command) (models.RenderOptions, error) {
	voice, _ := cmd.Flags().GetString("voice")
	rate, _ := cmd.Flags().GetFloat64("speech-rate")
	background, _ := cmd.Flags().GetString("background")
	opacity, _ := cmd.Flags().GetFloat64("opacity")
	style, _ := cmd.Flags().GetString("caption-style")
	size, _ := cmd.Flags().GetInt("caption-size")

	opts := models.RenderOptions{
		Voice:             models.Voice(voice),
		SpeechRate:        rate,
		BackgroundTrackID: models.BackgroundTrack(background),
		BackgroundOpacity: opacity,
		CaptionStyle:      models.CaptionStyle(style),
		CaptionSizePt:     size,
	}
	return opts, opts.Validate()
}

func generate(ctx context.Context, cfg *config.Config, log *slog.Logger, story models.StoryText, redditURL string, opts models.RenderOptions, outPath string, progressOut io.Writer) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if redditURL != "" {
		post, err := a.posts.FetchPost(ctx, redditURL)
		if err != nil {
			return err
		}
		story = post.Story()
		log.Info("fetched reddit post", slog.String("title", post.Title), slog.String("subreddit", post.Subreddit))
	}

	artifact, err := a.pipeline.Generate(ctx, story, opts, func(p models.Progress) {
		fmt.Fprintf(progressOut, "[%3d%%] %s\n", p.Percent, p.Message)
	})
	if err != nil {
		return err
	}

	finalPath := artifact.FilePath
	if outPath != "" {
		if err := moveFile(artifact.FilePath, outPath); err != nil {
			return err
		}
		finalPath = outPath
	}

	if a.publisher != nil {
		url, err := a.publisher.Publish(ctx, finalPath, "videos/"+filepath.Base(finalPath))
		if err != nil {
			return err
		}
		fmt.Fprintln(progressOut, url)
	}

	fmt.Println(finalPath)
	return nil
}

// moveFile renames src to dst, copying when they live on different filesystems
func moveFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy video: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func joinValues[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
