package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyreel/models"
	"storyreel/utils"
)

// fakeTask is a transcode driven by the test instead of a process
type fakeTask struct {
	progress   chan float64
	done       chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
	err        error
}

func newFakeTask() *fakeTask {
	return &fakeTask{
		progress: make(chan float64, 16),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
}

func (t *fakeTask) finish(err error) {
	t.err = err
	close(t.progress)
	close(t.done)
}

func (t *fakeTask) Progress() <-chan float64 { return t.progress }
func (t *fakeTask) Done() <-chan struct{}    { return t.done }
func (t *fakeTask) Err() error               { return t.err }
func (t *fakeTask) Cancel()                  { t.cancelOnce.Do(func() { close(t.cancelCh) }) }

// fakeEngine runs script in a goroutine for every started job
type fakeEngine struct {
	mu       sync.Mutex
	jobs     []utils.TranscodeJob
	script   func(job utils.TranscodeJob, t *fakeTask)
	startErr error
}

func (e *fakeEngine) Start(_ context.Context, job utils.TranscodeJob) (utils.Task, error) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	t := newFakeTask()
	go e.script(job, t)
	return t, nil
}

// writeOutput runs on the engine goroutine, so it cannot fail the test directly
func writeOutput(path string) {
	_ = os.WriteFile(path, []byte("fake mp4 data"), 0644)
}

// succeedingEngine writes the output and reports the given progress values in order
func succeedingEngine(values ...float64) *fakeEngine {
	return &fakeEngine{script: func(job utils.TranscodeJob, task *fakeTask) {
		writeOutput(job.OutputPath)
		for _, v := range values {
			task.progress <- v
		}
		task.finish(nil)
	}}
}

// hangingEngine writes a partial output and only exits when cancelled
func hangingEngine() *fakeEngine {
	return &fakeEngine{script: func(job utils.TranscodeJob, task *fakeTask) {
		writeOutput(job.OutputPath)
		task.progress <- 12
		<-task.cancelCh
		task.finish(errors.New("signal: killed"))
	}}
}

func newComposeRequest(t *testing.T) ComposeRequest {
	dir := t.TempDir()
	return ComposeRequest{
		BackgroundPath: filepath.Join(dir, "parkour1.mp4"),
		Audio:          &models.AudioArtifact{FilePath: filepath.Join(dir, "narration.mp3"), DurationSeconds: 9},
		SubtitlePath:   filepath.Join(dir, "captions.srt"),
		Options:        models.DefaultRenderOptions(),
		OutputPath:     filepath.Join(dir, "out.mp4"),
	}
}

func TestComposerService_BuildArgs(t *testing.T) {
	cs := NewComposerService(&fakeEngine{}, ComposerConfig{FPS: 30, CRF: 20, Preset: "fast"}, nil)
	req := newComposeRequest(t)

	args := cs.BuildArgs(req)
	assert.Equal(t, args, cs.BuildArgs(req), "arguments must be deterministic")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-stream_loop -1 -i "+req.BackgroundPath)
	assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
	assert.Contains(t, joined, "-c:v libx264 -preset fast -crf 20 -pix_fmt yuv420p")
	assert.Contains(t, joined, "-c:a aac -b:a 192k -ar 44100")
	assert.Contains(t, joined, "-aspect 9:16 -shortest")
	assert.Contains(t, joined, "-progress pipe:1 -nostats")
	assert.Equal(t, req.OutputPath, args[len(args)-1])
}

func TestComposerService_VideoFilter(t *testing.T) {
	cs := NewComposerService(&fakeEngine{}, ComposerConfig{FPS: 30}, nil)

	tests := []struct {
		name     string
		opacity  float64
		style    models.CaptionStyle
		size     int
		contains []string
		excludes []string
	}{
		{
			name:    "dimmed background",
			opacity: 0.8,
			style:   models.CaptionModern,
			size:    24,
			contains: []string{
				"scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920,setsar=1,fps=30",
				"drawbox=x=0:y=0:w=iw:h=ih:color=black@0.20:t=fill",
				"FontName=Arial,Bold=1",
				"FontSize=24",
			},
		},
		{
			name:     "opaque background skips the dim box",
			opacity:  1.0,
			style:    models.CaptionNeon,
			size:     48,
			contains: []string{"PrimaryColour=&H00FFFF00", "FontSize=48"},
			excludes: []string{"drawbox"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newComposeRequest(t)
			req.Options.BackgroundOpacity = tt.opacity
			req.Options.CaptionStyle = tt.style
			req.Options.CaptionSizePt = tt.size

			filter := cs.VideoFilter(req)
			for _, want := range tt.contains {
				assert.Contains(t, filter, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, filter, unwanted)
			}
		})
	}
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, `/tmp/run/captions.srt`, escapeFilterPath("/tmp/run/captions.srt"))
	assert.Equal(t, `C\:\\runs\\a.srt`, escapeFilterPath(`C:\runs\a.srt`))
	assert.Equal(t, `/tmp/it'\''s.srt`, escapeFilterPath("/tmp/it's.srt"))
}

func TestForceStyleCoversEveryStyle(t *testing.T) {
	for _, style := range models.ValidCaptionStyles {
		t.Run(string(style), func(t *testing.T) {
			fs := ForceStyle(style, 30)
			assert.Contains(t, fs, "FontName=")
			assert.Contains(t, fs, "FontSize=30")
		})
	}
}

func TestComposerService_Compose(t *testing.T) {
	t.Run("success relays monotone progress", func(t *testing.T) {
		engine := succeedingEngine(10, 5, 60, 40, 130)
		cs := NewComposerService(engine, ComposerConfig{}, nil)
		req := newComposeRequest(t)

		var seen []float64
		req.OnProgress = func(p float64) { seen = append(seen, p) }

		artifact, err := cs.Compose(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, req.OutputPath, artifact.FilePath)
		assert.Equal(t, models.OutputWidth, artifact.Width)
		assert.Equal(t, models.OutputHeight, artifact.Height)
		assert.Equal(t, []float64{10, 60, 100}, seen)

		require.Len(t, engine.jobs, 1)
		assert.Equal(t, 9.0, engine.jobs[0].ExpectedDuration)
	})

	t.Run("no progress at all is fine", func(t *testing.T) {
		cs := NewComposerService(succeedingEngine(), ComposerConfig{}, nil)
		_, err := cs.Compose(context.Background(), newComposeRequest(t))
		assert.NoError(t, err)
	})

	t.Run("engine failure removes partial output", func(t *testing.T) {
		engine := &fakeEngine{script: func(job utils.TranscodeJob, task *fakeTask) {
			writeOutput(job.OutputPath)
			task.finish(errors.New("ffmpeg failed: Invalid data found when processing input"))
		}}
		cs := NewComposerService(engine, ComposerConfig{}, nil)
		req := newComposeRequest(t)

		_, err := cs.Compose(context.Background(), req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCompositionFailed))
		assert.Contains(t, err.Error(), "Invalid data found")
		assert.NoFileExists(t, req.OutputPath)
	})

	t.Run("empty output is a failure", func(t *testing.T) {
		engine := &fakeEngine{script: func(job utils.TranscodeJob, task *fakeTask) {
			_ = os.WriteFile(job.OutputPath, nil, 0644)
			task.finish(nil)
		}}
		cs := NewComposerService(engine, ComposerConfig{}, nil)
		req := newComposeRequest(t)

		_, err := cs.Compose(context.Background(), req)
		assert.True(t, errors.Is(err, ErrCompositionFailed))
		assert.NoFileExists(t, req.OutputPath)
	})

	t.Run("start failure", func(t *testing.T) {
		cs := NewComposerService(&fakeEngine{startErr: errors.New("exec: ffmpeg not found")}, ComposerConfig{}, nil)
		_, err := cs.Compose(context.Background(), newComposeRequest(t))
		assert.True(t, errors.Is(err, ErrCompositionFailed))
	})

	t.Run("timeout kills the engine", func(t *testing.T) {
		cs := NewComposerService(hangingEngine(), ComposerConfig{}, nil)
		req := newComposeRequest(t)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := cs.Compose(ctx, req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.NoFileExists(t, req.OutputPath)
	})

	t.Run("cancellation kills the engine", func(t *testing.T) {
		cs := NewComposerService(hangingEngine(), ComposerConfig{}, nil)
		req := newComposeRequest(t)

		ctx, cancel := context.WithCancel(context.Background())
		req.OnProgress = func(float64) { cancel() }

		_, err := cs.Compose(ctx, req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.False(t, errors.Is(err, ErrCompositionFailed))
		assert.NoFileExists(t, req.OutputPath)
	})

	t.Run("missing inputs", func(t *testing.T) {
		cs := NewComposerService(&fakeEngine{}, ComposerConfig{}, nil)
		req := newComposeRequest(t)
		req.Audio = nil
		_, err := cs.Compose(context.Background(), req)
		assert.True(t, errors.Is(err, ErrCompositionFailed))
	})
}
