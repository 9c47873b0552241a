package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyreel/models"
	"storyreel/utils"
)

type fakeSynthesizer struct {
	duration float64
	err      error
	block    bool

	mu       sync.Mutex
	workDirs []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, workDir, text string, voice models.Voice, rate float64) (*models.AudioArtifact, error) {
	f.mu.Lock()
	f.workDirs = append(f.workDirs, workDir)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(workDir, utils.RunAudioDir, "narration.mp3")
	if err := os.WriteFile(path, []byte("ID3 fake"), 0644); err != nil {
		return nil, err
	}
	return &models.AudioArtifact{FilePath: path, DurationSeconds: f.duration}, nil
}

// recordingComposer checks the run artifacts it is handed, then writes the output
type recordingComposer struct {
	err    error
	verify func(req ComposeRequest)
}

func (c *recordingComposer) Compose(ctx context.Context, req ComposeRequest) (*models.VideoArtifact, error) {
	if c.verify != nil {
		c.verify(req)
	}
	if c.err != nil {
		return nil, c.err
	}
	if err := os.WriteFile(req.OutputPath, []byte("fake mp4"), 0644); err != nil {
		return nil, err
	}
	if req.OnProgress != nil {
		req.OnProgress(50)
		req.OnProgress(100)
	}
	return &models.VideoArtifact{FilePath: req.OutputPath, Width: models.OutputWidth, Height: models.OutputHeight}, nil
}

type pipelineFixture struct {
	tempDir   string
	outputDir string
	service   *PipelineService
}

func newPipelineFixture(t *testing.T, synth SpeechSynthesizer, composer VideoComposer, tweak func(cfg *PipelineConfig)) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	cfg := PipelineConfig{
		TempDir:            filepath.Join(root, "temp"),
		OutputDir:          filepath.Join(root, "output"),
		BackgroundDir:      filepath.Join(root, "backgrounds"),
		SynthesisTimeout:   5 * time.Second,
		CompositionTimeout: 5 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	require.NoError(t, os.MkdirAll(cfg.BackgroundDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackgroundDir, "parkour1.mp4"), []byte("bg"), 0644))

	ps := NewPipelineService(synth, NewSubtitleService(0, 0, false), composer, cfg, nil, nil)
	return &pipelineFixture{tempDir: cfg.TempDir, outputDir: cfg.OutputDir, service: ps}
}

func countEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

var nineWordStory = models.StoryText{Title: "one two three", Body: "four five six seven eight nine"}

type progressLog struct {
	mu      sync.Mutex
	updates []models.Progress
}

func (l *progressLog) record(p models.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, p)
}

func (l *progressLog) stages() []models.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.Stage
	for _, u := range l.updates {
		if len(out) == 0 || out[len(out)-1] != u.Stage {
			out = append(out, u.Stage)
		}
	}
	return out
}

func (l *progressLog) assertMonotone(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 1; i < len(l.updates); i++ {
		assert.GreaterOrEqual(t, l.updates[i].Percent, l.updates[i-1].Percent, "progress went backwards at update %d", i)
	}
}

func TestPipelineService_Generate_Success(t *testing.T) {
	synth := &fakeSynthesizer{duration: 9.0}
	composer := &recordingComposer{verify: func(req ComposeRequest) {
		f, err := os.Open(req.SubtitlePath)
		require.NoError(t, err)
		defer f.Close()
		track, err := ParseSRT(f)
		require.NoError(t, err)
		require.Len(t, track.Cues, 2)
		assert.Equal(t, "one two three. four five six", track.Cues[0].Text)
		assert.Equal(t, 9.0, track.Duration())
		assert.FileExists(t, req.Audio.FilePath)
	}}
	fx := newPipelineFixture(t, synth, composer, nil)

	progress := &progressLog{}
	artifact, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), progress.record)
	require.NoError(t, err)

	assert.True(t, utils.NonEmptyFile(artifact.FilePath))
	assert.Equal(t, fx.outputDir, filepath.Dir(artifact.FilePath))
	assert.Equal(t, 1080, artifact.Width)
	assert.Equal(t, 1920, artifact.Height)
	assert.Equal(t, 0, countEntries(t, fx.tempDir), "temporary files left behind")

	assert.Equal(t, []models.Stage{
		models.StageSynthesizing,
		models.StageDerivingCaptions,
		models.StageComposing,
		models.StageCleaningUp,
		models.StageCompleted,
	}, progress.stages())
	progress.assertMonotone(t)
	assert.Equal(t, 100, progress.updates[len(progress.updates)-1].Percent)
}

func TestPipelineService_Generate_WithComposerService(t *testing.T) {
	composer := NewComposerService(succeedingEngine(25, 75, 100), ComposerConfig{}, nil)
	fx := newPipelineFixture(t, &fakeSynthesizer{duration: 4.5}, composer, nil)

	progress := &progressLog{}
	artifact, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), progress.record)
	require.NoError(t, err)
	assert.FileExists(t, artifact.FilePath)
	assert.Equal(t, 0, countEntries(t, fx.tempDir))
	progress.assertMonotone(t)
}

func TestPipelineService_Generate_StageFailures(t *testing.T) {
	tests := []struct {
		name      string
		synth     *fakeSynthesizer
		composer  *recordingComposer
		wantKind  error
		wantStage models.Stage
	}{
		{
			name:      "synthesis",
			synth:     &fakeSynthesizer{err: newError(models.StageSynthesizing, KindSynthesisFailed, "speech API returned status 500", nil)},
			composer:  &recordingComposer{},
			wantKind:  ErrSynthesisFailed,
			wantStage: models.StageSynthesizing,
		},
		{
			name:      "synthesis with a foreign error",
			synth:     &fakeSynthesizer{err: errors.New("connection refused")},
			composer:  &recordingComposer{},
			wantKind:  ErrSynthesisFailed,
			wantStage: models.StageSynthesizing,
		},
		{
			name:      "caption derivation on zero duration",
			synth:     &fakeSynthesizer{duration: 0},
			composer:  &recordingComposer{},
			wantKind:  ErrCaptionDerivationFailed,
			wantStage: models.StageDerivingCaptions,
		},
		{
			name:      "composition",
			synth:     &fakeSynthesizer{duration: 9},
			composer:  &recordingComposer{err: errors.New("ffmpeg exited 1")},
			wantKind:  ErrCompositionFailed,
			wantStage: models.StageComposing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newPipelineFixture(t, tt.synth, tt.composer, nil)
			progress := &progressLog{}

			artifact, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), progress.record)
			require.Error(t, err)
			assert.Nil(t, artifact)
			assert.True(t, errors.Is(err, tt.wantKind), "got %v", err)

			var pe *PipelineError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantStage, pe.Stage)

			assert.Equal(t, 0, countEntries(t, fx.tempDir))
			assert.Equal(t, 0, countEntries(t, fx.outputDir))

			stages := progress.stages()
			require.GreaterOrEqual(t, len(stages), 2)
			assert.Equal(t, models.StageCleaningUp, stages[len(stages)-2])
			assert.Equal(t, models.StageFailed, stages[len(stages)-1])
			progress.assertMonotone(t)
		})
	}
}

func TestPipelineService_Generate_InvalidInput(t *testing.T) {
	bad := func(mutate func(o *models.RenderOptions)) models.RenderOptions {
		o := models.DefaultRenderOptions()
		mutate(&o)
		return o
	}

	tests := []struct {
		name  string
		story models.StoryText
		opts  models.RenderOptions
	}{
		{"empty story", models.StoryText{Title: "  ", Body: "\n"}, models.DefaultRenderOptions()},
		{"unknown voice", nineWordStory, bad(func(o *models.RenderOptions) { o.Voice = "robot" })},
		{"rate too high", nineWordStory, bad(func(o *models.RenderOptions) { o.SpeechRate = 2.5 })},
		{"opacity too low", nineWordStory, bad(func(o *models.RenderOptions) { o.BackgroundOpacity = 0.1 })},
		{"caption too small", nineWordStory, bad(func(o *models.RenderOptions) { o.CaptionSizePt = 8 })},
		{"background not installed", nineWordStory, bad(func(o *models.RenderOptions) { o.BackgroundTrackID = models.BackgroundParkour3 })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synth := &fakeSynthesizer{duration: 9}
			fx := newPipelineFixture(t, synth, &recordingComposer{}, nil)

			called := false
			_, err := fx.service.Generate(context.Background(), tt.story, tt.opts, func(models.Progress) { called = true })
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
			assert.False(t, called, "no stage may start for invalid input")
			assert.Empty(t, synth.workDirs)
			assert.NoDirExists(t, fx.tempDir)
		})
	}
}

func TestPipelineService_Generate_RunsAreIsolated(t *testing.T) {
	synth := &fakeSynthesizer{duration: 9}
	fx := newPipelineFixture(t, synth, &recordingComposer{}, nil)

	var wg sync.WaitGroup
	results := make([]*models.VideoArtifact, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), nil)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].FilePath, results[1].FilePath)
	assert.FileExists(t, results[0].FilePath)
	assert.FileExists(t, results[1].FilePath)

	require.Len(t, synth.workDirs, 2)
	assert.NotEqual(t, synth.workDirs[0], synth.workDirs[1])
	assert.Equal(t, 0, countEntries(t, fx.tempDir))
}

func TestPipelineService_Generate_CompositionTimeout(t *testing.T) {
	composer := NewComposerService(hangingEngine(), ComposerConfig{}, nil)
	fx := newPipelineFixture(t, &fakeSynthesizer{duration: 9}, composer, func(cfg *PipelineConfig) {
		cfg.CompositionTimeout = 50 * time.Millisecond
	})

	_, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, models.StageComposing, pe.Stage)

	assert.Equal(t, 0, countEntries(t, fx.outputDir), "no output may remain at the target path")
	assert.Equal(t, 0, countEntries(t, fx.tempDir))
}

func TestPipelineService_Generate_SynthesisTimeout(t *testing.T) {
	fx := newPipelineFixture(t, &fakeSynthesizer{block: true}, &recordingComposer{}, func(cfg *PipelineConfig) {
		cfg.SynthesisTimeout = 50 * time.Millisecond
	})

	_, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 0, countEntries(t, fx.tempDir))
}

func TestPipelineService_Generate_CancelDuringComposition(t *testing.T) {
	composer := NewComposerService(hangingEngine(), ComposerConfig{}, nil)
	fx := newPipelineFixture(t, &fakeSynthesizer{duration: 9}, composer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := &progressLog{}
	_, err := fx.service.Generate(ctx, nineWordStory, models.DefaultRenderOptions(), func(p models.Progress) {
		progress.record(p)
		if p.Stage == models.StageComposing && p.Percent > percentComposingStart {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled), "got %v", err)
	assert.False(t, errors.Is(err, ErrCompositionFailed))

	assert.Equal(t, 0, countEntries(t, fx.tempDir))
	assert.Equal(t, 0, countEntries(t, fx.outputDir))
	stages := progress.stages()
	assert.Equal(t, models.StageFailed, stages[len(stages)-1])
}

func TestPipelineService_Generate_CancelledBeforeStart(t *testing.T) {
	synth := &fakeSynthesizer{duration: 9}
	fx := newPipelineFixture(t, synth, &recordingComposer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.service.Generate(ctx, nineWordStory, models.DefaultRenderOptions(), nil)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Empty(t, synth.workDirs)
	assert.NoDirExists(t, fx.tempDir)
}

func TestPipelineService_Generate_RunIDCollisionLeavesOtherRunAlone(t *testing.T) {
	synth := &fakeSynthesizer{duration: 9}
	fx := newPipelineFixture(t, synth, &recordingComposer{}, nil)
	fx.service.newRunID = func() string { return "taken" }

	// Another run already owns this directory
	owned := filepath.Join(fx.tempDir, "taken", utils.RunAudioDir, "narration.mp3")
	require.NoError(t, os.MkdirAll(filepath.Dir(owned), 0755))
	require.NoError(t, os.WriteFile(owned, []byte("ID3 other run"), 0644))

	var progress progressLog
	_, err := fx.service.Generate(context.Background(), nineWordStory, models.DefaultRenderOptions(), progress.record)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSynthesisFailed))
	assert.Equal(t, models.StageSynthesizing, stageOf(err))

	assert.Empty(t, synth.workDirs, "synthesis must not start in a directory the run did not create")
	assert.FileExists(t, owned)
	progress.assertMonotone(t)
}
