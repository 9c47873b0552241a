package utils

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const (
	defaultDurationTimeout = 30 * time.Second
	stderrTailBytes     = 4096
	processWaitDelay    = 5 * time.Second
)

// MediaDuration returns the playable duration of a media file in seconds
func MediaDuration(ctx context.Context, path string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	timeout := defaultDurationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	info, err := ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
	if err != nil {
		return 0, errors.Wrapf(err, "read duration of %s", filepath.Base(path))
	}

	return parseMediaDuration(info)
}

type mediaInfo struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// parseMediaDuration reads the container duration, falling back to the first stream that has one
func parseMediaDuration(raw string) (float64, error) {
	var data mediaInfo
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return 0, errors.WithStack(err)
	}

	candidates := []string{data.Format.Duration}
	for _, s := range data.Streams {
		candidates = append(candidates, s.Duration)
	}

	for _, c := range candidates {
		if c == "" {
			continue
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err == nil && d > 0 {
			return d, nil
		}
	}

	return 0, fmt.Errorf("could not determine media duration")
}

// RunFFmpeg executes an FFmpeg command and waits for it
func RunFFmpeg(ctx context.Context, binary string, args []string) error {
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr
	cmd.WaitDelay = processWaitDelay

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, "ffmpeg terminated")
		}
		return errors.Wrapf(err, "ffmpeg error, stderr: %s", stderr.String())
	}
	return nil
}

// ConcatAudio joins audio files in order using the concat demuxer
func ConcatAudio(ctx context.Context, binary string, inputFiles []string, outputFile string) error {
	if len(inputFiles) == 0 {
		return fmt.Errorf("no input files provided")
	}

	listPath := outputFile + ".txt"
	var list bytes.Buffer
	for i, file := range inputFiles {
		if file == "" {
			return fmt.Errorf("empty input file path at index %d", i)
		}
		absPath, err := filepath.Abs(file)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for %s: %w", file, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(absPath, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, list.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputFile,
	}
	if err := RunFFmpeg(ctx, binary, args); err != nil {
		_ = RemoveIfExists(outputFile)
		return err
	}
	return nil
}

// TranscodeJob is one invocation of the transcoding engine
type TranscodeJob struct {
	Args             []string
	OutputPath       string
	ExpectedDuration float64 // seconds, used to turn timestamps into percent
}

// Task is a running transcode observed through channels
type Task interface {
	// Progress delivers percent complete; closed when the task ends
	Progress() <-chan float64
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err is valid after Done is closed
	Err() error
	// Cancel terminates the process
	Cancel()
}

// Engine starts transcoding tasks
type Engine interface {
	Start(ctx context.Context, job TranscodeJob) (Task, error)
}

// FFmpegEngine runs ffmpeg as a child process with a -progress pipe
type FFmpegEngine struct {
	Binary string
}

// NewFFmpegEngine creates an engine for the given ffmpeg binary
func NewFFmpegEngine(binary string) *FFmpegEngine {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEngine{Binary: binary}
}

type ffmpegTask struct {
	cancel   context.CancelFunc
	progress chan float64
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches ffmpeg; the returned task owns the process
func (e *FFmpegEngine) Start(ctx context.Context, job TranscodeJob) (Task, error) {
	taskCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(taskCtx, e.Binary, job.Args...)
	cmd.WaitDelay = processWaitDelay
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to open ffmpeg progress pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	t := &ffmpegTask{
		cancel:   cancel,
		progress: make(chan float64, 16),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()

		t.readProgress(stdout, job.ExpectedDuration)
		waitErr := cmd.Wait()
		close(t.progress)

		t.mu.Lock()
		defer t.mu.Unlock()
		switch {
		case taskCtx.Err() != nil && waitErr != nil:
			t.err = errors.Wrap(taskCtx.Err(), "ffmpeg terminated")
		case waitErr != nil:
			t.err = errors.Wrapf(waitErr, "ffmpeg failed: %s", strings.TrimSpace(stderr.String()))
		}
	}()

	return t, nil
}

func (t *ffmpegTask) readProgress(r io.Reader, expected float64) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		update, ok := ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		percent := update.Percent(expected)
		if percent < 0 {
			continue
		}
		// Progress is best effort: drop updates nobody is reading
		select {
		case t.progress <- percent:
		default:
		}
	}
	// Drain so ffmpeg never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

func (t *ffmpegTask) Progress() <-chan float64 { return t.progress }

func (t *ffmpegTask) Done() <-chan struct{} { return t.done }

func (t *ffmpegTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *ffmpegTask) Cancel() { t.cancel() }

// tailBuffer keeps only the last n bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
