package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Subdirectories created inside every run directory
const (
	RunAudioDir    = "audio"
	RunCaptionsDir = "captions"
)

// CreateRunDir creates the isolated temporary directory for one run.
// It fails if the directory already exists, so a run never adopts another run's files.
func CreateRunDir(baseDir, runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}

	runDir := filepath.Join(baseDir, runID)
	if err := os.Mkdir(runDir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("run directory %s already exists", runDir)
		}
		return "", fmt.Errorf("failed to create directory %s: %w", runDir, err)
	}

	for _, sub := range []string{RunAudioDir, RunCaptionsDir} {
		dir := filepath.Join(runDir, sub)
		if err := os.Mkdir(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return runDir, nil
}

// CleanupRunDir removes all temporary files for a run
func CleanupRunDir(baseDir, runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	return os.RemoveAll(filepath.Join(baseDir, runID))
}

// EnsureDir creates a directory (and parents) if it does not exist
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// RemoveIfExists deletes a file, ignoring a missing one
func RemoveIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ScheduleRemoval deletes a file after a delay
func ScheduleRemoval(path string, delay time.Duration) {
	go func() {
		time.Sleep(delay)
		_ = RemoveIfExists(path)
	}()
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns file size in bytes
func GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// NonEmptyFile reports whether path is a regular file with content
func NonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
