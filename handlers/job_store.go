package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"storyreel/models"
)

// ErrJobNotFound is returned for unknown job IDs
var ErrJobNotFound = errors.New("job not found")

// JobStore keeps HTTP job bookkeeping
type JobStore interface {
	Create(ctx context.Context, job *models.JobStatus) error
	// Get returns a copy of the job
	Get(ctx context.Context, jobID string) (*models.JobStatus, error)
	// Update applies fn to the stored job atomically
	Update(ctx context.Context, jobID string, fn func(job *models.JobStatus)) error
}

// MemoryJobStore keeps jobs in process memory
type MemoryJobStore struct {
	jobs map[string]*models.JobStatus
	mu   sync.RWMutex
}

// NewMemoryJobStore creates an empty in-memory store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*models.JobStatus)}
}

func (s *MemoryJobStore) Create(_ context.Context, job *models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	stored := *job
	s.jobs[job.JobID] = &stored
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*models.JobStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	out := *job
	return &out, nil
}

func (s *MemoryJobStore) Update(_ context.Context, jobID string, fn func(job *models.JobStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

// jobRecord is the jobs table row
type jobRecord struct {
	JobID       string `gorm:"primaryKey;size:36"`
	Status      string `gorm:"size:16;index"`
	Progress    int
	CurrentStep string
	Stage       string `gorm:"size:32"`
	VideoPath   string
	VideoURL    string
	Error       string
	ErrorKind   string `gorm:"size:32"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (jobRecord) TableName() string { return "jobs" }

func toRecord(job *models.JobStatus) *jobRecord {
	return &jobRecord{
		JobID:       job.JobID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Stage:       string(job.Stage),
		VideoPath:   job.VideoPath,
		VideoURL:    job.VideoURL,
		Error:       job.Error,
		ErrorKind:   job.ErrorKind,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func (r *jobRecord) toJob() *models.JobStatus {
	return &models.JobStatus{
		JobID:       r.JobID,
		Status:      r.Status,
		Progress:    r.Progress,
		CurrentStep: r.CurrentStep,
		Stage:       models.Stage(r.Stage),
		VideoPath:   r.VideoPath,
		VideoURL:    r.VideoURL,
		Error:       r.Error,
		ErrorKind:   r.ErrorKind,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GormJobStore persists jobs in Postgres so status survives restarts
type GormJobStore struct {
	db *gorm.DB
}

// OpenGormJobStore connects to Postgres and migrates the jobs table
func OpenGormJobStore(ctx context.Context, dsn string) (*GormJobStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := NewGormJobStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// NewGormJobStore wraps an open connection without touching the schema
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

// Migrate creates or updates the jobs table
func (s *GormJobStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRecord{}); err != nil {
		return fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return nil
}

func (s *GormJobStore) Create(ctx context.Context, job *models.JobStatus) error {
	return s.db.WithContext(ctx).Create(toRecord(job)).Error
}

func (s *GormJobStore) Get(ctx context.Context, jobID string) (*models.JobStatus, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).First(&rec, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toJob(), nil
}

func (s *GormJobStore) Update(ctx context.Context, jobID string, fn func(job *models.JobStatus)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec jobRecord
		err := tx.First(&rec, "job_id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		job := rec.toJob()
		fn(job)
		job.UpdatedAt = time.Now()
		return tx.Save(toRecord(job)).Error
	})
}
