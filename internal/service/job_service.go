package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/store"
)

var (
	ErrInvalidState     = errors.New("job is not in a state that allows this operation")
	ErrJobNotRetryable  = errors.New("job cannot be retried in its current state")
	ErrJobInProgress    = errors.New("job is being processed by a worker")
	ErrForbidden        = errors.New("job belongs to another user")
	ErrInvalidQuantity  = errors.New("quantity out of range")
	ErrStyleUnavailable = errors.New("style template is not available")
)

// StageEnqueuer starts job stages on the worker pool.
type StageEnqueuer interface {
	EnqueueAnalyze(ctx context.Context, jobID string) error
	EnqueueGenerate(ctx context.Context, jobID string) error
}

// AnalysisInput is what a user submits to start a job.
type AnalysisInput struct {
	UserID      string
	SourceImage string
	UserPrompt  string
	StyleID     string
}

// JobService owns the inbound job operations.
type JobService struct {
	jobs        store.JobStore
	styles      store.StyleStore
	enqueuer    StageEnqueuer
	baseCost    int
	maxQuantity int
	now         func() time.Time
	newID       func() string
}

func NewJobService(jobs store.JobStore, styles store.StyleStore, enqueuer StageEnqueuer, baseCost, maxQuantity int) *JobService {
	return &JobService{
		jobs:        jobs,
		styles:      styles,
		enqueuer:    enqueuer,
		baseCost:    baseCost,
		maxQuantity: maxQuantity,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
}

// SubmitAnalysis creates a pending job and queues its analyze stage.
func (s *JobService) SubmitAnalysis(ctx context.Context, in AnalysisInput) (*model.AnalyzeResponse, error) {
	if in.StyleID != "" {
		style, err := s.styles.GetStyle(ctx, in.StyleID)
		if err != nil {
			if errors.Is(err, store.ErrStyleNotFound) {
				return nil, ErrStyleUnavailable
			}
			return nil, fmt.Errorf("failed to load style: %w", err)
		}
		if !style.Active {
			return nil, ErrStyleUnavailable
		}
	}

	now := s.now()
	job := &model.Job{
		ID:          s.newID(),
		UserID:      in.UserID,
		State:       model.JobPending,
		SourceImage: in.SourceImage,
		UserPrompt:  in.UserPrompt,
		StyleID:     in.StyleID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.enqueuer.EnqueueAnalyze(ctx, job.ID); err != nil {
		return nil, err
	}

	return &model.AnalyzeResponse{
		JobID:     job.ID,
		State:     job.State,
		CreatedAt: job.CreatedAt,
	}, nil
}

// SubmitGeneration records the user's final prompt and quantity on an
// analyzed job, charges the cost and queues the generate stage.
func (s *JobService) SubmitGeneration(ctx context.Context, userID string, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if req.Quantity < 1 || req.Quantity > s.maxQuantity {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidQuantity, s.maxQuantity)
	}
	cost := s.baseCost * req.Quantity

	job, err := s.jobs.UpdateJob(ctx, req.JobID, func(j *model.Job) error {
		if j.UserID != userID {
			return ErrForbidden
		}
		// FinalPrompt marks a generation that was already requested.
		if j.State != model.JobAnalyzed || j.FinalPrompt != "" {
			return ErrInvalidState
		}
		j.FinalPrompt = req.FinalPrompt
		j.QuantityRequested = req.Quantity
		j.CostPoints += cost
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.enqueuer.EnqueueGenerate(ctx, job.ID); err != nil {
		if rerr := s.withdrawGeneration(context.WithoutCancel(ctx), job.ID, req.FinalPrompt, cost); rerr != nil {
			return nil, fmt.Errorf("%w (withdraw failed: %v)", err, rerr)
		}
		return nil, err
	}

	return &model.GenerateResponse{
		JobID:    job.ID,
		State:    job.State,
		Quantity: job.QuantityRequested,
		Cost:     cost,
	}, nil
}

// QueryStatus returns a job snapshot with its results. Admins may read any
// job; users only their own.
func (s *JobService) QueryStatus(ctx context.Context, userID, jobID string, admin bool) (*model.JobStatusResponse, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !admin && job.UserID != userID {
		return nil, ErrForbidden
	}

	results, err := s.jobs.ListResults(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return &model.JobStatusResponse{Job: job, Results: results}, nil
}

func (s *JobService) ListJobs(ctx context.Context, filter model.JobFilter) (*model.JobListResponse, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	jobs, total, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &model.JobListResponse{Jobs: jobs, Total: total}, nil
}

// withdrawGeneration undoes a generation request whose task never reached
// the queue, so the user can submit again and is not charged.
func (s *JobService) withdrawGeneration(ctx context.Context, jobID, finalPrompt string, cost int) error {
	_, err := s.jobs.UpdateJob(ctx, jobID, func(j *model.Job) error {
		if j.State != model.JobAnalyzed || j.FinalPrompt != finalPrompt {
			return ErrInvalidState
		}
		j.FinalPrompt = ""
		j.QuantityRequested = 0
		j.CostPoints -= cost
		j.UpdatedAt = s.now()
		return nil
	})
	return err
}

// RetryJob runs a job again.
//
// A failed job goes back to pending and re-enters the analyze stage, which
// keeps an existing analysis prompt. The last error stays on the job until
// a stage succeeds.
//
// A job stuck mid-pipeline (pending, analyzing, generating, or analyzed with
// a generation request) is re-enqueued at its current stage, provided no
// worker holds its claim. Stages are idempotent, so a duplicate task for a
// job that was merely queued does no harm.
func (s *JobService) RetryJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch {
	case job.State == model.JobFailed:
		job, err = s.jobs.UpdateJob(ctx, jobID, func(j *model.Job) error {
			if j.State != model.JobFailed {
				return ErrJobNotRetryable
			}
			return j.TransitionTo(model.JobPending)
		})
		if err != nil {
			return nil, err
		}
		if err := s.enqueuer.EnqueueAnalyze(ctx, job.ID); err != nil {
			return nil, err
		}
		return job, nil

	case job.State == model.JobPending, job.State == model.JobAnalyzing:
		if err := s.ensureIdle(ctx, jobID); err != nil {
			return nil, err
		}
		if err := s.enqueuer.EnqueueAnalyze(ctx, job.ID); err != nil {
			return nil, err
		}
		return job, nil

	case job.State == model.JobGenerating,
		job.State == model.JobAnalyzed && job.FinalPrompt != "":
		if err := s.ensureIdle(ctx, jobID); err != nil {
			return nil, err
		}
		if err := s.enqueuer.EnqueueGenerate(ctx, job.ID); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, ErrJobNotRetryable
}

// ensureIdle fails with ErrJobInProgress while a worker holds the job.
func (s *JobService) ensureIdle(ctx context.Context, jobID string) error {
	owner := "retry:" + s.newID()
	err := s.jobs.ClaimJob(ctx, jobID, owner, time.Minute)
	if errors.Is(err, store.ErrJobClaimed) {
		return ErrJobInProgress
	}
	if err != nil {
		return err
	}
	return s.jobs.ReleaseJob(ctx, jobID, owner)
}

// FinalizeResult stores the editor's output for a result of the user's job.
func (s *JobService) FinalizeResult(ctx context.Context, userID, resultID string, req *model.FinalizeRequest) (*model.Result, error) {
	res, err := s.jobs.GetResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(ctx, res.JobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return s.jobs.FinalizeResult(ctx, resultID, req.FinalizedImageURL, req.EditorData)
}

func (s *JobService) ListStyles(ctx context.Context) ([]model.StyleTemplate, error) {
	return s.styles.ListStyles(ctx, true)
}

func (s *JobService) UpsertStyle(ctx context.Context, style *model.StyleTemplate) error {
	return s.styles.UpsertStyle(ctx, style)
}
