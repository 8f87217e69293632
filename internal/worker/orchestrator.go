package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/client"
	"github.com/visualmatrix/api/internal/dispatch"
	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/provider"
	"github.com/visualmatrix/api/internal/queue"
	"github.com/visualmatrix/api/internal/store"
)

// Dispatcher runs one unit of provider work.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Notifier pushes an event to a user's live sessions.
type Notifier interface {
	EmitToUser(userID, event string, payload interface{})
}

// ImageLoader reads a job's source image.
type ImageLoader interface {
	Load(ctx context.Context, ref string) (provider.SourceImage, error)
}

// Scheduler enqueues follow-up stage tasks.
type Scheduler interface {
	EnqueueGenerate(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, taskType string, p queue.StagePayload, delay time.Duration) error
	Retry(ctx context.Context, taskType string, p queue.StagePayload) (bool, error)
}

type Options struct {
	// WorkerID identifies this process in job claims.
	WorkerID string
	ClaimTTL time.Duration
	// ContendedDelay is how long a task waits before trying a claimed job again.
	ContendedDelay time.Duration
	// GenerationConcurrency bounds parallel generation calls within a job.
	GenerationConcurrency int
}

// Orchestrator executes the analyze and generate stages of jobs.
type Orchestrator struct {
	jobs       store.JobStore
	styles     store.StyleStore
	dispatcher Dispatcher
	loader     ImageLoader
	objects    client.ObjectStore
	notifier   Notifier
	scheduler  Scheduler
	opts       Options
	log        zerolog.Logger
	newID      func() string
}

func NewOrchestrator(
	jobs store.JobStore,
	styles store.StyleStore,
	dispatcher Dispatcher,
	loader ImageLoader,
	objects client.ObjectStore,
	notifier Notifier,
	scheduler Scheduler,
	opts Options,
	log zerolog.Logger,
) *Orchestrator {
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.New().String()[:8])
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 15 * time.Minute
	}
	if opts.ContendedDelay <= 0 {
		opts.ContendedDelay = 10 * time.Second
	}
	if opts.GenerationConcurrency < 1 {
		opts.GenerationConcurrency = 1
	}
	return &Orchestrator{
		jobs:       jobs,
		styles:     styles,
		dispatcher: dispatcher,
		loader:     loader,
		objects:    objects,
		notifier:   notifier,
		scheduler:  scheduler,
		opts:       opts,
		log:        log.With().Str("component", "orchestrator").Logger(),
		newID:      func() string { return uuid.New().String() },
	}
}

// Register binds the stage handlers on mux.
func (o *Orchestrator) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeAnalyze, o.ProcessAnalyze)
	mux.HandleFunc(queue.TypeGenerate, o.ProcessGenerate)
}

// stage is the body of one stage once the job is claimed.
type stage func(ctx context.Context, p queue.StagePayload) error

// withClaim parses the task, claims the job for this worker and runs fn.
// A job claimed elsewhere is pushed back instead of processed. A missing
// job ends the task without retry.
func (o *Orchestrator) withClaim(ctx context.Context, t *asynq.Task, fn stage) error {
	p, err := queue.ParseStagePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = o.jobs.ClaimJob(ctx, p.JobID, o.opts.WorkerID, o.opts.ClaimTTL)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		o.log.Error().Str("job_id", p.JobID).Str("task", t.Type()).Msg("job not found, dropping task")
		return fmt.Errorf("job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	case errors.Is(err, store.ErrJobClaimed):
		o.log.Info().Str("job_id", p.JobID).Str("task", t.Type()).Msg("job claimed by another worker, deferring")
		return o.scheduler.Enqueue(ctx, t.Type(), p, o.opts.ContendedDelay)
	case err != nil:
		return fmt.Errorf("failed to claim job %s: %w", p.JobID, err)
	}

	defer func() {
		if err := o.jobs.ReleaseJob(context.WithoutCancel(ctx), p.JobID, o.opts.WorkerID); err != nil {
			o.log.Warn().Err(err).Str("job_id", p.JobID).Msg("failed to release job claim")
		}
	}()
	return fn(ctx, p)
}

// update wraps UpdateJob and maps a vanished job onto SkipRetry.
func (o *Orchestrator) update(ctx context.Context, jobID string, fn func(*model.Job) error) (*model.Job, error) {
	job, err := o.jobs.UpdateJob(ctx, jobID, fn)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("job %s: %v: %w", jobID, err, asynq.SkipRetry)
	}
	return job, err
}

// retryOrGiveUp schedules the next attempt of a stage and logs the outcome.
func (o *Orchestrator) retryOrGiveUp(ctx context.Context, taskType string, p queue.StagePayload, cause error) bool {
	log := o.log.With().
		Str("job_id", p.JobID).
		Str("task", taskType).
		Int("attempt", p.Retry.Attempt).
		Int("max_attempts", p.Retry.MaxAttempts).
		Logger()

	scheduled, err := o.scheduler.Retry(context.WithoutCancel(ctx), taskType, p)
	switch {
	case err != nil:
		log.Error().Err(err).AnErr("cause", cause).Msg("failed to schedule retry")
	case scheduled:
		log.Warn().Err(cause).Dur("backoff", p.Retry.Delay()).Msg("stage failed, retry scheduled")
	default:
		log.Error().Err(cause).Msg("stage failed, attempts exhausted")
	}
	return scheduled
}

func joinLines(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// errSkip aborts an UpdateJob without writing when a stage has nothing to do.
var errSkip = errors.New("stage not applicable")
