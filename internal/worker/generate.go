package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/visualmatrix/api/internal/dispatch"
	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/queue"
)

// ProcessGenerate handles job:generate tasks.
func (o *Orchestrator) ProcessGenerate(ctx context.Context, t *asynq.Task) error {
	return o.withClaim(ctx, t, o.generate)
}

func (o *Orchestrator) generate(ctx context.Context, p queue.StagePayload) error {
	log := o.log.With().Str("job_id", p.JobID).Int("attempt", p.Retry.Attempt).Logger()

	var started, skip bool
	job, err := o.update(ctx, p.JobID, func(j *model.Job) error {
		switch j.State {
		case model.JobAnalyzed:
			started = true
			return j.TransitionTo(model.JobGenerating)
		case model.JobGenerating:
			// A retry, or redelivery after a worker died mid-stage.
			log.Info().Msg("resuming generation")
			return nil
		default:
			skip = true
			return errSkip
		}
	})
	if skip {
		log.Info().Msg("generation not applicable in current state, nothing to do")
		return nil
	}
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
		o.retryOrGiveUp(ctx, queue.TypeGenerate, p, err)
		return nil
	}

	if started {
		o.notifier.EmitToUser(job.UserID, model.EventGenerationStarted, model.GenerationStartedEvent{
			JobID:    job.ID,
			Quantity: job.QuantityRequested,
		})
	}

	lastFailure, err := o.runUnits(ctx, job, log)
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
		if o.retryOrGiveUp(ctx, queue.TypeGenerate, p, err) {
			return nil
		}
		return o.finishGeneration(ctx, job, err)
	}
	return o.finishGeneration(ctx, job, lastFailure)
}

// runUnits makes the generation calls still owed for job. Provider
// failures are logged and skipped; the last one is returned as
// lastFailure. A non-nil err means the loop itself broke.
func (o *Orchestrator) runUnits(ctx context.Context, job *model.Job, log zerolog.Logger) (lastFailure error, err error) {
	have, err := o.jobs.CountResults(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count results: %w", err)
	}
	remaining := job.QuantityRequested - have
	if remaining <= 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.GenerationConcurrency)

	for i := 0; i < remaining; i++ {
		unit := have + i + 1
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			resp, err := o.dispatcher.Dispatch(gctx, dispatch.Request{
				Kind:   model.KindGeneration,
				Prompt: job.FinalPrompt,
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				failures++
				lastFailure = err
				mu.Unlock()
				log.Warn().Err(err).Int("unit", unit).Msg("generation unit failed")
				return nil
			}

			imageURL, err := o.persistImage(gctx, job.ID, resp)
			if err != nil {
				mu.Lock()
				failures++
				lastFailure = err
				mu.Unlock()
				log.Warn().Err(err).Int("unit", unit).Msg("failed to store generated image")
				return nil
			}

			// Adding and announcing under one lock keeps progress events
			// in the order the results were counted.
			mu.Lock()
			defer mu.Unlock()
			count, err := o.jobs.AddResult(gctx, &model.Result{
				ID:       o.newID(),
				JobID:    job.ID,
				ImageURL: imageURL,
			})
			if err != nil {
				return fmt.Errorf("failed to save result: %w", err)
			}
			o.notifier.EmitToUser(job.UserID, model.EventGenerationProgress, model.GenerationProgressEvent{
				JobID:     job.ID,
				Completed: count,
				Total:     job.QuantityRequested,
				ImageURL:  imageURL,
			})
			if err := o.jobs.ClaimJob(gctx, job.ID, o.opts.WorkerID, o.opts.ClaimTTL); err != nil {
				log.Warn().Err(err).Msg("failed to extend job claim")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return lastFailure, err
	}
	if failures > 0 {
		log.Warn().Int("failed_units", failures).Int("requested", remaining).Msg("some generation units failed")
	}
	return lastFailure, nil
}

// persistImage returns a reference for a generated image, uploading it
// first when the provider answered with inline bytes.
func (o *Orchestrator) persistImage(ctx context.Context, jobID string, resp *dispatch.Response) (string, error) {
	img := resp.Image
	if img.URL != "" {
		return img.URL, nil
	}
	if o.objects == nil {
		return "", errors.New("provider returned inline image but no object store is configured")
	}

	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	key := fmt.Sprintf("results/%s/%s%s", jobID, o.newID(), extensionFor(mime))
	return o.objects.Upload(ctx, key, bytes.NewReader(img.Data), mime)
}

// finishGeneration settles the job from the persisted results.
func (o *Orchestrator) finishGeneration(ctx context.Context, job *model.Job, lastFailure error) error {
	ctx = context.WithoutCancel(ctx)

	results, err := o.jobs.ListResults(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	succeeded := len(results)
	var errMsg string
	if succeeded == 0 {
		errMsg = "all attempts failed"
		if lastFailure != nil {
			errMsg += ": " + lastFailure.Error()
		}
	}

	job, err = o.update(ctx, job.ID, func(j *model.Job) error {
		j.QuantitySucceeded = succeeded
		if succeeded > 0 {
			j.Error = ""
			return j.TransitionTo(model.JobCompleted)
		}
		j.Error = errMsg
		return j.TransitionTo(model.JobFailed)
	})
	if err != nil {
		return fmt.Errorf("failed to settle job: %w", err)
	}

	if succeeded == 0 {
		o.notifier.EmitToUser(job.UserID, model.EventGenerationFailed, model.GenerationFailedEvent{
			JobID: job.ID,
			Error: errMsg,
		})
		o.log.Warn().Str("job_id", job.ID).Str("error", errMsg).Msg("generation failed")
		return nil
	}

	images := make([]string, 0, succeeded)
	for _, r := range results {
		images = append(images, r.ImageURL)
	}
	o.notifier.EmitToUser(job.UserID, model.EventGenerationComplete, model.GenerationCompleteEvent{
		JobID:  job.ID,
		Images: images,
	})
	o.log.Info().
		Str("job_id", job.ID).
		Int("succeeded", succeeded).
		Int("requested", job.QuantityRequested).
		Msg("generation completed")
	return nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ".png"
}
