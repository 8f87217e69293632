package worker

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/queue"
)

// Sweeper runs a health sweep over all active channels.
type Sweeper interface {
	RunSweep(ctx context.Context) (model.SweepResponse, error)
}

// HealthWorker processes health:sweep tasks
type HealthWorker struct {
	sweeper Sweeper
	log     zerolog.Logger
}

func NewHealthWorker(sweeper Sweeper, log zerolog.Logger) *HealthWorker {
	return &HealthWorker{sweeper: sweeper, log: log.With().Str("component", "health-worker").Logger()}
}

func (w *HealthWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeHealthSweep, w.ProcessTask)
}

func (w *HealthWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	res, err := w.sweeper.RunSweep(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("health sweep failed")
		return err
	}
	w.log.Debug().Int("checked", res.Checked).Int("healthy", res.Healthy).Msg("health sweep task done")
	return nil
}
