package health

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"

	"github.com/visualmatrix/api/internal/queue"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a cron spec ("*/5 * * * *" or "@every 5m") the
// same way the asynq scheduler will parse it.
func ValidateSchedule(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", spec, err)
	}
	return nil
}

// Registrar is the part of *asynq.Scheduler used to install the sweep.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// sweepUniqueTTL collapses the sweeps enqueued by several schedulers for
// the same tick into one task.
const sweepUniqueTTL = time.Minute

// RegisterSweep installs the periodic health sweep on the scheduler.
// Only processes with worker.scheduler set should call it.
func RegisterSweep(s Registrar, spec string) (string, error) {
	if err := ValidateSchedule(spec); err != nil {
		return "", err
	}
	opts := append(queue.HealthSweepOptions(), asynq.Unique(sweepUniqueTTL))
	id, err := s.Register(spec, queue.NewHealthSweepTask(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to register health sweep: %w", err)
	}
	return id, nil
}
