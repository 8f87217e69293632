package health

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/provider"
)

// ChannelStore is the slice of the store the monitor writes.
type ChannelStore interface {
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
	SetChannelHealthy(ctx context.Context, id int64, healthy bool) error
	RecordProbe(ctx context.Context, id int64, res model.ProbeResult) error
}

// Monitor owns the channel health flags. Channels are demoted synchronously
// on a live call failure and only recover through a probe.
type Monitor struct {
	store        ChannelStore
	adapters     *provider.Set
	probeTimeout time.Duration
	concurrency  int
	log          zerolog.Logger
	now          func() time.Time
}

func NewMonitor(store ChannelStore, adapters *provider.Set, probeTimeout time.Duration, concurrency int, log zerolog.Logger) *Monitor {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Monitor{
		store:        store,
		adapters:     adapters,
		probeTimeout: probeTimeout,
		concurrency:  concurrency,
		log:          log.With().Str("component", "health").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Probe runs the channel's liveness check. It never returns an error: any
// failure is reported as an unhealthy result.
func (m *Monitor) Probe(ctx context.Context, ch model.Channel) model.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	prober := m.adapters.ProberFor(ch)
	start := time.Now()
	err := prober.Probe(ctx, provider.Target{
		ChannelID:   ch.ID,
		ChannelName: ch.Name,
		BaseURL:     strings.TrimRight(ch.BaseURL, "/"),
		APIKey:      ch.APIKey,
	})

	res := model.ProbeResult{
		Healthy:   err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: m.now(),
	}
	if err != nil {
		res.Reason = err.Error()
	}
	return res
}

// ProbeChannel probes one channel now and records the outcome.
func (m *Monitor) ProbeChannel(ctx context.Context, id int64) (model.ProbeResult, error) {
	ch, err := m.store.GetChannel(ctx, id)
	if err != nil {
		return model.ProbeResult{}, err
	}
	res := m.Probe(ctx, *ch)
	if err := m.store.RecordProbe(ctx, id, res); err != nil {
		return res, fmt.Errorf("failed to record probe: %w", err)
	}
	m.logResult(*ch, res)
	return res, nil
}

// RunSweep probes every active channel and records each result together
// with the availability of the channel's models.
func (m *Monitor) RunSweep(ctx context.Context) (model.SweepResponse, error) {
	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return model.SweepResponse{}, fmt.Errorf("failed to list channels: %w", err)
	}

	var checked, healthy atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)

	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		ch := ch
		g.Go(func() error {
			res := m.Probe(ctx, ch)
			if err := m.store.RecordProbe(ctx, ch.ID, res); err != nil {
				m.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("failed to record probe")
				return nil
			}
			checked.Add(1)
			if res.Healthy {
				healthy.Add(1)
			}
			m.logResult(ch, res)
			return nil
		})
	}
	_ = g.Wait()

	out := model.SweepResponse{Checked: int(checked.Load()), Healthy: int(healthy.Load())}
	m.log.Info().Int("checked", out.Checked).Int("healthy", out.Healthy).Msg("health sweep finished")
	return out, ctx.Err()
}

// Demote marks a channel unhealthy. Repeated demotions are harmless.
func (m *Monitor) Demote(ctx context.Context, channelID int64) error {
	return m.store.SetChannelHealthy(ctx, channelID, false)
}

func (m *Monitor) logResult(ch model.Channel, res model.ProbeResult) {
	entry := m.log.Debug()
	if !res.Healthy {
		entry = m.log.Warn().Str("reason", res.Reason)
	}
	entry.Int64("channel_id", ch.ID).
		Str("channel", ch.Name).
		Bool("healthy", res.Healthy).
		Int64("latency_ms", res.LatencyMs).
		Msg("channel probed")
}
