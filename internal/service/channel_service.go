package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/store"
)

// HealthChecker probes channels on demand.
type HealthChecker interface {
	ProbeChannel(ctx context.Context, id int64) (model.ProbeResult, error)
	RunSweep(ctx context.Context) (model.SweepResponse, error)
}

// ChannelService is the admin side of the channel registry.
type ChannelService struct {
	channels store.ChannelStore
	health   HealthChecker
	now      func() time.Time
}

func NewChannelService(channels store.ChannelStore, health HealthChecker) *ChannelService {
	return &ChannelService{
		channels: channels,
		health:   health,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateChannel registers a channel. New channels start healthy so they are
// eligible before the first sweep.
func (s *ChannelService) CreateChannel(ctx context.Context, req *model.CreateChannelRequest) (*model.Channel, error) {
	ch := &model.Channel{
		Name:      req.Name,
		Provider:  req.Provider,
		BaseURL:   strings.TrimRight(req.BaseURL, "/"),
		APIKey:    req.APIKey,
		Active:    boolOr(req.Active, true),
		Healthy:   true,
		CreatedAt: s.now(),
	}
	if err := s.channels.CreateChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return ch, nil
}

func (s *ChannelService) UpdateChannel(ctx context.Context, id int64, patch model.ChannelPatch) (*model.Channel, error) {
	if patch.BaseURL != nil {
		trimmed := strings.TrimRight(*patch.BaseURL, "/")
		patch.BaseURL = &trimmed
	}
	return s.channels.UpdateChannel(ctx, id, patch)
}

func (s *ChannelService) ListChannels(ctx context.Context) ([]model.Channel, error) {
	return s.channels.ListChannels(ctx)
}

func (s *ChannelService) CreateModel(ctx context.Context, channelID int64, req *model.CreateModelRequest) (*model.Model, error) {
	m := &model.Model{
		ChannelID: channelID,
		Name:      req.Name,
		Kind:      req.Kind,
		Priority:  req.Priority,
		Active:    boolOr(req.Active, true),
		CreatedAt: s.now(),
	}
	if err := s.channels.CreateModel(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ChannelService) UpdateModel(ctx context.Context, id int64, patch model.ModelPatch) (*model.Model, error) {
	return s.channels.UpdateModel(ctx, id, patch)
}

// TestChannel probes one channel now and records the outcome.
func (s *ChannelService) TestChannel(ctx context.Context, id int64) (*model.ChannelTestResponse, error) {
	res, err := s.health.ProbeChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ChannelTestResponse{ChannelID: id, ProbeResult: res}, nil
}

func (s *ChannelService) Sweep(ctx context.Context) (model.SweepResponse, error) {
	return s.health.RunSweep(ctx)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
