package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/visualmatrix/api/internal/model"
)

// ChannelLister is the slice of the channel store the registry reads.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
}

// Registry answers which (channel, model) pairs may serve a request.
type Registry struct {
	channels ChannelLister
}

func New(channels ChannelLister) *Registry {
	return &Registry{channels: channels}
}

// ListEligible returns every pair whose channel is active and healthy and
// whose model is active, available and of the requested kind, ordered by
// model priority, then channel id, then model id. The list is computed from
// the store on every call. An empty list is not an error.
func (r *Registry) ListEligible(ctx context.Context, kind model.Kind) ([]model.Candidate, error) {
	channels, err := r.channels.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	var out []model.Candidate
	for _, ch := range channels {
		if !ch.Eligible() {
			continue
		}
		for _, m := range ch.Models {
			if m.Kind != kind || !m.Eligible() {
				continue
			}
			c := model.Candidate{Channel: ch, Model: m}
			c.Channel.Models = nil
			out = append(out, c)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Model.Priority != b.Model.Priority {
			return a.Model.Priority < b.Model.Priority
		}
		if a.Channel.ID != b.Channel.ID {
			return a.Channel.ID < b.Channel.ID
		}
		return a.Model.ID < b.Model.ID
	})
	return out, nil
}
