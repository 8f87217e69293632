package model

import "time"

// Kind is the request kind a model serves.
type Kind string

const (
	KindAnalysis   Kind = "analysis"
	KindGeneration Kind = "generation"
)

func (k Kind) Valid() bool {
	return k == KindAnalysis || k == KindGeneration
}

// Provider families. The family selects the liveness probe for a channel.
const (
	ProviderOpenAI     = "openai"
	ProviderGemini     = "gemini"
	ProviderAnthropic  = "anthropic"
	ProviderStability  = "stability"
	ProviderMidjourney = "midjourney"
	ProviderGeneric    = "generic"
)

// Channel is one configured upstream provider endpoint.
// Active is owned by admins; Healthy is written only by the health monitor
// and by dispatcher demotion.
type Channel struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Provider      string     `json:"provider"`
	BaseURL       string     `json:"baseUrl"`
	APIKey        string     `json:"-"`
	Active        bool       `json:"active"`
	Healthy       bool       `json:"healthy"`
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	LatencyMs     int64      `json:"latencyMs"`
	CreatedAt     time.Time  `json:"createdAt"`
	Models        []Model    `json:"models,omitempty"`
}

func (c *Channel) Eligible() bool {
	return c.Active && c.Healthy
}

// Model is a provider model exposed by exactly one channel.
// Lower Priority is tried first.
type Model struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channelId"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m *Model) Eligible() bool {
	return m.Active && m.Available
}

// Candidate is one (channel, model) pair offered to the dispatcher.
type Candidate struct {
	Channel Channel
	Model   Model
}

// ProbeResult is the outcome of a single liveness probe.
type ProbeResult struct {
	Healthy   bool      `json:"healthy"`
	LatencyMs int64     `json:"latencyMs"`
	CheckedAt time.Time `json:"checkedAt"`
	Reason    string    `json:"reason,omitempty"`
}

// ChannelPatch carries the admin-editable channel fields.
type ChannelPatch struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=100"`
	Provider *string `json:"provider" validate:"omitempty,oneof=openai gemini anthropic stability midjourney generic"`
	BaseURL  *string `json:"baseUrl" validate:"omitempty,url"`
	APIKey   *string `json:"apiKey"`
	Active   *bool   `json:"active"`
}

// ModelPatch carries the admin-editable model fields.
type ModelPatch struct {
	Name     *string `json:"name" validate:"omitempty,min=1,max=100"`
	Priority *int    `json:"priority" validate:"omitempty,min=0"`
	Active   *bool   `json:"active"`
}

type CreateChannelRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	Provider string `json:"provider" validate:"omitempty,oneof=openai gemini anthropic stability midjourney generic"`
	BaseURL  string `json:"baseUrl" validate:"required,url"`
	APIKey   string `json:"apiKey"`
	Active   *bool  `json:"active"`
}

type CreateModelRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	Kind     Kind   `json:"kind" validate:"required,oneof=analysis generation"`
	Priority int    `json:"priority" validate:"min=0"`
	Active   *bool  `json:"active"`
}

// ChannelTestResponse is returned by the admin probe endpoint.
type ChannelTestResponse struct {
	ChannelID int64 `json:"channelId"`
	ProbeResult
}

type SweepResponse struct {
	Checked int `json:"checked"`
	Healthy int `json:"healthy"`
}
