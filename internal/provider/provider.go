package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/visualmatrix/api/internal/model"
)

// ErrMalformedResponse is returned when a provider answered 2xx but the
// body did not contain what the adapter needs.
var ErrMalformedResponse = errors.New("malformed provider response")

// StatusError is a non-2xx provider reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, body)
}

// Target is everything an adapter needs to address one channel/model pair.
type Target struct {
	ChannelID   int64
	ChannelName string
	BaseURL     string
	APIKey      string
	Model       string
}

// TargetFor builds the adapter target of a candidate.
func TargetFor(c model.Candidate) Target {
	return Target{
		ChannelID:   c.Channel.ID,
		ChannelName: c.Channel.Name,
		BaseURL:     strings.TrimRight(c.Channel.BaseURL, "/"),
		APIKey:      c.Channel.APIKey,
		Model:       c.Model.Name,
	}
}

// SourceImage is an image prepared for embedding in a request body.
type SourceImage struct {
	Data []byte
	MIME string
}

// GeneratedImage is a generation result. Providers return either a URL or
// inline bytes.
type GeneratedImage struct {
	URL  string
	Data []byte
	MIME string
}

type Adapter interface {
	Name() string
	// Patterns are glob patterns matched against the lower-cased model name.
	Patterns() []string
}

type Analyzer interface {
	Adapter
	Analyze(ctx context.Context, t Target, img SourceImage, prompt string) (string, error)
}

type Generator interface {
	Adapter
	Generate(ctx context.Context, t Target, prompt string) (*GeneratedImage, error)
}

// Prober checks that a channel answers. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, t Target) error
}

// TimeoutOverrider lets an adapter that polls ask for a longer per-call
// budget than the dispatcher default.
type TimeoutOverrider interface {
	CallTimeout() time.Duration
}

// Set is the ordered adapter registration table. The first adapter with a
// matching pattern wins.
type Set struct {
	adapters []Adapter
	probers  map[string]Prober
	fallback Prober
}

func NewSet(fallback Prober) *Set {
	return &Set{
		probers:  make(map[string]Prober),
		fallback: fallback,
	}
}

// Register appends a to the table. Order of registration is match order.
func (s *Set) Register(a Adapter) *Set {
	s.adapters = append(s.adapters, a)
	return s
}

// RegisterProber binds a liveness probe to a provider family.
func (s *Set) RegisterProber(provider string, p Prober) *Set {
	s.probers[provider] = p
	return s
}

// Resolve returns the first adapter whose pattern matches modelName.
// Vendor-prefixed names such as "google/gemini-2.0-flash" are also matched
// on the part after the last slash; the adapter still receives the full name.
func (s *Set) Resolve(modelName string) (Adapter, bool) {
	name := strings.ToLower(strings.TrimSpace(modelName))
	names := []string{name}
	if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
		names = append(names, name[i+1:])
	}
	for _, a := range s.adapters {
		for _, pattern := range a.Patterns() {
			for _, n := range names {
				if ok, _ := path.Match(pattern, n); ok {
					return a, true
				}
			}
		}
	}
	return nil, false
}

// ProberFor picks the liveness probe of a channel.
func (s *Set) ProberFor(ch model.Channel) Prober {
	if p, ok := s.probers[InferProvider(ch)]; ok {
		return p
	}
	return s.fallback
}

// InferProvider returns the channel's provider family, guessing from the
// base URL and name when the tag is empty.
func InferProvider(ch model.Channel) string {
	if ch.Provider != "" {
		return strings.ToLower(ch.Provider)
	}
	hint := strings.ToLower(ch.BaseURL + " " + ch.Name)
	switch {
	case strings.Contains(hint, "openai"):
		return model.ProviderOpenAI
	case strings.Contains(hint, "googleapis"), strings.Contains(hint, "gemini"):
		return model.ProviderGemini
	case strings.Contains(hint, "anthropic"), strings.Contains(hint, "claude"):
		return model.ProviderAnthropic
	case strings.Contains(hint, "stability"):
		return model.ProviderStability
	case strings.Contains(hint, "midjourney"):
		return model.ProviderMidjourney
	}
	return model.ProviderGeneric
}

// Options configure the default adapter table.
type Options struct {
	HTTPClient         *http.Client
	AnalysisMaxTokens  int
	ImageSize          string
	MidjourneyInterval time.Duration
	MidjourneyPolls    int
}

func (o *Options) withDefaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.AnalysisMaxTokens == 0 {
		o.AnalysisMaxTokens = 1000
	}
	if o.ImageSize == "" {
		o.ImageSize = "1024x1024"
	}
	if o.MidjourneyInterval == 0 {
		o.MidjourneyInterval = 5 * time.Second
	}
	if o.MidjourneyPolls == 0 {
		o.MidjourneyPolls = 60
	}
}

// NewDefaultSet wires every built-in adapter and probe.
func NewDefaultSet(opts Options) *Set {
	opts.withDefaults()

	gemini := NewGemini(opts.HTTPClient)
	openai := NewOpenAI(opts.HTTPClient, opts.AnalysisMaxTokens, opts.ImageSize)
	anthropic := NewAnthropic(opts.HTTPClient, opts.AnalysisMaxTokens)
	stability := NewStability(opts.HTTPClient)
	midjourney := NewMidjourney(opts.HTTPClient, opts.MidjourneyInterval, opts.MidjourneyPolls)

	return NewSet(NewGenericProber(opts.HTTPClient)).
		Register(gemini).
		Register(anthropic).
		Register(openai).
		Register(stability).
		Register(midjourney).
		RegisterProber(model.ProviderGemini, gemini).
		RegisterProber(model.ProviderOpenAI, openai).
		RegisterProber(model.ProviderAnthropic, anthropic).
		RegisterProber(model.ProviderStability, stability)
}
