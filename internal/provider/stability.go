package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

type stabilityPrompt struct {
	Text string `json:"text"`
}

type stabilityRequest struct {
	TextPrompts []stabilityPrompt `json:"text_prompts"`
	CfgScale    int               `json:"cfg_scale"`
	Height      int               `json:"height"`
	Width       int               `json:"width"`
	Samples     int               `json:"samples"`
	Steps       int               `json:"steps"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Stability generates images through the Stability AI v1 REST API. The
// model name is used as the engine id.
type Stability struct {
	jsonClient
}

func NewStability(httpClient *http.Client) *Stability {
	return &Stability{jsonClient{httpClient: httpClient}}
}

func (s *Stability) Name() string { return "stability" }
func (s *Stability) Patterns() []string {
	return []string{"stable-diffusion*", "sdxl*", "sd3*"}
}

func (s *Stability) Generate(ctx context.Context, t Target, prompt string) (*GeneratedImage, error) {
	reqBody := stabilityRequest{
		TextPrompts: []stabilityPrompt{{Text: prompt}},
		CfgScale:    7,
		Height:      1024,
		Width:       1024,
		Samples:     1,
		Steps:       30,
	}

	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", t.BaseURL, url.PathEscape(t.Model))
	var resp stabilityResponse
	if err := s.post(ctx, endpoint, bearer(t.APIKey), reqBody, &resp); err != nil {
		return nil, err
	}

	if len(resp.Artifacts) == 0 || resp.Artifacts[0].Base64 == "" {
		return nil, fmt.Errorf("%w: no artifacts", ErrMalformedResponse)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Artifacts[0].Base64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &GeneratedImage{Data: data, MIME: "image/png"}, nil
}

func (s *Stability) Probe(ctx context.Context, t Target) error {
	return s.get(ctx, t.BaseURL+"/v1/engines/list", bearer(t.APIKey), nil)
}
