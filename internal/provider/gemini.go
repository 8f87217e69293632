package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Gemini talks to the Generative Language REST API.
type Gemini struct {
	jsonClient
}

func NewGemini(httpClient *http.Client) *Gemini {
	return &Gemini{jsonClient{httpClient: httpClient}}
}

func (g *Gemini) Name() string       { return "gemini" }
func (g *Gemini) Patterns() []string { return []string{"gemini*"} }

func (g *Gemini) Analyze(ctx context.Context, t Target, img SourceImage, prompt string) (string, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{Text: prompt},
				{InlineData: &geminiInlineData{
					MimeType: img.MIME,
					Data:     base64.StdEncoding.EncodeToString(img.Data),
				}},
			},
		}},
	}

	endpoint := fmt.Sprintf("%s/v1/models/%s:generateContent", t.BaseURL, url.PathEscape(t.Model))
	var resp geminiResponse
	if err := g.post(ctx, endpoint, map[string]string{"x-goog-api-key": t.APIKey}, reqBody, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrMalformedResponse)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return text, nil
}

func (g *Gemini) Probe(ctx context.Context, t Target) error {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	endpoint := t.BaseURL + "/v1/models?key=" + url.QueryEscape(t.APIKey)
	if err := g.get(ctx, endpoint, nil, &resp); err != nil {
		return err
	}
	if resp.Models == nil {
		return fmt.Errorf("%w: missing models", ErrMalformedResponse)
	}
	return nil
}
