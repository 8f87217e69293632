package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAI covers chat vision analysis and image generation for
// OpenAI-compatible channels.
type OpenAI struct {
	httpClient *http.Client
	maxTokens  int
	imageSize  string
}

func NewOpenAI(httpClient *http.Client, maxTokens int, imageSize string) *OpenAI {
	return &OpenAI{httpClient: httpClient, maxTokens: maxTokens, imageSize: imageSize}
}

func (o *OpenAI) Name() string { return "openai" }
func (o *OpenAI) Patterns() []string {
	return []string{"gpt*", "o1*", "o3*", "o4*", "chatgpt*", "dall-e*", "gpt-image*"}
}

func (o *OpenAI) client(t Target) *openai.Client {
	config := openai.DefaultConfig(t.APIKey)
	if t.BaseURL != "" {
		baseURL := strings.TrimSuffix(t.BaseURL, "/")
		if !strings.HasSuffix(baseURL, "/v1") {
			baseURL += "/v1"
		}
		config.BaseURL = baseURL
	}
	config.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(config)
}

func (o *OpenAI) Analyze(ctx context.Context, t Target, img SourceImage, prompt string) (string, error) {
	dataURL := "data:" + img.MIME + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	req := openai.ChatCompletionRequest{
		Model: t.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		}},
	}
	// Reasoning models reject max_tokens.
	if isReasoningModel(t.Model) {
		req.MaxCompletionTokens = o.maxTokens
	} else {
		req.MaxTokens = o.maxTokens
	}

	resp, err := o.client(t).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", openaiError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return text, nil
}

func (o *OpenAI) Generate(ctx context.Context, t Target, prompt string) (*GeneratedImage, error) {
	req := openai.ImageRequest{
		Prompt: prompt,
		Model:  t.Model,
		N:      1,
		Size:   o.imageSize,
	}
	// gpt-image models always answer with base64 and reject response_format.
	inline := strings.HasPrefix(strings.ToLower(t.Model), "gpt-image")
	if !inline {
		req.ResponseFormat = openai.CreateImageResponseFormatURL
	}

	resp, err := o.client(t).CreateImage(ctx, req)
	if err != nil {
		return nil, openaiError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no image data", ErrMalformedResponse)
	}

	item := resp.Data[0]
	switch {
	case item.URL != "":
		return &GeneratedImage{URL: item.URL}, nil
	case item.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return &GeneratedImage{Data: data, MIME: "image/png"}, nil
	}
	return nil, fmt.Errorf("%w: image without url or data", ErrMalformedResponse)
}

func (o *OpenAI) Probe(ctx context.Context, t Target) error {
	if _, err := o.client(t).ListModels(ctx); err != nil {
		return openaiError(err)
	}
	return nil
}

func isReasoningModel(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "o1") || strings.HasPrefix(name, "o3") || strings.HasPrefix(name, "o4")
}

// openaiError maps SDK errors onto StatusError so callers see one shape.
func openaiError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return err
}
