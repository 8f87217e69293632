package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic analyses images with Claude models through the Messages API.
type Anthropic struct {
	httpClient *http.Client
	maxTokens  int64
}

func NewAnthropic(httpClient *http.Client, maxTokens int) *Anthropic {
	return &Anthropic{httpClient: httpClient, maxTokens: int64(maxTokens)}
}

func (a *Anthropic) Name() string       { return "anthropic" }
func (a *Anthropic) Patterns() []string { return []string{"claude*"} }

func (a *Anthropic) client(t Target) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(t.APIKey),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	}
	if t.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(t.BaseURL, "/v1")+"/"))
	}
	return anthropic.NewClient(opts...)
}

func (a *Anthropic) Analyze(ctx context.Context, t Target, img SourceImage, prompt string) (string, error) {
	client := a.client(t)
	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.Model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(img.MIME, base64.StdEncoding.EncodeToString(img.Data)),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", anthropicError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: no text content", ErrMalformedResponse)
	}
	return text, nil
}

func (a *Anthropic) Probe(ctx context.Context, t Target) error {
	client := a.client(t)
	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return anthropicError(err)
	}
	return nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}
