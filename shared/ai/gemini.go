package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"titleforge/shared/retry"

	"google.golang.org/genai"
)

// ErrEmptyResponse means the model returned no text, usually because the
// candidate was filtered.
var ErrEmptyResponse = errors.New("empty model response")

// GeminiModel sends single-turn text prompts to a Gemini model.
type GeminiModel struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiModel(ctx context.Context, apiKey, model string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiModel{client: client, model: model}, nil
}

func (g *GeminiModel) Name() string { return g.model }

func (g *GeminiModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(prompt)}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", err
	}
	text := result.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// IsTransientGemini extends retry.IsTransient with Gemini API status codes.
func IsTransientGemini(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return retry.IsRetryableStatus(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return retry.IsRetryableStatus(apiErrPtr.Code)
	}
	return retry.IsTransient(err)
}

// IsAuthError reports whether err is a rejected credential. Such errors fail
// every later call too, so callers abort instead of skipping the item.
func IsAuthError(err error) bool {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
