// Package titlegen calls the fine-tuned model to recommend titles, for a
// single transcript or for every upload of a channel.
package titlegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"titleforge/shared/logging"
	"titleforge/shared/openai"
	"titleforge/shared/prompts"
)

// ErrEmptyTitle is returned when the model produced only whitespace.
var ErrEmptyTitle = errors.New("model returned an empty title")

type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces one title for a transcript.
type Generator interface {
	Generate(ctx context.Context, transcript string, opts GenerateOptions) (string, error)
}

// ChatCompleter is the part of *openai.Client the generator needs.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) ([]string, error)
}

// OpenAIGenerator sends the training prompt to a fine-tuned chat model.
type OpenAIGenerator struct {
	client ChatCompleter
	model  string
}

func NewOpenAIGenerator(client ChatCompleter, model string) *OpenAIGenerator {
	return &OpenAIGenerator{client: client, model: model}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, transcript string, opts GenerateOptions) (string, error) {
	choices, err := g.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    prompts.TitleMessages(transcript),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	title := CleanTitle(choices[0])
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// CleanTitle trims whitespace and one pair of surrounding quotes.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, `'`, "“”", "‘’"} {
		pre, suf := q, q
		if r := []rune(q); len(r) == 2 {
			pre, suf = string(r[0]), string(r[1])
		}
		if len(s) >= len(pre)+len(suf) && strings.HasPrefix(s, pre) && strings.HasSuffix(s, suf) {
			return strings.TrimSpace(s[len(pre) : len(s)-len(suf)])
		}
	}
	return s
}

// GenerateVariations asks for n titles with separate calls. Individual
// failures are logged and skipped; an error is returned only when every
// call fails.
func GenerateVariations(ctx context.Context, g Generator, transcript string, n int, opts GenerateOptions, log *logging.Logger) ([]string, error) {
	log = logging.OrDefault(log)
	if strings.TrimSpace(transcript) == "" {
		return nil, errors.New("transcript is empty")
	}
	if n < 1 {
		n = 1
	}

	titles := make([]string, 0, n)
	var lastErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return titles, err
		}
		title, err := g.Generate(ctx, transcript, opts)
		if err != nil {
			log.WithError(err).WithField("variation", i+1).Warn("Failed to generate title")
			lastErr = err
			continue
		}
		titles = append(titles, title)
	}
	if len(titles) == 0 {
		return nil, fmt.Errorf("all %d generations failed: %w", n, lastErr)
	}
	return titles, nil
}
