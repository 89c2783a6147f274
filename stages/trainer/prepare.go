package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
	"titleforge/shared/prompts"
)

// ErrInsufficientData means too few examples are left to train on.
var ErrInsufficientData = errors.New("insufficient training data")

// Sampling policies.
const (
	SampleCap    = "cap"
	SampleStrict = "strict"
)

// LengthBounds are inclusive limits, in characters, on the trimmed fields.
type LengthBounds struct {
	MinTranscript int
	MaxTranscript int
	MinTitle      int
	MaxTitle      int
}

// FilterExamples keeps examples whose trimmed transcript and title fall
// within b. The returned examples carry the trimmed values.
func FilterExamples(examples []models.TrainingExample, b LengthBounds) []models.TrainingExample {
	kept := make([]models.TrainingExample, 0, len(examples))
	for _, ex := range examples {
		ex.Transcript = strings.TrimSpace(ex.Transcript)
		ex.Title = strings.TrimSpace(ex.Title)
		if ex.Transcript == "" || ex.Title == "" {
			continue
		}
		if n := utf8.RuneCountInString(ex.Transcript); n < b.MinTranscript || n > b.MaxTranscript {
			continue
		}
		if n := utf8.RuneCountInString(ex.Title); n < b.MinTitle || n > b.MaxTitle {
			continue
		}
		kept = append(kept, ex)
	}
	return kept
}

// Sample draws up to n examples without replacement. Under the strict policy
// a pool smaller than n is an error; under cap the whole pool is returned in
// shuffled order. A non-zero seed makes the draw reproducible. The input
// slice is not modified.
func Sample(examples []models.TrainingExample, n int, policy string, seed uint64) ([]models.TrainingExample, error) {
	if n < 1 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if len(examples) < n {
		if policy == SampleStrict {
			return nil, fmt.Errorf("%w: need %d examples, have %d", ErrInsufficientData, n, len(examples))
		}
		n = len(examples)
	}

	var r *rand.Rand
	if seed != 0 {
		r = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	} else {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	pool := make([]models.TrainingExample, len(examples))
	copy(pool, examples)
	// Partial Fisher-Yates: only the first n positions are settled.
	for i := 0; i < n; i++ {
		j := i + r.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n], nil
}

// WriteJSONL writes one chat record per example, one per line.
func WriteJSONL(w io.Writer, examples []models.TrainingExample) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, ex := range examples {
		if err := enc.Encode(prompts.TrainingRecord(ex.Transcript, ex.Title)); err != nil {
			return fmt.Errorf("failed to encode example %d: %w", i, err)
		}
	}
	return nil
}

// Moderator scores texts for policy violations. *openai.Client implements it.
type Moderator interface {
	Moderate(ctx context.Context, model string, inputs []string) ([]openai.ModerationResult, error)
}

// moderate drops examples whose transcript or title scores above threshold
// in any category. A moderation error keeps the example.
func moderate(ctx context.Context, m Moderator, model string, threshold float64, examples []models.TrainingExample, log *logging.Logger) ([]models.TrainingExample, int, error) {
	kept := make([]models.TrainingExample, 0, len(examples))
	skipped := 0
	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		results, err := m.Moderate(ctx, model, []string{ex.Transcript, ex.Title})
		if err != nil {
			log.WithError(err).WithField("video_id", ex.VideoID).Warn("Moderation check failed, keeping example")
			kept = append(kept, ex)
			continue
		}
		if category, score, over := exceeds(results, threshold); over {
			log.WithFields(logging.Fields{
				"video_id": ex.VideoID,
				"category": category,
				"score":    score,
			}).Info("Skipping example flagged by moderation")
			skipped++
			continue
		}
		kept = append(kept, ex)
	}
	return kept, skipped, nil
}

func exceeds(results []openai.ModerationResult, threshold float64) (string, float64, bool) {
	for _, r := range results {
		if category, score := r.MaxScore(); score > threshold {
			return category, score, true
		}
	}
	return "", 0, false
}
