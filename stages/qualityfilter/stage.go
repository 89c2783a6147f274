package qualityfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"titleforge/shared/ai"
	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/retry"
	"titleforge/shared/scheduler"
	"titleforge/shared/storage"
)

// Stage runs the quality filter with the Gemini classifier.
type Stage struct {
	config     *config.Config
	log        *logging.Logger
	classifier Classifier
	prescreen  *Prescreener
}

func NewStage(cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{config: cfg, log: logging.OrDefault(log)}
}

func (s *Stage) Name() string { return "quality_filter" }

func (s *Stage) Initialize() error {
	if s.prescreen == nil {
		p, err := NewPrescreener(s.config.QualityFilter.ContaminationPatterns)
		if err != nil {
			return err
		}
		s.prescreen = p
	}

	if s.classifier == nil {
		if err := s.config.ValidateQualityFilter(); err != nil {
			return err
		}
		q := s.config.QualityFilter
		model, err := ai.NewGeminiModel(context.Background(), s.config.AI.GeminiAPIKey, q.Model)
		if err != nil {
			return fmt.Errorf("failed to create AI classifier: %w", err)
		}
		s.classifier = ai.NewClassifier(model, ai.ClassifierOptions{
			Retry: retry.Config{
				MaxRetries:  q.MaxRetries,
				InitialWait: q.InitialBackoff,
				MaxWait:     q.MaxBackoff,
				Multiplier:  2,
			},
			RequestsPerSecond: q.RequestsPerSecond,
		}, s.log)
		s.log.WithField("model", q.Model).Info("AI classifier initialized")
	}
	return nil
}

func (s *Stage) RunOnce(ctx context.Context, events *scheduler.StageEvents) error {
	startTime := time.Now()
	d := s.config.Dataset
	stats, err := s.RunFiles(ctx, d.CategoryFilteredCSV, d.QualityFilteredCSV, d.QualityRemovedCSV)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		events.OnPartialFailure(fmt.Errorf("%d classification call(s) failed and were rejected", stats.Failed), time.Since(startTime))
	}
	events.OnSuccess(stats, time.Since(startTime))
	return nil
}

// RunFiles filters inPath into acceptedPath. removedPath may be empty.
func (s *Stage) RunFiles(ctx context.Context, inPath, acceptedPath, removedPath string) (stats *Stats, err error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}

	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer in.Close()

	opts := Options{Prescreen: s.prescreen, Fatal: ai.IsAuthError}
	if !s.config.QualityFilter.DisableCache {
		cache, err := storage.NewDecisionCache(s.config.Dataset.CacheDir, s.config.QualityFilter.CacheMaxAge)
		if err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := cache.Close(); closeErr != nil {
				s.log.WithError(closeErr).Warn("Failed to save decision cache")
			}
		}()
		s.log.Infof("Decision cache loaded (%d decisions)", cache.Len())
		opts.Cache = cache
	}

	accepted, err := dataset.Create(acceptedPath)
	if err != nil {
		return nil, err
	}
	defer closeInto(accepted, &err)

	var removed io.WriteCloser
	if removedPath != "" {
		removed, err = dataset.Create(removedPath)
		if err != nil {
			return nil, err
		}
		defer closeInto(removed, &err)
	}

	var removedW io.Writer
	if removed != nil {
		removedW = removed
	}
	return New(s.classifier, opts, s.log).Run(ctx, in, accepted, removedW)
}

func closeInto(c io.Closer, err *error) {
	*err = errors.Join(*err, c.Close())
}
