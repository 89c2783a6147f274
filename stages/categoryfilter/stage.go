package categoryfilter

import (
	"context"
	"fmt"
	"os"
	"time"

	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/scheduler"
)

// Stage runs the category filter over the configured dataset paths.
type Stage struct {
	config *config.Config
	log    *logging.Logger
	filter *Filter
}

func NewStage(cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{config: cfg, log: logging.OrDefault(log)}
}

func (s *Stage) Name() string { return "category_filter" }

func (s *Stage) Initialize() error {
	if s.filter == nil {
		s.filter = New(Options{
			TargetCategoryID: s.config.CategoryFilter.TargetCategoryID,
			DedupPolicy:      DedupPolicy(s.config.CategoryFilter.DedupPolicy),
		}, s.log)
	}
	return nil
}

func (s *Stage) RunOnce(ctx context.Context, events *scheduler.StageEvents) error {
	startTime := time.Now()
	stats, err := s.RunFiles(ctx, s.config.Dataset.TrendingCSV, s.config.Dataset.CategoryFilteredCSV)
	if err != nil {
		return err
	}
	events.OnSuccess(stats, time.Since(startTime))
	return nil
}

// RunFiles filters inPath into outPath.
func (s *Stage) RunFiles(ctx context.Context, inPath, outPath string) (*Stats, error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}

	in, err := os.Open(inPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer in.Close()

	out, err := dataset.Create(outPath)
	if err != nil {
		return nil, err
	}

	stats, err := s.filter.Run(ctx, in, out)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return stats, err
	}
	s.log.Infof("Saved %d videos to %s", stats.Written, outPath)
	return stats, nil
}
