package transcripts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/scheduler"
	"titleforge/shared/transcript"
)

// Stage fetches transcripts for the configured input and writes
// training_data.json plus a failures report.
type Stage struct {
	config   *config.Config
	log      *logging.Logger
	source   TranscriptSource
	progress io.Writer
}

func NewStage(cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{config: cfg, log: logging.OrDefault(log), progress: os.Stderr}
}

// WithSource replaces the HTTP transcript client.
func (s *Stage) WithSource(src TranscriptSource) *Stage {
	s.source = src
	return s
}

// WithProgress sets where the progress bar is drawn; nil hides it.
func (s *Stage) WithProgress(w io.Writer) *Stage {
	s.progress = w
	return s
}

func (s *Stage) Name() string { return "transcripts" }

func (s *Stage) Initialize() error {
	if s.source != nil {
		return nil
	}
	if err := s.config.ValidateTranscripts(); err != nil {
		return err
	}
	opts, err := transcript.OptionsFromConfig(s.config.Transcripts)
	if err != nil {
		return err
	}
	s.source = transcript.NewClient(opts, s.log)
	if opts.ProxyURL != "" {
		s.log.WithField("proxy", s.config.Transcripts.Proxy.URL).Info("Transcript requests go through proxy")
	}
	return nil
}

// RunOnce follows the category and quality filters, so it reads the
// quality-filtered dataset they produced and falls back to the urls file only
// when that dataset is missing.
func (s *Stage) RunOnce(ctx context.Context, events *scheduler.StageEvents) error {
	startTime := time.Now()
	d := s.config.Dataset

	path, fromCSV := s.chainedInput()
	inputs, err := s.LoadInputs(path, fromCSV)
	if err != nil {
		return err
	}

	result, err := s.Run(ctx, inputs, d.TrainingDataJSON, d.TranscriptFailuresJSON)
	if err != nil {
		return err
	}
	if result.Stats.Failed > 0 {
		events.OnPartialFailure(fmt.Errorf("%d of %d transcripts failed", result.Stats.Failed, result.Stats.Inputs), time.Since(startTime))
	}
	events.OnSuccess(result.Stats, time.Since(startTime))
	return nil
}

func (s *Stage) chainedInput() (string, bool) {
	d := s.config.Dataset
	if _, err := os.Stat(d.QualityFilteredCSV); err == nil {
		if _, err := os.Stat(d.URLsFile); err == nil {
			s.log.WithFields(logging.Fields{
				"urls_file": d.URLsFile,
				"dataset":   d.QualityFilteredCSV,
			}).Warn("Ignoring urls file, reading the quality-filtered dataset")
		}
		return d.QualityFilteredCSV, true
	}
	s.log.Infof("%s not found, reading videos from %s", d.QualityFilteredCSV, d.URLsFile)
	return d.URLsFile, false
}

// LoadInputs reads a urls file, or a dataset CSV when fromCSV is set.
func (s *Stage) LoadInputs(path string, fromCSV bool) ([]Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	if fromCSV {
		return InputsFromCSV(f)
	}
	return InputsFromLines(f)
}

// Run fetches inputs and writes the examples and failures. A canceled run
// still writes what it has.
func (s *Stage) Run(ctx context.Context, inputs []Input, outPath, failuresPath string) (*Result, error) {
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errors.New("no videos to fetch")
	}

	fetcher := New(s.source, Options{
		Workers:  s.config.Transcripts.Workers,
		Progress: s.progress,
	}, s.log)
	result := fetcher.Run(ctx, inputs)

	if err := dataset.WriteJSON(outPath, nonNil(result.Examples), "    "); err != nil {
		return result, fmt.Errorf("failed to save training data: %w", err)
	}
	s.log.Infof("Successfully saved %d videos to %s", len(result.Examples), outPath)

	if failuresPath != "" {
		if err := dataset.WriteJSON(failuresPath, nonNil(result.Failures), "  "); err != nil {
			return result, fmt.Errorf("failed to save failures: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// nonNil makes an empty result encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
