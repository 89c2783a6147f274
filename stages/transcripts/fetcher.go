// Package transcripts turns a list of videos into title/transcript training
// examples, fetching transcripts concurrently.
package transcripts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/transcript"
	"titleforge/shared/workerpool"

	"github.com/schollz/progressbar/v3"
)

// TranscriptSource returns the transcript of one video.
type TranscriptSource interface {
	Fetch(ctx context.Context, videoID string) (models.Transcript, error)
}

// Input is one video to fetch. Title, when set, overrides the title reported
// by the transcript source.
type Input struct {
	Ref   string
	Title string
}

type Options struct {
	Workers int
	// Progress receives a progress bar; nil disables it.
	Progress io.Writer
}

type Stats struct {
	Inputs         int
	Duplicates     int
	Succeeded      int
	Failed         int
	FailuresByKind map[models.FailureKind]int
	StartTime      time.Time
	EndTime        time.Time
}

func (s *Stats) GetSummary() string {
	return fmt.Sprintf("transcripts: %d inputs (%d duplicates dropped), %d succeeded, %d failed",
		s.Inputs, s.Duplicates, s.Succeeded, s.Failed)
}

// Result holds the examples and failures in input order.
type Result struct {
	Examples []models.TrainingExample
	Failures []models.FetchFailure
	Stats    *Stats
}

type Fetcher struct {
	source TranscriptSource
	opts   Options
	log    *logging.Logger
}

func New(source TranscriptSource, opts Options, log *logging.Logger) *Fetcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Fetcher{
		source: source,
		opts:   opts,
		log:    logging.OrDefault(log).WithField("stage", "transcripts"),
	}
}

// outcome is what one worker produces for one input: exactly one of the two
// fields is set.
type outcome struct {
	example *models.TrainingExample
	failure *models.FetchFailure
}

// Run fetches every unique input. Every unique input ends up as either an
// example or a failure, including inputs skipped because ctx was canceled.
func (f *Fetcher) Run(ctx context.Context, inputs []Input) *Result {
	stats := &Stats{StartTime: time.Now(), FailuresByKind: make(map[models.FailureKind]int)}

	unique := dedupe(inputs)
	stats.Duplicates = len(inputs) - len(unique)
	stats.Inputs = len(unique)

	f.log.WithFields(logging.Fields{
		"inputs":     len(unique),
		"duplicates": stats.Duplicates,
		"workers":    f.opts.Workers,
	}).Info("Starting concurrent transcript fetch")

	var bar *progressbar.ProgressBar
	if f.opts.Progress != nil && len(unique) > 0 {
		bar = progressbar.NewOptions(len(unique),
			progressbar.OptionSetWriter(f.opts.Progress),
			progressbar.OptionSetDescription("Processing videos"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	outcomes := workerpool.Run(ctx, unique, workerpool.Options[Input, outcome]{
		Workers: f.opts.Workers,
		OnCanceled: func(in Input, err error) outcome {
			return failed(in, "", models.FailureCanceled, err)
		},
		OnResult: func(workerpool.Result[outcome]) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	}, f.fetchOne)

	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(f.opts.Progress)
	}

	result := &Result{Stats: stats}
	for _, o := range outcomes {
		switch {
		case o.example != nil:
			result.Examples = append(result.Examples, *o.example)
			stats.Succeeded++
		case o.failure != nil:
			result.Failures = append(result.Failures, *o.failure)
			stats.FailuresByKind[o.failure.Kind]++
			stats.Failed++
		}
	}

	stats.EndTime = time.Now()
	f.log.WithFields(logging.Fields{
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Transcript fetch completed")

	return result
}

func (f *Fetcher) fetchOne(ctx context.Context, in Input) outcome {
	videoID, err := transcript.ParseVideoID(in.Ref)
	if err != nil {
		return failed(in, "", models.FailureInvalidInput, err)
	}

	tr, err := f.source.Fetch(ctx, videoID)
	if err != nil {
		kind := transcript.FailureKind(err)
		log := f.log.WithField("video_id", videoID).WithError(err)
		if kind == models.FailureNoTranscript {
			log.Debug("No transcript available")
		} else {
			log.Warn("Failed to fetch transcript")
		}
		return failed(in, videoID, kind, err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSpace(tr.Title)
	}
	url := in.Ref
	if !strings.Contains(url, "/") {
		url = models.WatchURL(videoID)
	}

	return outcome{example: &models.TrainingExample{
		URL:        url,
		VideoID:    videoID,
		Title:      title,
		Transcript: strings.TrimSpace(tr.Text),
	}}
}

func failed(in Input, videoID string, kind models.FailureKind, err error) outcome {
	return outcome{failure: &models.FetchFailure{
		Input:   in.Ref,
		VideoID: videoID,
		Kind:    kind,
		Message: err.Error(),
	}}
}

// dedupe keeps the first occurrence of each video, keyed by video id when the
// reference parses and by the raw reference otherwise.
func dedupe(inputs []Input) []Input {
	seen := make(map[string]bool, len(inputs))
	out := make([]Input, 0, len(inputs))
	for _, in := range inputs {
		in.Ref = strings.TrimSpace(in.Ref)
		key := in.Ref
		if id, err := transcript.ParseVideoID(in.Ref); err == nil {
			key = id
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, in)
	}
	return out
}

// InputsFromLines builds inputs from a urls file body.
func InputsFromLines(r io.Reader) ([]Input, error) {
	lines, err := dataset.ReadLines(r)
	if err != nil {
		return nil, err
	}
	inputs := make([]Input, len(lines))
	for i, l := range lines {
		inputs[i] = Input{Ref: l}
	}
	return inputs, nil
}

// InputsFromCSV builds inputs from a filtered dataset, keeping its titles.
// Malformed rows are skipped.
func InputsFromCSV(r io.Reader) ([]Input, error) {
	reader, err := dataset.NewReader(r)
	if err != nil {
		return nil, err
	}
	var inputs []Input
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, dataset.ErrMalformedRow) {
			continue
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, Input{Ref: rec.VideoID, Title: rec.Title})
	}
	return inputs, nil
}
