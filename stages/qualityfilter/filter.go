// Package qualityfilter keeps curiosity-driven titles and drops contamination
// such as corporate events, livestreams and deal lists.
package qualityfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
)

// Classifier decides whether a video's title is worth training on.
type Classifier interface {
	Classify(ctx context.Context, rec models.VideoRecord) (models.QualityDecision, error)
}

// DecisionStore remembers decisions across runs.
type DecisionStore interface {
	Get(videoID string) (models.QualityDecision, bool)
	Put(d models.QualityDecision)
}

// Annotation columns appended to the removed-rows file.
var RemovedColumns = []string{"decision_class", "decision_source", "reason"}

type Options struct {
	Prescreen *Prescreener
	Cache     DecisionStore
	// Fatal marks classifier errors that abort the run instead of rejecting
	// the row, such as a revoked API key.
	Fatal func(error) bool
	// ProgressEvery logs progress after this many rows; zero uses 100.
	ProgressEvery int
}

type Stats struct {
	Total       int
	Malformed   int
	Processed   int
	Accepted    int
	Rejected    int
	Unparseable int
	Failed      int
	Cached      int
	Prescreened int
	ByClass     map[models.TitleClass]int
	StartTime   time.Time
	EndTime     time.Time
}

func (s *Stats) GetSummary() string {
	return fmt.Sprintf("quality filter: %d processed, %d accepted, %d rejected (%d unparseable, %d failed), %d cached, %d prescreened",
		s.Processed, s.Accepted, s.Rejected, s.Unparseable, s.Failed, s.Cached, s.Prescreened)
}

// ClassCounts returns the per-class tallies ordered by class name.
func (s *Stats) ClassCounts() []ClassCount {
	out := make([]ClassCount, 0, len(s.ByClass))
	for c, n := range s.ByClass {
		out = append(out, ClassCount{Class: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

type ClassCount struct {
	Class models.TitleClass
	Count int
}

type Filter struct {
	classifier Classifier
	opts       Options
	log        *logging.Logger
}

func New(classifier Classifier, opts Options, log *logging.Logger) *Filter {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}
	return &Filter{
		classifier: classifier,
		opts:       opts,
		log:        logging.OrDefault(log).WithField("stage", "quality_filter"),
	}
}

// Run classifies every row of in. Accepted rows are written to accepted with
// the input's columns and order. Rejected rows go to removed, when non-nil,
// annotated with the decision. A row is accepted only on an explicit KEEP.
func (f *Filter) Run(ctx context.Context, in io.Reader, accepted, removed io.Writer) (*Stats, error) {
	stats := &Stats{StartTime: time.Now(), ByClass: make(map[models.TitleClass]int)}

	reader, err := dataset.NewReader(in)
	if err != nil {
		return stats, err
	}
	header := reader.Header()

	keepWriter, err := dataset.NewWriter(accepted, header, header.Columns)
	if err != nil {
		return stats, err
	}
	var dropWriter *dataset.Writer
	if removed != nil {
		dropWriter, err = dataset.NewWriter(removed, header, header.Columns, RemovedColumns...)
		if err != nil {
			return stats, err
		}
	}

	f.log.Info("Classifying videos")

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		stats.Total++
		if err != nil {
			if errors.Is(err, dataset.ErrMalformedRow) {
				stats.Malformed++
				f.log.WithError(err).Debug("Skipping malformed row")
				continue
			}
			return stats, fmt.Errorf("failed to read dataset: %w", err)
		}

		decision, err := f.decide(ctx, rec, stats)
		if err != nil {
			return stats, err
		}
		stats.Processed++
		stats.ByClass[decision.Class]++

		if decision.Accept {
			stats.Accepted++
			if err := keepWriter.Write(rec); err != nil {
				return stats, fmt.Errorf("failed to write row: %w", err)
			}
		} else {
			stats.Rejected++
			if dropWriter != nil {
				if err := dropWriter.Write(rec, string(decision.Class), string(decision.Source), oneLine(decision.Reason)); err != nil {
					return stats, fmt.Errorf("failed to write removed row: %w", err)
				}
			}
		}

		if stats.Processed%f.opts.ProgressEvery == 0 {
			f.log.WithFields(logging.Fields{
				"processed": stats.Processed,
				"accepted":  stats.Accepted,
				"rejected":  stats.Rejected,
			}).Info("Progress")
		}
	}

	if err := keepWriter.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush accepted rows: %w", err)
	}
	if dropWriter != nil {
		if err := dropWriter.Flush(); err != nil {
			return stats, fmt.Errorf("failed to flush removed rows: %w", err)
		}
	}

	stats.EndTime = time.Now()
	f.log.WithFields(logging.Fields{
		"processed":   stats.Processed,
		"accepted":    stats.Accepted,
		"rejected":    stats.Rejected,
		"unparseable": stats.Unparseable,
		"failed":      stats.Failed,
		"cached":      stats.Cached,
		"prescreened": stats.Prescreened,
		"malformed":   stats.Malformed,
		"duration":    stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Quality filter completed")

	return stats, nil
}

// decide returns the decision for rec. Only fatal classifier errors and
// cancellation are returned; any other failure becomes a rejection.
func (f *Filter) decide(ctx context.Context, rec models.VideoRecord, stats *Stats) (models.QualityDecision, error) {
	if d, ok := f.opts.Prescreen.Check(rec); ok {
		stats.Prescreened++
		f.remember(d)
		return d, nil
	}

	if f.opts.Cache != nil {
		if d, ok := f.opts.Cache.Get(rec.VideoID); ok {
			stats.Cached++
			d.Source = models.SourceCache
			return d, nil
		}
	}

	d, err := f.classifier.Classify(ctx, rec)
	if err != nil {
		if errors.Is(err, context.Canceled) || (f.opts.Fatal != nil && f.opts.Fatal(err)) {
			return models.QualityDecision{}, err
		}
		stats.Failed++
		f.log.WithField("video_id", rec.VideoID).WithError(err).Warn("Classification failed, rejecting video")
		return models.QualityDecision{
			VideoID:   rec.VideoID,
			Accept:    false,
			Class:     models.ClassUnknown,
			Reason:    err.Error(),
			Source:    models.SourceError,
			DecidedAt: time.Now(),
		}, nil
	}

	if d.Class == models.ClassUnparseable {
		stats.Unparseable++
		d.Accept = false
	}
	f.remember(d)
	return d, nil
}

func (f *Filter) remember(d models.QualityDecision) {
	if f.opts.Cache != nil {
		f.opts.Cache.Put(d)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
