// Package categoryfilter reduces the trending dataset to one category with
// unique video ids.
package categoryfilter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
)

// DedupPolicy decides what happens to repeated video ids.
type DedupPolicy string

const (
	// KeepFirst keeps the first matching row for each video id.
	KeepFirst DedupPolicy = "first"
	// DropAll removes every video id that matches more than once.
	DropAll DedupPolicy = "drop_all"
)

type Options struct {
	TargetCategoryID int
	DedupPolicy      DedupPolicy
	// Columns written to the output; nil uses dataset.OutputColumns.
	Columns []string
}

type Stats struct {
	Total      int
	Matched    int
	Duplicates int
	Malformed  int
	Written    int
	StartTime  time.Time
	EndTime    time.Time
}

func (s *Stats) GetSummary() string {
	return fmt.Sprintf("category filter: %d rows read, %d matched, %d duplicates, %d malformed, %d written",
		s.Total, s.Matched, s.Duplicates, s.Malformed, s.Written)
}

type Filter struct {
	opts Options
	log  *logging.Logger
}

func New(opts Options, log *logging.Logger) *Filter {
	if opts.DedupPolicy == "" {
		opts.DedupPolicy = KeepFirst
	}
	if opts.Columns == nil {
		opts.Columns = dataset.OutputColumns
	}
	return &Filter{opts: opts, log: logging.OrDefault(log).WithField("stage", "category_filter")}
}

// Run streams rows from r and writes the matching, deduplicated rows to w in
// input order of first occurrence.
func (f *Filter) Run(ctx context.Context, r io.Reader, w io.Writer) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	switch f.opts.DedupPolicy {
	case KeepFirst, DropAll:
	default:
		return stats, fmt.Errorf("unknown dedup policy %q", f.opts.DedupPolicy)
	}

	reader, err := dataset.NewReader(r)
	if err != nil {
		return stats, err
	}
	if !reader.HasCategory() {
		return stats, fmt.Errorf("%w: %s", dataset.ErrMissingColumn, dataset.ColCategoryID)
	}

	header := reader.Header()
	columns := header.Project(f.opts.Columns)
	writer, err := dataset.NewWriter(w, header, columns)
	if err != nil {
		return stats, err
	}

	f.log.WithFields(logging.Fields{
		"target_category": f.opts.TargetCategoryID,
		"dedup_policy":    f.opts.DedupPolicy,
		"columns":         len(columns),
	}).Info("Filtering dataset by category")

	seen := make(map[string]int)
	var held []models.VideoRecord

	for {
		if stats.Total%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, dataset.ErrMalformedRow) {
				stats.Total++
				stats.Malformed++
				f.log.WithError(err).Debug("Skipping malformed row")
				continue
			}
			return stats, fmt.Errorf("failed to read dataset: %w", err)
		}
		stats.Total++

		if rec.CategoryID != f.opts.TargetCategoryID {
			continue
		}
		stats.Matched++

		seen[rec.VideoID]++
		if f.opts.DedupPolicy == DropAll {
			held = append(held, rec)
			continue
		}
		if seen[rec.VideoID] > 1 {
			stats.Duplicates++
			continue
		}
		if err := writer.Write(rec); err != nil {
			return stats, fmt.Errorf("failed to write row: %w", err)
		}
		stats.Written++
	}

	if f.opts.DedupPolicy == DropAll {
		for _, rec := range held {
			if seen[rec.VideoID] > 1 {
				stats.Duplicates++
				continue
			}
			if err := writer.Write(rec); err != nil {
				return stats, fmt.Errorf("failed to write row: %w", err)
			}
			stats.Written++
		}
	}

	if err := writer.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush output: %w", err)
	}

	stats.EndTime = time.Now()
	f.log.WithFields(logging.Fields{
		"total":      stats.Total,
		"matched":    stats.Matched,
		"duplicates": stats.Duplicates,
		"malformed":  stats.Malformed,
		"written":    stats.Written,
		"duration":   stats.EndTime.Sub(stats.StartTime).String(),
	}).Info("Category filter completed")

	return stats, nil
}
