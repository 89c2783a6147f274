package titlegen

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/workerpool"

	"github.com/schollz/progressbar/v3"
)

const previewChars = 200

// ChannelLister enumerates a channel's uploads.
type ChannelLister interface {
	ListChannelVideos(ctx context.Context, channel string, limit int) ([]models.ChannelVideo, error)
}

// TranscriptSource returns the transcript of one video.
type TranscriptSource interface {
	Fetch(ctx context.Context, videoID string) (models.Transcript, error)
}

type ChannelOptions struct {
	Workers            int
	MaxVideos          int
	MinTranscriptChars int
	Generate           GenerateOptions
	Progress           io.Writer
}

type Stats struct {
	Videos    int
	Generated int
	Skipped   int
	Failed    int
	StartTime time.Time
	EndTime   time.Time
}

func (s *Stats) GetSummary() string {
	return fmt.Sprintf("channel titles: %d videos, %d generated, %d skipped, %d failed",
		s.Videos, s.Generated, s.Skipped, s.Failed)
}

type ChannelBatch struct {
	lister    ChannelLister
	source    TranscriptSource
	generator Generator
	opts      ChannelOptions
	log       *logging.Logger
}

func NewChannelBatch(lister ChannelLister, source TranscriptSource, generator Generator, opts ChannelOptions, log *logging.Logger) *ChannelBatch {
	if opts.Workers < 1 {
		opts.Workers = 5
	}
	return &ChannelBatch{
		lister:    lister,
		source:    source,
		generator: generator,
		opts:      opts,
		log:       logging.OrDefault(log).WithField("stage", "titlegen"),
	}
}

type videoOutcome struct {
	title   *models.ChannelTitle
	skipped bool
	err     error
}

// Run recommends a title for each channel video. A failing video does not
// stop the others; the report lists successes in upload order.
func (b *ChannelBatch) Run(ctx context.Context, channel string) (*models.ChannelReport, *Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	videos, err := b.lister.ListChannelVideos(ctx, channel, b.opts.MaxVideos)
	if err != nil {
		return nil, stats, err
	}
	stats.Videos = len(videos)
	b.log.WithFields(logging.Fields{
		"channel": channel,
		"videos":  len(videos),
		"workers": b.opts.Workers,
	}).Info("Generating titles for channel")

	var bar *progressbar.ProgressBar
	if b.opts.Progress != nil && len(videos) > 0 {
		bar = progressbar.NewOptions(len(videos),
			progressbar.OptionSetWriter(b.opts.Progress),
			progressbar.OptionSetDescription("Generating titles"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	outcomes := workerpool.Run(ctx, videos, workerpool.Options[models.ChannelVideo, videoOutcome]{
		Workers: b.opts.Workers,
		OnCanceled: func(_ models.ChannelVideo, err error) videoOutcome {
			return videoOutcome{err: err}
		},
		OnResult: func(workerpool.Result[videoOutcome]) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	}, b.processVideo)

	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(b.opts.Progress)
	}

	report := &models.ChannelReport{Date: time.Now(), Channel: channel, Total: len(videos)}
	if len(videos) > 0 && videos[0].ChannelTitle != "" {
		report.Channel = videos[0].ChannelTitle
	}
	for _, o := range outcomes {
		switch {
		case o.skipped:
			stats.Skipped++
		case o.err != nil:
			stats.Failed++
		default:
			stats.Generated++
			report.Titles = append(report.Titles, o.title)
		}
	}
	report.Skipped, report.Failed = stats.Skipped, stats.Failed
	stats.EndTime = time.Now()
	b.log.Info(stats.GetSummary())

	if err := ctx.Err(); err != nil {
		return report, stats, err
	}
	return report, stats, nil
}

func (b *ChannelBatch) processVideo(ctx context.Context, v models.ChannelVideo) videoOutcome {
	log := b.log.WithField("video_id", v.ID)

	tr, err := b.source.Fetch(ctx, v.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch transcript")
		return videoOutcome{err: err}
	}
	text := strings.TrimSpace(tr.Text)
	chars := utf8.RuneCountInString(text)
	if chars < b.opts.MinTranscriptChars {
		log.WithField("chars", chars).Debug("Transcript too short, skipping")
		return videoOutcome{skipped: true}
	}

	title, err := b.generator.Generate(ctx, text, b.opts.Generate)
	if err != nil {
		log.WithError(err).Warn("Failed to generate title")
		return videoOutcome{err: err}
	}

	original := v.Title
	if original == "" {
		original = tr.Title
	}
	return videoOutcome{title: &models.ChannelTitle{
		URL:               v.URL,
		VideoID:           v.ID,
		OriginalTitle:     original,
		RecommendedTitle:  title,
		TranscriptLength:  chars,
		TranscriptPreview: Preview(text, previewChars),
	}}
}

// Preview returns the first n characters of s followed by "...", or s
// unchanged when it is no longer than n.
func Preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
