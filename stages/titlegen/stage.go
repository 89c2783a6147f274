package titlegen

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/email"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
	"titleforge/shared/scheduler"
	"titleforge/shared/transcript"
	"titleforge/shared/youtube"
)

// Stage wires the generator, channel lister and transcript source from
// configuration.
type Stage struct {
	config    *config.Config
	log       *logging.Logger
	generator Generator
	lister    ChannelLister
	source    TranscriptSource
	progress  io.Writer
}

func NewStage(cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{config: cfg, log: logging.OrDefault(log), progress: os.Stderr}
}

func (s *Stage) WithGenerator(g Generator) *Stage {
	s.generator = g
	return s
}

func (s *Stage) WithLister(l ChannelLister) *Stage {
	s.lister = l
	return s
}

func (s *Stage) WithSource(src TranscriptSource) *Stage {
	s.source = src
	return s
}

// WithProgress sets where the progress bar is drawn; nil hides it.
func (s *Stage) WithProgress(w io.Writer) *Stage {
	s.progress = w
	return s
}

func (s *Stage) Name() string { return "channel_titles" }

// Initialize prepares everything the channel batch needs.
func (s *Stage) Initialize() error {
	if err := s.initGenerator(); err != nil {
		return err
	}
	if s.lister == nil {
		if err := s.config.ValidateChannel(); err != nil {
			return err
		}
		ch := s.config.Channel.Channel
		client, err := youtube.NewClient(context.Background(), s.config.YouTube, ch == youtube.MineChannel || s.config.YouTube.APIKey == "", s.log)
		if err != nil {
			return err
		}
		s.lister = client
	}
	if s.source == nil {
		opts, err := transcript.OptionsFromConfig(s.config.Transcripts)
		if err != nil {
			return err
		}
		s.source = transcript.NewClient(opts, s.log)
	}
	return nil
}

func (s *Stage) initGenerator() error {
	if s.generator != nil {
		return nil
	}
	if err := s.config.ValidateGeneration(); err != nil {
		return err
	}
	client := openai.NewClient(openai.OptionsFromConfig(s.config.OpenAI), s.log)
	s.generator = NewOpenAIGenerator(client, s.config.Generation.Model)
	return nil
}

// Generate returns n title variations for one transcript.
func (s *Stage) Generate(ctx context.Context, transcriptText string, n int) ([]string, error) {
	if err := s.initGenerator(); err != nil {
		return nil, err
	}
	g := s.config.Generation
	if n < 1 {
		n = g.Variations
	}
	return GenerateVariations(ctx, s.generator, transcriptText, n, GenerateOptions{
		Temperature: g.Temperature,
		MaxTokens:   g.MaxTokens,
	}, s.log)
}

func (s *Stage) RunOnce(ctx context.Context, events *scheduler.StageEvents) error {
	startTime := time.Now()
	_, stats, err := s.RunChannel(ctx, s.config.Channel.Channel)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		events.OnPartialFailure(fmt.Errorf("%d of %d videos failed", stats.Failed, stats.Videos), time.Since(startTime))
	}
	events.OnSuccess(stats, time.Since(startTime))
	return nil
}

// RunChannel generates titles for the channel's uploads, saves the report and
// mails it when configured.
func (s *Stage) RunChannel(ctx context.Context, channel string) (*models.ChannelReport, *Stats, error) {
	if err := s.Initialize(); err != nil {
		return nil, nil, err
	}
	c := s.config.Channel
	batch := NewChannelBatch(s.lister, s.source, s.generator, ChannelOptions{
		Workers:            c.Workers,
		MaxVideos:          c.MaxVideos,
		MinTranscriptChars: c.MinTranscriptChars,
		Generate: GenerateOptions{
			Temperature: c.Temperature,
			MaxTokens:   s.config.Generation.MaxTokens,
		},
		Progress: s.progress,
	}, s.log)

	report, stats, err := batch.Run(ctx, channel)
	if report == nil {
		return nil, stats, err
	}
	if report.Titles == nil {
		report.Titles = []*models.ChannelTitle{}
	}
	if werr := dataset.WriteJSON(c.OutputJSON, report.Titles, "  "); werr != nil {
		return report, stats, fmt.Errorf("failed to save results: %w", werr)
	}
	s.log.Infof("Results saved to %s", c.OutputJSON)
	if err != nil {
		return report, stats, err
	}

	if c.EmailReport {
		if verr := s.config.ValidateEmail(); verr != nil {
			s.log.WithError(verr).Warn("Email report requested but email is not configured")
		} else if serr := email.NewSender(&s.config.Email).SendChannelReport(report); serr != nil {
			s.log.WithError(serr).Error("Failed to send email report")
		} else {
			s.log.Info("Email report sent")
		}
	}
	return report, stats, nil
}
