package trainer

import (
	"context"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
	"titleforge/shared/scheduler"
)

// Stage trains on the training data file and follows the job.
type Stage struct {
	config  *config.Config
	log     *logging.Logger
	trainer *Trainer
	tuner   FineTuner
	wait    bool
}

func NewStage(cfg *config.Config, log *logging.Logger) *Stage {
	return &Stage{config: cfg, log: logging.OrDefault(log), wait: true}
}

// WithFineTuner replaces the OpenAI client. Moderation is then disabled.
func (s *Stage) WithFineTuner(tuner FineTuner) *Stage {
	s.tuner = tuner
	return s
}

// WithWait controls whether Run polls the job after creating it.
func (s *Stage) WithWait(wait bool) *Stage {
	s.wait = wait
	return s
}

func (s *Stage) Name() string { return "trainer" }

func (s *Stage) Initialize() error {
	if s.trainer != nil {
		return nil
	}
	opts := OptionsFromConfig(s.config)
	if s.tuner != nil {
		s.trainer = New(s.tuner, nil, opts, s.log)
		return nil
	}
	if err := s.config.ValidateTraining(); err != nil {
		return err
	}
	client := openai.NewClient(openai.OptionsFromConfig(s.config.OpenAI), s.log)
	s.trainer = New(NewOpenAIFineTuner(client), client, opts, s.log)
	return nil
}

func (s *Stage) Trainer() *Trainer { return s.trainer }

func (s *Stage) RunOnce(ctx context.Context, events *scheduler.StageEvents) error {
	startTime := time.Now()
	_, stats, err := s.Run(ctx, s.config.Dataset.TrainingDataJSON)
	if err != nil {
		return err
	}
	events.OnSuccess(stats, time.Since(startTime))
	return nil
}

// Run loads examples from path, starts a job, and waits for it unless
// waiting is disabled.
func (s *Stage) Run(ctx context.Context, path string) (*models.FineTuneJob, *Stats, error) {
	if err := s.Initialize(); err != nil {
		return nil, nil, err
	}
	examples, err := dataset.ReadTrainingExamples(path)
	if err != nil {
		return nil, nil, err
	}
	s.log.Infof("Loaded %d examples from %s", len(examples), path)

	job, stats, err := s.trainer.Start(ctx, examples)
	if err != nil || !s.wait {
		if stats != nil {
			stats.EndTime = time.Now()
		}
		return job, stats, err
	}

	job, err = s.trainer.Wait(ctx, job)
	stats.State, stats.Model = job.State, job.FineTunedModel
	stats.EndTime = time.Now()
	return job, stats, err
}
