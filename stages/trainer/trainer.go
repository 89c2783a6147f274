// Package trainer prepares a chat-format fine-tuning file from training
// examples, submits it, and follows the resulting job to completion.
package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
)

type Options struct {
	BaseModel      string
	Suffix         string
	SampleSize     int
	SamplingPolicy string
	Seed           uint64
	MinExamples    int
	Bounds         LengthBounds
	PollInterval   time.Duration
	MaxPollErrors  int
	JSONLPath      string
	KeepLocalFile  bool
	// JobPath is where the job record is saved after every change; empty
	// disables persistence.
	JobPath    string
	Moderation config.ModerationConfig
}

func OptionsFromConfig(cfg *config.Config) Options {
	t := cfg.Training
	return Options{
		BaseModel:      t.BaseModel,
		Suffix:         t.Suffix,
		SampleSize:     t.SampleSize,
		SamplingPolicy: t.SamplingPolicy,
		Seed:           t.Seed,
		MinExamples:    t.MinExamples,
		Bounds: LengthBounds{
			MinTranscript: t.MinTranscriptChars,
			MaxTranscript: t.MaxTranscriptChars,
			MinTitle:      t.MinTitleChars,
			MaxTitle:      t.MaxTitleChars,
		},
		PollInterval:  t.PollInterval,
		MaxPollErrors: t.MaxPollErrors,
		JSONLPath:     t.JSONLPath,
		KeepLocalFile: t.KeepLocalFile,
		JobPath:       cfg.Dataset.FineTuneJobJSON,
		Moderation:    t.Moderation,
	}
}

type Stats struct {
	Loaded    int
	Filtered  int
	Sampled   int
	Moderated int
	Written   int
	JobID     string
	State     models.JobState
	Model     string
	StartTime time.Time
	EndTime   time.Time
}

func (s *Stats) GetSummary() string {
	summary := fmt.Sprintf("trainer: %d loaded, %d passed length filter, %d sampled, %d removed by moderation, %d written",
		s.Loaded, s.Filtered, s.Sampled, s.Moderated, s.Written)
	if s.JobID != "" {
		summary += fmt.Sprintf("; job %s %s", s.JobID, s.State)
	}
	if s.Model != "" {
		summary += "; model " + s.Model
	}
	return summary
}

type Trainer struct {
	tuner     FineTuner
	moderator Moderator
	opts      Options
	log       *logging.Logger
}

// New creates a Trainer. moderator may be nil, in which case moderation is
// skipped even when enabled in opts.
func New(tuner FineTuner, moderator Moderator, opts Options, log *logging.Logger) *Trainer {
	if opts.SamplingPolicy == "" {
		opts.SamplingPolicy = SampleCap
	}
	if opts.MinExamples < 1 {
		opts.MinExamples = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxPollErrors < 1 {
		opts.MaxPollErrors = 5
	}
	return &Trainer{
		tuner:     tuner,
		moderator: moderator,
		opts:      opts,
		log:       logging.OrDefault(log).WithField("stage", "trainer"),
	}
}

// Prepare filters, samples and moderates examples. It makes no external call
// unless moderation is enabled, and fails with ErrInsufficientData before
// doing so when too few examples remain.
func (t *Trainer) Prepare(ctx context.Context, examples []models.TrainingExample) ([]models.TrainingExample, *Stats, error) {
	stats := &Stats{StartTime: time.Now(), Loaded: len(examples)}

	kept := FilterExamples(examples, t.opts.Bounds)
	stats.Filtered = len(kept)
	t.log.Infof("Filtered %d examples down to %d within length bounds", len(examples), len(kept))

	sample, err := Sample(kept, t.opts.SampleSize, t.opts.SamplingPolicy, t.opts.Seed)
	if err != nil {
		return nil, stats, err
	}
	stats.Sampled = len(sample)
	if len(sample) < t.opts.MinExamples {
		return nil, stats, fmt.Errorf("%w: %d examples, need at least %d", ErrInsufficientData, len(sample), t.opts.MinExamples)
	}

	if t.opts.Moderation.Enabled && t.moderator != nil {
		var skipped int
		sample, skipped, err = moderate(ctx, t.moderator, t.opts.Moderation.Model, t.opts.Moderation.Threshold, sample, t.log)
		if err != nil {
			return nil, stats, err
		}
		stats.Moderated = skipped
		if len(sample) < t.opts.MinExamples {
			return nil, stats, fmt.Errorf("%w: %d examples left after moderation, need at least %d", ErrInsufficientData, len(sample), t.opts.MinExamples)
		}
	}
	return sample, stats, nil
}

// Start prepares examples, uploads them and creates the fine-tuning job.
// The returned job is in the queued state or later.
func (t *Trainer) Start(ctx context.Context, examples []models.TrainingExample) (*models.FineTuneJob, *Stats, error) {
	sample, stats, err := t.Prepare(ctx, examples)
	if err != nil {
		return nil, stats, err
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, sample); err != nil {
		return nil, stats, err
	}
	stats.Written = len(sample)
	if err := t.writeLocal(buf.Bytes()); err != nil {
		return nil, stats, err
	}
	t.log.Infof("Saved %d training examples to %s", len(sample), t.opts.JSONLPath)

	job := &models.FineTuneJob{
		BaseModel: t.opts.BaseModel,
		Suffix:    t.opts.Suffix,
		State:     models.JobUploading,
		Examples:  len(sample),
		CreatedAt: time.Now(),
	}
	job.UpdatedAt = job.CreatedAt

	name := filepath.Base(t.opts.JSONLPath)
	if name == "." || name == "/" {
		name = "training.jsonl"
	}
	fileID, err := t.tuner.UploadTrainingFile(ctx, name, buf.Bytes())
	if err != nil {
		return nil, stats, err
	}
	job.FileID = fileID
	t.log.WithField("file_id", fileID).Info("Uploaded training file")
	t.removeLocal()
	if err := t.save(job); err != nil {
		return nil, stats, err
	}

	status, err := t.tuner.CreateJob(ctx, fileID, t.opts.BaseModel, t.opts.Suffix)
	if err != nil {
		return job, stats, err
	}
	job.JobID = status.ID
	if _, err := NewJobTracker(job, t.log).Update(status); err != nil {
		return job, stats, err
	}
	stats.JobID, stats.State = job.JobID, job.State
	t.log.WithFields(logging.Fields{
		"job_id":     job.JobID,
		"base_model": job.BaseModel,
	}).Info("Created fine-tuning job")
	return job, stats, t.save(job)
}

// Wait polls job until it reaches a terminal state. A failed job returns
// *JobFailedError and a cancelled one ErrJobCancelled.
func (t *Trainer) Wait(ctx context.Context, job *models.FineTuneJob) (*models.FineTuneJob, error) {
	if job.JobID == "" {
		return job, errors.New("job has no id")
	}
	tracker := NewJobTracker(job, t.log)
	if job.State.Terminal() {
		return job, terminalError(job, "")
	}

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		status, err := t.tuner.GetJob(ctx, job.JobID)
		switch {
		case err != nil && ctx.Err() != nil:
			return job, ctx.Err()
		case err != nil:
			consecutiveErrors++
			if !openai.IsTransient(err) || consecutiveErrors >= t.opts.MaxPollErrors {
				return job, fmt.Errorf("polling job %s: %w", job.JobID, err)
			}
			t.log.WithError(err).WithField("consecutive_errors", consecutiveErrors).Warn("Failed to poll fine-tuning job")
		default:
			consecutiveErrors = 0
			changed, err := tracker.Update(status)
			if err != nil {
				return job, err
			}
			if changed {
				if err := t.save(job); err != nil {
					t.log.WithError(err).Warn("Failed to save job record")
				}
			}
			if job.State.Terminal() {
				if job.State == models.JobSucceeded {
					t.log.WithField("model", job.FineTunedModel).Info("Fine-tuning completed")
				}
				return job, terminalError(job, status.ErrorCode)
			}
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh fetches the job's current status once.
func (t *Trainer) Refresh(ctx context.Context, job *models.FineTuneJob) (*models.FineTuneJob, error) {
	if job.State.Terminal() {
		return job, nil
	}
	status, err := t.tuner.GetJob(ctx, job.JobID)
	if err != nil {
		return job, err
	}
	changed, err := NewJobTracker(job, t.log).Update(status)
	if err != nil {
		return job, err
	}
	if changed {
		return job, t.save(job)
	}
	return job, nil
}

// Cancel asks the provider to cancel job.
func (t *Trainer) Cancel(ctx context.Context, job *models.FineTuneJob) (*models.FineTuneJob, error) {
	if job.State.Terminal() {
		return job, ErrJobTerminal
	}
	status, err := t.tuner.CancelJob(ctx, job.JobID)
	if err != nil {
		return job, err
	}
	if _, err := NewJobTracker(job, t.log).Update(status); err != nil {
		return job, err
	}
	return job, t.save(job)
}

func (t *Trainer) writeLocal(data []byte) error {
	if t.opts.JSONLPath == "" {
		return nil
	}
	f, err := dataset.Create(t.opts.JSONLPath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", t.opts.JSONLPath, err)
	}
	return f.Close()
}

func (t *Trainer) removeLocal() {
	if t.opts.KeepLocalFile || t.opts.JSONLPath == "" || t.opts.JSONLPath == "-" {
		return
	}
	if err := os.Remove(t.opts.JSONLPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.WithError(err).Warn("Failed to remove local training file")
	}
}

func (t *Trainer) save(job *models.FineTuneJob) error {
	if t.opts.JobPath == "" {
		return nil
	}
	if err := dataset.WriteJSON(t.opts.JobPath, job, "  "); err != nil {
		return fmt.Errorf("failed to save job record: %w", err)
	}
	return nil
}

// LoadJob reads a saved job record.
func LoadJob(path string) (*models.FineTuneJob, error) {
	var job models.FineTuneJob
	if err := dataset.ReadJSON(path, &job); err != nil {
		return nil, fmt.Errorf("failed to load job record: %w", err)
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("job record %s has no job id", path)
	}
	return &job, nil
}
