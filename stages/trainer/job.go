package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
)

var (
	// ErrJobTerminal is returned when updating a job that already finished.
	ErrJobTerminal = errors.New("fine-tuning job already finished")
	// ErrJobCancelled is returned when a polled job ends cancelled.
	ErrJobCancelled = errors.New("fine-tuning job was cancelled")
)

// JobFailedError carries the provider's failure reason unchanged.
type JobFailedError struct {
	JobID   string
	Code    string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("fine-tuning job %s failed (%s): %s", e.JobID, e.Code, e.Message)
	}
	return fmt.Sprintf("fine-tuning job %s failed: %s", e.JobID, e.Message)
}

// JobStatus is a provider's view of a fine-tuning job.
type JobStatus struct {
	ID             string
	Status         string
	FineTunedModel string
	ErrorCode      string
	ErrorMessage   string
}

// FineTuner uploads training files and manages fine-tuning jobs.
type FineTuner interface {
	UploadTrainingFile(ctx context.Context, name string, data []byte) (string, error)
	CreateJob(ctx context.Context, fileID, baseModel, suffix string) (JobStatus, error)
	GetJob(ctx context.Context, jobID string) (JobStatus, error)
	CancelJob(ctx context.Context, jobID string) (JobStatus, error)
}

// OpenAIFineTuner implements FineTuner on the OpenAI REST API.
type OpenAIFineTuner struct {
	client *openai.Client
}

func NewOpenAIFineTuner(client *openai.Client) *OpenAIFineTuner {
	return &OpenAIFineTuner{client: client}
}

func (o *OpenAIFineTuner) UploadTrainingFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := o.client.UploadFile(ctx, name, data, "fine-tune")
	if err != nil {
		return "", err
	}
	return file.ID, nil
}

func (o *OpenAIFineTuner) CreateJob(ctx context.Context, fileID, baseModel, suffix string) (JobStatus, error) {
	job, err := o.client.CreateFineTuningJob(ctx, openai.FineTuningJobRequest{
		TrainingFile: fileID,
		Model:        baseModel,
		Suffix:       suffix,
	})
	if err != nil {
		return JobStatus{}, err
	}
	return statusFromOpenAI(job), nil
}

func (o *OpenAIFineTuner) GetJob(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := o.client.RetrieveFineTuningJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return statusFromOpenAI(job), nil
}

func (o *OpenAIFineTuner) CancelJob(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := o.client.CancelFineTuningJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, err
	}
	return statusFromOpenAI(job), nil
}

func statusFromOpenAI(job *openai.FineTuningJob) JobStatus {
	st := JobStatus{
		ID:             job.ID,
		Status:         job.Status,
		FineTunedModel: job.FineTunedModel,
	}
	if job.Error != nil {
		st.ErrorCode = job.Error.Code
		st.ErrorMessage = job.Error.Message
	}
	return st
}

// MapStatus translates a provider status into a job state.
func MapStatus(status string) (models.JobState, bool) {
	switch status {
	case openai.StatusValidatingFiles, openai.StatusQueued:
		return models.JobQueued, true
	case openai.StatusRunning:
		return models.JobRunning, true
	case openai.StatusSucceeded:
		return models.JobSucceeded, true
	case openai.StatusFailed:
		return models.JobFailed, true
	case openai.StatusCancelled:
		return models.JobCancelled, true
	}
	return "", false
}

// JobTracker applies provider updates to a job record, moving it forward only.
type JobTracker struct {
	job *models.FineTuneJob
	log *logging.Logger
	now func() time.Time
}

func NewJobTracker(job *models.FineTuneJob, log *logging.Logger) *JobTracker {
	if job.State == "" {
		job.State = models.JobUploading
	}
	return &JobTracker{
		job: job,
		log: logging.OrDefault(log).WithField("job_id", job.JobID),
		now: time.Now,
	}
}

func (t *JobTracker) Job() *models.FineTuneJob { return t.job }

// Update applies st and reports whether the state changed. Statuses that are
// unknown or behind the current state leave it unchanged.
func (t *JobTracker) Update(st JobStatus) (bool, error) {
	if t.job.State.Terminal() {
		return false, ErrJobTerminal
	}
	if st.ID != "" && t.job.JobID == "" {
		t.job.JobID = st.ID
	}
	t.job.RemoteStatus = st.Status

	next, ok := MapStatus(st.Status)
	if !ok {
		t.log.WithField("status", st.Status).Warn("Unknown fine-tuning status, keeping current state")
		return false, nil
	}
	if next == t.job.State {
		return false, nil
	}
	if !t.job.State.CanAdvanceTo(next) {
		t.log.WithFields(logging.Fields{
			"current":  t.job.State,
			"reported": next,
		}).Warn("Ignoring backward state transition")
		return false, nil
	}

	now := t.now()
	t.job.State = next
	t.job.UpdatedAt = now
	switch next {
	case models.JobSucceeded:
		t.job.FineTunedModel = st.FineTunedModel
		t.job.FinishedAt = now
	case models.JobFailed:
		t.job.FailureReason = st.ErrorMessage
		if t.job.FailureReason == "" {
			t.job.FailureReason = st.ErrorCode
		}
		t.job.FinishedAt = now
	case models.JobCancelled:
		t.job.FinishedAt = now
	}
	t.log.WithField("state", next).Info("Fine-tuning job state changed")
	return true, nil
}

// terminalError converts a finished job into the error its caller sees.
func terminalError(job *models.FineTuneJob, code string) error {
	switch job.State {
	case models.JobFailed:
		return &JobFailedError{JobID: job.JobID, Code: code, Message: job.FailureReason}
	case models.JobCancelled:
		return ErrJobCancelled
	}
	return nil
}
