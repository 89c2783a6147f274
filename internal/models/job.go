package models

import "time"

// JobState is the lifecycle state of a fine-tuning job.
type JobState string

const (
	JobUploading JobState = "uploading"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// rank orders states along the forward-only path. Terminal states share a rank.
func (s JobState) rank() int {
	switch s {
	case JobUploading:
		return 0
	case JobQueued:
		return 1
	case JobRunning:
		return 2
	case JobSucceeded, JobFailed, JobCancelled:
		return 3
	}
	return -1
}

func (s JobState) Valid() bool {
	return s.rank() >= 0
}

func (s JobState) Terminal() bool {
	return s.rank() == 3
}

// CanAdvanceTo reports whether next is a legal forward move from s.
// Staying in the same non-terminal state is allowed; leaving a terminal state is not.
func (s JobState) CanAdvanceTo(next JobState) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// FineTuneJob is the persisted record of a fine-tuning run.
type FineTuneJob struct {
	FileID         string    `json:"file_id"`
	JobID          string    `json:"job_id"`
	BaseModel      string    `json:"base_model"`
	Suffix         string    `json:"suffix"`
	State          JobState  `json:"state"`
	RemoteStatus   string    `json:"remote_status,omitempty"`
	FineTunedModel string    `json:"fine_tuned_model,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Examples       int       `json:"examples"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}
