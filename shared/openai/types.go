package openai

import "titleforge/internal/models"

type File struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type FineTuningJobRequest struct {
	TrainingFile string `json:"training_file"`
	Model        string `json:"model"`
	Suffix       string `json:"suffix,omitempty"`
}

// Fine-tuning job statuses reported by the API.
const (
	StatusValidatingFiles = "validating_files"
	StatusQueued          = "queued"
	StatusRunning         = "running"
	StatusSucceeded       = "succeeded"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

type FineTuningJob struct {
	ID             string    `json:"id"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	FineTunedModel string    `json:"fine_tuned_model"`
	TrainingFile   string    `json:"training_file"`
	TrainedTokens  int64     `json:"trained_tokens"`
	CreatedAt      int64     `json:"created_at"`
	FinishedAt     int64     `json:"finished_at"`
	Error          *JobError `json:"error"`
}

type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

type ChatCompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	N           int                  `json:"n,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type moderationRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ModerationResult struct {
	Flagged        bool               `json:"flagged"`
	CategoryScores map[string]float64 `json:"category_scores"`
}

// MaxScore returns the highest category score and its category.
func (r ModerationResult) MaxScore() (string, float64) {
	var category string
	var top float64
	for c, s := range r.CategoryScores {
		if s > top || (s == top && c < category) {
			category, top = c, s
		}
	}
	return category, top
}

type moderationResponse struct {
	Results []ModerationResult `json:"results"`
}
