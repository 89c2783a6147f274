package models

// TrainingExample pairs a video's title with its transcript. The JSON keys
// match the training_data.json layout consumed by the trainer.
type TrainingExample struct {
	URL        string `json:"url"`
	VideoID    string `json:"video_id"`
	Title      string `json:"title"`
	Transcript string `json:"full_transcript"`
}

// Transcript is what a transcript source returns for one video.
type Transcript struct {
	VideoID  string
	Title    string
	Language string
	Text     string
}

// FailureKind classifies why an item produced no training example.
type FailureKind string

const (
	FailureInvalidInput FailureKind = "invalid_input"
	FailureNoTranscript FailureKind = "no_transcript"
	FailureNetwork      FailureKind = "network"
	FailureProxy        FailureKind = "proxy"
	FailureCanceled     FailureKind = "canceled"
)

type FetchFailure struct {
	Input   string      `json:"input"`
	VideoID string      `json:"video_id,omitempty"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// ChatMessage is a single role/content pair of a chat-format training record.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRecord is one line of the fine-tuning JSONL file.
type ChatRecord struct {
	Messages []ChatMessage `json:"messages"`
}
