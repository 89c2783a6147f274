package models

import "time"

// VideoRecord is one row of the trending dataset. Values keeps the raw row
// aligned with the header it was read with so it can be written back unchanged.
type VideoRecord struct {
	VideoID      string   `json:"video_id"`
	Title        string   `json:"title"`
	CategoryID   int      `json:"category_id"`
	ChannelID    string   `json:"channel_id,omitempty"`
	ChannelTitle string   `json:"channel_title,omitempty"`
	Tags         string   `json:"tags,omitempty"`
	ViewCount    int64    `json:"view_count,omitempty"`
	Values       []string `json:"-"`
}

// TitleClass is the taxonomy label attached to a quality decision.
type TitleClass string

const (
	ClassCuriosity            TitleClass = "curiosity"
	ClassCorporateEvent       TitleClass = "corporate_event"
	ClassLivestream           TitleClass = "livestream"
	ClassDealContent          TitleClass = "deal_content"
	ClassOfficialAnnouncement TitleClass = "official_announcement"
	ClassUnparseable          TitleClass = "unparseable"
	ClassUnknown              TitleClass = "unknown"
)

// DecisionSource records what produced a quality decision.
type DecisionSource string

const (
	SourceModel     DecisionSource = "model"
	SourcePrescreen DecisionSource = "prescreen"
	SourceCache     DecisionSource = "cache"
	SourceError     DecisionSource = "error"
)

type QualityDecision struct {
	VideoID   string         `json:"video_id"`
	Accept    bool           `json:"accept"`
	Class     TitleClass     `json:"class"`
	Reason    string         `json:"reason"`
	Source    DecisionSource `json:"source"`
	DecidedAt time.Time      `json:"decided_at"`
}

// ChannelVideo is a video enumerated from a channel's uploads.
type ChannelVideo struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ChannelTitle    string    `json:"channel_title"`
	PublishedAt     time.Time `json:"published_at"`
	DurationSeconds int       `json:"duration_seconds"`
	URL             string    `json:"url"`
}

// ChannelTitle is one recommendation produced for a channel video.
type ChannelTitle struct {
	URL               string `json:"url"`
	VideoID           string `json:"video_id"`
	OriginalTitle     string `json:"original_title"`
	RecommendedTitle  string `json:"recommended_title"`
	TranscriptLength  int    `json:"transcript_length"`
	TranscriptPreview string `json:"transcript_preview"`
}

type ChannelReport struct {
	Date    time.Time       `json:"date"`
	Channel string          `json:"channel"`
	Titles  []*ChannelTitle `json:"titles"`
	Total   int             `json:"total_videos"`
	Skipped int             `json:"skipped"`
	Failed  int             `json:"failed"`
}

// WatchURL returns the canonical watch page URL for a video id.
func WatchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}
