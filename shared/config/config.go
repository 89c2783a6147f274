package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.yaml"

type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Dataset        DatasetConfig        `yaml:"dataset"`
	CategoryFilter CategoryFilterConfig `yaml:"category_filter"`
	QualityFilter  QualityFilterConfig  `yaml:"quality_filter"`
	AI             AIConfig             `yaml:"ai"`
	Transcripts    TranscriptsConfig    `yaml:"transcripts"`
	OpenAI         OpenAIConfig         `yaml:"openai"`
	Training       TrainingConfig       `yaml:"training"`
	Generation     GenerationConfig     `yaml:"generation"`
	Channel        ChannelConfig        `yaml:"channel"`
	YouTube        YouTubeConfig        `yaml:"youtube"`
	Email          EmailConfig          `yaml:"email"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Schedule       string               `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// DatasetConfig holds the artifact paths passed between stages.
type DatasetConfig struct {
	TrendingCSV            string `yaml:"trending_csv"`
	CategoryIDsJSON        string `yaml:"category_ids_json"`
	CategoryFilteredCSV    string `yaml:"category_filtered_csv"`
	QualityFilteredCSV     string `yaml:"quality_filtered_csv"`
	QualityRemovedCSV      string `yaml:"quality_removed_csv"`
	URLsFile               string `yaml:"urls_file"`
	TrainingDataJSON       string `yaml:"training_data_json"`
	TranscriptFailuresJSON string `yaml:"transcript_failures_json"`
	FineTuneJobJSON        string `yaml:"fine_tune_job_json"`
	CacheDir               string `yaml:"cache_dir"`
}

type CategoryFilterConfig struct {
	TargetCategoryID int    `yaml:"target_category_id"`
	DedupPolicy      string `yaml:"dedup_policy"` // first | drop_all
}

type QualityFilterConfig struct {
	Model                 string              `yaml:"model"`
	MaxRetries            int                 `yaml:"max_retries"`
	InitialBackoff        time.Duration       `yaml:"initial_backoff"`
	MaxBackoff            time.Duration       `yaml:"max_backoff"`
	RequestsPerSecond     float64             `yaml:"requests_per_second"`
	CacheMaxAge           time.Duration       `yaml:"cache_max_age"`
	DisableCache          bool                `yaml:"disable_cache"`
	ContaminationPatterns []ContaminationRule `yaml:"contamination_patterns"`
}

// ContaminationRule rejects a title matching Pattern without asking the model.
type ContaminationRule struct {
	Pattern string `yaml:"pattern"`
	Class   string `yaml:"class"`
}

type AIConfig struct {
	GeminiAPIKey string `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
}

type TranscriptsConfig struct {
	Workers   int           `yaml:"workers"`
	Languages []string      `yaml:"languages"`
	Timeout   time.Duration `yaml:"timeout"`
	Proxy     ProxyConfig   `yaml:"proxy"`
}

type ProxyConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username" env:"PROXY_USERNAME"`
	Password string `yaml:"password" env:"PROXY_PASSWORD"`
}

// Enabled reports whether transcript traffic should be tunneled.
func (p ProxyConfig) Enabled() bool {
	return p.Username != ""
}

type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type TrainingConfig struct {
	BaseModel          string           `yaml:"base_model"`
	Suffix             string           `yaml:"suffix"`
	SampleSize         int              `yaml:"sample_size"`
	SamplingPolicy     string           `yaml:"sampling_policy"` // cap | strict
	Seed               uint64           `yaml:"seed"`
	MinExamples        int              `yaml:"min_examples"`
	MinTranscriptChars int              `yaml:"min_transcript_chars"`
	MaxTranscriptChars int              `yaml:"max_transcript_chars"`
	MinTitleChars      int              `yaml:"min_title_chars"`
	MaxTitleChars      int              `yaml:"max_title_chars"`
	PollInterval       time.Duration    `yaml:"poll_interval"`
	MaxPollErrors      int              `yaml:"max_poll_errors"`
	JSONLPath          string           `yaml:"jsonl_path"`
	KeepLocalFile      bool             `yaml:"keep_local_file"`
	Moderation         ModerationConfig `yaml:"moderation"`
}

type ModerationConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Model     string  `yaml:"model"`
	Threshold float64 `yaml:"threshold"`
}

type GenerationConfig struct {
	Model       string  `yaml:"model" env:"FINE_TUNED_MODEL"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Variations  int     `yaml:"variations"`
}

type ChannelConfig struct {
	Channel            string  `yaml:"channel"` // @handle, channel id, or "mine"
	Workers            int     `yaml:"workers"`
	Temperature        float64 `yaml:"temperature"`
	MinTranscriptChars int     `yaml:"min_transcript_chars"`
	MaxVideos          int     `yaml:"max_videos"`
	OutputJSON         string  `yaml:"output_json"`
	EmailReport        bool    `yaml:"email_report"`
}

type YouTubeConfig struct {
	APIKey       string `yaml:"api_key" env:"YOUTUBE_API_KEY"`
	ClientID     string `yaml:"client_id" env:"GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GOOGLE_CLIENT_SECRET"`
	TokenFile    string `yaml:"token_file"`
}

type EmailConfig struct {
	SMTPServer string `yaml:"smtp_server"`
	SMTPPort   int    `yaml:"smtp_port"`
	Username   string `yaml:"username" env:"EMAIL_USERNAME"`
	Password   string `yaml:"password" env:"EMAIL_PASSWORD"`
	FromEmail  string `yaml:"from_email"`
	ToEmail    string `yaml:"to_email"`
}

type MonitoringConfig struct {
	HealthPort int `yaml:"health_port"`
}

// Load reads configuration from path, CONFIG_FILE or config.yaml, then applies
// environment fallbacks and defaults. Only the default file may be absent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	explicit := true
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = defaultConfigFile
		explicit = false
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no file or
// environment input.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnv() {
	envFallback(&c.Logging.Level, "LOG_LEVEL")
	envFallback(&c.Logging.Format, "LOG_FORMAT")
	envFallback(&c.AI.GeminiAPIKey, "GEMINI_API_KEY")
	envFallback(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	envFallback(&c.Transcripts.Proxy.Username, "PROXY_USERNAME")
	envFallback(&c.Transcripts.Proxy.Password, "PROXY_PASSWORD")
	envFallback(&c.YouTube.APIKey, "YOUTUBE_API_KEY")
	envFallback(&c.YouTube.ClientID, "GOOGLE_CLIENT_ID")
	envFallback(&c.YouTube.ClientSecret, "GOOGLE_CLIENT_SECRET")
	envFallback(&c.Email.Username, "EMAIL_USERNAME")
	envFallback(&c.Email.Password, "EMAIL_PASSWORD")
	envFallback(&c.Generation.Model, "FINE_TUNED_MODEL")
}

func envFallback(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")

	d := &c.Dataset
	setDefault(&d.TrendingCSV, "data/kaggle/US_youtube_trending_data.csv")
	setDefault(&d.CategoryIDsJSON, "data/kaggle/US_category_id.json")
	setDefault(&d.CategoryFilteredCSV, "data/category_28_videos.csv")
	setDefault(&d.QualityFilteredCSV, "data/category_28_videos_filtered.csv")
	setDefault(&d.QualityRemovedCSV, "data/category_28_videos_removed.csv")
	setDefault(&d.URLsFile, "data/urls.txt")
	setDefault(&d.TrainingDataJSON, "data/training_data.json")
	setDefault(&d.TranscriptFailuresJSON, "data/transcript_failures.json")
	setDefault(&d.FineTuneJobJSON, "data/fine_tune_job.json")
	setDefault(&d.CacheDir, "data")

	if c.CategoryFilter.TargetCategoryID == 0 {
		c.CategoryFilter.TargetCategoryID = 28 // Science & Technology
	}
	setDefault(&c.CategoryFilter.DedupPolicy, "first")

	q := &c.QualityFilter
	setDefault(&q.Model, "gemini-2.5-flash-lite")
	if q.MaxRetries == 0 {
		q.MaxRetries = 3
	}
	if q.InitialBackoff == 0 {
		q.InitialBackoff = time.Second
	}
	if q.MaxBackoff == 0 {
		q.MaxBackoff = 20 * time.Second
	}
	if q.RequestsPerSecond == 0 {
		q.RequestsPerSecond = 10
	}
	if q.CacheMaxAge == 0 {
		q.CacheMaxAge = 30 * 24 * time.Hour
	}
	if len(q.ContaminationPatterns) == 0 {
		q.ContaminationPatterns = DefaultContaminationRules()
	}

	tr := &c.Transcripts
	if tr.Workers == 0 {
		tr.Workers = 10
	}
	if len(tr.Languages) == 0 {
		tr.Languages = []string{"en"}
	}
	if tr.Timeout == 0 {
		tr.Timeout = 30 * time.Second
	}
	setDefault(&tr.Proxy.URL, "http://p.webshare.io:80")

	setDefault(&c.OpenAI.BaseURL, "https://api.openai.com/v1")
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 2 * time.Minute
	}

	t := &c.Training
	setDefault(&t.BaseModel, "gpt-4.1-mini-2025-04-14")
	setDefault(&t.Suffix, "title-gen")
	if t.SampleSize == 0 {
		t.SampleSize = 800
	}
	setDefault(&t.SamplingPolicy, "cap")
	if t.MinExamples == 0 {
		t.MinExamples = 10
	}
	if t.MinTranscriptChars == 0 {
		t.MinTranscriptChars = 200
	}
	if t.MaxTranscriptChars == 0 {
		t.MaxTranscriptChars = 50000
	}
	if t.MinTitleChars == 0 {
		t.MinTitleChars = 10
	}
	if t.MaxTitleChars == 0 {
		t.MaxTitleChars = 100
	}
	if t.PollInterval == 0 {
		t.PollInterval = 30 * time.Second
	}
	if t.MaxPollErrors == 0 {
		t.MaxPollErrors = 5
	}
	setDefault(&t.JSONLPath, "openai_title_training_data.jsonl")
	setDefault(&t.Moderation.Model, "omni-moderation-latest")
	if t.Moderation.Threshold == 0 {
		t.Moderation.Threshold = 0.1
	}

	g := &c.Generation
	if g.Temperature == 0 {
		g.Temperature = 0.7
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 100
	}
	if g.Variations == 0 {
		g.Variations = 5
	}

	ch := &c.Channel
	if ch.Workers == 0 {
		ch.Workers = 5
	}
	if ch.Temperature == 0 {
		ch.Temperature = 0.3
	}
	if ch.MinTranscriptChars == 0 {
		ch.MinTranscriptChars = 200
	}
	setDefault(&ch.OutputJSON, "data/channel_titles.json")

	setDefault(&c.YouTube.TokenFile, "youtube_token.json")

	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Monitoring.HealthPort == 0 {
		c.Monitoring.HealthPort = 8080
	}
	setDefault(&c.Schedule, "0 0 6 * * *") // daily at 06:00, seconds field first
}

func setDefault(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// DefaultContaminationRules reject titles that are contamination on their face.
func DefaultContaminationRules() []ContaminationRule {
	return []ContaminationRule{
		{Pattern: `(?i)\b(apple|samsung|galaxy|google|microsoft|surface)\b.*\b(event|unpacked|keynote|launch event)\b`, Class: "corporate_event"},
		{Pattern: `(?i)^(apple event|introducing)\b`, Class: "official_announcement"},
		{Pattern: `(?i)\b(live ?stream|webcast|mission replay|launch broadcast|starlink mission)\b`, Class: "livestream"},
		{Pattern: `(?i)\b(prime day|black friday|cyber monday)\b.*\bdeals?\b`, Class: "deal_content"},
		{Pattern: `(?i)\btop \d+\b.*\bdeals\b`, Class: "deal_content"},
	}
}

func (c *Config) validate() error {
	switch c.CategoryFilter.DedupPolicy {
	case "first", "drop_all":
	default:
		return fmt.Errorf("category_filter.dedup_policy must be first or drop_all, got %q", c.CategoryFilter.DedupPolicy)
	}
	switch c.Training.SamplingPolicy {
	case "cap", "strict":
	default:
		return fmt.Errorf("training.sampling_policy must be cap or strict, got %q", c.Training.SamplingPolicy)
	}
	if c.Transcripts.Workers < 1 {
		return fmt.Errorf("transcripts.workers must be at least 1")
	}
	if c.Channel.Workers < 1 {
		return fmt.Errorf("channel.workers must be at least 1")
	}
	if c.Training.SampleSize < 1 {
		return fmt.Errorf("training.sample_size must be at least 1")
	}
	if c.Training.MinTranscriptChars > c.Training.MaxTranscriptChars {
		return fmt.Errorf("training.min_transcript_chars exceeds training.max_transcript_chars")
	}
	if c.Training.MinTitleChars > c.Training.MaxTitleChars {
		return fmt.Errorf("training.min_title_chars exceeds training.max_title_chars")
	}
	if c.Training.PollInterval < time.Second {
		return fmt.Errorf("training.poll_interval must be at least 1s")
	}
	if c.QualityFilter.RequestsPerSecond < 0 {
		return fmt.Errorf("quality_filter.requests_per_second must not be negative")
	}
	return nil
}

// ValidateQualityFilter checks what the Gemini classifier needs.
func (c *Config) ValidateQualityFilter() error {
	if c.AI.GeminiAPIKey == "" {
		return fmt.Errorf("Gemini API key is required (set GEMINI_API_KEY or ai.gemini_api_key)")
	}
	return nil
}

func (c *Config) ValidateTranscripts() error {
	p := c.Transcripts.Proxy
	if p.Username != "" && p.Password == "" {
		return fmt.Errorf("proxy password is required when a proxy username is set (set PROXY_PASSWORD or transcripts.proxy.password)")
	}
	if p.Enabled() && !strings.Contains(p.URL, "://") {
		return fmt.Errorf("transcripts.proxy.url must include a scheme, got %q", p.URL)
	}
	return nil
}

func (c *Config) ValidateTraining() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or openai.api_key)")
	}
	if c.Training.BaseModel == "" {
		return fmt.Errorf("training.base_model is required")
	}
	return nil
}

func (c *Config) ValidateGeneration() error {
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or openai.api_key)")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("fine-tuned model is required (set FINE_TUNED_MODEL or generation.model)")
	}
	return nil
}

func (c *Config) ValidateChannel() error {
	if err := c.ValidateGeneration(); err != nil {
		return err
	}
	if c.Channel.Channel == "" {
		return fmt.Errorf("channel.channel is required (a @handle, channel id, or mine)")
	}
	if c.Channel.Channel == "mine" {
		if c.YouTube.ClientID == "" || c.YouTube.ClientSecret == "" {
			return fmt.Errorf("YouTube OAuth client is required for channel mine (set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET)")
		}
		return nil
	}
	if c.YouTube.APIKey == "" && (c.YouTube.ClientID == "" || c.YouTube.ClientSecret == "") {
		return fmt.Errorf("YouTube API key is required (set YOUTUBE_API_KEY or youtube.api_key)")
	}
	return c.ValidateTranscripts()
}

func (c *Config) ValidateEmail() error {
	if c.Email.SMTPServer == "" {
		return fmt.Errorf("email.smtp_server is required")
	}
	if c.Email.Username == "" {
		return fmt.Errorf("Email username is required (set EMAIL_USERNAME or email.username)")
	}
	if c.Email.Password == "" {
		return fmt.Errorf("Email password is required (set EMAIL_PASSWORD or email.password)")
	}
	if c.Email.ToEmail == "" || c.Email.FromEmail == "" {
		return fmt.Errorf("email.from_email and email.to_email are required")
	}
	return nil
}
