// Package transcript reads the published caption track of a YouTube video.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/logging"
	"titleforge/shared/retry"

	"github.com/go-resty/resty/v2"
)

var (
	// ErrNoTranscript means the video has no usable caption track.
	ErrNoTranscript = errors.New("no transcript available")
	// ErrProxy means the configured proxy refused or could not be reached.
	ErrProxy = errors.New("proxy failure")
)

const (
	defaultBaseURL   = "https://www.youtube.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

type Options struct {
	Languages []string
	Timeout   time.Duration
	// ProxyURL includes credentials; empty disables the proxy.
	ProxyURL string
	Retry    retry.Config
	// BaseURL overrides https://www.youtube.com.
	BaseURL string
}

// OptionsFromConfig builds client options from the transcripts section.
func OptionsFromConfig(cfg config.TranscriptsConfig) (Options, error) {
	proxy, err := ProxyURL(cfg.Proxy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Languages: cfg.Languages,
		Timeout:   cfg.Timeout,
		ProxyURL:  proxy,
		Retry:     retry.DefaultConfig,
	}, nil
}

// ProxyURL returns the proxy URL with credentials, or "" when no proxy
// username is configured.
func ProxyURL(p config.ProxyConfig) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid proxy url %q", p.URL)
	}
	u.User = url.UserPassword(p.Username, p.Password)
	return u.String(), nil
}

// Client fetches transcripts over HTTP. It is safe for concurrent use.
type Client struct {
	http    *resty.Client
	opts    Options
	proxied bool
	log     *logging.Logger
}

func NewClient(opts Options, log *logging.Logger) *Client {
	if len(opts.Languages) == 0 {
		opts.Languages = []string{"en"}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", defaultUserAgent).
		SetHeader("Accept-Language", "en-US,en;q=0.9").
		SetCookie(&http.Cookie{Name: "CONSENT", Value: "YES+cb"})
	if opts.ProxyURL != "" {
		httpClient.SetProxy(opts.ProxyURL)
	}

	return &Client{
		http:    httpClient,
		opts:    opts,
		proxied: opts.ProxyURL != "",
		log:     logging.OrDefault(log).WithField("component", "transcript"),
	}
}

// Fetch returns the title and full transcript text of videoID.
func (c *Client) Fetch(ctx context.Context, videoID string) (models.Transcript, error) {
	page, err := c.get(ctx, c.opts.BaseURL+"/watch", map[string]string{"v": videoID})
	if err != nil {
		return models.Transcript{}, fmt.Errorf("failed to fetch watch page: %w", err)
	}

	player, err := parsePlayerResponse(page)
	if err != nil {
		return models.Transcript{}, err
	}

	tracks := player.Captions.Renderer.CaptionTracks
	if len(tracks) == 0 {
		status := player.PlayabilityStatus
		if status.Status != "" && status.Status != "OK" {
			return models.Transcript{}, fmt.Errorf("%w: video is %s: %s", ErrNoTranscript, strings.ToLower(status.Status), status.Reason)
		}
		return models.Transcript{}, fmt.Errorf("%w: captions are disabled", ErrNoTranscript)
	}

	track, ok := pickTrack(tracks, c.opts.Languages)
	if !ok {
		return models.Transcript{}, fmt.Errorf("%w: no track in %s", ErrNoTranscript, strings.Join(c.opts.Languages, ", "))
	}

	body, err := c.get(ctx, strings.Replace(track.BaseURL, "&fmt=srv3", "", 1), nil)
	if err != nil {
		return models.Transcript{}, fmt.Errorf("failed to fetch caption track: %w", err)
	}
	text, err := parseTimedText(bytes.NewReader(body))
	if err != nil {
		return models.Transcript{}, err
	}
	if text == "" {
		return models.Transcript{}, fmt.Errorf("%w: caption track is empty", ErrNoTranscript)
	}

	return models.Transcript{
		VideoID:  videoID,
		Title:    player.VideoDetails.Title,
		Language: track.LanguageCode,
		Text:     text,
	}, nil
}

func (c *Client) get(ctx context.Context, rawURL string, query map[string]string) ([]byte, error) {
	return retry.Do(ctx, c.opts.Retry, retry.IsTransient, func(attempt int, wait time.Duration, err error) {
		c.log.WithFields(logging.Fields{
			"url":     rawURL,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Debug("Retrying request")
	}, func() ([]byte, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			Get(rawURL)
		if err != nil {
			if c.proxied && isProxyError(err) {
				return nil, fmt.Errorf("%w: %v", ErrProxy, err)
			}
			return nil, err
		}
		switch code := resp.StatusCode(); {
		case code == http.StatusProxyAuthRequired:
			return nil, fmt.Errorf("%w: %s", ErrProxy, resp.Status())
		case code >= 400:
			return nil, &retry.StatusError{StatusCode: code}
		}
		return resp.Body(), nil
	})
}

func isProxyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "proxyconnect") || strings.Contains(msg, "Proxy Authentication Required")
}

// FailureKind maps a Fetch error to the recorded failure kind.
func FailureKind(err error) models.FailureKind {
	switch {
	case errors.Is(err, ErrInvalidVideoRef):
		return models.FailureInvalidInput
	case errors.Is(err, ErrNoTranscript):
		return models.FailureNoTranscript
	case errors.Is(err, ErrProxy):
		return models.FailureProxy
	case errors.Is(err, context.Canceled):
		return models.FailureCanceled
	}
	return models.FailureNetwork
}
