// Package youtube enumerates a channel's uploads through the YouTube Data API.
package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/logging"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// ErrChannelNotFound is returned when a channel reference matches nothing.
var ErrChannelNotFound = errors.New("channel not found")

// MineChannel selects the authenticated user's own channel.
const MineChannel = "mine"

const batchSize = 50

type Client struct {
	service     *youtube.Service
	log         *logging.Logger
	oauthConfig *oauth2.Config
	token       *oauth2.Token
	tokenFile   string
}

// NewClient authenticates with OAuth when useOAuth is set or no API key is
// configured, and with the API key otherwise. The OAuth token is loaded from
// cfg.TokenFile, or obtained through the device flow on first use.
func NewClient(ctx context.Context, cfg config.YouTubeConfig, useOAuth bool, log *logging.Logger) (*Client, error) {
	log = logging.OrDefault(log).WithField("component", "youtube")

	if !useOAuth && cfg.APIKey != "" {
		service, err := youtube.NewService(ctx, option.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create YouTube service: %w", err)
		}
		return &Client{service: service, log: log}, nil
	}

	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{youtube.YoutubeReadonlyScope},
		Endpoint:     google.Endpoint,
	}

	token, err := getToken(ctx, oauthConfig, cfg.TokenFile, log)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth token: %w", err)
	}

	tokenSource := &tokenSaver{
		config:    oauthConfig,
		token:     token,
		tokenFile: cfg.TokenFile,
		log:       log,
	}
	httpClient := oauth2.NewClient(ctx, tokenSource)

	service, err := youtube.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create YouTube service: %w", err)
	}

	return &Client{
		service:     service,
		log:         log,
		oauthConfig: oauthConfig,
		token:       token,
		tokenFile:   cfg.TokenFile,
	}, nil
}

// NewClientWithService wraps an existing service.
func NewClientWithService(service *youtube.Service, log *logging.Logger) *Client {
	return &Client{service: service, log: logging.OrDefault(log).WithField("component", "youtube")}
}

// tokenSaver persists tokens refreshed by the underlying source so they
// survive restarts.
type tokenSaver struct {
	config    *oauth2.Config
	token     *oauth2.Token
	tokenFile string
	log       *logging.Logger
	mu        sync.Mutex
}

func (ts *tokenSaver) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	newToken, err := ts.config.TokenSource(context.Background(), ts.token).Token()
	if err != nil {
		return nil, err
	}

	if newToken.AccessToken != ts.token.AccessToken {
		ts.log.Info("Token refreshed, saving to file")
		ts.token = newToken
		if err := saveToken(ts.tokenFile, newToken); err != nil {
			ts.log.WithError(err).Warn("Failed to save refreshed token")
		}
	}
	return newToken, nil
}

// getToken prefers a saved token with a refresh token, even an expired one,
// and only falls back to the device flow when none is usable.
func getToken(ctx context.Context, config *oauth2.Config, tokenFile string, log *logging.Logger) (*oauth2.Token, error) {
	tok, err := tokenFromFile(tokenFile)
	if err == nil {
		if tok.RefreshToken != "" {
			log.WithField("expires", tok.Expiry).Debug("Loaded token from file")
			return tok, nil
		}
		if tok.Valid() {
			return tok, nil
		}
	}

	log.Info("Getting new token through device authorization")
	tok, err = getTokenWithDeviceFlow(ctx, config)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			log.Errorf("Device authorization response failed (%s): %s", retrieveErr.Response.Status, strings.TrimSpace(string(retrieveErr.Body)))
		}
		return nil, fmt.Errorf("device authorization failed: %w. Ensure your OAuth client is created as 'TVs and Limited Input devices' and that the YouTube Data API v3 is enabled", err)
	}

	if err := saveToken(tokenFile, tok); err != nil {
		log.WithError(err).Warn("Failed to save token")
	}
	return tok, nil
}

func getTokenWithDeviceFlow(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	resp, err := config.DeviceAuth(ctx, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("unable to start device authorization: %w", err)
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 80))
	fmt.Printf("YOUTUBE DEVICE AUTHORIZATION REQUIRED\n")
	fmt.Printf("%s\n", strings.Repeat("=", 80))
	fmt.Printf("1. Visit %s in your browser (any device works).\n", resp.VerificationURI)
	fmt.Printf("2. Enter this code when prompted: %s\n\n", resp.UserCode)
	if completeURL := strings.TrimSpace(resp.VerificationURIComplete); completeURL != "" {
		fmt.Printf("   Or open directly: %s\n\n", completeURL)
	}
	fmt.Printf("Waiting for authorization to complete... (Ctrl+C to cancel)\n")
	fmt.Printf("%s\n", strings.Repeat("-", 80))

	tok, err := config.DeviceAccessToken(ctx, resp, oauth2.AccessTypeOffline)
	if err != nil {
		return nil, fmt.Errorf("device authorization did not complete: %w", err)
	}
	fmt.Printf("\nAuthorization successful.\n%s\n\n", strings.Repeat("=", 80))
	return tok, nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

func saveToken(path string, token *oauth2.Token) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("unable to create token directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode oauth token: %w", err)
	}
	return nil
}

// RefreshToken refreshes and saves the OAuth token if it has expired. It is
// a no-op for API key clients.
func (c *Client) RefreshToken(ctx context.Context) error {
	if c.oauthConfig == nil {
		return nil
	}
	newToken, err := c.oauthConfig.TokenSource(ctx, c.token).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	if newToken.AccessToken != c.token.AccessToken {
		c.log.Info("Token refreshed, saving to file")
		c.token = newToken
		if err := saveToken(c.tokenFile, newToken); err != nil {
			return fmt.Errorf("failed to save refreshed token: %w", err)
		}
	}
	return nil
}

var durationRe = regexp.MustCompile(`^P(?:(\d+)D)?T?(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseDurationSeconds converts an ISO 8601 duration such as PT1M30S.
func parseDurationSeconds(duration string) int {
	m := durationRe.FindStringSubmatch(duration)
	if m == nil {
		return 0
	}
	total := 0
	for i, unit := range []int{86400, 3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		if n, err := strconv.Atoi(m[i+1]); err == nil {
			total += n * unit
		}
	}
	return total
}

type channelInfo struct {
	id      string
	title   string
	uploads string
}

// resolveChannel accepts "mine", a channel id (UC...), or a handle with or
// without the leading @.
func (c *Client) resolveChannel(ctx context.Context, ref string) (*channelInfo, error) {
	call := c.service.Channels.List([]string{"snippet", "contentDetails"}).Context(ctx)
	switch {
	case ref == MineChannel:
		call = call.Mine(true)
	case strings.HasPrefix(ref, "UC") && len(ref) == 24:
		call = call.Id(ref)
	default:
		if !strings.HasPrefix(ref, "@") {
			ref = "@" + ref
		}
		call = call.ForHandle(ref)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to look up channel %s: %w", ref, err)
	}
	if len(resp.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, ref)
	}
	ch := resp.Items[0]
	info := &channelInfo{id: ch.Id}
	if ch.Snippet != nil {
		info.title = ch.Snippet.Title
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		info.uploads = ch.ContentDetails.RelatedPlaylists.Uploads
	}
	if info.uploads == "" {
		return nil, fmt.Errorf("channel %s has no uploads playlist", ref)
	}
	return info, nil
}

// ListChannelVideos returns up to limit of the channel's uploads, newest
// first as the uploads playlist orders them. limit <= 0 lists everything.
func (c *Client) ListChannelVideos(ctx context.Context, channel string, limit int) ([]models.ChannelVideo, error) {
	info, err := c.resolveChannel(ctx, channel)
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logging.Fields{
		"channel_id": info.id,
		"title":      info.title,
	}).Info("Resolved channel")

	var ids []string
	pageToken := ""
	for {
		call := c.service.PlaylistItems.List([]string{"snippet", "contentDetails"}).
			PlaylistId(info.uploads).
			MaxResults(batchSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list uploads: %w", err)
		}
		for _, item := range resp.Items {
			if id := playlistVideoID(item); id != "" {
				ids = append(ids, id)
			}
		}
		if limit > 0 && len(ids) >= limit {
			ids = ids[:limit]
			break
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	c.log.Infof("Found %d uploads for %s", len(ids), info.title)

	details := make(map[string]*youtube.Video, len(ids))
	for i := 0; i < len(ids); i += batchSize {
		end := min(i+batchSize, len(ids))
		resp, err := c.service.Videos.List([]string{"snippet", "contentDetails"}).
			Id(ids[i:end]...).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("failed to get video details: %w", err)
		}
		for _, v := range resp.Items {
			details[v.Id] = v
		}
	}

	videos := make([]models.ChannelVideo, 0, len(ids))
	for _, id := range ids {
		v, ok := details[id]
		if !ok {
			// private or deleted
			continue
		}
		video := models.ChannelVideo{
			ID:           id,
			ChannelTitle: info.title,
			URL:          models.WatchURL(id),
		}
		if v.Snippet != nil {
			video.Title = v.Snippet.Title
			if t, err := time.Parse(time.RFC3339, v.Snippet.PublishedAt); err == nil {
				video.PublishedAt = t
			}
		}
		if v.ContentDetails != nil {
			video.DurationSeconds = parseDurationSeconds(v.ContentDetails.Duration)
		}
		videos = append(videos, video)
	}
	return videos, nil
}

func playlistVideoID(item *youtube.PlaylistItem) string {
	if item.ContentDetails != nil && item.ContentDetails.VideoId != "" {
		return item.ContentDetails.VideoId
	}
	if item.Snippet != nil && item.Snippet.ResourceId != nil {
		return item.Snippet.ResourceId.VideoId
	}
	return ""
}
