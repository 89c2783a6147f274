package transcript

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidVideoRef marks an input that is neither a video id nor a
// recognizable YouTube URL.
var ErrInvalidVideoRef = errors.New("invalid video reference")

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseVideoID extracts the 11-character id from a bare id or a watch,
// youtu.be, shorts, embed or live URL.
func ParseVideoID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if videoIDPattern.MatchString(ref) {
		return ref, nil
	}

	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoRef, ref)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = firstSegment(u.Path)
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		if v := u.Query().Get("v"); v != "" {
			id = v
			break
		}
		for _, prefix := range []string{"/shorts/", "/embed/", "/live/", "/v/"} {
			if strings.HasPrefix(u.Path, prefix) {
				id = firstSegment(strings.TrimPrefix(u.Path, prefix))
				break
			}
		}
	}

	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoRef, ref)
	}
	return id, nil
}

func firstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	return p
}
