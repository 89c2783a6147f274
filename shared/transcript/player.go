package transcript

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const playerResponseMarker = "ytInitialPlayerResponse = "

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		VideoID string `json:"videoId"`
		Title   string `json:"title"`
	} `json:"videoDetails"`
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

func (t captionTrack) generated() bool { return t.Kind == "asr" }

// needsPoToken reports whether the track URL only works with a proof-of-origin
// token, which this client cannot produce.
func (t captionTrack) needsPoToken() bool { return strings.Contains(t.BaseURL, "&exp=xpe") }

func (t captionTrack) matches(lang string) bool {
	code := strings.ToLower(t.LanguageCode)
	lang = strings.ToLower(lang)
	return code == lang || strings.HasPrefix(code, lang+"-")
}

// parsePlayerResponse finds the inline player response on a watch page.
func parsePlayerResponse(page []byte) (*playerResponse, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse watch page: %w", err)
	}

	var raw string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		idx := strings.Index(text, playerResponseMarker)
		if idx < 0 {
			return true
		}
		raw = extractJSONObject(text[idx+len(playerResponseMarker):])
		return raw == ""
	})
	if raw == "" {
		return nil, errors.New("player response not found on watch page")
	}

	var pr playerResponse
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return nil, fmt.Errorf("failed to decode player response: %w", err)
	}
	return &pr, nil
}

// extractJSONObject returns the balanced {...} object at the start of s,
// skipping braces inside string literals.
func extractJSONObject(s string) string {
	s = strings.TrimLeft(s, " \t\r\n")
	if !strings.HasPrefix(s, "{") {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// pickTrack prefers a manual track in the first matching language, then a
// generated one, then any English track.
func pickTrack(tracks []captionTrack, languages []string) (captionTrack, bool) {
	var usable []captionTrack
	for _, t := range tracks {
		if t.BaseURL != "" && !t.needsPoToken() {
			usable = append(usable, t)
		}
	}

	for _, generated := range []bool{false, true} {
		for _, lang := range languages {
			for _, t := range usable {
				if t.generated() == generated && t.matches(lang) {
					return t, true
				}
			}
		}
	}
	for _, t := range usable {
		if t.matches("en") {
			return t, true
		}
	}
	return captionTrack{}, false
}

// parseTimedText joins the lines of a timedtext document. Both the classic
// <transcript><text> layout and the srv3 <timedtext><body><p> layout are read.
func parseTimedText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var lines []string
	var cur strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse timedtext: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" || t.Name.Local == "p" {
				if depth == 0 {
					cur.Reset()
				}
				depth++
			}
		case xml.CharData:
			if depth > 0 {
				cur.Write(t)
			}
		case xml.EndElement:
			if (t.Name.Local == "text" || t.Name.Local == "p") && depth > 0 {
				depth--
				if depth == 0 {
					if line := cleanLine(cur.String()); line != "" {
						lines = append(lines, line)
					}
				}
			}
		}
	}
	return strings.Join(lines, " "), nil
}

func cleanLine(s string) string {
	s = html.UnescapeString(s)
	return strings.Join(strings.Fields(s), " ")
}
