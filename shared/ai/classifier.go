package ai

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/retry"

	"golang.org/x/time/rate"
)

// TextModel answers a text prompt with text.
type TextModel interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

const filteringCriteria = `You are helping filter a YouTube dataset for training a high-CTR title generation model.
Your task is to determine if a video should be KEPT or REMOVED based on the following criteria:

REMOVE these types of videos (contamination):
1. **Corporate Event/Ads** (label: corporate_event): Apple Events, Samsung Galaxy Unpacked, Microsoft Surface launches, etc.
   - These got high views because of Brand Power/News, not pure title skill
   - Examples: "Apple Event - October 13, Introducing iPad Air", "Galaxy Unpacked", "Introducing Windows 11"

2. **Pure Livestreams/Broadcasts** (label: livestream): SpaceX Starlink missions, NASA broadcasts, mission replays
   - These are highly searchable news bulletins that teach generic functional titles
   - Examples: "Starlink Mission", "DART Impact", "Replay - New Shepard Mission NS-13 Webcast"

3. **"Deal Guy" Content** (label: deal_content): Amazon Prime Day deals, Black Friday deals, top X deals lists
   - This is pure listicle commerce, not educational content
   - Examples: "Top 50 Amazon Prime Day Deals 2020", "Top 10 Target Black Friday Deals 2021"

4. **Simple "Official" Videos** (label: official_announcement): Basic product announcements without curiosity/conflict
   - Examples: "The new MacBook Pro", "Introducing Apple Vision Pro"

KEEP these types of videos (label: curiosity):
1. **Conflict/Controversy**: Titles that generate curiosity through debate or controversy
   - Examples: "NVIDIA just made EVERYTHING ELSE obsolete", "iPhone vs Android - Which can survive a CAR?"

2. **Absurdity/Engineering Feat**: Titles that highlight unusual or impressive engineering
   - Examples: "I Invented Three New Incredible Ways to Die", "4000° PLASMA LIGHTSABER BUILD"

3. **The Big Question/Hidden Truth**: Titles that pose interesting questions or reveal hidden insights
   - Examples: "Is The Metric System Actually Better?", "How Humans Lost Their Fur"

Respond with ONLY one line in the form:
KEEP <label>: <one sentence reason>
or
REMOVE <label>: <one sentence reason>`

// BuildPrompt renders the classification request for one video.
func BuildPrompt(rec models.VideoRecord) string {
	return fmt.Sprintf(`%s

Video Title: "%s"
Channel: %s
Tags: %s

Should this video be KEPT or REMOVED?`,
		filteringCriteria,
		rec.Title,
		rec.ChannelTitle,
		truncateString(dataset.FormatTags(rec.Tags), 500),
	)
}

var (
	leadingVerdict = regexp.MustCompile(`^[\s"'*#>_\-]*(KEEP|REMOVE)\b`)
	removeWord     = regexp.MustCompile(`\bREMOVE\b`)
	keepWord       = regexp.MustCompile(`\bKEEP\b`)
)

// ParseDecision interprets a model response. ok is false when the response
// carries no verdict. REMOVE anywhere rejects the row, even after a KEEP.
func ParseDecision(response string) (accept bool, class models.TitleClass, reason string, ok bool) {
	text := strings.TrimSpace(response)
	upper := strings.ToUpper(text)

	verdict := ""
	rest := text
	if loc := removeWord.FindStringIndex(upper); loc != nil {
		verdict = "REMOVE"
		rest = tail(text, upper, loc[1])
	} else if keepWord.MatchString(upper) {
		verdict = "KEEP"
		if m := leadingVerdict.FindStringSubmatchIndex(upper); m != nil {
			rest = tail(text, upper, m[1])
		}
	}
	if verdict == "" {
		return false, models.ClassUnparseable, text, false
	}

	accept = verdict == "KEEP"
	class = classify(strings.ToLower(rest))
	if class == models.ClassUnknown && accept {
		class = models.ClassCuriosity
	}
	reason = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(rest), ":-*"))
	if reason == "" {
		reason = text
	}
	return accept, class, reason, true
}

// tail returns text after the byte offset found in its upper-cased form.
func tail(text, upper string, end int) string {
	if len(text) == len(upper) {
		return text[end:]
	}
	return upper[end:]
}

func classify(lower string) models.TitleClass {
	switch {
	case strings.Contains(lower, "corporate"):
		return models.ClassCorporateEvent
	case strings.Contains(lower, "livestream"), strings.Contains(lower, "broadcast"):
		return models.ClassLivestream
	case strings.Contains(lower, "deal"):
		return models.ClassDealContent
	case strings.Contains(lower, "official"):
		return models.ClassOfficialAnnouncement
	case strings.Contains(lower, "curiosity"), strings.Contains(lower, "conflict"),
		strings.Contains(lower, "absurd"), strings.Contains(lower, "big question"),
		strings.Contains(lower, "hidden truth"):
		return models.ClassCuriosity
	}
	return models.ClassUnknown
}

type ClassifierOptions struct {
	Retry retry.Config
	// RequestsPerSecond paces model calls; zero disables pacing.
	RequestsPerSecond float64
}

// Classifier asks a TextModel for a KEEP/REMOVE verdict per video.
type Classifier struct {
	model   TextModel
	retry   retry.Config
	limiter *rate.Limiter
	log     *logging.Logger
}

func NewClassifier(model TextModel, opts ClassifierOptions, log *logging.Logger) *Classifier {
	c := &Classifier{
		model: model,
		retry: opts.Retry,
		log:   logging.OrDefault(log),
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return c
}

// Classify returns the model's decision for rec. An unparseable response is a
// rejection, not an error. An error is returned only when the call itself
// failed after all retries.
func (c *Classifier) Classify(ctx context.Context, rec models.VideoRecord) (models.QualityDecision, error) {
	prompt := BuildPrompt(rec)

	response, err := retry.Do(ctx, c.retry, IsTransientGemini, func(attempt int, wait time.Duration, err error) {
		c.log.WithFields(logging.Fields{
			"video_id": rec.VideoID,
			"attempt":  attempt,
			"wait":     wait.String(),
		}).WithError(err).Warn("Retrying classification")
	}, func() (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		return c.model.GenerateText(ctx, prompt)
	})
	if err != nil {
		return models.QualityDecision{}, fmt.Errorf("failed to classify video %s: %w", rec.VideoID, err)
	}

	decision := models.QualityDecision{
		VideoID:   rec.VideoID,
		Source:    models.SourceModel,
		DecidedAt: time.Now(),
	}
	accept, class, reason, ok := ParseDecision(response)
	decision.Accept = ok && accept
	decision.Class = class
	decision.Reason = truncateString(reason, 300)
	if !ok {
		decision.Reason = "UNPARSEABLE: " + truncateString(strings.TrimSpace(response), 300)
	}
	return decision, nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength] + "..."
}
