package qualityfilter

import (
	"fmt"
	"regexp"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
)

type rule struct {
	re    *regexp.Regexp
	class models.TitleClass
}

// Prescreener rejects titles that match a contamination pattern outright,
// before any model call.
type Prescreener struct {
	rules []rule
}

func NewPrescreener(rules []config.ContaminationRule) (*Prescreener, error) {
	p := &Prescreener{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid contamination pattern %q: %w", r.Pattern, err)
		}
		class := models.TitleClass(r.Class)
		if class == "" {
			class = models.ClassUnknown
		}
		p.rules = append(p.rules, rule{re: re, class: class})
	}
	return p, nil
}

// Check returns a rejection when rec's title matches a rule.
func (p *Prescreener) Check(rec models.VideoRecord) (models.QualityDecision, bool) {
	if p == nil {
		return models.QualityDecision{}, false
	}
	for _, r := range p.rules {
		if r.re.MatchString(rec.Title) {
			return models.QualityDecision{
				VideoID:   rec.VideoID,
				Accept:    false,
				Class:     r.class,
				Reason:    "title matches contamination pattern " + r.re.String(),
				Source:    models.SourcePrescreen,
				DecidedAt: time.Now(),
			}, true
		}
	}
	return models.QualityDecision{}, false
}
