package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeModel) GenerateText(ctx context.Context, prompt string) (string, error) {
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

var fastRetry = retry.Config{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		accept    bool
		class     models.TitleClass
		parseable bool
	}{
		{"keep with label", "KEEP curiosity: asks a big question", true, models.ClassCuriosity, true},
		{"remove corporate", "REMOVE corporate_event: product launch", false, models.ClassCorporateEvent, true},
		{"markdown wrapped", "**REMOVE** livestream: mission webcast", false, models.ClassLivestream, true},
		{"lowercase", "remove deal_content: prime day list", false, models.ClassDealContent, true},
		{"keep without label", "KEEP - engineering feat", true, models.ClassCuriosity, true},
		{"remove after keep rejects", "KEEP? No. REMOVE corporate_event: Apple keynote", false, models.ClassCorporateEvent, true},
		{"remove after question rejects", "KEEP or REMOVE? REMOVE livestream: mission replay", false, models.ClassLivestream, true},
		{"remove anywhere wins", "I would say REMOVE, though some might KEEP it", false, models.ClassUnknown, true},
		{"no verdict", "This title is interesting.", false, models.ClassUnparseable, false},
		{"empty", "", false, models.ClassUnparseable, false},
		{"keeper is not keep", "Keeper of the flame", false, models.ClassUnparseable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accept, class, _, ok := ParseDecision(tt.response)
			assert.Equal(t, tt.parseable, ok)
			assert.Equal(t, tt.accept, accept)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestBuildPromptIncludesVideo(t *testing.T) {
	prompt := BuildPrompt(models.VideoRecord{
		VideoID:      "abc",
		Title:        "Why does this bridge keep collapsing?",
		ChannelTitle: "Practical Engineering",
		Tags:         `bridges|"engineering"`,
	})
	assert.Contains(t, prompt, `Video Title: "Why does this bridge keep collapsing?"`)
	assert.Contains(t, prompt, "Channel: Practical Engineering")
	assert.Contains(t, prompt, "Tags: bridges, engineering")
	assert.Contains(t, prompt, "REMOVE <label>")
}

func TestClassifyAcceptsCuriosityTitle(t *testing.T) {
	model := &fakeModel{responses: []string{"KEEP curiosity: poses a big question about engineering"}}
	c := NewClassifier(model, ClassifierOptions{Retry: fastRetry}, logging.Discard())

	d, err := c.Classify(context.Background(), models.VideoRecord{VideoID: "v1", Title: "Why does this bridge keep collapsing?"})
	require.NoError(t, err)
	assert.True(t, d.Accept)
	assert.Equal(t, models.ClassCuriosity, d.Class)
	assert.Equal(t, models.SourceModel, d.Source)
	assert.Equal(t, "v1", d.VideoID)
}

func TestClassifyRejectsUnparseableResponse(t *testing.T) {
	model := &fakeModel{responses: []string{"I cannot decide."}}
	c := NewClassifier(model, ClassifierOptions{Retry: fastRetry}, logging.Discard())

	d, err := c.Classify(context.Background(), models.VideoRecord{VideoID: "v2", Title: "Something"})
	require.NoError(t, err)
	assert.False(t, d.Accept)
	assert.Equal(t, models.ClassUnparseable, d.Class)
	assert.Contains(t, d.Reason, "UNPARSEABLE")
}

func TestClassifyRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{
		errs:      []error{&retry.StatusError{StatusCode: 429}, &retry.StatusError{StatusCode: 503}},
		responses: []string{"", "", "REMOVE deal_content: deal list"},
	}
	c := NewClassifier(model, ClassifierOptions{Retry: fastRetry}, logging.Discard())

	d, err := c.Classify(context.Background(), models.VideoRecord{VideoID: "v3", Title: "Top 10 Deals"})
	require.NoError(t, err)
	assert.Len(t, model.prompts, 3)
	assert.False(t, d.Accept)
	assert.Equal(t, models.ClassDealContent, d.Class)
}

func TestClassifyGivesUpOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid api key")
	model := &fakeModel{errs: []error{permanent}, responses: []string{""}}
	c := NewClassifier(model, ClassifierOptions{Retry: fastRetry}, logging.Discard())

	_, err := c.Classify(context.Background(), models.VideoRecord{VideoID: "v4", Title: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Len(t, model.prompts, 1)
}
