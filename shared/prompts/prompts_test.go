package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainingRecordMatchesGenerationPrompt(t *testing.T) {
	rec := TrainingRecord("  so today we test the bridge  ", " Why Bridges Collapse ")
	require.Len(t, rec.Messages, 3)

	gen := TitleMessages("so today we test the bridge")
	assert.Equal(t, gen[0], rec.Messages[0])
	assert.Equal(t, gen[1], rec.Messages[1])
	assert.Equal(t, "assistant", rec.Messages[2].Role)
	assert.Equal(t, "Why Bridges Collapse", rec.Messages[2].Content)
}

func TestTitleUserPrompt(t *testing.T) {
	got := TitleUserPrompt("hello {transcript} world")
	assert.True(t, strings.HasPrefix(got, "Based on the following video transcript"))
	assert.Contains(t, got, "Transcript:\nhello {transcript} world\n\nGenerate the YouTube title:")
}
