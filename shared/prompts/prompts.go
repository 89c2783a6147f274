// Package prompts holds the fixed prompt texts shared by training and
// generation. The generator must send exactly what the model was trained on.
package prompts

import (
	"strings"

	"titleforge/internal/models"
)

const TitleSystemPrompt = `You are an expert YouTube title generator. Your task is to create compelling, accurate titles that capture the essence of video content based on transcripts.

Guidelines for generating YouTube titles:
1. Be accurate and truthful - the title must reflect the actual content of the video
2. Make it compelling and click-worthy while staying honest about the content
3. Keep titles concise (ideally 50-80 characters, max 100 characters)
4. Use natural language that viewers would search for
5. Highlight the most interesting or valuable aspect of the video
6. Capture curiosity gaps

Generate only the title itself, nothing else.`

const titleUserTemplate = `Based on the following video transcript, generate an accurate and compelling YouTube title that captures the essence of the content.

Transcript:
{transcript}

Generate the YouTube title:`

// TitleUserPrompt renders the user turn for a transcript.
func TitleUserPrompt(transcript string) string {
	return strings.Replace(titleUserTemplate, "{transcript}", strings.TrimSpace(transcript), 1)
}

// TitleMessages returns the system and user turns for a transcript.
func TitleMessages(transcript string) []models.ChatMessage {
	return []models.ChatMessage{
		{Role: "system", Content: TitleSystemPrompt},
		{Role: "user", Content: TitleUserPrompt(transcript)},
	}
}

// TrainingRecord builds one fine-tuning record with the title as the target.
func TrainingRecord(transcript, title string) models.ChatRecord {
	msgs := TitleMessages(transcript)
	msgs = append(msgs, models.ChatMessage{Role: "assistant", Content: strings.TrimSpace(title)})
	return models.ChatRecord{Messages: msgs}
}
