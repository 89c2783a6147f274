package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/openai"
	"titleforge/shared/prompts"
	"titleforge/shared/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeExamples(n int) []models.TrainingExample {
	out := make([]models.TrainingExample, n)
	for i := range out {
		id := fmt.Sprintf("vid%08d", i)
		out[i] = models.TrainingExample{
			URL:        models.WatchURL(id),
			VideoID:    id,
			Title:      fmt.Sprintf("Video title number %d", i),
			Transcript: strings.Repeat("word ", 50),
		}
	}
	return out
}

var testBounds = LengthBounds{MinTranscript: 200, MaxTranscript: 50000, MinTitle: 10, MaxTitle: 100}

func TestSampleCapReturnsWholePool(t *testing.T) {
	pool := makeExamples(500)
	got, err := Sample(pool, 800, SampleCap, 7)
	require.NoError(t, err)
	require.Len(t, got, 500)

	seen := make(map[string]bool)
	for _, ex := range got {
		assert.False(t, seen[ex.VideoID], "duplicate %s", ex.VideoID)
		seen[ex.VideoID] = true
	}
	assert.Equal(t, "vid00000000", pool[0].VideoID, "input must not be reordered")
}

func TestSampleStrictRejectsSmallPool(t *testing.T) {
	_, err := Sample(makeExamples(500), 800, SampleStrict, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestSampleSeedIsReproducible(t *testing.T) {
	pool := makeExamples(1000)
	a, err := Sample(pool, 800, SampleCap, 42)
	require.NoError(t, err)
	b, err := Sample(pool, 800, SampleCap, 42)
	require.NoError(t, err)
	require.Len(t, a, 800)
	assert.Equal(t, a, b)

	c, err := Sample(pool, 800, SampleCap, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFilterExamples(t *testing.T) {
	long := strings.Repeat("a", 300)
	examples := []models.TrainingExample{
		{VideoID: "ok", Title: "  A perfectly fine title  ", Transcript: long},
		{VideoID: "short-transcript", Title: "A perfectly fine title", Transcript: strings.Repeat("a", 199)},
		{VideoID: "short-title", Title: "Too short", Transcript: long},
		{VideoID: "long-title", Title: strings.Repeat("t", 101), Transcript: long},
		{VideoID: "empty-title", Title: "   ", Transcript: long},
		// 40 characters, 120 bytes
		{VideoID: "japanese", Title: strings.Repeat("日本語のタイトル", 5), Transcript: strings.Repeat("あ", 300)},
		// 4 characters, 12 bytes
		{VideoID: "short-japanese", Title: "短い題名", Transcript: long},
		// 150 characters, 450 bytes
		{VideoID: "short-kana-transcript", Title: "A perfectly fine title", Transcript: strings.Repeat("あ", 150)},
	}
	got := FilterExamples(examples, testBounds)
	require.Len(t, got, 2)
	assert.Equal(t, "ok", got[0].VideoID)
	assert.Equal(t, "A perfectly fine title", got[0].Title)
	assert.Equal(t, "japanese", got[1].VideoID)
}

func TestWriteJSONL(t *testing.T) {
	examples := makeExamples(3)
	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, examples))

	sc := bufio.NewScanner(&buf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		var rec models.ChatRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		require.Len(t, rec.Messages, 3)
		assert.Equal(t, "system", rec.Messages[0].Role)
		assert.Equal(t, prompts.TitleSystemPrompt, rec.Messages[0].Content)
		assert.Equal(t, "user", rec.Messages[1].Role)
		assert.Equal(t, "assistant", rec.Messages[2].Role)
		assert.Equal(t, examples[lines].Title, rec.Messages[2].Content)
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestJobTrackerMovesForwardOnly(t *testing.T) {
	job := &models.FineTuneJob{JobID: "ftjob-1"}
	tr := NewJobTracker(job, logging.Discard())
	assert.Equal(t, models.JobUploading, job.State)

	changed, err := tr.Update(JobStatus{Status: "validating_files"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.JobQueued, job.State)

	changed, _ = tr.Update(JobStatus{Status: "queued"})
	assert.False(t, changed)

	changed, _ = tr.Update(JobStatus{Status: "running"})
	assert.True(t, changed)

	changed, _ = tr.Update(JobStatus{Status: "queued"})
	assert.False(t, changed)
	assert.Equal(t, models.JobRunning, job.State)

	changed, _ = tr.Update(JobStatus{Status: "paused_for_reasons"})
	assert.False(t, changed)
	assert.Equal(t, models.JobRunning, job.State)
	assert.Equal(t, "paused_for_reasons", job.RemoteStatus)

	changed, _ = tr.Update(JobStatus{Status: "succeeded", FineTunedModel: "ft:gpt-4.1-mini:title-gen:abc"})
	assert.True(t, changed)
	assert.Equal(t, "ft:gpt-4.1-mini:title-gen:abc", job.FineTunedModel)
	assert.False(t, job.FinishedAt.IsZero())

	_, err = tr.Update(JobStatus{Status: "failed"})
	assert.ErrorIs(t, err, ErrJobTerminal)
	assert.Equal(t, models.JobSucceeded, job.State)
}

// fakeTuner replays a script of GetJob responses.
type fakeTuner struct {
	mu       sync.Mutex
	uploads  [][]byte
	created  int
	script   []scriptStep
	polls    int
	canceled bool
}

type scriptStep struct {
	status JobStatus
	err    error
}

func (f *fakeTuner) UploadTrainingFile(ctx context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, append([]byte(nil), data...))
	return "file-1", nil
}

func (f *fakeTuner) CreateJob(ctx context.Context, fileID, baseModel, suffix string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return JobStatus{ID: "ftjob-1", Status: "validating_files"}, nil
}

func (f *fakeTuner) GetJob(ctx context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls >= len(f.script) {
		return f.script[len(f.script)-1].status, nil
	}
	step := f.script[f.polls]
	f.polls++
	return step.status, step.err
}

func (f *fakeTuner) CancelJob(ctx context.Context, jobID string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = true
	return JobStatus{ID: jobID, Status: "cancelled"}, nil
}

func testOptions(dir string) Options {
	return Options{
		BaseModel:      "gpt-4.1-mini-2025-04-14",
		Suffix:         "title-gen",
		SampleSize:     800,
		SamplingPolicy: SampleCap,
		Seed:           1,
		MinExamples:    10,
		Bounds:         testBounds,
		PollInterval:   time.Millisecond,
		MaxPollErrors:  3,
		JSONLPath:      filepath.Join(dir, "train.jsonl"),
		JobPath:        filepath.Join(dir, "job.json"),
	}
}

func TestStartUploadsAndCreatesJob(t *testing.T) {
	dir := t.TempDir()
	tuner := &fakeTuner{}
	tr := New(tuner, nil, testOptions(dir), logging.Discard())

	job, stats, err := tr.Start(context.Background(), makeExamples(20))
	require.NoError(t, err)
	assert.Equal(t, "ftjob-1", job.JobID)
	assert.Equal(t, "file-1", job.FileID)
	assert.Equal(t, models.JobQueued, job.State)
	assert.Equal(t, 20, stats.Written)

	require.Len(t, tuner.uploads, 1)
	assert.Equal(t, 20, bytes.Count(tuner.uploads[0], []byte("\n")))

	_, err = os.Stat(filepath.Join(dir, "train.jsonl"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "local file should be removed after upload")

	saved, err := LoadJob(filepath.Join(dir, "job.json"))
	require.NoError(t, err)
	assert.Equal(t, "ftjob-1", saved.JobID)
	assert.Equal(t, models.JobQueued, saved.State)
}

func TestStartTooFewExamplesMakesNoCalls(t *testing.T) {
	tuner := &fakeTuner{}
	tr := New(tuner, nil, testOptions(t.TempDir()), logging.Discard())

	_, _, err := tr.Start(context.Background(), makeExamples(9))
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Empty(t, tuner.uploads)
	assert.Zero(t, tuner.created)
}

func TestWaitSurfacesFailureReasonVerbatim(t *testing.T) {
	dir := t.TempDir()
	tuner := &fakeTuner{script: []scriptStep{
		{status: JobStatus{ID: "ftjob-1", Status: "queued"}},
		{err: &retry.StatusError{StatusCode: 503}},
		{status: JobStatus{ID: "ftjob-1", Status: "running"}},
		{status: JobStatus{ID: "ftjob-1", Status: "failed", ErrorCode: "invalid_training_file",
			ErrorMessage: "The job failed due to an invalid training file. Line 3: missing assistant message."}},
	}}
	tr := New(tuner, nil, testOptions(dir), logging.Discard())

	job := &models.FineTuneJob{JobID: "ftjob-1", State: models.JobQueued}
	job, err := tr.Wait(context.Background(), job)

	var failed *JobFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "The job failed due to an invalid training file. Line 3: missing assistant message.", failed.Message)
	assert.Equal(t, "invalid_training_file", failed.Code)
	assert.Equal(t, models.JobFailed, job.State)
	assert.Equal(t, 4, tuner.polls)

	saved, err := LoadJob(filepath.Join(dir, "job.json"))
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, saved.State)
	assert.Equal(t, failed.Message, saved.FailureReason)
}

func TestWaitSucceeded(t *testing.T) {
	tuner := &fakeTuner{script: []scriptStep{
		{status: JobStatus{ID: "ftjob-1", Status: "running"}},
		{status: JobStatus{ID: "ftjob-1", Status: "succeeded", FineTunedModel: "ft:model:title-gen:1"}},
	}}
	tr := New(tuner, nil, testOptions(t.TempDir()), logging.Discard())

	job, err := tr.Wait(context.Background(), &models.FineTuneJob{JobID: "ftjob-1", State: models.JobQueued})
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.State)
	assert.Equal(t, "ft:model:title-gen:1", job.FineTunedModel)
}

func TestWaitCancelled(t *testing.T) {
	tuner := &fakeTuner{script: []scriptStep{
		{status: JobStatus{ID: "ftjob-1", Status: "cancelled"}},
	}}
	tr := New(tuner, nil, testOptions(t.TempDir()), logging.Discard())

	_, err := tr.Wait(context.Background(), &models.FineTuneJob{JobID: "ftjob-1", State: models.JobRunning})
	assert.ErrorIs(t, err, ErrJobCancelled)
}

func TestWaitGivesUpAfterConsecutiveErrors(t *testing.T) {
	unavailable := &retry.StatusError{StatusCode: 503}
	tuner := &fakeTuner{script: []scriptStep{
		{err: unavailable}, {err: unavailable}, {err: unavailable},
		{status: JobStatus{Status: "running"}},
	}}
	tr := New(tuner, nil, testOptions(t.TempDir()), logging.Discard())

	_, err := tr.Wait(context.Background(), &models.FineTuneJob{JobID: "ftjob-1", State: models.JobQueued})
	require.Error(t, err)
	assert.ErrorIs(t, err, unavailable)
	assert.Equal(t, 3, tuner.polls)
}

func TestCancel(t *testing.T) {
	tuner := &fakeTuner{}
	tr := New(tuner, nil, testOptions(t.TempDir()), logging.Discard())

	job, err := tr.Cancel(context.Background(), &models.FineTuneJob{JobID: "ftjob-1", State: models.JobRunning})
	require.NoError(t, err)
	assert.True(t, tuner.canceled)
	assert.Equal(t, models.JobCancelled, job.State)

	_, err = tr.Cancel(context.Background(), job)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

type fakeModerator struct {
	flag map[string]bool
	fail map[string]bool
}

func (f *fakeModerator) Moderate(ctx context.Context, model string, inputs []string) ([]openai.ModerationResult, error) {
	title := inputs[1]
	if f.fail[title] {
		return nil, errors.New("moderation unavailable")
	}
	results := make([]openai.ModerationResult, len(inputs))
	for i := range results {
		results[i].CategoryScores = map[string]float64{"violence": 0.01}
	}
	if f.flag[title] {
		results[1].CategoryScores["violence"] = 0.5
	}
	return results, nil
}

func TestPrepareModerationSkipsFlaggedAndKeepsOnError(t *testing.T) {
	examples := makeExamples(12)
	mod := &fakeModerator{
		flag: map[string]bool{examples[2].Title: true},
		fail: map[string]bool{examples[5].Title: true},
	}
	opts := testOptions(t.TempDir())
	opts.Moderation.Enabled = true
	opts.Moderation.Model = "omni-moderation-latest"
	opts.Moderation.Threshold = 0.1
	tr := New(&fakeTuner{}, mod, opts, logging.Discard())

	sample, stats, err := tr.Prepare(context.Background(), examples)
	require.NoError(t, err)
	assert.Len(t, sample, 11)
	assert.Equal(t, 1, stats.Moderated)
	for _, ex := range sample {
		assert.NotEqual(t, examples[2].VideoID, ex.VideoID)
	}
}
