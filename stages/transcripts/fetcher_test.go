package transcripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/config"
	"titleforge/shared/dataset"
	"titleforge/shared/logging"
	"titleforge/shared/scheduler"
	"titleforge/shared/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	missing map[string]bool
	calls   map[string]int
	block   chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, videoID string) (models.Transcript, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[videoID]++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return models.Transcript{}, ctx.Err()
		}
	}
	if f.missing[videoID] {
		return models.Transcript{}, fmt.Errorf("%w: captions are disabled", transcript.ErrNoTranscript)
	}
	return models.Transcript{
		VideoID: videoID,
		Title:   "Title of " + videoID,
		Text:    "  transcript for " + videoID + "  ",
	}, nil
}

func videoIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("video%06d", i)
	}
	return ids
}

func TestRunTenInputsTwoWithoutTranscripts(t *testing.T) {
	ids := videoIDs(10)
	src := &fakeSource{missing: map[string]bool{ids[3]: true, ids[7]: true}}

	var inputs []Input
	for _, id := range ids {
		inputs = append(inputs, Input{Ref: "https://www.youtube.com/watch?v=" + id})
	}

	res := New(src, Options{Workers: 4}, logging.Discard()).Run(context.Background(), inputs)

	require.Len(t, res.Examples, 8)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 8, res.Stats.Succeeded)
	assert.Equal(t, 2, res.Stats.Failed)
	assert.Equal(t, 2, res.Stats.FailuresByKind[models.FailureNoTranscript])
	assert.Equal(t, res.Stats.Inputs, res.Stats.Succeeded+res.Stats.Failed)

	assert.Equal(t, ids[3], res.Failures[0].VideoID)
	assert.Equal(t, ids[7], res.Failures[1].VideoID)

	// input order is kept regardless of completion order
	assert.Equal(t, ids[0], res.Examples[0].VideoID)
	assert.Equal(t, ids[9], res.Examples[7].VideoID)
	assert.Equal(t, "Title of "+ids[0], res.Examples[0].Title)
	assert.Equal(t, "transcript for "+ids[0], res.Examples[0].Transcript)
	assert.Equal(t, inputs[0].Ref, res.Examples[0].URL)
}

func TestRunDeduplicatesAndRecordsInvalidInput(t *testing.T) {
	src := &fakeSource{}
	inputs := []Input{
		{Ref: "dQw4w9WgXcQ"},
		{Ref: "https://youtu.be/dQw4w9WgXcQ"},
		{Ref: "not a url"},
		{Ref: "not a url"},
		{Ref: "abcdefghijk", Title: "Title From Dataset"},
	}

	res := New(src, Options{Workers: 2}, logging.Discard()).Run(context.Background(), inputs)

	assert.Equal(t, 3, res.Stats.Inputs)
	assert.Equal(t, 2, res.Stats.Duplicates)
	assert.Equal(t, 1, src.calls["dQw4w9WgXcQ"])
	require.Len(t, res.Failures, 1)
	assert.Equal(t, models.FailureInvalidInput, res.Failures[0].Kind)
	require.Len(t, res.Examples, 2)
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", res.Examples[0].URL)
	assert.Equal(t, "Title From Dataset", res.Examples[1].Title)
	assert.Equal(t, res.Stats.Inputs, len(res.Examples)+len(res.Failures))
	assert.Equal(t, len(inputs), res.Stats.Inputs+res.Stats.Duplicates)
}

func TestRunCanceledKeepsEveryInputAccounted(t *testing.T) {
	ids := videoIDs(20)
	src := &fakeSource{block: make(chan struct{})}
	var inputs []Input
	for _, id := range ids {
		inputs = append(inputs, Input{Ref: id})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(src, Options{Workers: 3}, logging.Discard()).Run(ctx, inputs)

	assert.Empty(t, res.Examples)
	assert.Equal(t, 20, res.Stats.Failed)
	assert.Equal(t, 20, res.Stats.FailuresByKind[models.FailureCanceled])
}

func TestInputsFromCSV(t *testing.T) {
	in := "video_id,title,categoryId\nabcdefghijk,Why Bridges Fail,28\nbad row\nzyxwvutsrqp,Metric?,28\n"
	inputs, err := InputsFromCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []Input{
		{Ref: "abcdefghijk", Title: "Why Bridges Fail"},
		{Ref: "zyxwvutsrqp", Title: "Metric?"},
	}, inputs)
}

func TestStageRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Transcripts.Workers = 2

	ids := videoIDs(3)
	src := &fakeSource{missing: map[string]bool{ids[1]: true}}
	stage := NewStage(cfg, logging.Discard()).WithSource(src).WithProgress(nil)

	inputs := []Input{{Ref: ids[0]}, {Ref: ids[1]}, {Ref: ids[2]}}
	out := filepath.Join(dir, "training_data.json")
	failures := filepath.Join(dir, "failures.json")

	res, err := stage.Run(context.Background(), inputs, out, failures)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Succeeded)

	examples, err := dataset.ReadTrainingExamples(out)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, ids[2], examples[1].VideoID)

	var recorded []models.FetchFailure
	require.NoError(t, dataset.ReadJSON(failures, &recorded))
	require.Len(t, recorded, 1)
	assert.Equal(t, models.FailureNoTranscript, recorded[0].Kind)
}

func TestStageRunOncePrefersQualityFilteredDataset(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dataset.URLsFile = filepath.Join(dir, "urls.txt")
	cfg.Dataset.QualityFilteredCSV = filepath.Join(dir, "quality.csv")
	cfg.Dataset.TrainingDataJSON = filepath.Join(dir, "training_data.json")
	cfg.Dataset.TranscriptFailuresJSON = filepath.Join(dir, "failures.json")

	require.NoError(t, os.WriteFile(cfg.Dataset.URLsFile, []byte("stale000001\n"), 0o644))
	require.NoError(t, os.WriteFile(cfg.Dataset.QualityFilteredCSV,
		[]byte("video_id,title,categoryId\nfresh000001,Fresh title,28\n"), 0o644))

	src := &fakeSource{}
	stage := NewStage(cfg, logging.Discard()).WithSource(src).WithProgress(nil)
	succeeded := false
	events := &scheduler.StageEvents{
		OnSuccess:        func(scheduler.Metrics, time.Duration) { succeeded = true },
		OnPartialFailure: func(error, time.Duration) {},
	}
	require.NoError(t, stage.RunOnce(context.Background(), events))
	assert.True(t, succeeded)

	examples, err := dataset.ReadTrainingExamples(cfg.Dataset.TrainingDataJSON)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "fresh000001", examples[0].VideoID)
	assert.Equal(t, "Fresh title", examples[0].Title)
	assert.Zero(t, src.calls["stale000001"])
}

func TestStageRunOnceFallsBackToURLsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dataset.URLsFile = filepath.Join(dir, "urls.txt")
	cfg.Dataset.QualityFilteredCSV = filepath.Join(dir, "missing.csv")
	cfg.Dataset.TrainingDataJSON = filepath.Join(dir, "training_data.json")
	cfg.Dataset.TranscriptFailuresJSON = ""

	require.NoError(t, os.WriteFile(cfg.Dataset.URLsFile, []byte("https://youtu.be/urlsfile001\n"), 0o644))

	stage := NewStage(cfg, logging.Discard()).WithSource(&fakeSource{}).WithProgress(nil)
	events := &scheduler.StageEvents{
		OnSuccess:        func(scheduler.Metrics, time.Duration) {},
		OnPartialFailure: func(error, time.Duration) {},
	}
	require.NoError(t, stage.RunOnce(context.Background(), events))

	examples, err := dataset.ReadTrainingExamples(cfg.Dataset.TrainingDataJSON)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Equal(t, "urlsfile001", examples[0].VideoID)
}
