package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"titleforge/internal/models"
	"titleforge/shared/logging"
	"titleforge/shared/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	return newTestClientWithTimeout(t, handler, 5*time.Second)
}

func newTestClientWithTimeout(t *testing.T, handler http.Handler, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		APIKey:  "sk-test",
		BaseURL: srv.URL + "/v1",
		Timeout: timeout,
		Retry:   retry.Config{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	}, logging.Discard())
}

func TestUploadFileRetriesRateLimitWithFullBody(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "fine-tune", r.FormValue("purpose"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "train.jsonl", hdr.Filename)
		assert.Equal(t, `{"messages":[]}`+"\n", string(data))

		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "rate limited"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "file-abc", "purpose": "fine-tune", "bytes": len(data)})
	})
	c := newTestClient(t, mux)

	file, err := c.UploadFile(context.Background(), "train.jsonl", []byte(`{"messages":[]}`+"\n"), "fine-tune")
	require.NoError(t, err)
	assert.Equal(t, "file-abc", file.ID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUploadFileDoesNotRetryServerError(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "overloaded"}})
	})
	c := newTestClient(t, mux)

	_, err := c.UploadFile(context.Background(), "train.jsonl", []byte("{}\n"), "fine-tune")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateFineTuningJobIsSentOnce(t *testing.T) {
	t.Run("bad gateway", func(t *testing.T) {
		var posts int32
		mux := http.NewServeMux()
		mux.HandleFunc("POST /v1/fine_tuning/jobs", func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&posts, 1)
			if n == 1 {
				writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]any{"message": "upstream"}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "ftjob-2", "status": "queued"})
		})
		c := newTestClient(t, mux)

		_, err := c.CreateFineTuningJob(context.Background(), FineTuningJobRequest{TrainingFile: "file-abc", Model: "m"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	})

	t.Run("response timeout", func(t *testing.T) {
		var posts int32
		mux := http.NewServeMux()
		mux.HandleFunc("POST /v1/fine_tuning/jobs", func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&posts, 1)
			if n == 1 {
				select {
				case <-time.After(time.Second):
				case <-r.Context().Done():
				}
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "ftjob-2", "status": "queued"})
		})
		c := newTestClientWithTimeout(t, mux, 100*time.Millisecond)

		_, err := c.CreateFineTuningJob(context.Background(), FineTuningJobRequest{TrainingFile: "file-abc", Model: "m"})
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
	})
}

func TestCancelFineTuningJobIsSentOnce(t *testing.T) {
	var posts int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/fine_tuning/jobs/ftjob-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&posts, 1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]any{"message": "overloaded"}})
	})
	c := newTestClient(t, mux)

	_, err := c.CancelFineTuningJob(context.Background(), "ftjob-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&posts))
}

func TestRetrieveFineTuningJobRetriesServerError(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/fine_tuning/jobs/ftjob-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": map[string]any{"message": "upstream"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "ftjob-1", "status": "running"})
	})
	c := newTestClient(t, mux)

	job, err := c.RetrieveFineTuningJob(context.Background(), "ftjob-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFineTuningJobLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/fine_tuning/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req FineTuningJobRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "file-abc", req.TrainingFile)
		assert.Equal(t, "gpt-4.1-mini-2025-04-14", req.Model)
		assert.Equal(t, "title-gen", req.Suffix)
		writeJSON(w, http.StatusOK, map[string]any{"id": "ftjob-1", "status": "validating_files"})
	})
	mux.HandleFunc("GET /v1/fine_tuning/jobs/ftjob-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     "ftjob-1",
			"status": "failed",
			"error":  map[string]any{"code": "invalid_training_file", "message": "Line 3 is missing an assistant message."},
		})
	})
	mux.HandleFunc("POST /v1/fine_tuning/jobs/ftjob-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "ftjob-1", "status": "cancelled"})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	job, err := c.CreateFineTuningJob(ctx, FineTuningJobRequest{TrainingFile: "file-abc", Model: "gpt-4.1-mini-2025-04-14", Suffix: "title-gen"})
	require.NoError(t, err)
	assert.Equal(t, StatusValidatingFiles, job.Status)

	job, err = c.RetrieveFineTuningJob(ctx, "ftjob-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Line 3 is missing an assistant message.", job.Error.Message)

	job, err = c.CancelFineTuningJob(ctx, "ftjob-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestAPIErrorIsNotRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
			"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key",
		}})
	})
	c := newTestClient(t, mux)

	_, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{Model: "m"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid_api_key", apiErr.Code)
	assert.Equal(t, "Incorrect API key provided", apiErr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChatCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ft:gpt-4.1-mini:title-gen", req.Model)
		assert.Equal(t, 0.7, req.Temperature)
		assert.Equal(t, 100, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		writeJSON(w, http.StatusOK, map[string]any{"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": "Why Bridges Collapse"}},
		}})
	})
	c := newTestClient(t, mux)

	out, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
		Model:       "ft:gpt-4.1-mini:title-gen",
		Messages:    []models.ChatMessage{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}},
		Temperature: 0.7,
		MaxTokens:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Why Bridges Collapse"}, out)
}

func TestModerate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/moderations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{
			map[string]any{"flagged": false, "category_scores": map[string]float64{"violence": 0.02, "hate": 0.001}},
			map[string]any{"flagged": true, "category_scores": map[string]float64{"violence": 0.91}},
		}})
	})
	c := newTestClient(t, mux)

	results, err := c.Moderate(context.Background(), "omni-moderation-latest", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	cat, score := results[0].MaxScore()
	assert.Equal(t, "violence", cat)
	assert.InDelta(t, 0.02, score, 1e-9)
	assert.True(t, results[1].Flagged)
}
