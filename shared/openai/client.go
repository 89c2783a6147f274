// Package openai is a small REST client for the OpenAI endpoints used by
// training and generation: files, fine-tuning jobs, chat completions and
// moderations.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"titleforge/shared/config"
	"titleforge/shared/logging"
	"titleforge/shared/retry"

	"github.com/go-resty/resty/v2"
)

// APIError is an error response from the API.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("openai: %d: %s", e.StatusCode, msg)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retry.IsRetryableStatus(apiErr.StatusCode)
	}
	return retry.IsTransient(err)
}

// IsRateLimited reports whether the API rejected the request before doing any
// work, which makes it safe to resend even a non-idempotent call.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// noRetry is for calls whose effect may have landed even when the response
// was lost: resending could create a second job.
func noRetry(error) bool { return false }

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Retry   retry.Config
}

func OptionsFromConfig(cfg config.OpenAIConfig) Options {
	return Options{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Retry:   retry.Config{MaxRetries: 2, InitialWait: time.Second, MaxWait: 8 * time.Second, Multiplier: 2},
	}
}

// Client calls the OpenAI REST API. It is safe for concurrent use.
type Client struct {
	http  *resty.Client
	retry retry.Config
	log   *logging.Logger
}

func NewClient(opts Options, log *logging.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}

	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetAuthToken(opts.APIKey).
		SetTimeout(opts.Timeout)

	return &Client{
		http:  httpClient,
		retry: opts.Retry,
		log:   logging.OrDefault(log).WithField("component", "openai"),
	}
}

// do runs one API call, retrying errors that retryable accepts. build must
// return a fresh request because a request body reader cannot be replayed.
func (c *Client) do(ctx context.Context, method, path string, retryable retry.Classifier, build func(*resty.Request) *resty.Request, result any) error {
	_, err := retry.Do(ctx, c.retry, retryable, func(attempt int, wait time.Duration, err error) {
		c.log.WithFields(logging.Fields{
			"path":    path,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("Retrying OpenAI request")
	}, func() (struct{}, error) {
		var apiErr errorResponse
		req := c.http.R().
			SetContext(ctx).
			SetError(&apiErr)
		if build != nil {
			req = build(req)
		}
		if result != nil {
			req = req.SetResult(result)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			return struct{}{}, err
		}
		if resp.IsError() {
			e := &APIError{
				StatusCode: resp.StatusCode(),
				Type:       apiErr.Error.Type,
				Message:    apiErr.Error.Message,
			}
			if apiErr.Error.Code != nil {
				e.Code = fmt.Sprint(apiErr.Error.Code)
			}
			if e.Message == "" {
				e.Message = string(resp.Body())
			}
			return struct{}{}, e
		}
		return struct{}{}, nil
	})
	return err
}

// UploadFile uploads data as a file with the given purpose. Only rate limit
// rejections are retried; other failures may have stored the file.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte, purpose string) (*File, error) {
	var file File
	err := c.do(ctx, http.MethodPost, "/files", IsRateLimited, func(r *resty.Request) *resty.Request {
		return r.
			SetMultipartFormData(map[string]string{"purpose": purpose}).
			SetFileReader("file", filename, bytes.NewReader(data))
	}, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	return &file, nil
}

// CreateFineTuningJob starts a fine-tuning job on an uploaded file. It is
// never retried: a lost response may still have created a billable job.
func (c *Client) CreateFineTuningJob(ctx context.Context, req FineTuningJobRequest) (*FineTuningJob, error) {
	var job FineTuningJob
	err := c.do(ctx, http.MethodPost, "/fine_tuning/jobs", noRetry, func(r *resty.Request) *resty.Request {
		return r.SetBody(req)
	}, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to create fine-tuning job: %w", err)
	}
	return &job, nil
}

func (c *Client) RetrieveFineTuningJob(ctx context.Context, jobID string) (*FineTuningJob, error) {
	var job FineTuningJob
	err := c.do(ctx, http.MethodGet, "/fine_tuning/jobs/{id}", IsTransient, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("id", jobID)
	}, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve fine-tuning job %s: %w", jobID, err)
	}
	return &job, nil
}

func (c *Client) CancelFineTuningJob(ctx context.Context, jobID string) (*FineTuningJob, error) {
	var job FineTuningJob
	err := c.do(ctx, http.MethodPost, "/fine_tuning/jobs/{id}/cancel", noRetry, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("id", jobID)
	}, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel fine-tuning job %s: %w", jobID, err)
	}
	return &job, nil
}

// ChatCompletion returns the content of every choice.
func (c *Client) ChatCompletion(ctx context.Context, req ChatCompletionRequest) ([]string, error) {
	var resp chatCompletionResponse
	err := c.do(ctx, http.MethodPost, "/chat/completions", IsTransient, func(r *resty.Request) *resty.Request {
		return r.SetBody(req)
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	out := make([]string, len(resp.Choices))
	for i, ch := range resp.Choices {
		out[i] = ch.Message.Content
	}
	return out, nil
}

// Moderate scores each input. Results are in input order.
func (c *Client) Moderate(ctx context.Context, model string, inputs []string) ([]ModerationResult, error) {
	var resp moderationResponse
	err := c.do(ctx, http.MethodPost, "/moderations", IsTransient, func(r *resty.Request) *resty.Request {
		return r.SetBody(moderationRequest{Model: model, Input: inputs})
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("moderation failed: %w", err)
	}
	if len(resp.Results) != len(inputs) {
		return nil, fmt.Errorf("moderation returned %d results for %d inputs", len(resp.Results), len(inputs))
	}
	return resp.Results, nil
}
