package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Config{MaxRetries: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fast, nil, nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{StatusCode: 503}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, nil, nil, func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var statusErr *StatusError
	assert.True(t, errors.As(err, &statusErr))
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	var notified []int
	_, err := Do(context.Background(), fast, nil, func(attempt int, _ time.Duration, _ error) {
		notified = append(notified, attempt)
	}, func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: 429}
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, notified)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, fast, nil, nil, func() (int, error) {
		t.Fatal("fn should not run on a canceled context")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffCaps(t *testing.T) {
	rc := Config{InitialWait: 100 * time.Millisecond, MaxWait: 300 * time.Millisecond, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{5, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(rc, tt.attempt))
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"bad gateway", fmt.Errorf("wrapped: %w", &StatusError{StatusCode: 502}), true},
		{"not found", &StatusError{StatusCode: 404}, false},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"dns", &net.DNSError{Err: "no such host"}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
