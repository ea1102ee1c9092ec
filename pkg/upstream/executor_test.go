package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/retry"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/testhelpers"
)

// fakeTokens is a TokenProvider that counts calls and invalidations.
type fakeTokens struct {
	mu          sync.Mutex
	generation  int
	invalidated int
	err         error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("token-%d", f.generation), nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.generation++
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, tokens TokenProvider) (*Executor, *sleepRecorder) {
	t.Helper()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	e := NewExecutor(cfg, tokens, nil, zap.NewNop())
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, rec
}

func TestExecutor_AlwaysThrottledMakesExactlyMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "slow down")
	}))
	defer srv.Close()

	// Real sleeps with a short base delay so attempt times are meaningful.
	e := NewExecutor(ExecutorConfig{MaxRetries: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: time.Second}, &fakeTokens{}, nil, zap.NewNop())

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusTooManyRequests, reqErr.StatusCode)
	require.Len(t, reqErr.Attempts, 3)
	assert.Contains(t, reqErr.Error(), "slow down")

	for i := 1; i < len(reqErr.Attempts); i++ {
		prev, cur := reqErr.Attempts[i-1], reqErr.Attempts[i]
		assert.Equal(t, i+1, cur.Number)
		assert.False(t, cur.StartedAt.Before(prev.StartedAt), "attempt times must not go backwards")
		assert.GreaterOrEqual(t, cur.StartedAt.Sub(prev.StartedAt), prev.Delay)
	}
	assert.Equal(t, 5*time.Millisecond, reqErr.Attempts[0].Delay)
	assert.Equal(t, 10*time.Millisecond, reqErr.Attempts[1].Delay)
	assert.Zero(t, reqErr.Attempts[2].Delay)
}

func TestExecutor_LinearBackoffOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	e, rec := newTestExecutor(t, ExecutorConfig{}, nil)

	resp, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Len(t, resp.Attempts, 3)
	assert.Equal(t, http.StatusInternalServerError, resp.Attempts[0].StatusCode)
	assert.Equal(t, http.StatusOK, resp.Attempts[2].StatusCode)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestExecutor_RetryAfterSeconds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	e, rec := newTestExecutor(t, ExecutorConfig{}, nil)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestExecutor_RetryAfterClampedToMaxDelay(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	e, rec := newTestExecutor(t, ExecutorConfig{MaxDelay: 10 * time.Second}, nil)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.delays)
}

func TestExecutor_RetryAfterIgnoredForOtherStatuses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "9")
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	e, rec := newTestExecutor(t, ExecutorConfig{}, nil)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestExecutor_UnauthorizedInvalidatesToken(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	e, _ := newTestExecutor(t, ExecutorConfig{}, tokens)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{testhelpers.BearerHeader("token-0"), testhelpers.BearerHeader("token-1")}, seen)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestExecutor_FatalTokenErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	tokens := &fakeTokens{err: fmt.Errorf("rejected: %w", apperrors.ErrMissingCredentials)}
	e, rec := newTestExecutor(t, ExecutorConfig{}, tokens)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.Zero(t, calls.Load())
	assert.Empty(t, rec.delays)
}

func TestExecutor_TransientTokenErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	tokens := &fakeTokens{err: errors.New("identity endpoint unreachable")}
	e, _ := newTestExecutor(t, ExecutorConfig{}, tokens)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Len(t, reqErr.Attempts, 3)
	assert.Zero(t, reqErr.StatusCode)
}

func TestExecutor_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e, rec := newTestExecutor(t, ExecutorConfig{}, nil)

	_, err := e.Do(context.Background(), Request{URL: url})
	require.Error(t, err)

	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
	assert.Len(t, rec.delays, 2)
}

func TestExecutor_ContextCanceledStopsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := e.Do(ctx, Request{URL: srv.URL})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Len(t, reqErr.Attempts, 1)
}

func TestExecutor_BreakerOpenEndsRetryLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{MaxRetries: 5, BreakerThreshold: 2, BreakerTimeout: time.Minute}, nil)

	_, err := e.Do(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, err.Error(), "circuit open")
	assert.False(t, retry.IsRetryable(err))
}

func TestExecutor_SendsMethodBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{}, nil)

	resp, err := e.Do(context.Background(), Request{
		Method: http.MethodPut,
		URL:    srv.URL,
		Body:   []byte(`{"a":1}`),
		Header: http.Header{"X-Test": []string{"yes"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, resp.Attempts, 1)
}

type shapedPage struct {
	Value []struct {
		ID string `json:"id" validate:"required"`
	} `json:"value" validate:"dive"`
}

func TestGetJSON_ValidationFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"value":[{"id":""}]}`)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{}, nil)

	_, _, err := GetJSON[shapedPage](context.Background(), e, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
	assert.True(t, apperrors.IsStructural(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_DecodeFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `<html>`)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{}, nil)

	_, _, err := GetJSON[shapedPage](context.Background(), e, srv.URL)
	assert.ErrorIs(t, err, apperrors.ErrInvalidPayload)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSON_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"1"},{"id":"2"}]}`)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(t, ExecutorConfig{}, nil)

	page, resp, err := GetJSON[shapedPage](context.Background(), e, srv.URL)
	require.NoError(t, err)
	assert.Len(t, page.Value, 2)
	assert.Len(t, resp.Attempts, 1)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("12", now)
	assert.True(t, ok)
	assert.Equal(t, 12*time.Second, d)

	d, ok = parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	d, ok = parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = parseRetryAfter("", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = parseRetryAfter("-3", now)
	assert.False(t, ok)
}
