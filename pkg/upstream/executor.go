package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/config"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/retry"
)

// maxResponseBytes bounds how much of a single upstream response is read.
const maxResponseBytes = 64 << 20

// TokenProvider supplies bearer tokens to the executor.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ExecutorConfig controls retry, rate limiting and circuit breaking.
type ExecutorConfig struct {
	MaxRetries        int // total attempts
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64 // 0 disables the limiter
	BreakerThreshold  uint32  // 0 disables the breaker
	BreakerTimeout    time.Duration
	RequestTimeout    time.Duration
}

// ExecutorConfigFrom maps the service configuration onto ExecutorConfig.
func ExecutorConfigFrom(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:        cfg.Executor.MaxRetries,
		BaseDelay:         cfg.Executor.BaseDelay,
		MaxDelay:          cfg.Executor.MaxDelay,
		RequestsPerSecond: cfg.Executor.RequestsPerSecond,
		BreakerThreshold:  cfg.Executor.BreakerThreshold,
		BreakerTimeout:    cfg.Executor.BreakerTimeout,
		RequestTimeout:    cfg.Upstream.RequestTimeout,
	}
}

// Request is one upstream call.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a successful (2xx) upstream answer plus the attempts it took.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   []Attempt
}

// Executor performs authenticated upstream requests with bounded retry.
// It is safe for concurrent use.
type Executor struct {
	cfg        ExecutorConfig
	retryCfg   *retry.Config
	tokens     TokenProvider
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*Response]
	validate   *validator.Validate
	logger     *zap.Logger

	now   func() time.Time
	sleep retry.Sleeper
}

// NewExecutor creates an executor that authenticates through tokens.
func NewExecutor(cfg ExecutorConfig, tokens TokenProvider, httpClient *http.Client, logger *zap.Logger) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	e := &Executor{
		cfg: cfg,
		retryCfg: &retry.Config{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Strategy:     retry.Linear,
		},
		tokens:     tokens,
		httpClient: httpClient,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger.Named("upstream-executor"),
		now:        time.Now,
		sleep:      retry.SleepContext,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.BreakerThreshold > 0 {
		e.breaker = e.newBreaker()
	}

	return e
}

func (e *Executor) newBreaker() *gobreaker.CircuitBreaker[*Response] {
	const name = "upstream"
	metrics.BreakerState.WithLabelValues(name).Set(0)

	threshold := e.cfg.BreakerThreshold
	return gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors mean the upstream is alive.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode < 500 && !statusErr.Throttled()
			}
			return false
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("Upstream circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Do sends req, retrying failed attempts with linear backoff until it
// succeeds or MaxRetries attempts have been made. Throttled responses
// honour Retry-After. On failure the returned *RequestError carries the
// final status and every attempt.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var attempts []Attempt
	hooks := retry.Hooks{
		Sleep: e.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			attempts[len(attempts)-1].Delay = delay
			metrics.UpstreamRetries.Inc()
			e.logger.Warn("Upstream request failed, retrying",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.cfg.MaxRetries),
				zap.Int("status", StatusCodeOf(err)),
				zap.Duration("delay", delay),
				zap.String("error", logging.SanitizeError(err)))
		},
	}

	resp, _, err := retry.Run(ctx, e.retryCfg, hooks, func(attempt int) (*Response, error) {
		a := Attempt{Number: attempt, StartedAt: e.now()}
		resp, err := e.attempt(ctx, req)
		if resp != nil {
			a.StatusCode = resp.StatusCode
		}
		if err != nil {
			a.StatusCode = StatusCodeOf(err)
			a.Err = logging.SanitizeError(err)
		}
		attempts = append(attempts, a)
		return resp, err
	})
	if err != nil {
		reqErr := &RequestError{
			Method:     req.Method,
			URL:        req.URL,
			StatusCode: StatusCodeOf(err),
			Attempts:   attempts,
			Err:        err,
		}
		e.logger.Error("Upstream request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Int("attempts", len(attempts)),
			zap.Int("status", reqErr.StatusCode),
			zap.String("error", logging.SanitizeError(err)))
		return nil, reqErr
	}

	resp.Attempts = attempts
	return resp, nil
}

// attempt performs a single try: rate limit, token, breaker, send.
func (e *Executor) attempt(ctx context.Context, req Request) (*Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	token, err := e.tokens.Token(ctx)
	if err != nil {
		if apperrors.IsFatal(err) {
			return nil, retry.Permanent(err)
		}
		return nil, &TransportError{Err: fmt.Errorf("acquire token: %w", err)}
	}

	if e.breaker == nil {
		return e.send(ctx, req, token)
	}

	resp, err := e.breaker.Execute(func() (*Response, error) {
		return e.send(ctx, req, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, retry.Permanent(fmt.Errorf("upstream circuit open: %w", err))
	}
	return resp, err
}

func (e *Executor) send(ctx context.Context, req Request, token string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordUpstreamAttempt(req.Method, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	metrics.RecordUpstreamAttempt(req.Method, httpResp.StatusCode)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	if httpResp.StatusCode == http.StatusUnauthorized {
		e.tokens.Invalidate()
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, newStatusError(httpResp, respBody, e.now())
	}

	e.logger.Debug("Upstream request succeeded",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", httpResp.StatusCode),
		zap.Int("bytes", len(respBody)))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// Validate checks v against its `validate` struct tags. Non-struct values pass.
func (e *Executor) Validate(v any) error {
	err := e.validate.Struct(v)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

// GetJSON fetches url and decodes the body into T. Decode and shape
// validation failures wrap apperrors.ErrInvalidPayload and are never retried.
func GetJSON[T any](ctx context.Context, e *Executor, url string) (T, *Response, error) {
	var out T

	resp, err := e.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return out, nil, err
	}

	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, resp, fmt.Errorf("decode %s: %v: %w", url, err, apperrors.ErrInvalidPayload)
	}
	if err := e.Validate(&out); err != nil {
		return out, resp, fmt.Errorf("validate %s: %v: %w", url, err, apperrors.ErrInvalidPayload)
	}

	return out, resp, nil
}
