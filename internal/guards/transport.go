// Package guards wraps outbound HTTP with the protections every
// provider call needs: circuit breaking, per-host pacing, request
// budgets, bounded retries with jittered backoff, and weight-header
// feedback. The archive and REST clients share one implementation and
// differ only in configuration.
package guards

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/candlekeep/klinevault/internal/fcperr"
	"github.com/candlekeep/klinevault/internal/net/budget"
	"github.com/candlekeep/klinevault/internal/net/ratelimit"
	"github.com/candlekeep/klinevault/internal/telemetry"
)

const userAgent = "klinevault/1.0"

// weightAlarmFraction is the reported-weight level at which the host
// is paused until the provider's minute window rolls over.
const weightAlarmFraction = 0.9

// Response is the terminal outcome of a guarded GET. Any status the
// provider answered with lands here; the caller interprets it. Errors
// are reserved for requests that produced no usable answer.
type Response struct {
	Data       []byte
	StatusCode int
	Header     http.Header
	Host       string
	Retries    int
}

// Options configures a Transport.
type Options struct {
	Name        string // Source label for logs and metrics
	Client      *http.Client
	Limiter     *ratelimit.Limiter
	Budget      *budget.Tracker // nil disables budget accounting
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Transport executes guarded HTTP GETs against provider hosts.
type Transport struct {
	name    string
	client  *http.Client
	limiter *ratelimit.Limiter
	budget  *budget.Tracker
	breaker *gobreaker.CircuitBreaker
	retries int
	base    time.Duration
	max     time.Duration
	jitter  bool
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// New builds a Transport. The breaker ignores throttle responses:
// a 429 means we are too fast, not that the provider is down.
func New(opts Options) *Transport {
	t := &Transport{
		name:    opts.Name,
		client:  opts.Client,
		limiter: opts.Limiter,
		budget:  opts.Budget,
		retries: opts.MaxRetries,
		base:    opts.BackoffBase,
		max:     opts.BackoffMax,
		jitter:  opts.Jitter,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 30 * time.Second}
	}
	if t.limiter == nil {
		t.limiter = ratelimit.New(20, 40)
	}
	if t.base <= 0 {
		t.base = 250 * time.Millisecond
	}
	if t.max <= 0 {
		t.max = 30 * time.Second
	}

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.log.Warn().
				Str("source", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			t.metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rl *fcperr.RateLimitedError
			return errors.As(err, &rl)
		},
	})
	return t
}

// Get fetches rawURL with all guards applied. Statuses the provider
// meant (including 404 and plain 4xx) come back as a Response with a
// nil error; throttles, breaker trips, budget stops and exhausted
// retries come back as classified errors.
func (t *Transport) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fcperr.Wrap(fcperr.KindUserInput, t.name+".get", err)
	}
	host := u.Host

	if t.breaker.State() == gobreaker.StateOpen {
		return nil, fcperr.New(fcperr.KindTransient, t.name+".get",
			"circuit breaker open for %s", host)
	}

	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			t.metrics.IncRetry(t.name)
			if err := t.sleep(ctx, t.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		if err := t.consumeBudget(host); err != nil {
			return nil, err
		}

		if err := t.limiter.Wait(ctx, host); err != nil {
			return nil, fcperr.Wrap(fcperr.KindCancelled, t.name+".get", err)
		}

		start := time.Now()
		result, err := t.breaker.Execute(func() (interface{}, error) {
			return t.once(ctx, rawURL, host)
		})
		elapsed := time.Since(start)

		if err != nil {
			var rl *fcperr.RateLimitedError
			if errors.As(err, &rl) {
				return nil, err
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fcperr.Wrap(fcperr.KindTransient, t.name+".get", err)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fcperr.Wrap(fcperr.KindCancelled, t.name+".get", err)
			}
			lastErr = err
			t.log.Debug().
				Err(err).
				Str("host", host).
				Int("attempt", attempt).
				Msg("request attempt failed")
			continue
		}

		resp := result.(*Response)
		resp.Retries = attempt
		t.metrics.ObserveRequest(t.name, host, resp.StatusCode, elapsed.Seconds())
		return resp, nil
	}

	return nil, fcperr.Wrap(fcperr.KindTransient, t.name+".get",
		fmt.Errorf("all %d attempts failed: %w", t.retries+1, lastErr))
}

// once performs a single HTTP round trip. Retryable statuses come back
// as errors so the breaker and retry loop see them; terminal statuses
// come back as a Response.
func (t *Transport) once(ctx context.Context, rawURL, host string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	done := t.metrics.TrackInFlight(t.name)
	defer done()

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	t.metrics.AddBytes(t.name, len(body))

	t.observeWeight(host, httpResp.Header)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode == 418:
		retryAfter := parseRetryAfter(httpResp.Header)
		t.limiter.Freeze(host, time.Now().Add(retryAfter))
		t.metrics.IncRateLimited(t.name, host)
		t.log.Warn().
			Str("host", host).
			Int("status", httpResp.StatusCode).
			Dur("retry_after", retryAfter).
			Msg("provider throttled us")
		return nil, &fcperr.RateLimitedError{
			RetryAfter: retryAfter,
			StatusCode: httpResp.StatusCode,
			Host:       host,
		}
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("server error %d from %s", httpResp.StatusCode, host)
	}

	return &Response{
		Data:       body,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
		Host:       host,
	}, nil
}

// consumeBudget charges one request against the daily budget. A
// warning is logged and the request proceeds; exhaustion stops it.
func (t *Transport) consumeBudget(host string) error {
	if t.budget == nil {
		return nil
	}
	err := t.budget.Consume()
	if err == nil {
		return nil
	}
	var warn *budget.WarningError
	if errors.As(err, &warn) {
		t.log.Warn().Str("host", host).Msg(warn.Error())
		return nil
	}
	var exhausted *budget.ExhaustedError
	if errors.As(err, &exhausted) {
		return &fcperr.RateLimitedError{
			RetryAfter: time.Until(exhausted.ETA),
			StatusCode: 0,
			Host:       host,
		}
	}
	return fcperr.Wrap(fcperr.KindTransient, t.name+".budget", err)
}

// observeWeight mirrors the provider's used-weight header and pauses
// the host for the rest of the minute window when it runs hot.
func (t *Transport) observeWeight(host string, h http.Header) {
	if t.budget == nil {
		return
	}
	raw := h.Get("X-MBX-USED-WEIGHT-1M")
	if raw == "" {
		raw = h.Get("X-MBX-USED-WEIGHT")
	}
	if raw == "" {
		return
	}
	used, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	t.budget.ObserveWeight(used)
	if t.budget.WeightFraction() >= weightAlarmFraction {
		until := time.Now().Truncate(time.Minute).Add(time.Minute)
		t.limiter.Freeze(host, until)
		t.log.Warn().
			Str("host", host).
			Int64("used_weight", used).
			Time("until", until).
			Msg("weight budget running hot, pausing host")
	}
}

// backoff returns the exponential delay for the given attempt.
func (t *Transport) backoff(attempt int) time.Duration {
	d := t.base << uint(attempt-1)
	if d > t.max || d <= 0 {
		d = t.max
	}
	if t.jitter {
		// ±25% to avoid retry alignment across workers.
		factor := 0.75 + 0.5*rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fcperr.Wrap(fcperr.KindCancelled, t.name+".backoff", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads the provider's cooldown hint, defaulting to a
// minute when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return time.Minute
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return time.Minute
	}
	return time.Duration(secs) * time.Second
}

// State reports the breaker state for health output.
func (t *Transport) State() string {
	return t.breaker.State().String()
}
