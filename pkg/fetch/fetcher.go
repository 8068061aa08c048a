package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// StatusError carries the HTTP status of a failed response. It unwraps to the
// matching status-class sentinel so errors.Is keeps working for categorization.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d %s", e.sentinel(), e.StatusCode, e.Status)
}

func (e *StatusError) sentinel() error {
	switch {
	case e.StatusCode >= 500:
		return utils.ErrServerHTTPError
	case e.StatusCode >= 400:
		return utils.ErrClientHTTPError
	default:
		return utils.ErrOtherHTTPError
	}
}

// Unwrap implements errors.Unwrap
func (e *StatusError) Unwrap() error { return e.sentinel() }

// StatusCodeOf extracts the HTTP status from an error chain, or 0
func StatusCodeOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Fetcher performs HTTP requests with retry, exponential backoff and jitter
type Fetcher struct {
	client *http.Client
	cfg    *config.AppConfig // Retry settings
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, cfg *config.AppConfig, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

func drain(resp *http.Response) {
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// backoff returns the wait before retry attempt n (n >= 1), +/- 10% jitter.
// A server-supplied Retry-After wins when it is within the configured ceiling.
func (f *Fetcher) backoff(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := f.cfg.MaxRetryDelay
	if retryAfter > 0 && (maxDelay <= 0 || retryAfter <= maxDelay) {
		return retryAfter
	}
	delay := time.Duration(float64(f.cfg.InitialRetryDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (maxDelay > 0 && delay > maxDelay) {
		delay = maxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// parseRetryAfter understands the delta-seconds form of Retry-After
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// FetchWithRetry performs req bound to ctx. Network errors, 5xx and 429 are retried up to
// max_retries times. On success the caller must close the body. Other 4xx/3xx responses are
// returned together with a *StatusError; the caller must close that body too.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration
	reqLog := f.log.WithField("url", req.URL.String())
	maxRetries := f.cfg.MaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, err
		}

		if attempt > 0 {
			wait := f.backoff(attempt, retryAfter)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": wait}).Warn("Retrying request...")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}
		retryAfter = 0

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			drain(resp)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reqLog.Warnf("Request cancelled or timed out: %v", err)
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Debugf("Network error: %v", err)
			lastErr = err
			continue
		}

		code := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": code, "attempt": attempt})
		switch {
		case code >= 200 && code < 300:
			resLog.Debug("Fetched")
			return resp, nil

		case code >= 500 || code == http.StatusTooManyRequests:
			resLog.Warn("Retryable status")
			if code == http.StatusTooManyRequests {
				retryAfter = parseRetryAfter(resp)
			}
			lastErr = &StatusError{StatusCode: code, Status: http.StatusText(code)}
			drain(resp)
			continue

		default:
			resLog.Debug("Non-retryable status")
			return resp, &StatusError{StatusCode: code, Status: http.StatusText(code)}
		}
	}

	reqLog.Warnf("All %d attempts failed. Last error: %v", maxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}
