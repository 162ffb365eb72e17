// Package fetcher downloads the leading bytes of a file from the CDN.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	"github.com/Laisky/telegram-filescan/library/log"
)

// Outcome tags a fetch result.
type Outcome int

const (
	// OutcomeOK means header bytes were obtained.
	OutcomeOK Outcome = iota
	// OutcomeMissing means the CDN kept answering 404 after every retry.
	OutcomeMissing
	// OutcomeFailed covers redirects, unexpected statuses and transport errors.
	OutcomeFailed
	// OutcomeTimeout means the last attempt hit its wall-clock limit.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeMissing:
		return "missing"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is what Fetch resolves to. Fetch never returns an error value of
// its own; Err only explains a non-OK outcome.
type Result struct {
	Outcome  Outcome
	Body     []byte
	Status   int
	Attempts int
	Err      error
}

// OK reports whether Body holds header bytes.
func (r Result) OK() bool {
	return r.Outcome == OutcomeOK
}

const readChunk = 32 * 1024

// Fetcher issues ranged GETs with a byte ceiling, a per-attempt timeout and
// linear backoff on 404.
type Fetcher struct {
	client   *http.Client
	settings scan.FetchSettings
	logger   logSDK.Logger
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the underlying transport. Redirects are never
// followed, whatever the client's own policy.
func WithHTTPClient(cli *http.Client) Option {
	return func(f *Fetcher) {
		if cli != nil {
			clone := *cli
			f.client = &clone
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New builds a Fetcher.
func New(settings scan.FetchSettings, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{},
		settings: settings,
		logger:   log.Logger.Named("fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return f
}

// Fetch retrieves at most ByteCeiling+1 leading bytes of url.
//
// 404 responses and transport errors are retried MaxRetries times, waiting
// attempt*RetryBase before each retry. Any other non-200/206 status ends the
// fetch immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) Result {
	var res Result
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, time.Duration(attempt)*f.settings.RetryBase); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = errors.Wrap(err, "wait for retry")
				return res
			}
		}

		res = f.attempt(ctx, url)
		res.Attempts = attempt + 1
		metrics.FetchAttemptsTotal.WithLabelValues(attemptLabel(res)).Inc()

		retryable := res.Status == http.StatusNotFound ||
			(res.Outcome == OutcomeFailed && res.Status == 0 && ctx.Err() == nil)
		if !retryable || attempt >= f.settings.MaxRetries {
			break
		}

		f.logger.Debug("cdn fetch will retry",
			zap.Int("attempt", res.Attempts),
			zap.Int("status", res.Status),
			zap.Error(res.Err))
	}

	if res.OK() {
		metrics.FetchBytes.Observe(float64(len(res.Body)))
	}

	return res
}

func (f *Fetcher) attempt(ctx context.Context, url string) Result {
	ctx, cancel := context.WithTimeout(ctx, f.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: errors.Wrap(err, "new request")}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", f.settings.ByteCeiling))

	resp, err := f.client.Do(req)
	if err != nil {
		return failure(ctx, 0, errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close() // nolint: errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusNotFound:
		return Result{Outcome: OutcomeMissing, Status: resp.StatusCode,
			Err: errors.New("file not available on cdn")}
	default:
		return Result{Outcome: OutcomeFailed, Status: resp.StatusCode,
			Err: errors.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := readBounded(resp.Body, f.settings.ByteCeiling+1)
	if err != nil {
		return failure(ctx, resp.StatusCode, errors.Wrap(err, "read body"))
	}

	return Result{Outcome: OutcomeOK, Status: resp.StatusCode, Body: body}
}

// readBounded accumulates at most limit bytes, truncating the chunk that
// crosses the limit. The caller aborts the connection by closing the body
// and cancelling the request context without draining it.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	buf := make([]byte, 0, min(limit, readChunk))
	chunk := make([]byte, readChunk)
	for int64(len(buf)) < limit {
		n, err := r.Read(chunk)
		if n > 0 {
			remaining := limit - int64(len(buf))
			if int64(n) > remaining {
				n = int(remaining)
			}
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	return buf, nil
}

func failure(ctx context.Context, status int, err error) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Outcome: OutcomeTimeout, Status: status, Err: err}
	}

	return Result{Outcome: OutcomeFailed, Status: status, Err: err}
}

func attemptLabel(res Result) string {
	if res.Status == http.StatusNotFound {
		return "not_found"
	}

	return res.Outcome.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
