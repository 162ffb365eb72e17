package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

func testSettings() scan.FetchSettings {
	return scan.FetchSettings{
		ByteCeiling: 1024,
		Timeout:     time.Second,
		MaxRetries:  6,
		RetryBase:   5 * time.Millisecond,
	}
}

func TestFetchHonoursByteCeiling(t *testing.T) {
	t.Parallel()

	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		chunk := bytes.Repeat([]byte{'a'}, 4096)
		for i := 0; i < 256; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	res := New(testSettings()).Fetch(context.Background(), srv.URL)

	require.True(t, res.OK(), res.Err)
	require.Equal(t, "bytes=0-1024", gotRange.Load())
	require.Len(t, res.Body, 1025)
}

func TestFetchShortBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("MZ\x90\x00"))
	}))
	defer srv.Close()

	res := New(testSettings()).Fetch(context.Background(), srv.URL)
	require.True(t, res.OK())
	require.Equal(t, http.StatusPartialContent, res.Status)
	require.Equal(t, []byte("MZ\x90\x00"), res.Body)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchPersistentNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	settings := testSettings()
	settings.MaxRetries = 3

	start := time.Now()
	res := New(settings).Fetch(context.Background(), srv.URL)
	elapsed := time.Since(start)

	require.Equal(t, OutcomeMissing, res.Outcome)
	require.Equal(t, int32(4), hits.Load())
	require.Equal(t, 4, res.Attempts)
	// 5ms + 10ms + 15ms of backoff
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestFetchRecoversAfterNotFound(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		stamp []time.Time
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamp = append(stamp, time.Now())
		n := len(stamp)
		mu.Unlock()

		if n <= 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	settings := testSettings()
	settings.RetryBase = 20 * time.Millisecond

	res := New(settings).Fetch(context.Background(), srv.URL)

	require.True(t, res.OK(), res.Err)
	require.Equal(t, []byte("%PDF-1.7"), res.Body)
	require.Equal(t, 4, res.Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamp, 4)
	for i := 1; i < len(stamp); i++ {
		require.GreaterOrEqual(t, stamp[i].Sub(stamp[i-1]), time.Duration(i)*settings.RetryBase)
	}
}

func TestFetchDoesNotFollowRedirect(t *testing.T) {
	t.Parallel()

	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		_, _ = w.Write([]byte("MZ"))
	}))
	defer target.Close()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer srv.Close()

	res := New(testSettings(), WithHTTPClient(http.DefaultClient)).Fetch(context.Background(), srv.URL)

	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, int32(1), hits.Load())
	require.Zero(t, targetHits.Load())
	require.Nil(t, http.DefaultClient.CheckRedirect)
}

func TestFetchOtherStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := New(testSettings()).Fetch(context.Background(), srv.URL)

	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.Equal(t, int32(1), hits.Load())
}

func TestFetchAttemptTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	settings := testSettings()
	settings.Timeout = 30 * time.Millisecond

	start := time.Now()
	res := New(settings).Fetch(context.Background(), srv.URL)

	require.Equal(t, OutcomeTimeout, res.Outcome)
	require.Equal(t, int32(1), hits.Load())
	require.Less(t, time.Since(start), time.Second)
}

func TestFetchTransportErrorResolves(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	settings := testSettings()
	settings.MaxRetries = 2

	res := New(settings).Fetch(context.Background(), url)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Equal(t, 3, res.Attempts)
	require.Error(t, res.Err)
}

func TestFetchContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	settings := testSettings()
	settings.RetryBase = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := New(settings).Fetch(ctx, srv.URL)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
