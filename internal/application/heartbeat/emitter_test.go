package heartbeat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultFailThreshold, cfg.FailThreshold)

	// sub-second intervals are floored, not honored
	cfg = Config{Interval: 200 * time.Millisecond, FailThreshold: -3}.withDefaults()
	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, DefaultFailThreshold, cfg.FailThreshold)
}

func TestFreshEmitterIsHealthy(t *testing.T) {
	e := New(Config{URL: "http://web.test/beat"})

	assert.True(t, e.Healthy())

	st := e.Status()
	assert.Nil(t, st.LastAttemptAt)
	assert.Nil(t, st.LastSuccessAt)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Nil(t, st.LastError)
	assert.True(t, st.WebappReachable)
	assert.Equal(t, 30, st.IntervalSeconds)
	assert.Equal(t, 2, st.FailThreshold)
}

func TestBeatPostsSentAt(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL})
	e.beat(context.Background())

	assert.Equal(t, "application/json", gotContentType)

	var payload struct {
		SentAt string `json:"sent_at"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	sentAt, err := time.Parse(time.RFC3339Nano, payload.SentAt)
	require.NoError(t, err)

	st := e.Status()
	require.NotNil(t, st.LastAttemptAt)
	require.NotNil(t, st.LastSuccessAt)
	assert.True(t, sentAt.Equal(*st.LastAttemptAt))
	assert.True(t, st.LastAttemptAt.Equal(*st.LastSuccessAt))
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Nil(t, st.LastError)
}

func TestBeatFailuresCrossThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL, FailThreshold: 2})

	e.beat(context.Background())
	assert.True(t, e.Healthy(), "one failure stays under the threshold")

	e.beat(context.Background())
	assert.False(t, e.Healthy())

	st := e.Status()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.False(t, st.WebappReachable)
	assert.Nil(t, st.LastSuccessAt)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "unexpected status 502")
}

func TestBeatSuccessResetsFailures(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	e := New(Config{URL: srv.URL, FailThreshold: 2})
	e.beat(context.Background())
	e.beat(context.Background())
	e.beat(context.Background())
	require.False(t, e.Healthy())

	fail.Store(false)
	e.beat(context.Background())

	assert.True(t, e.Healthy())
	st := e.Status()
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Nil(t, st.LastError)
	require.NotNil(t, st.LastSuccessAt)
	assert.True(t, st.LastSuccessAt.Equal(*st.LastAttemptAt))
}

func TestBeatRecordsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	e := New(Config{URL: srv.URL})
	e.beat(context.Background())

	st := e.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.NotNil(t, st.LastError)
	assert.Nil(t, st.LastSuccessAt)
	require.NotNil(t, st.LastAttemptAt)
}

func TestStartBeatsImmediatelyAndStopsOnCancel(t *testing.T) {
	beats := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case beats <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	e := New(Config{URL: srv.URL, Interval: time.Minute})
	go func() { done <- e.Start(ctx) }()

	select {
	case <-beats:
	case <-time.After(5 * time.Second):
		t.Fatal("no beat arrived before the first tick")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	assert.True(t, e.Healthy())
	require.NotNil(t, e.Status().LastSuccessAt)
}
