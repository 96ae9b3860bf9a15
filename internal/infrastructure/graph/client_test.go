package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, serverURL string, maxRetries int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:      serverURL,
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		MaxRetries:   maxRetries,
	}, nil,
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, err)
	return c
}

func TestClient_GetJSON(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"u1","displayName":"Alice"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	raw, err := c.GetJSON(context.Background(), "/users/u1")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Alice", out["displayName"])
}

func TestClient_BuildURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", 0)

	_, err := c.GetJSON(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, "/users", gotPath)

	// full URLs pass through untouched
	_, err = c.GetJSON(context.Background(), srv.URL+"/groups")
	require.NoError(t, err)
	assert.Equal(t, "/groups", gotPath)
}

func TestClient_RetriesOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.GetJSON(context.Background(), "/me")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_401OnFinalAttemptSurfacesGraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.GetJSON(context.Background(), "/me")
	require.Error(t, err)
	assert.True(t, HasStatus(err, http.StatusUnauthorized))
}

func TestClient_HonorsNumericRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL:      srv.URL,
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		MaxRetries:   1,
	}, nil,
		WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})),
		// a large backoff base proves the Retry-After path was taken
		WithBackoff(10*time.Second, 10*time.Second),
	)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.GetJSON(context.Background(), "/items")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetryableStatusExhaustionSurfacesGraphError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.GetJSON(context.Background(), "/items")
	require.Error(t, err)
	assert.True(t, HasStatus(err, http.StatusServiceUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TransportErrorExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.GetJSON(context.Background(), "/items")
	require.Error(t, err)

	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.False(t, HasStatus(err, http.StatusInternalServerError))
}

func TestClient_GraphErrorMessageTruncated(t *testing.T) {
	body := strings.Repeat("e", 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.GetJSON(context.Background(), "/items")
	require.Error(t, err)

	var ge *GraphError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, http.StatusBadRequest, ge.StatusCode)
	assert.Len(t, ge.Message, 400)
	assert.Equal(t, body, ge.Body)
}

func TestClient_EmptyErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.GetJSON(context.Background(), "/items")

	var ge *GraphError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "request_failed", ge.Message)
}

func TestClient_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	raw, err := c.GetJSON(context.Background(), "/items")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestClient_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"truncated":`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.GetJSON(context.Background(), "/items")

	var te *TransportError
	require.True(t, errors.As(err, &te))
}

func TestClient_Pages(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items":
			json.NewEncoder(w).Encode(map[string]any{
				"value":           []map[string]string{{"id": "1"}, {"id": "2"}},
				"@odata.nextLink": srv.URL + "/items-page2",
			})
		case "/items-page2":
			json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{{"id": "3"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	var ids []string
	err := c.Pages(context.Background(), "/items", func(item json.RawMessage) error {
		var v struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &v); err != nil {
			return err
		}
		ids = append(ids, v.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestClient_PagesStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]string{{"id": "1"}, {"id": "2"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)

	boom := errors.New("boom")
	var seen int
	err := c.Pages(context.Background(), "/items", func(json.RawMessage) error {
		seen++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}

func TestClient_GetPageDeltaLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"value":            []map[string]string{{"id": "a"}},
			"@odata.deltaLink": "https://example.test/delta?token=abc",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	page, err := c.GetPage(context.Background(), "/sites/delta")
	require.NoError(t, err)
	assert.Len(t, page.Value, 1)
	assert.Empty(t, page.NextLink)
	assert.Equal(t, "https://example.test/delta?token=abc", page.DeltaLink)
}

func TestHasStatus(t *testing.T) {
	err := &GraphError{StatusCode: 404}
	assert.True(t, HasStatus(err, 403, 404, 410))
	assert.False(t, HasStatus(err, 500))
	assert.False(t, HasStatus(errors.New("plain"), 404))
	assert.False(t, HasStatus(nil, 404))
}

func TestScopeForBase(t *testing.T) {
	assert.Equal(t, "https://graph.microsoft.com/.default", scopeForBase("https://graph.microsoft.com/v1.0"))
	assert.Equal(t, "https://graph.example.test/.default", scopeForBase("https://graph.example.test/v1.0"))
	assert.Equal(t, "https://graph.microsoft.com/.default", scopeForBase("not a url"))
}
