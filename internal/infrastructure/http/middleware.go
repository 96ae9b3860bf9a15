package http

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Princeton-IT-Services-Org/Princeton-Sentinel/internal/runtimelog"
)

// internalTokenHeader carries the shared secret on every admin request.
const internalTokenHeader = "X-Worker-Internal-Token"

// internalTokenAuth gates every route behind the shared-secret header. An
// empty expected token fails closed: nothing authenticates until the secret
// is configured.
func internalTokenAuth(expected string) func(http.Handler) http.Handler {
	expectedToken := []byte(strings.TrimSpace(expected))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(internalTokenHeader))
			if provided == "" {
				writeError(w, http.StatusUnauthorized, "missing_internal_token")
				return
			}
			if len(expectedToken) == 0 || subtle.ConstantTimeCompare([]byte(provided), expectedToken) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid_internal_token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxSummaryRunes caps the error summary on response log lines.
const maxSummaryRunes = 220

// summaryCaptureBytes bounds how much of a response body is retained for the
// summary. Admin error bodies are one short JSON object.
const summaryCaptureBytes = 1024

// requestLogger writes one line when a request arrives and one when its
// response is sent. Non-2xx responses carry a short error summary pulled
// from the body.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		slog.InfoContext(r.Context(), fmt.Sprintf("Request received: %s %s", r.Method, r.URL.Path),
			runtimelog.AttrActor, runtimelog.ActorAPI,
			"request_id", requestID)

		body := &capBuffer{limit: summaryCaptureBytes}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(body)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		phrase := http.StatusText(status)
		if phrase == "" {
			phrase = "Unknown Status"
		}

		if status >= 200 && status < 300 {
			slog.InfoContext(r.Context(), fmt.Sprintf("Response sent: %d %s for %s %s", status, phrase, r.Method, r.URL.Path),
				runtimelog.AttrActor, runtimelog.ActorAPI,
				"request_id", requestID)
			return
		}

		msg := fmt.Sprintf("Response sent: %d %s for %s %s; error=%s",
			status, phrase, r.Method, r.URL.Path, errorSummary(body.data))
		if status >= 500 {
			slog.ErrorContext(r.Context(), msg,
				runtimelog.AttrActor, runtimelog.ActorAPI,
				"request_id", requestID)
		} else {
			slog.WarnContext(r.Context(), msg,
				runtimelog.AttrActor, runtimelog.ActorAPI,
				"request_id", requestID)
		}
	})
}

// capBuffer keeps the first limit bytes written and drops the rest.
type capBuffer struct {
	limit int
	data  []byte
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.data); room > 0 {
		if len(p) > room {
			b.data = append(b.data, p[:room]...)
		} else {
			b.data = append(b.data, p...)
		}
	}
	return len(p), nil
}

// errorSummary condenses a response body to one short line: the error or
// message field of a JSON body when present, otherwise the body itself with
// newlines collapsed.
func errorSummary(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"error", "message"} {
			if s, ok := payload[key].(string); ok && s != "" {
				return truncateSummary(s)
			}
		}
	}
	text := strings.NewReplacer("\n", " ", "\r", " ").Replace(string(body))
	text = strings.TrimSpace(text)
	if text == "" {
		return "unspecified_error"
	}
	return truncateSummary(text)
}

func truncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryRunes {
		return s
	}
	return string(runes[:maxSummaryRunes-3]) + "..."
}

// maxBodyBytes rejects requests whose body exceeds the limit. The
// Content-Length check catches declared oversizes early; the read-through
// catches chunked and misdeclared bodies.
func maxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > limit {
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}

			body := http.MaxBytesReader(w, r.Body, limit)
			buf, err := io.ReadAll(body)
			if err != nil {
				slog.WarnContext(r.Context(), "Request body size limit exceeded",
					runtimelog.AttrActor, runtimelog.ActorAPI,
					"method", r.Method,
					"path", r.URL.Path,
					"content_length", r.ContentLength,
					"limit", limit)
				writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(buf))
			next.ServeHTTP(w, r)
		})
	}
}
