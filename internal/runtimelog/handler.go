// Package runtimelog renders operational log records as single-line
// `[LEVEL] [ACTOR]: message` entries, the format consumed by the platform
// log collector.
package runtimelog

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"
)

// Actor tags accepted by the operational log. Records carrying any other
// actor value are attributed to ActorDB.
const (
	ActorAPI       = "API"
	ActorScheduler = "SCHEDULER"
	ActorHeartbeat = "HEARTBEAT"
	ActorGraph     = "GRAPH"
	ActorDB        = "DB"
)

// AttrActor is the attribute key that selects a record's actor tag.
// Bind it once per component: logger.With(runtimelog.AttrActor, runtimelog.ActorGraph).
const AttrActor = "actor"

// maxMessageRunes caps the rendered payload; longer payloads are cut to
// 597 runes plus an ellipsis.
const maxMessageRunes = 600

var allowedActors = map[string]struct{}{
	ActorAPI:       {},
	ActorScheduler: {},
	ActorHeartbeat: {},
	ActorGraph:     {},
	ActorDB:        {},
}

// Handler is a slog.Handler that writes single-line actor-tagged records.
// Levels collapse onto the three operational severities: records at or
// above ERROR render as ERROR, at or above WARN as WARN, everything else
// as INFO.
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	actor  string
	attrs  []slog.Attr
	groups []string
}

// New creates a Handler writing to w. A nil level defaults to slog.LevelInfo.
func New(w io.Writer, level slog.Leveler) *Handler {
	return &Handler{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
	}
}

// Enabled reports whether records at the given level are emitted.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

// Handle renders a record as `[LEVEL] [ACTOR]: message key=value ...`.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	actor := h.actor

	var b strings.Builder
	b.WriteString(r.Message)

	prefix := strings.Join(h.groups, ".")
	for _, a := range h.attrs {
		appendAttr(&b, prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == AttrActor && len(h.groups) == 0 {
			actor = a.Value.Resolve().String()
			return true
		}
		appendAttr(&b, prefix, a)
		return true
	})

	line := "[" + levelName(r.Level) + "] [" + normalizeActor(actor) + "]: " + sanitize(b.String()) + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line)
	return err
}

// WithAttrs returns a Handler with the given attributes pre-bound. An
// AttrActor attribute outside any group sets the handler's actor tag.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if a.Key == AttrActor && len(h.groups) == 0 {
			h2.actor = a.Value.Resolve().String()
			continue
		}
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

// WithGroup returns a Handler that qualifies subsequent attribute keys
// with the group name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(b, key, ga)
		}
		return
	}
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	default:
		return "INFO"
	}
}

func normalizeActor(actor string) string {
	a := strings.ToUpper(strings.TrimSpace(actor))
	if _, ok := allowedActors[a]; ok {
		return a
	}
	return ActorDB
}

// sanitize collapses a payload onto one line and caps its length. Empty
// payloads render as "-" so the collector never sees a bare separator.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if utf8.RuneCountInString(s) > maxMessageRunes {
		runes := []rune(s)
		return string(runes[:maxMessageRunes-3]) + "..."
	}
	return s
}
