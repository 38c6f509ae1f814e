package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Level colors roughly matching Discord's own palette.
const (
	colorDebug = 0x95A5A6
	colorInfo  = 0x3498DB
	colorWarn  = 0xF1C40F
	colorError = 0xE74C3C
)

// Handler is a slog.Handler that mirrors log records at or above a minimum
// level to a Discord webhook. Delivery is best-effort and synchronous; it
// is meant to sit next to a console handler, not replace it.
type Handler struct {
	url    string
	level  slog.Leveler
	http   *http.Client
	attrs  []slog.Attr
	groups []string
}

// NewHandler creates a log-mirroring handler for the given webhook URL.
func NewHandler(url string, level slog.Leveler) *Handler {
	return &Handler{
		url:   url,
		level: level,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler by posting the record as a single embed.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	for _, attr := range h.attrs {
		writeAttr(&b, nil, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, h.groups, attr)
		return true
	})

	msg := message{Embeds: []embed{{
		Title:       r.Level.String(),
		Description: r.Message,
		Color:       levelColor(r.Level),
		Fields:      descriptionFields(b.String()),
		Footer:      &footer{Text: authorName},
		Timestamp:   r.Time.UTC().Format(time.RFC3339),
	}}}

	return post(ctx, h.http, h.url, msg)
}

// WithAttrs implements slog.Handler. Group prefixes are baked into the
// keys at bind time so later groups do not retroactively apply.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	bound := append([]slog.Attr{}, h.attrs...)
	for _, attr := range attrs {
		bound = append(bound, slog.Attr{Key: prefixKey(h.groups, attr.Key), Value: attr.Value})
	}
	clone.attrs = bound
	return &clone
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func writeAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s=%v", prefixKey(groups, attr.Key), attr.Value.Any())
}

func prefixKey(groups []string, key string) string {
	if len(groups) == 0 {
		return key
	}
	return strings.Join(groups, ".") + "." + key
}

func descriptionFields(attrs string) []field {
	if attrs == "" {
		return nil
	}
	return []field{{Name: "Context", Value: fmt.Sprintf("```\n%s\n```", attrs)}}
}

func levelColor(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return colorError
	case level >= slog.LevelWarn:
		return colorWarn
	case level >= slog.LevelInfo:
		return colorInfo
	default:
		return colorDebug
	}
}
