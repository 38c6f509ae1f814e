// Package discord delivers change notifications and mirrored log records
// to Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/example/stackvault/internal/sync"
)

const (
	embedColor = 0x1D63ED

	authorName = "stackvault"
	authorURL  = "https://github.com/example/stackvault"
	footerText = "Docker"
)

type message struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Author      *author `json:"author,omitempty"`
	Color       int     `json:"color"`
	Fields      []field `json:"fields,omitempty"`
	Footer      *footer `json:"footer,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type author struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

// Notifier posts one embed per applied change to a Discord webhook. An
// empty webhook URL disables delivery entirely.
type Notifier struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewNotifier creates a change notifier for the given webhook URL.
func NewNotifier(url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify delivers one change event, best-effort. Delivery failures are
// logged and never escalate.
func (n *Notifier) Notify(ctx context.Context, ev sync.Event) {
	if !n.Enabled() {
		n.logger.Debug("discord webhook for notifications is not set")
		return
	}

	msg := message{Embeds: []embed{changeEmbed(ev)}}
	if err := post(ctx, n.http, n.url, msg); err != nil {
		n.logger.Error("failed to deliver change notification",
			"stack", ev.Stack, "action", string(ev.Action), "error", err)
		return
	}

	n.logger.Debug("delivered change notification", "stack", ev.Stack, "action", string(ev.Action))
}

// changeEmbed builds the fixed notification schema for one change.
func changeEmbed(ev sync.Event) embed {
	fields := []field{
		{Name: "Stack", Value: ev.Stack, Inline: true},
		{Name: "Action", Value: fmt.Sprintf("[%s](%s)", ev.Action, ev.URL), Inline: true},
		{Name: "Detected", Value: relativeTimestamp(ev.Detected), Inline: true},
	}
	if ev.Meta != nil {
		fields = append(fields, field{
			Name:   "Deployed",
			Value:  fmt.Sprintf("%s by %s", relativeTimestamp(ev.Meta.Created), ev.Meta.CreatedBy),
			Inline: true,
		})
		if !ev.Meta.Updated.IsZero() {
			fields = append(fields, field{
				Name:   "Updated",
				Value:  fmt.Sprintf("%s by %s", relativeTimestamp(ev.Meta.Updated), ev.Meta.UpdatedBy),
				Inline: true,
			})
		}
	}
	fields = append(fields, field{
		Name:  "File",
		Value: fmt.Sprintf("```\n%s\n```", ev.Path),
	})

	return embed{
		Author:    &author{Name: authorName, URL: authorURL},
		Color:     embedColor,
		Fields:    fields,
		Footer:    &footer{Text: footerText},
		Timestamp: ev.Detected.UTC().Format(time.RFC3339),
	}
}

// relativeTimestamp renders a Discord relative timestamp, e.g. shown as
// "6 minutes ago".
func relativeTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

// post sends one webhook message. Only rate limiting is retried, with a
// bounded backoff; any other failure is returned immediately.
func post(ctx context.Context, client *http.Client, url string, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = res.Body.Close()
		}()
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))

		if res.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("rate limited: %s", res.Status))
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return fmt.Errorf("unexpected status %s", res.Status)
		}
		return nil
	})
}
