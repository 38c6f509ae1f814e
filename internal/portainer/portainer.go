// Package portainer implements the Portainer API source: authenticate,
// list stacks, fetch compose file bodies.
package portainer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/stackvault/internal/stack"
)

// Session holds the short-lived authentication state for one run. It is
// immutable and passed explicitly into every API call.
type Session struct {
	jwt string
}

// Stack describes one Portainer stack as returned by the list endpoint.
type Stack struct {
	ID   int
	Name string
	Meta stack.Meta
}

// Client talks to one Portainer instance.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a Portainer API client. Portainer ships with a
// self-signed certificate by default, so TLS verification is optional.
// https://docs.portainer.io/advanced/ssl
func NewClient(address string, port int, skipTLSVerify bool, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipTLSVerify}

	return &Client{
		base: fmt.Sprintf("https://%s:%d", address, port),
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		logger: logger,
	}
}

// Authenticate exchanges the configured credentials for a JWT session.
// Failure here is fatal for the run.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Session, error) {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return Session{}, fmt.Errorf("failed to encode credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		JWT string `json:"jwt"`
	}
	if err := c.do(req, &result); err != nil {
		return Session{}, fmt.Errorf("failed to authenticate with portainer: %w", err)
	}
	if result.JWT == "" {
		return Session{}, fmt.Errorf("failed to authenticate with portainer: no jwt in response")
	}

	c.logger.Debug("authenticated with portainer", "address", c.base)
	return Session{jwt: result.JWT}, nil
}

// apiStack mirrors the fields of the stack list response that we consume.
type apiStack struct {
	ID           int    `json:"Id"`
	Name         string `json:"Name"`
	CreationDate int64  `json:"CreationDate"`
	CreatedBy    string `json:"CreatedBy"`
	UpdateDate   int64  `json:"UpdateDate"`
	UpdatedBy    string `json:"UpdatedBy"`
}

// ListStacks returns every stack known to the Portainer instance.
func (c *Client) ListStacks(ctx context.Context, sess Session) ([]Stack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/stacks", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stack list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.jwt)

	var entries []apiStack
	if err := c.do(req, &entries); err != nil {
		return nil, fmt.Errorf("failed to list portainer stacks: %w", err)
	}

	stacks := make([]Stack, 0, len(entries))
	for _, entry := range entries {
		s := Stack{
			ID:   entry.ID,
			Name: entry.Name,
			Meta: stack.Meta{
				Created:   time.Unix(entry.CreationDate, 0),
				CreatedBy: entry.CreatedBy,
			},
		}
		if entry.UpdateDate != 0 {
			s.Meta.Updated = time.Unix(entry.UpdateDate, 0)
			s.Meta.UpdatedBy = entry.UpdatedBy
		}
		stacks = append(stacks, s)
	}

	c.logger.Info("listed portainer stacks", "count", len(stacks))
	return stacks, nil
}

// StackFile fetches the compose file body of one stack.
func (c *Client) StackFile(ctx context.Context, sess Session, id int, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/stacks/%d/file", c.base, id), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build stack file request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sess.jwt)

	var result struct {
		StackFileContent string `json:"StackFileContent"`
	}
	if err := c.do(req, &result); err != nil {
		return "", fmt.Errorf("failed to fetch stack %s from portainer: %w", name, err)
	}
	if result.StackFileContent == "" {
		return "", fmt.Errorf("failed to fetch stack %s from portainer: file content is empty", name)
	}

	c.logger.Debug("fetched stack file from portainer", "stack", name)
	return result.StackFileContent, nil
}

// do executes a request and decodes the JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(res.Body, 10<<20)) // 10 MB limit
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", res.Status)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Source adapts the client to the stack source contract used by the sync
// engine. Every read authenticates fresh so watch mode survives JWT expiry.
type Source struct {
	client   *Client
	username string
	password string
	logger   *slog.Logger
}

// NewSource creates a Portainer-backed stack source.
func NewSource(client *Client, username, password string, logger *slog.Logger) *Source {
	return &Source{
		client:   client,
		username: username,
		password: password,
		logger:   logger,
	}
}

// Read returns the current stack set keyed by backup path ({name}.yml).
// Any failure is returned to the caller: an empty result from a broken
// read must never be mistaken for "all stacks deleted".
func (s *Source) Read(ctx context.Context) (map[string]stack.Record, error) {
	sess, err := s.client.Authenticate(ctx, s.username, s.password)
	if err != nil {
		return nil, err
	}

	stacks, err := s.client.ListStacks(ctx, sess)
	if err != nil {
		return nil, err
	}

	records := make(map[string]stack.Record, len(stacks))
	for _, st := range stacks {
		content, err := s.client.StackFile(ctx, sess, st.ID, st.Name)
		if err != nil {
			return nil, err
		}

		filename := st.Name + ".yml"
		rec, err := stack.New(st.Name, filename, filename, content)
		if err != nil {
			return nil, err
		}
		meta := st.Meta
		rec.Meta = &meta

		records[rec.Key()] = rec
	}

	s.logger.Info("read portainer stacks", "count", len(records))
	return records, nil
}
