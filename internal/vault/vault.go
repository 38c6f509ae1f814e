// Package vault implements the snapshot store on top of the GitHub
// contents API: one file per stack in a private repository.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/example/stackvault/internal/stack"
)

// ErrNotPrivate is returned when the backup repository is publicly
// readable. Stack files routinely contain credentials, so the vault
// refuses to write to a public repository.
var ErrNotPrivate = errors.New("repository is not private")

// Vault is a handle to the backup repository.
type Vault struct {
	client *github.Client
	owner  string
	name   string
	logger *slog.Logger
}

// Open authenticates with GitHub, resolves the backup repository and
// verifies it is private. The repository may be given as "owner/name" or
// as a bare name owned by the authenticated user.
func Open(ctx context.Context, token, repository string, logger *slog.Logger) (*Vault, error) {
	client := github.NewClient(nil).WithAuthToken(token)
	return open(ctx, client, repository, logger)
}

// open is the injectable half of Open, used by tests with a client pointed
// at a local server.
func open(ctx context.Context, client *github.Client, repository string, logger *slog.Logger) (*Vault, error) {
	owner, name, found := strings.Cut(repository, "/")
	if !found {
		user, _, err := client.Users.Get(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate with github: %w", err)
		}
		owner, name = user.GetLogin(), repository
	}

	repo, _, err := client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get github repository %s/%s: %w", owner, name, err)
	}
	if !repo.GetPrivate() {
		return nil, fmt.Errorf("github repository %s: %w", repo.GetFullName(), ErrNotPrivate)
	}

	logger.Debug("opened github repository", "repository", repo.GetFullName())
	return &Vault{
		client: client,
		owner:  owner,
		name:   name,
		logger: logger,
	}, nil
}

// FullName returns the owner/name of the backup repository.
func (v *Vault) FullName() string {
	return v.owner + "/" + v.name
}

// List walks the repository tree and returns every stored stack file keyed
// by path, content decoded and blob SHA attached. A repository with no
// contents yet yields an empty map. Failure to list one subdirectory skips
// that subtree and continues with the rest.
func (v *Vault) List(ctx context.Context) (map[string]stack.Record, error) {
	records := make(map[string]stack.Record)

	queue := []string{""}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		file, listing, res, err := v.client.Repositories.GetContents(ctx, v.owner, v.name, dir, nil)
		if err != nil {
			if res != nil && res.StatusCode == http.StatusNotFound && dir == "" {
				v.logger.Info("github repository is empty, treating as fresh state", "repository", v.FullName())
				return records, nil
			}
			if dir == "" {
				return nil, fmt.Errorf("failed to list github repository %s: %w", v.FullName(), err)
			}
			v.logger.Error("failed to list directory in github repository, skipping subtree",
				"repository", v.FullName(), "dir", dir, "error", err)
			continue
		}
		if file != nil {
			listing = []*github.RepositoryContent{file}
		}

		for _, entry := range listing {
			switch entry.GetType() {
			case "dir":
				queue = append(queue, entry.GetPath())
			case "file":
				rec, err := v.fetch(ctx, entry.GetPath())
				if err != nil {
					v.logger.Error("failed to fetch file from github repository, skipping",
						"repository", v.FullName(), "path", entry.GetPath(), "error", err)
					continue
				}
				records[rec.Key()] = rec
				v.logger.Debug("found file in github repository", "path", rec.Path, "sha", rec.SHA)
			}
		}
	}

	v.logger.Info("listed github repository", "repository", v.FullName(), "count", len(records))
	return records, nil
}

// fetch retrieves a single file with its base64-encoded content. Directory
// listings omit content, so each file costs one extra call.
func (v *Vault) fetch(ctx context.Context, path string) (stack.Record, error) {
	file, _, _, err := v.client.Repositories.GetContents(ctx, v.owner, v.name, path, nil)
	if err != nil {
		return stack.Record{}, err
	}
	if file == nil {
		return stack.Record{}, fmt.Errorf("path %s is not a file", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return stack.Record{}, fmt.Errorf("failed to decode content of %s: %w", path, err)
	}

	return stack.NewSnapshot(path, content, file.GetSHA())
}

// Create writes a new file and returns the commit URL.
func (v *Vault) Create(ctx context.Context, path, content string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Create " + path),
		Content: []byte(content),
	}

	res, _, err := v.client.Repositories.CreateFile(ctx, v.owner, v.name, path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s in github repository %s: %w", path, v.FullName(), err)
	}

	v.logger.Debug("created file in github repository", "repository", v.FullName(), "path", path)
	return res.Commit.GetHTMLURL(), nil
}

// Update overwrites an existing file, identified by its blob SHA, and
// returns the commit URL.
func (v *Vault) Update(ctx context.Context, path, content, sha string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Update " + path),
		Content: []byte(content),
		SHA:     github.String(sha),
	}

	res, _, err := v.client.Repositories.UpdateFile(ctx, v.owner, v.name, path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to update file %s in github repository %s: %w", path, v.FullName(), err)
	}

	v.logger.Debug("updated file in github repository", "repository", v.FullName(), "path", path)
	return res.Commit.GetHTMLURL(), nil
}

// Delete removes a file, identified by its blob SHA, and returns the
// commit URL.
func (v *Vault) Delete(ctx context.Context, path, sha string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String("Delete " + path),
		SHA:     github.String(sha),
	}

	res, _, err := v.client.Repositories.DeleteFile(ctx, v.owner, v.name, path, opts)
	if err != nil {
		return "", fmt.Errorf("failed to delete file %s from github repository %s: %w", path, v.FullName(), err)
	}

	v.logger.Debug("deleted file from github repository", "repository", v.FullName(), "path", path)
	return res.Commit.GetHTMLURL(), nil
}
