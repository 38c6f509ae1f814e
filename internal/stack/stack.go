// Package stack defines the record model shared by the stack sources and
// the snapshot store.
package stack

import (
	"fmt"
	"strings"
	"time"
)

// Meta carries stack metadata as reported by Portainer. It is nil for
// records read from the local filesystem or from the snapshot store.
type Meta struct {
	Created   time.Time
	CreatedBy string
	Updated   time.Time // zero when the stack was never updated
	UpdatedBy string
}

// Record is one stack file, either as currently deployed (source side) or
// as last backed up (snapshot side).
type Record struct {
	Stack    string // logical stack/project name
	Filename string // base name of the file
	Path     string // repository-relative path, forward slashes
	Content  string // full file body
	SHA      string // blob SHA of the stored file; snapshot side only
	Meta     *Meta
}

// Key returns the identity under which the record is reconciled. Keys are
// compared with exact string equality; paths differing only in case are
// distinct units.
func (r Record) Key() string { return r.Path }

// New builds a source-side record and validates the required fields.
func New(stackName, filename, path, content string) (Record, error) {
	if stackName == "" {
		return Record{}, fmt.Errorf("record %q: stack name is required", path)
	}
	if filename == "" {
		return Record{}, fmt.Errorf("record %q: filename is required", path)
	}
	if path == "" {
		return Record{}, fmt.Errorf("record for stack %q: path is required", stackName)
	}

	return Record{
		Stack:    stackName,
		Filename: filename,
		Path:     path,
		Content:  content,
	}, nil
}

// NewSnapshot builds a snapshot-side record from a stored file. The stack
// name is derived from the path: the first segment for nested layouts, the
// filename without its extension for files at the repository root.
func NewSnapshot(path, content, sha string) (Record, error) {
	if path == "" {
		return Record{}, fmt.Errorf("snapshot record: path is required")
	}
	if sha == "" {
		return Record{}, fmt.Errorf("snapshot record %q: blob SHA is required", path)
	}

	filename := path
	stackName := path
	if i := strings.Index(path, "/"); i >= 0 {
		stackName = path[:i]
		filename = path[strings.LastIndex(path, "/")+1:]
	} else if i := strings.LastIndex(path, "."); i > 0 {
		stackName = path[:i]
	}

	return Record{
		Stack:    stackName,
		Filename: filename,
		Path:     path,
		Content:  content,
		SHA:      sha,
	}, nil
}
