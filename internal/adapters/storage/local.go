// Package storage provides the filesystem implementation of core.Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/target/exportd/internal/core"
	apperrors "github.com/target/exportd/internal/errors"
)

// LocalScheme prefixes refs returned by Local.
const LocalScheme = "local://"

var _ core.Storage = (*Local)(nil)

// Local stores objects as files under a root directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partially written object.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err = os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) pathFor(key string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(key, "/"))
	if !filepath.IsLocal(rel) {
		return "", apperrors.ValidationField("key", fmt.Sprintf("storage key %q escapes the storage root", key))
	}
	return filepath.Join(l.root, rel), nil
}

func (l *Local) pathForRef(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, LocalScheme)
	if !ok {
		return "", apperrors.Validationf("artifact ref %q is not a local ref", ref)
	}
	return l.pathFor(key)
}

// Put writes r to key, replacing any existing object.
func (l *Local) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	dst, err := l.pathFor(key)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", apperrors.Transient(err, "create artifact directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", apperrors.Transient(err, "create temporary artifact")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperrors.Transient(err, "write artifact")
	}
	if err = tmp.Close(); err != nil {
		return "", apperrors.Transient(err, "flush artifact")
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", apperrors.Transient(err, "commit artifact")
	}
	return LocalScheme + filepath.ToSlash(strings.TrimPrefix(key, "/")), nil
}

// Open returns a reader for ref.
func (l *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := l.pathForRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFoundf("artifact %s not found", ref)
	}
	if err != nil {
		return nil, apperrors.Transient(err, "open artifact")
	}
	return f, nil
}

// Delete removes ref. Missing objects are not an error.
func (l *Local) Delete(_ context.Context, ref string) error {
	p, err := l.pathForRef(ref)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Transient(err, "delete artifact")
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
