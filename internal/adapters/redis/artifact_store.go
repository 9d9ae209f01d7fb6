package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/exportd/internal/core"
	apperrors "github.com/target/exportd/internal/errors"
)

// RefScheme prefixes refs returned by ArtifactStore.
const RefScheme = "redis://"

var _ core.Storage = (*ArtifactStore)(nil)

// ArtifactStore keeps artifacts as plain Redis strings. It suits small
// deployments where the archive and rendered images fit comfortably in memory.
type ArtifactStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewArtifactStore creates a store writing under prefix. A positive ttl makes
// Redis evict objects on its own as a backstop to the expiration sweeper.
func NewArtifactStore(client redis.UniversalClient, prefix string, ttl time.Duration) *ArtifactStore {
	if prefix == "" {
		prefix = "exportd:blob:"
	}
	return &ArtifactStore{client: client, prefix: prefix, ttl: max(ttl, 0)}
}

// Put stores the reader's content under key, overwriting any previous value.
func (s *ArtifactStore) Put(ctx context.Context, key string, r io.Reader, _ string) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", apperrors.Transient(err, "read artifact body")
	}
	if err = s.client.Set(ctx, s.prefix+key, body, s.ttl).Err(); err != nil {
		return "", apperrors.Transient(err, "redis set artifact")
	}
	return RefScheme + key, nil
}

func (s *ArtifactStore) keyFor(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, RefScheme)
	if !ok || key == "" {
		return "", apperrors.Validationf("artifact ref %q is not a redis ref", ref)
	}
	return s.prefix + key, nil
}

// Open returns the stored bytes for ref.
func (s *ArtifactStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := s.keyFor(ref)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFoundf("artifact %s not found", ref)
	}
	if err != nil {
		return nil, apperrors.Transient(err, fmt.Sprintf("redis get artifact %s", ref))
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// Delete removes ref. Missing objects are not an error.
func (s *ArtifactStore) Delete(ctx context.Context, ref string) error {
	key, err := s.keyFor(ref)
	if err != nil {
		return err
	}
	if err = s.client.Del(ctx, key).Err(); err != nil {
		return apperrors.Transient(err, "redis del artifact")
	}
	return nil
}
