// Package redis keeps revalidation tokens in Redis so several processes
// sharing one cache directory agree on what each URL currently serves.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/italolelis/taskgraph/internal/storage"
)

const (
	DefaultPrefix = "taskgraph:"
	opTimeout     = 5 * time.Second
)

// TokenIndex stores tokens as one hash per URL and delegates artifact
// records to the wrapped index.
type TokenIndex struct {
	storage.ArtifactIndex

	client *goredis.Client
	prefix string
	ttl    time.Duration
}

type Option func(*TokenIndex)

func WithPrefix(prefix string) Option {
	return func(i *TokenIndex) { i.prefix = prefix }
}

// WithTTL expires tokens that were not refreshed for d.
func WithTTL(d time.Duration) Option {
	return func(i *TokenIndex) { i.ttl = d }
}

func NewTokenIndex(client *goredis.Client, artifacts storage.ArtifactIndex, opts ...Option) *TokenIndex {
	i := &TokenIndex{ArtifactIndex: artifacts, client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Connect parses a redis:// URL and checks the server answers.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return client, nil
}

func (i *TokenIndex) key(url string) string {
	return i.prefix + "token:" + url
}

func (i *TokenIndex) PutToken(rec storage.TokenRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	key := i.key(rec.URL)

	_, err := i.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"etag", rec.ETag,
			"last_modified", rec.LastModified,
			"algorithm", rec.Algorithm,
			"digest", rec.Digest,
			"path", rec.Path,
			"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)

		if i.ttl > 0 {
			pipe.Expire(ctx, key, i.ttl)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token of %s: %w", rec.URL, err)
	}

	return nil
}

func (i *TokenIndex) GetToken(url string) (storage.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	fields, err := i.client.HGetAll(ctx, i.key(url)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return storage.TokenRecord{}, fmt.Errorf("failed to read token of %s: %w", url, err)
	}

	if len(fields) == 0 {
		return storage.TokenRecord{}, storage.ErrNotFound
	}

	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])

	return storage.TokenRecord{
		URL:          url,
		ETag:         fields["etag"],
		LastModified: fields["last_modified"],
		Algorithm:    fields["algorithm"],
		Digest:       fields["digest"],
		Path:         fields["path"],
		UpdatedAt:    updatedAt,
	}, nil
}

func (i *TokenIndex) DeleteToken(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := i.client.Del(ctx, i.key(url)).Err(); err != nil {
		return fmt.Errorf("failed to delete token of %s: %w", url, err)
	}

	return nil
}
