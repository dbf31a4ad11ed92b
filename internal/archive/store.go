package archive

import (
	"context"
	"errors"
	"time"

	"github.com/marcogenualdo/reqprint/internal/config"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func NewStore(cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, errors.New("redis config is required for redis archive type")
		}
		return NewRedisStore(*cfg.Redis)
	default:
		return nil, errors.New("unsupported archive type: " + cfg.Type)
	}
}
