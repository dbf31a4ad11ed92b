// Package archive keeps a copy of every printed request so it can be looked at
// after it has scrolled off the console.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcogenualdo/reqprint/internal/config"
)

const (
	recordPrefix = "request:"
	healthKey    = "health:check"
)

// Record is the stored form of one request.
type Record struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	ReceivedAt    time.Time `json:"received_at"`
	Lines         []string  `json:"lines"`
	ContentLength uint64    `json:"content_length"`
	Body          []byte    `json:"body,omitempty"`
}

type Archive struct {
	store Store
	kind  string
	ttl   time.Duration
}

// New returns nil when archiving is disabled.
func New(cfg config.ArchiveConfig) (*Archive, error) {
	if cfg.Type == "none" {
		return nil, nil
	}

	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}

	return NewWithStore(store, cfg.Type, cfg.TTL), nil
}

func NewWithStore(store Store, kind string, ttl time.Duration) *Archive {
	return &Archive{store: store, kind: kind, ttl: ttl}
}

func (a *Archive) Type() string {
	return a.kind
}

func (a *Archive) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}

	if err := a.store.Set(ctx, recordPrefix+rec.ID, data, a.ttl); err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return nil
}

func (a *Archive) Load(ctx context.Context, id string) (*Record, error) {
	data, err := a.store.Get(ctx, recordPrefix+id)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
	}
	return &rec, nil
}

// Ping round-trips a short-lived key through the backing store.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.store.Set(ctx, healthKey, []byte("ok"), time.Minute); err != nil {
		return err
	}
	return a.store.Delete(ctx, healthKey)
}

func (a *Archive) Close() error {
	return a.store.Close()
}
