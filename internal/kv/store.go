// Package kv defines the persistent key-value store consumed by the sync core
// and the change events other client instances observe through it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mealsync/internal/errs"
)

// Store is a string-keyed byte store.
type Store interface {
	// Get returns the value or errs.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set creates or overwrites the value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// ChangeEvent describes a write observed on a shared store.
type ChangeEvent struct {
	Key     string
	Value   []byte
	Deleted bool
	// Origin identifies the client instance that made the write.
	Origin string
}

// Feed delivers change events to subscribers.
type Feed interface {
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())
}

// NewOrigin returns a fresh client instance identifier.
func NewOrigin() string {
	return uuid.Must(uuid.NewV4()).String()
}

// GetJSON loads key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// SetJSON stores v under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, b)
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }
