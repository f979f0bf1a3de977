// Package keyring keeps credentials in the operating system keyring.
package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
)

const serviceName = "mealsync"

// Config selects where the keyring lives when no system backend is available.
type Config struct {
	FileDir      string
	FilePassword string
}

// Store implements kv.Store on a keyring. Only writes made through this
// value are observed by its subscribers.
type Store struct {
	ring keyring.Keyring
	hub  kv.Hub
}

var (
	_ kv.Store = (*Store)(nil)
	_ kv.Feed  = (*Store)(nil)
)

// Open returns a store backed by the system keyring.
func Open(cfg Config) (*Store, error) {
	dir := cfg.FileDir
	if dir == "" {
		dir = "~/.config/mealsync/credentials"
	}
	pw := cfg.FilePassword
	if pw == "" {
		pw = "mealsync-file-key"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(pw),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store { return &Store{ring: ring} }

// Get retrieves the value for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

// Set stores value under key.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  value,
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	s.hub.Publish(kv.ChangeEvent{Key: key, Value: value})
	return nil
}

// Delete removes key; a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	s.hub.Publish(kv.ChangeEvent{Key: key, Deleted: true})
	return nil
}

// Subscribe implements kv.Feed.
func (s *Store) Subscribe(fn func(kv.ChangeEvent)) func() { return s.hub.Subscribe(fn) }
