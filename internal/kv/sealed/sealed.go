// Package sealed encrypts values before they reach an underlying kv.Store.
package sealed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/mealsync/internal/crypto/sealbox"
	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/kv"
)

// MetaKey holds the salt and wrapped data key. It is never sealed itself.
const MetaKey = "__sealed_meta"

// ErrBadPassphrase is returned when the stored data key does not unwrap.
var ErrBadPassphrase = errors.New("sealed store: wrong passphrase")

type meta struct {
	Salt    []byte `json:"salt"`
	Wrapped []byte `json:"wrapped_dek"`
}

// Store seals every value with a per-key entry key.
type Store struct {
	inner kv.Store
	box   *sealbox.Box
}

var _ kv.Store = (*Store)(nil)

// Open unlocks inner with passphrase, initialising the key material on first use.
func Open(ctx context.Context, inner kv.Store, passphrase string) (*Store, error) {
	var m meta
	err := kv.GetJSON(ctx, inner, MetaKey, &m)
	switch {
	case kv.IsNotFound(err):
		if m, err = initMeta(ctx, inner, passphrase); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	dek, err := sealbox.Unwrap(sealbox.DeriveKEK([]byte(passphrase), m.Salt), m.Wrapped)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	box, err := sealbox.NewBox(dek)
	if err != nil {
		return nil, err
	}
	return &Store{inner: inner, box: box}, nil
}

func initMeta(ctx context.Context, inner kv.Store, passphrase string) (meta, error) {
	salt, err := sealbox.Rand(sealbox.SaltLen)
	if err != nil {
		return meta{}, err
	}
	dek, err := sealbox.Rand(sealbox.KeyLen)
	if err != nil {
		return meta{}, err
	}
	wrapped, err := sealbox.Wrap(sealbox.DeriveKEK([]byte(passphrase), salt), dek)
	if err != nil {
		return meta{}, err
	}
	m := meta{Salt: salt, Wrapped: wrapped}
	return m, kv.SetJSON(ctx, inner, MetaKey, m)
}

// Get opens the stored value.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	pt, err := s.box.Open(key, b)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", key, errs.ErrInvalidResponse)
	}
	return pt, nil
}

// Set seals value and stores it.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, MetaKey) {
		return fmt.Errorf("key %q is reserved", key)
	}
	ct, err := s.box.Seal(key, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, ct)
}

// Delete removes key from the underlying store.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Feed opens event values from inner before handing them on. Events that do
// not open are dropped and logged.
func (s *Store) Feed(inner kv.Feed, log *zap.Logger) kv.Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &feed{store: s, inner: inner, log: log}
}

type feed struct {
	store *Store
	inner kv.Feed
	log   *zap.Logger
}

func (f *feed) Subscribe(fn func(kv.ChangeEvent)) func() {
	return f.inner.Subscribe(func(e kv.ChangeEvent) {
		if e.Key == MetaKey {
			return
		}
		if !e.Deleted {
			pt, err := f.store.box.Open(e.Key, e.Value)
			if err != nil {
				f.log.Warn("dropping unreadable change", zap.String("key", e.Key), zap.Error(err))
				return
			}
			e.Value = pt
		}
		fn(e)
	})
}

// initialised reports whether inner already carries sealed key material.
func initialised(ctx context.Context, inner kv.Store) (bool, error) {
	b, err := inner.Get(ctx, MetaKey)
	if kv.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var m meta
	return json.Unmarshal(b, &m) == nil && len(m.Wrapped) > 0, nil
}
