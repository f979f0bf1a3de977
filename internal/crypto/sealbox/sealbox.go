// Package sealbox contains the primitives used to keep stored values opaque at rest:
// a passphrase-derived key-encryption key, a wrapped data key, and per-entry AEAD.
package sealbox

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var errShort = errors.New("sealed payload too short")

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives a key-encryption key from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// Wrap encrypts the data key with kek.
func Wrap(kek, dek []byte) ([]byte, error) {
	return seal(kek, dek, nil)
}

// Unwrap decrypts a wrapped data key. A wrong kek fails authentication.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	return open(kek, wrapped, nil)
}

// EntryKey derives the key for one store entry via HKDF-SHA256 with name as info.
func EntryKey(dek []byte, name string) ([]byte, error) {
	r := hkdf.New(sha256.New, dek, nil, []byte(name))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Box seals and opens entries under one data key.
type Box struct{ dek []byte }

// NewBox returns a box for dek, which must be KeyLen bytes.
func NewBox(dek []byte) (*Box, error) {
	if len(dek) != KeyLen {
		return nil, errors.New("data key must be 32 bytes")
	}
	return &Box{dek: append([]byte(nil), dek...)}, nil
}

// Seal encrypts plaintext for the entry called name; name is bound as AAD so a
// ciphertext copied under another name does not open.
func (b *Box) Seal(name string, plaintext []byte) ([]byte, error) {
	key, err := EntryKey(b.dek, name)
	if err != nil {
		return nil, err
	}
	return seal(key, plaintext, []byte(name))
}

// Open decrypts a payload produced by Seal for the same name.
func (b *Box) Open(name string, payload []byte) ([]byte, error) {
	key, err := EntryKey(b.dek, name)
	if err != nil {
		return nil, err
	}
	return open(key, payload, []byte(name))
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, aad)...)
	return out, nil
}

func open(key, payload, aad []byte) ([]byte, error) {
	if len(payload) < chacha20poly1305.NonceSizeX {
		return nil, errShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := payload[:chacha20poly1305.NonceSizeX]
	ct := payload[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}
