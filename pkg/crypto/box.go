// Package crypto provides at-rest encryption for message content. Callers
// treat it as an opaque encrypt/decrypt pair; the cipher choice is not part
// of the stored format contract beyond the nonce prefix.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrKeyWiped = errors.New("encryption key has been wiped")

// Box encrypts and decrypts small content blobs. A Box is created per run
// and must be wiped when the run finishes so the key does not outlive it.
type Box struct {
	key   []byte
	wiped bool
}

// NewBox creates a Box from a hex-encoded 256-bit key.
func NewBox(hexKey string) (*Box, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding content key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	if b.wiped {
		return nil, ErrKeyWiped
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// SealString encrypts a string.
func (b *Box) SealString(s string) ([]byte, error) {
	return b.Seal([]byte(s))
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if b.wiped {
		return nil, ErrKeyWiped
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// OpenString decrypts a blob into a string.
func (b *Box) OpenString(blob []byte) (string, error) {
	p, err := b.Open(blob)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// Wipe overwrites the key material. The Box is unusable afterwards.
func (b *Box) Wipe() {
	for i := range b.key {
		b.key[i] = 0
	}
	b.wiped = true
}
