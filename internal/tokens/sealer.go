// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package tokens

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealBroken is returned when a sealed blob fails authentication.
var ErrSealBroken = errors.New("sealed token failed authentication")

// Sealer encrypts token material at rest with XChaCha20-Poly1305. The
// associated data binds a blob to its owner so blobs cannot be swapped
// between rows.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("token sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewRandomSealer creates a sealer with an ephemeral key. Sealed data does
// not survive a restart.
func NewRandomSealer() *Sealer {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	s, _ := NewSealer(key)
	return s
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad)
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrSealBroken
	}
	nonce, ct := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrSealBroken
	}
	return pt, nil
}
