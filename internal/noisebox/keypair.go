// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package noisebox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the size of X25519 private and public keys.
const KeySize = 32

// KeyPair holds an X25519 key pair. The public key is derived from the
// private key on construction.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// NewKeyPair generates a fresh random key pair.
func NewKeyPair() (*KeyPair, error) {
	var priv [KeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	return KeyPairFromPrivate(priv[:])
}

// KeyPairFromPrivate builds a key pair from a 32-byte private key.
func KeyPairFromPrivate(private []byte) (*KeyPair, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(private))
	}
	pub, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{}
	copy(kp.Private[:], private)
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParseKey accepts either 32 raw bytes or their 64-character hex encoding.
func ParseKey(key []byte) ([]byte, error) {
	switch len(key) {
	case KeySize:
		return key, nil
	case 2 * KeySize:
		decoded, err := hex.DecodeString(string(key))
		if err != nil {
			return nil, fmt.Errorf("key is not valid hex: %w", err)
		}
		return decoded, nil
	}
	return nil, errors.New("key must be 32 bytes or 64 hexadecimal characters")
}

// KeyPairFromConfig parses a configured private key (raw or hex) into a key pair.
func KeyPairFromConfig(key string) (*KeyPair, error) {
	raw, err := ParseKey([]byte(key))
	if err != nil {
		return nil, err
	}
	return KeyPairFromPrivate(raw)
}

// ecdh computes the X25519 shared secret with the peer public key.
func (kp *KeyPair) ecdh(peer []byte) ([]byte, error) {
	return curve25519.X25519(kp.Private[:], peer)
}

// EncodeKey returns the lowercase hex representation of a binary public key.
func EncodeKey(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("binary public keys must be 32 bytes")
	}
	return hex.EncodeToString(key), nil
}

// DecodeKey returns the binary representation of a hex-encoded public key.
func DecodeKey(key string) ([]byte, error) {
	if len(key) != 2*KeySize {
		return nil, errors.New("hex public keys must be 64 characters long")
	}
	return hex.DecodeString(key)
}
