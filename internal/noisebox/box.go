// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package noisebox implements the anonymous encrypted envelope used by index
// clients: a single-round Noise-style handshake that authenticates the
// sender's long-term public key to the receiver while hiding it from anyone
// else on the wire.
//
// Ciphersuite: X25519 key agreement, a chained HMAC-SHA512 key derivation,
// and AES-256-GCM. The key derivation is NOT RFC 5869 HKDF; peer
// implementations depend on the exact construction in deriveKey.
package noisebox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"unicode/utf8"
)

const (
	hashLen      = sha512.Size
	cvLen        = 48
	symmKeyLen   = 32
	nonceLen     = 12
	macLen       = 16
	headerCTLen  = symmKeyLen + macLen
	paddingField = 4
)

// suiteName is the 24-byte ciphersuite label mixed into every derivation.
var suiteName = []byte("Noise255/AES256-GCM\x00\x00\x00\x00\x00")

// ErrBox is returned for every decryption failure. The cause is deliberately
// not exposed: a caller (or an attacker observing responses) must not be able
// to distinguish a truncated box from a MAC failure or bad padding.
var ErrBox = errors.New("not a valid noise box")

// Box is the result of a successful decryption: the authenticated long-term
// public key of the sender and the UTF-8 payload.
type Box struct {
	SenderPublicKey []byte
	Contents        string
}

// deriveKey is the suite's key derivation function. Starting from a 64-byte
// zero buffer T, each round computes
//
//	T = HMAC-SHA512(key=secret, msg=info || counter || T[:32] || chain)
//
// and the concatenated rounds are truncated to outLen bytes. The chain value
// carries key material between the two derivation rounds of a box.
func deriveKey(secret, chain, info []byte, outLen int) []byte {
	t := make([]byte, hashLen)
	out := make([]byte, 0, ((outLen+hashLen-1)/hashLen)*hashLen)
	for c := 0; len(out) < outLen; c++ {
		mac := hmac.New(sha512.New, secret)
		mac.Write(info)
		mac.Write([]byte{byte(c)})
		mac.Write(t[:32])
		mac.Write(chain)
		t = mac.Sum(nil)
		out = append(out, t...)
	}
	return out[:outLen]
}

func splitKeyMaterial(material []byte) (cv, key, nonce []byte) {
	return material[:cvLen], material[cvLen : cvLen+symmKeyLen], material[cvLen+symmKeyLen:]
}

func suiteInfo(round byte) []byte {
	info := make([]byte, 0, len(suiteName)+1)
	info = append(info, suiteName...)
	return append(info, round)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func aeadOpen(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < macLen {
		return nil, ErrBox
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrBox
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrBox
	}
	return plaintext, nil
}

// Decrypt opens a noise box addressed to the receiver key pair.
//
// Wire layout: ephemeral public key (32) || encrypted header (48) ||
// encrypted padded body. The header carries the sender's long-term public
// key; the body carries payload || padding || big-endian padding length (4).
//
// Any failure, whatever the cause, yields ErrBox.
func Decrypt(receiver *KeyPair, box []byte) (*Box, error) {
	if len(box) < KeySize+headerCTLen+macLen+paddingField {
		return nil, ErrBox
	}
	ephemeral := box[:KeySize]
	headerCiphertext := box[KeySize : KeySize+headerCTLen]
	bodyCiphertext := box[KeySize+headerCTLen:]

	// Round one: ECDH against the ephemeral key. Only the holder of the
	// receiver private key can recover the sender identity from the header.
	dh1, err := receiver.ecdh(ephemeral)
	if err != nil {
		return nil, ErrBox
	}
	cv1, key1, nonce1 := splitKeyMaterial(
		deriveKey(dh1, make([]byte, cvLen), suiteInfo(0), cvLen+symmKeyLen+nonceLen))

	authtext := make([]byte, 0, 2*KeySize+headerCTLen)
	authtext = append(authtext, receiver.Public[:]...)
	authtext = append(authtext, ephemeral...)

	senderKey, err := aeadOpen(key1, nonce1, headerCiphertext, authtext)
	if err != nil {
		return nil, ErrBox
	}

	// Round two: ECDH against the now-authenticated sender key, chained
	// through cv1 so the body keys are per-message random as well.
	dh2, err := receiver.ecdh(senderKey)
	if err != nil {
		return nil, ErrBox
	}
	_, key2, nonce2 := splitKeyMaterial(
		deriveKey(dh2, cv1, suiteInfo(1), cvLen+symmKeyLen+nonceLen))

	authtext = append(authtext, headerCiphertext...)
	paddedPlaintext, err := aeadOpen(key2, nonce2, bodyCiphertext, authtext)
	if err != nil {
		return nil, ErrBox
	}

	if len(paddedPlaintext) < paddingField {
		return nil, ErrBox
	}
	paddingLen := binary.BigEndian.Uint32(paddedPlaintext[len(paddedPlaintext)-paddingField:])
	totalPadding := uint64(paddingLen) + paddingField
	if totalPadding > uint64(len(paddedPlaintext)) {
		return nil, ErrBox
	}
	plaintext := paddedPlaintext[:uint64(len(paddedPlaintext))-totalPadding]
	if !utf8.Valid(plaintext) {
		return nil, ErrBox
	}
	return &Box{SenderPublicKey: senderKey, Contents: string(plaintext)}, nil
}

// padBlockSize rounds body plaintexts up so that payload lengths are not
// directly observable on the wire.
const padBlockSize = 32

// Encrypt seals contents into a noise box for the receiver public key,
// authenticated as coming from the sender key pair. A fresh ephemeral key is
// generated per message.
func Encrypt(sender *KeyPair, receiverPublic []byte, contents string) ([]byte, error) {
	if len(receiverPublic) != KeySize {
		return nil, errors.New("receiver public key must be 32 bytes")
	}
	ephemeral, err := NewKeyPair()
	if err != nil {
		return nil, err
	}
	return encryptWithEphemeral(sender, ephemeral, receiverPublic, contents)
}

func encryptWithEphemeral(sender, ephemeral *KeyPair, receiverPublic []byte, contents string) ([]byte, error) {
	dh1, err := ephemeral.ecdh(receiverPublic)
	if err != nil {
		return nil, err
	}
	cv1, key1, nonce1 := splitKeyMaterial(
		deriveKey(dh1, make([]byte, cvLen), suiteInfo(0), cvLen+symmKeyLen+nonceLen))

	authtext := make([]byte, 0, 2*KeySize+headerCTLen)
	authtext = append(authtext, receiverPublic...)
	authtext = append(authtext, ephemeral.Public[:]...)

	aead1, err := newAEAD(key1)
	if err != nil {
		return nil, err
	}
	headerCiphertext := aead1.Seal(nil, nonce1, sender.Public[:], authtext)

	dh2, err := sender.ecdh(receiverPublic)
	if err != nil {
		return nil, err
	}
	_, key2, nonce2 := splitKeyMaterial(
		deriveKey(dh2, cv1, suiteInfo(1), cvLen+symmKeyLen+nonceLen))

	payload := []byte(contents)
	paddingLen := padBlockSize - (len(payload)+paddingField)%padBlockSize
	if paddingLen == padBlockSize {
		paddingLen = 0
	}
	padded := make([]byte, len(payload)+paddingLen+paddingField)
	copy(padded, payload)
	binary.BigEndian.PutUint32(padded[len(padded)-paddingField:], uint32(paddingLen))

	authtext = append(authtext, headerCiphertext...)
	aead2, err := newAEAD(key2)
	if err != nil {
		return nil, err
	}
	bodyCiphertext := aead2.Seal(nil, nonce2, padded, authtext)

	box := make([]byte, 0, KeySize+len(headerCiphertext)+len(bodyCiphertext))
	box = append(box, ephemeral.Public[:]...)
	box = append(box, headerCiphertext...)
	box = append(box, bodyCiphertext...)
	return box, nil
}
