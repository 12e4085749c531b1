// Package crypto implements the authenticated encryption envelope for
// payloads carried inside packet data. It uses AES-256-GCM for encryption
// and a separate HMAC-SHA256 signature over iv || ciphertext || tag for
// key-separated integrity.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of the AES-256 and HMAC keys in bytes.
	KeySize = 32

	// NonceSize is the size of GCM nonces in bytes.
	NonceSize = 12

	// TagSize is the size of GCM authentication tags in bytes.
	TagSize = 16

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "udprpc-envelope-v1"
)

var (
	// ErrSignatureMismatch indicates the envelope's HMAC signature does not
	// verify. The envelope was tampered with or the signing keys differ.
	ErrSignatureMismatch = errors.New("envelope signature mismatch")

	// ErrAuthenticationFailure indicates the GCM tag does not verify.
	ErrAuthenticationFailure = errors.New("envelope authentication failure")
)

// Keys holds the pre-shared key material for the envelope: one key for
// encryption, a separate one for signing. Keys are passed in explicitly;
// nothing in this package reads ambient process state.
type Keys struct {
	Encryption [KeySize]byte
	Signing    [KeySize]byte
}

// DeriveKeys derives the encryption and signing keys from a single master
// secret with HKDF-SHA256, so deployments can ship one secret while still
// keeping the two keys separate.
func DeriveKeys(master [KeySize]byte) (Keys, error) {
	var keys Keys
	reader := hkdf.New(sha256.New, master[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, keys.Encryption[:]); err != nil {
		return keys, fmt.Errorf("derive encryption key: %w", err)
	}
	if _, err := io.ReadFull(reader, keys.Signing[:]); err != nil {
		return keys, fmt.Errorf("derive signing key: %w", err)
	}
	return keys, nil
}

// GenerateKey generates a random 256-bit key.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return key, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// ParseKey decodes a base64-encoded 256-bit key.
func ParseKey(s string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Envelope is the sealed form of a payload. All fields are base64-encoded.
type Envelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
	Signature  string `json:"signature"`
}

// Box seals and opens envelopes under a fixed key pair. It is safe for
// concurrent use.
type Box struct {
	aead    cipher.AEAD
	signing [KeySize]byte
}

// NewBox creates a Box from the given keys.
func NewBox(keys Keys) (*Box, error) {
	block, err := aes.NewCipher(keys.Encryption[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Box{aead: aead, signing: keys.Signing}, nil
}

// Seal encrypts the JSON serialization of payload under a fresh random
// nonce and signs iv || ciphertext || tag with the signing key.
func (b *Box) Seal(payload any) (*Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nil, nonce[:], plaintext, nil)
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return &Envelope{
		IV:         base64.StdEncoding.EncodeToString(nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Signature:  base64.StdEncoding.EncodeToString(b.sign(nonce[:], ciphertext, tag)),
	}, nil
}

// Open verifies the envelope's signature, decrypts it and parses the
// plaintext as JSON. The signature check runs before decryption and uses a
// constant-time comparison; either integrity failure aborts the call.
func (b *Box) Open(env *Envelope) (any, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", NonceSize, len(iv))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("auth tag must be %d bytes, got %d", TagSize, len(tag))
	}
	signature, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	if !hmac.Equal(signature, b.sign(iv, ciphertext, tag)) {
		return nil, ErrSignatureMismatch
	}

	plaintext, err := b.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	var payload any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload, nil
}

// sign computes HMAC-SHA256 over iv || ciphertext || tag.
func (b *Box) sign(iv, ciphertext, tag []byte) []byte {
	mac := hmac.New(sha256.New, b.signing[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(tag)
	return mac.Sum(nil)
}

// ZeroKey zeroes out a key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
