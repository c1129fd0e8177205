package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// cacheKeySalt domain-separates the cache key from other fingerprint uses
	cacheKeySalt = "gymdesk-license-cache-salt-v1"

	cacheBlobDelimiter = ":"
	gcmNonceSize       = 12
)

var (
	// ErrMalformedBlob is returned when a stored blob lacks the iv:ciphertext shape
	ErrMalformedBlob = errors.New("malformed encrypted blob")
	// ErrDecryptFailed is returned when authentication of the ciphertext fails
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrCipherDestroyed is returned after the key has been wiped
	ErrCipherDestroyed = errors.New("cipher key destroyed")
)

// DeriveCacheKey returns SHA-256(fingerprint || salt)
func DeriveCacheKey(fingerprint string) []byte {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte(cacheKeySalt))
	return h.Sum(nil)
}

// CacheCipher seals the license cache with AES-256-GCM. The blob format is
// hex(iv) ":" hex(ciphertext||tag); hex never produces the delimiter.
type CacheCipher struct {
	mu  sync.RWMutex
	key []byte
}

// NewCacheCipher creates a cipher over a 32-byte key. The key is copied.
func NewCacheCipher(key []byte) (*CacheCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cache key must be 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &CacheCipher{key: k}, nil
}

// NewCacheCipherForDevice derives the key from the device fingerprint
func NewCacheCipherForDevice(fingerprint string) (*CacheCipher, error) {
	key := DeriveCacheKey(fingerprint)
	defer wipe(key)
	return NewCacheCipher(key)
}

// Seal encrypts plaintext with a fresh random IV
func (c *CacheCipher) Seal(plaintext []byte) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + cacheBlobDelimiter + hex.EncodeToString(ciphertext), nil
}

// Open decrypts a blob produced by Seal
func (c *CacheCipher) Open(blob string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(blob), cacheBlobDelimiter)
	if !ok || ivHex == "" || ctHex == "" {
		return nil, ErrMalformedBlob
	}

	nonce, err := hex.DecodeString(ivHex)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, ErrMalformedBlob
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, ErrMalformedBlob
	}

	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Destroy wipes the key from memory. Later calls fail with ErrCipherDestroyed.
func (c *CacheCipher) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wipe(c.key)
	c.key = nil
}

func (c *CacheCipher) aead() (cipher.AEAD, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrCipherDestroyed
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
