// Package secret encrypts account passwords at rest.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// salt is fixed: keys are reproduced from the passphrase alone
var salt = []byte("cafenote/secret/v1")

// Box encrypts and decrypts short secrets with a passphrase-derived key
type Box struct {
	key []byte
}

// NewBox derives an encryption key from passphrase
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secret passphrase is empty")
	}

	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	return &Box{key: key}, nil
}

// Encrypt returns "noncehex:ciphertexthex"
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt
func (b *Box) Decrypt(encoded string) (string, error) {
	nonceHex, ctHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return "", ErrInvalidCiphertext
	}

	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(pt), nil
}
