package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen = 32 // AES-256
	ivLen  = aes.BlockSize

	// Key derivation parameters for passphrase-based keys.
	kdfSalt       = "key-vault-salt"
	kdfIterations = 100_000
)

var (
	// ErrInvalidFormat is returned when an encrypted blob is not "ivHex:cipherHex".
	ErrInvalidFormat = errors.New("invalid encrypted data format")

	// ErrDecrypt is returned when decryption fails (wrong key, corrupt data).
	ErrDecrypt = errors.New("decryption failed")
)

// Cipher encrypts and decrypts secret values at rest using AES-256-CBC.
// The key is fixed at construction; the IV is generated fresh per call.
type Cipher struct {
	key [keyLen]byte
}

// NewCipher builds a Cipher from a key string: either 64 hex characters
// (a raw 256-bit key) or an arbitrary passphrase, which is stretched with
// PBKDF2-HMAC-SHA512 using a fixed application salt.
func NewCipher(keyString string) (*Cipher, error) {
	if keyString == "" {
		return nil, errors.New("encryption key is required")
	}

	c := &Cipher{}
	if len(keyString) == hex.EncodedLen(keyLen) {
		raw, err := hex.DecodeString(keyString)
		if err == nil {
			copy(c.key[:], raw)
			return c, nil
		}
		// 64 chars but not valid hex: fall through to PBKDF2.
	}

	derived := pbkdf2.Key([]byte(keyString), []byte(kdfSalt), kdfIterations, keyLen, sha512.New)
	copy(c.key[:], derived)
	return c, nil
}

// GenerateKey returns a fresh random 256-bit key as 64 hex characters,
// suitable for the server's encryption key configuration.
func GenerateKey() (string, error) {
	raw := make([]byte, keyLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Encrypt encrypts plaintext and returns the ciphertext and IV as hex strings.
func (c *Cipher) Encrypt(plaintext string) (cipherHex, ivHex string, err error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", "", fmt.Errorf("create AES cipher: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate IV: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(ct), hex.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt given the ciphertext and IV as hex strings.
func (c *Cipher) Decrypt(cipherHex, ivHex string) (string, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("%w: bad IV", ErrDecrypt)
	}
	ct, err := hex.DecodeString(cipherHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %w", err)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(unpadded), nil
}

// EncryptSecret encrypts a secret value into the at-rest storage format
// "ivHex:cipherHex".
func (c *Cipher) EncryptSecret(plaintext string) (string, error) {
	ct, iv, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return iv + ":" + ct, nil
}

// DecryptSecret decrypts a value stored in the "ivHex:cipherHex" format.
func (c *Cipher) DecryptSecret(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 2 {
		return "", ErrInvalidFormat
	}
	return c.Decrypt(parts[1], parts[0])
}

// MaskSecret obscures a secret for display. Values short enough that showing
// the edges would reveal most of the secret are fully masked; otherwise the
// first and last visibleChars characters are kept.
func MaskSecret(value string, visibleChars int) string {
	if len(value) <= visibleChars*2 {
		return strings.Repeat("*", len(value))
	}

	middle := len(value) - visibleChars*2
	if middle < 4 {
		middle = 4
	}
	return value[:visibleChars] + strings.Repeat("*", middle) + value[len(value)-visibleChars:]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
