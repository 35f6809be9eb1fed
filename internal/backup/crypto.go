package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	errs "github.com/kimhsiao/judgesync/internal/errors"
)

const (
	// PasswordMinLength is the minimum required passphrase length.
	PasswordMinLength = 8
	// SaltLength is the length of the random salt for key derivation.
	SaltLength = 32
	// KeyIterations is the PBKDF2-SHA256 iteration count.
	KeyIterations = 100_000

	archiveVersion   = 1
	archiveAlgorithm = "AES-256-GCM"
	headerMagic      = "JSYNARC"
)

// archiveHeader precedes the ciphertext. The passphrase is never stored.
type archiveHeader struct {
	Version   uint8
	Algorithm string
	Nonce     []byte
	Salt      []byte
}

// ValidatePassword checks if a passphrase meets minimum requirements.
func ValidatePassword(password string) error {
	if len(password) < PasswordMinLength {
		return errs.New(errs.ErrValidation, fmt.Sprintf("password must be at least %d characters", PasswordMinLength))
	}
	return nil
}

// IsEncrypted reports whether data starts with the encrypted archive magic.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(headerMagic))
}

// Encrypt seals data with a key derived from password.
func Encrypt(data []byte, password string) ([]byte, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	header := archiveHeader{
		Version:   archiveVersion,
		Algorithm: archiveAlgorithm,
		Nonce:     nonce,
		Salt:      salt,
	}
	headerData, err := serializeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize header: %w", err)
	}

	// The header is authenticated as additional data.
	return gcm.Seal(headerData, nonce, data, headerData), nil
}

// Decrypt opens data sealed by Encrypt. A wrong passphrase yields
// ErrInvalidPassword; a malformed header yields ErrCorruptedArchive.
func Decrypt(data []byte, password string) ([]byte, error) {
	header, headerData, payload, err := parseHeader(data)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCorruptedArchive, "invalid archive header", err)
	}
	if header.Version != archiveVersion {
		return nil, errs.New(errs.ErrCorruptedArchive, fmt.Sprintf("unsupported archive version: %d", header.Version))
	}
	if header.Algorithm != archiveAlgorithm {
		return nil, errs.New(errs.ErrCorruptedArchive, fmt.Sprintf("unsupported algorithm: %s", header.Algorithm))
	}

	gcm, err := newGCM(password, header.Salt)
	if err != nil {
		return nil, err
	}
	if len(header.Nonce) != gcm.NonceSize() {
		return nil, errs.New(errs.ErrCorruptedArchive, "invalid nonce length")
	}

	plaintext, err := gcm.Open(nil, header.Nonce, payload, headerData)
	if err != nil {
		// GCM cannot tell a wrong key from a flipped bit.
		return nil, errs.Wrap(errs.ErrInvalidPassword, "failed to decrypt archive", err)
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, KeyIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// serializeHeader writes magic, version, then length-prefixed algorithm,
// nonce and salt.
func serializeHeader(h archiveHeader) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(headerMagic)
	buf.WriteByte(h.Version)

	for _, field := range [][]byte{[]byte(h.Algorithm), h.Nonce, h.Salt} {
		if len(field) > 255 {
			return nil, fmt.Errorf("header field too long: %d bytes", len(field))
		}
		buf.WriteByte(byte(len(field)))
		buf.Write(field)
	}
	return buf.Bytes(), nil
}

// parseHeader splits data into header, raw header bytes and payload.
func parseHeader(data []byte) (archiveHeader, []byte, []byte, error) {
	var header archiveHeader
	r := bytes.NewReader(data)

	magic := make([]byte, len(headerMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return header, nil, nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if string(magic) != headerMagic {
		return header, nil, nil, fmt.Errorf("invalid magic number: %q", magic)
	}

	version, err := r.ReadByte()
	if err != nil {
		return header, nil, nil, fmt.Errorf("failed to read version: %w", err)
	}
	header.Version = version

	readField := func(name string) ([]byte, error) {
		n, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s length: %w", name, err)
		}
		field := make([]byte, n)
		if _, err := io.ReadFull(r, field); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return field, nil
	}

	alg, err := readField("algorithm")
	if err != nil {
		return header, nil, nil, err
	}
	header.Algorithm = string(alg)
	if header.Nonce, err = readField("nonce"); err != nil {
		return header, nil, nil, err
	}
	if header.Salt, err = readField("salt"); err != nil {
		return header, nil, nil, err
	}

	headerSize := len(data) - r.Len()
	return header, data[:headerSize], data[headerSize:], nil
}
