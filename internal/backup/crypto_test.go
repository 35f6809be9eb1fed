package backup

import (
	"bytes"
	"strings"
	"testing"

	errs "github.com/kimhsiao/judgesync/internal/errors"
)

// TestValidatePassword_tooShort verifies password length validation.
func TestValidatePassword_tooShort(t *testing.T) {
	for _, pw := range []string{"", "short", "1234567"} {
		t.Run(pw, func(t *testing.T) {
			err := ValidatePassword(pw)
			if err == nil {
				t.Fatalf("ValidatePassword(%q) should return error", pw)
			}
			if !errs.Is(err, errs.ErrValidation) {
				t.Errorf("error code = %s, want %s", errs.CodeOf(err), errs.ErrValidation)
			}
		})
	}
}

func TestValidatePassword_exactlyMinLength(t *testing.T) {
	if err := ValidatePassword(strings.Repeat("a", PasswordMinLength)); err != nil {
		t.Errorf("ValidatePassword() with exact minimum length error = %v", err)
	}
}

func TestEncryptDecrypt_roundTrip(t *testing.T) {
	data := []byte(`{"actions":[{"id":"a"}]}`)

	sealed, err := Encrypt(data, "correct horse")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Error("sealed data should carry the archive magic")
	}
	if bytes.Contains(sealed, data) {
		t.Error("sealed data should not contain the plaintext")
	}
	if bytes.Contains(sealed, []byte("correct horse")) {
		t.Error("sealed data must not contain the password")
	}

	plain, err := Decrypt(sealed, "correct horse")
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Errorf("Decrypt() = %q, want %q", plain, data)
	}
}

func TestEncrypt_freshSaltAndNonce(t *testing.T) {
	a, _ := Encrypt([]byte("same"), "password-1")
	b, _ := Encrypt([]byte("same"), "password-1")
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same data should differ")
	}
}

func TestEncrypt_shortPassword(t *testing.T) {
	if _, err := Encrypt([]byte("x"), "short"); err == nil {
		t.Error("Encrypt() should reject a short password")
	}
}

func TestDecrypt_wrongPassword(t *testing.T) {
	sealed, err := Encrypt([]byte("secret"), "password-1")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	_, err = Decrypt(sealed, "password-2")
	if !errs.Is(err, errs.ErrInvalidPassword) {
		t.Errorf("Decrypt() error = %v, want %s", err, errs.ErrInvalidPassword)
	}
}

func TestDecrypt_tamperedHeader(t *testing.T) {
	sealed, err := Encrypt([]byte("secret"), "password-1")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	// Flip a salt byte; the header is authenticated.
	tampered := append([]byte(nil), sealed...)
	tampered[len(headerMagic)+1+1+len(archiveAlgorithm)+1+12+1] ^= 0xff
	if _, err := Decrypt(tampered, "password-1"); err == nil {
		t.Error("Decrypt() should fail on a tampered header")
	}
}

func TestDecrypt_invalidArchive(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", []byte("NOTANARCHIVE")},
		{"truncated", []byte(headerMagic + "\x01\x0bAES")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.data, "password-1")
			if !errs.Is(err, errs.ErrCorruptedArchive) {
				t.Errorf("Decrypt() error = %v, want %s", err, errs.ErrCorruptedArchive)
			}
		})
	}
}

func TestDecrypt_unsupportedVersion(t *testing.T) {
	sealed, _ := Encrypt([]byte("secret"), "password-1")
	sealed[len(headerMagic)] = 9
	_, err := Decrypt(sealed, "password-1")
	if !errs.Is(err, errs.ErrCorruptedArchive) {
		t.Errorf("Decrypt() error = %v, want %s", err, errs.ErrCorruptedArchive)
	}
}
