package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	plaintext := []byte("fragment payload with some length to it")

	ciphertext, iv, tag, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(iv) != IVSize {
		t.Errorf("Expected %d-byte IV, got %d", IVSize, len(iv))
	}
	if len(tag) != TagSize {
		t.Errorf("Expected %d-byte tag, got %d", TagSize, len(tag))
	}
	if len(ciphertext) != len(plaintext) {
		t.Errorf("GCM ciphertext should match plaintext length: got %d, want %d", len(ciphertext), len(plaintext))
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("Ciphertext should differ from plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key, iv, tag)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptUniqueIVs(t *testing.T) {
	key, _ := GenerateKey()
	data := []byte("same input")

	_, iv1, _, err := Encrypt(data, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	_, iv2, _, err := Encrypt(data, key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(iv1, iv2) {
		t.Error("Two encryptions produced the same IV")
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, iv, tag, err := Encrypt([]byte("original data"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	flip := func(b []byte) []byte {
		c := append([]byte(nil), b...)
		c[0] ^= 0xff
		return c
	}
	wrongKey, _ := GenerateKey()

	tests := []struct {
		name             string
		ct, key, iv, tag []byte
	}{
		{"tampered ciphertext", flip(ciphertext), key, iv, tag},
		{"tampered tag", ciphertext, key, iv, flip(tag)},
		{"tampered iv", ciphertext, key, flip(iv), tag},
		{"wrong key", ciphertext, wrongKey, iv, tag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ct, tt.key, tt.iv, tt.tag)
			if !errors.Is(err, ErrIntegrity) {
				t.Errorf("Expected ErrIntegrity, got %v", err)
			}
		})
	}
}

func TestDecryptRejectsBadSizes(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, iv, tag, _ := Encrypt([]byte("data"), key)

	if _, err := Decrypt(ciphertext, key, iv[:4], tag); err == nil {
		t.Error("Expected error for short IV")
	}
	if _, err := Decrypt(ciphertext, key, iv, tag[:8]); err == nil {
		t.Error("Expected error for short tag")
	}
	if _, err := Decrypt(ciphertext, key[:16], iv, tag); err == nil {
		t.Error("Expected error for short key")
	}
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, iv, tag, err := Encrypt(nil, key)
	if err != nil {
		t.Fatalf("Encrypt of empty input failed: %v", err)
	}
	decrypted, err := Decrypt(ciphertext, key, iv, tag)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("Expected empty plaintext, got %d bytes", len(decrypted))
	}
}

func TestHashAndVerify(t *testing.T) {
	data := []byte("hello world")
	digest := Hash(data)
	if len(digest) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(digest))
	}
	if !VerifyHash(data, digest) {
		t.Error("VerifyHash should accept matching digest")
	}
	if VerifyHash([]byte("hello worlds"), digest) {
		t.Error("VerifyHash should reject altered data")
	}
	if Hash(data) != digest {
		t.Error("Hash should be deterministic")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frag.bin")
	data := []byte("file contents for hashing")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if got != Hash(data) {
		t.Errorf("HashFile = %s, want %s", got, Hash(data))
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestWrapUnwrapKey(t *testing.T) {
	master := []byte("deployment-master-secret")
	key, _ := GenerateKey()

	wrapped, err := WrapKey(master, "file-123", key)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}
	if bytes.Contains(wrapped, key) {
		t.Error("Wrapped blob must not contain the key in the clear")
	}

	unwrapped, err := UnwrapKey(master, "file-123", wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, key) {
		t.Error("Unwrapped key does not match original")
	}
}

func TestUnwrapKeyWrongSecretOrScope(t *testing.T) {
	master := []byte("deployment-master-secret")
	key, _ := GenerateKey()
	wrapped, err := WrapKey(master, "file-123", key)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	if _, err := UnwrapKey([]byte("other-secret"), "file-123", wrapped); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Wrong master secret: expected ErrIntegrity, got %v", err)
	}
	if _, err := UnwrapKey(master, "file-456", wrapped); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Wrong scope: expected ErrIntegrity, got %v", err)
	}
	if _, err := UnwrapKey(master, "file-123", wrapped[:10]); err == nil {
		t.Error("Expected error for truncated blob")
	}
	if _, err := WrapKey(nil, "file-123", key); err == nil {
		t.Error("Expected error for empty master secret")
	}
}
