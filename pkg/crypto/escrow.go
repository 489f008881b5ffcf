package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key escrow lets the coordinator persist file keys at rest without holding
// them in the clear. A key-encryption key is derived per scope (typically
// the file ID) from the deployment's master secret, so leaking one wrapped
// key never exposes another file's.

const wrapInfoPrefix = "fragment-key-wrap:"

// DeriveKEK derives the key-encryption key for a scope from the master secret.
func DeriveKEK(master []byte, scope string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("master secret is empty")
	}
	h := hkdf.New(sha256.New, master, nil, []byte(wrapInfoPrefix+scope))
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(h, kek); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return kek, nil
}

// WrapKey seals a file key under the scope's KEK. The GCM nonce is prepended
// to the wrapped blob so it is self-contained for storage.
func WrapKey(master []byte, scope string, key []byte) ([]byte, error) {
	kek, err := DeriveKEK(master, scope)
	if err != nil {
		return nil, err
	}
	ciphertext, iv, tag, err := Encrypt(key, kek)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}

	wrapped := make([]byte, 0, IVSize+len(ciphertext)+TagSize)
	wrapped = append(wrapped, iv...)
	wrapped = append(wrapped, ciphertext...)
	wrapped = append(wrapped, tag...)
	return wrapped, nil
}

// UnwrapKey recovers a file key wrapped by WrapKey. A wrong master secret or
// scope surfaces as ErrIntegrity.
func UnwrapKey(master []byte, scope string, wrapped []byte) ([]byte, error) {
	if len(wrapped) < IVSize+TagSize {
		return nil, fmt.Errorf("wrapped key too short: %d bytes", len(wrapped))
	}
	kek, err := DeriveKEK(master, scope)
	if err != nil {
		return nil, err
	}

	iv := wrapped[:IVSize]
	body := wrapped[IVSize:]
	ciphertext := body[:len(body)-TagSize]
	tag := body[len(body)-TagSize:]

	return Decrypt(ciphertext, kek, iv, tag)
}
