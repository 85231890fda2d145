package authcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"hypertuna.dev/errorf"
)

// EncryptEnvelope frames plaintext as "<base64(ciphertext)>?iv=<base64(iv)>"
// using AES-CBC with the given 32-byte shared secret, per spec.md §4.6. AES
// is taken from the standard library: §4.6 names AES-CBC explicitly and no
// third-party package in the retrieved pack offers a drop-in replacement
// worth preferring over the standard, constant-time implementation (see
// DESIGN.md).
func EncryptEnvelope(sharedSecret []byte, plaintext string) (envelope string, err error) {
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", errorf.E("authcrypto: new cipher: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err = rand.Read(iv); err != nil {
		return "", errorf.E("authcrypto: iv: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	envelope = base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv)
	return
}

// DecryptEnvelope reverses EncryptEnvelope.
func DecryptEnvelope(sharedSecret []byte, envelope string) (plaintext string, err error) {
	parts := strings.SplitN(envelope, "?iv=", 2)
	if len(parts) != 2 {
		return "", errorf.E("authcrypto: malformed envelope, missing '?iv='")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errorf.E("authcrypto: decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errorf.E("authcrypto: decode iv: %w", err)
	}
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", errorf.E("authcrypto: new cipher: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return "", errorf.E("authcrypto: ciphertext is not a multiple of the block size")
	}
	if len(iv) != block.BlockSize() {
		return "", errorf.E("authcrypto: iv has wrong length")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(b, pad...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errorf.E("authcrypto: cannot unpad empty input")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, errorf.E("authcrypto: invalid padding")
	}
	return b[:len(b)-n], nil
}
