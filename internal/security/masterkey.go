// Package security implements the master-key and encrypted-credential
// file handling described in spec.md §6 ("Persisted state layout"):
// a users/admins file of `username:base64(aes-256-cbc(password))`
// records, and a master-key file holding a single base64-encoded key.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const masterKeySize = 32 // AES-256

var ErrInvalidMasterKey = errors.New("security: master key must decode to 32 bytes")

// GenerateMasterKey creates a new random 256-bit key, base64-encoded for
// on-disk storage.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("security: generating master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// LoadMasterKey reads and decodes the master key file, which must be
// 0600 in a directory that must be 0700 (spec.md §6). If a verifier
// sidecar file exists alongside it, the key is checked against it so a
// swapped or corrupted key file fails fast here instead of surfacing as
// mysterious per-user decrypt failures later.
func LoadMasterKey(path string) ([]byte, error) {
	if err := checkPermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("security: reading master key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("security: decoding master key: %w", err)
	}
	if len(key) != masterKeySize {
		return nil, ErrInvalidMasterKey
	}
	if err := verifyMasterKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func verifierPath(masterKeyPath string) string {
	return masterKeyPath + ".verifier"
}

// verifyMasterKey compares key against its stored bcrypt verifier, if one
// was written by WriteMasterKey. Its absence is not an error, so existing
// key files written before this check existed keep loading.
func verifyMasterKey(masterKeyPath string, key []byte) error {
	hash, err := os.ReadFile(verifierPath(masterKeyPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("security: reading master key verifier: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, key); err != nil {
		return fmt.Errorf("security: master key does not match its verifier: %w", err)
	}
	return nil
}

// checkPermissions enforces the 0600 file / 0700 directory requirement
// from spec.md §6.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("security: stat %s: %w", path, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("security: %s must not be readable by group/other (mode %04o)", path, info.Mode().Perm())
	}
	dir := filepath.Dir(path)
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("security: stat %s: %w", dir, err)
	}
	if dirInfo.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("security: directory %s must not be readable by group/other (mode %04o)", dir, dirInfo.Mode().Perm())
	}
	return nil
}

// WriteMasterKey writes the key atomically via a sibling .tmp file +
// rename, per spec.md §6, alongside a bcrypt verifier LoadMasterKey can
// check the key against on every subsequent load.
func WriteMasterKey(path, encoded string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := atomicWriteFile(path, []byte(encoded), 0o600); err != nil {
		return err
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("security: encoding master key verifier: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("security: generating master key verifier: %w", err)
	}
	return atomicWriteFile(verifierPath(path), hash, 0o600)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("security: creating temp file %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("security: writing temp file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("security: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// EncryptPassword encrypts plaintext with AES-256-CBC under key, prepending
// a random IV, and returns it base64-encoded, matching spec.md §6's
// `base64(aes-256-cbc(password))` record shape.
func EncryptPassword(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	out := append(iv, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptPassword reverses EncryptPassword.
func DecryptPassword(key []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("security: decoding password: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	bs := block.BlockSize()
	if len(raw) < bs {
		return "", errors.New("security: ciphertext shorter than one block")
	}
	iv, ciphertext := raw[:bs], raw[bs:]
	if len(ciphertext)%bs != 0 {
		return "", errors.New("security: ciphertext is not a multiple of the block size")
	}

	plainPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("security: empty ciphertext block")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("security: invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}
