package security

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func mustDecodeKey(t *testing.T, encoded string) []byte {
	t.Helper()
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decoding generated master key: %v", err)
	}
	return key
}

func TestEncryptDecryptPasswordRoundTrip(t *testing.T) {
	encoded, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	key := mustDecodeKey(t, encoded)

	cipherText, err := EncryptPassword(key, "hunter2")
	if err != nil {
		t.Fatalf("EncryptPassword: %v", err)
	}
	plain, err := DecryptPassword(key, cipherText)
	if err != nil {
		t.Fatalf("DecryptPassword: %v", err)
	}
	if plain != "hunter2" {
		t.Errorf("DecryptPassword = %q, want hunter2", plain)
	}
}

func TestDecryptPasswordRejectsTruncatedCiphertext(t *testing.T) {
	encoded, _ := GenerateMasterKey()
	key := mustDecodeKey(t, encoded)
	if _, err := DecryptPassword(key, "dG9vc2hvcnQ="); err == nil {
		t.Error("expected error for ciphertext shorter than one AES block")
	}
}

func TestWriteAndLoadMasterKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatalf("chmod temp dir: %v", err)
	}
	path := filepath.Join(dir, "master.key")

	encoded, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if err := WriteMasterKey(path, encoded); err != nil {
		t.Fatalf("WriteMasterKey: %v", err)
	}

	key, err := LoadMasterKey(path)
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if len(key) != masterKeySize {
		t.Errorf("loaded key length = %d, want %d", len(key), masterKeySize)
	}

	if _, err := os.Stat(verifierPath(path)); err != nil {
		t.Errorf("expected a verifier sidecar to be written: %v", err)
	}
}

func TestLoadMasterKeyDetectsSwappedKeyAgainstVerifier(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatalf("chmod temp dir: %v", err)
	}
	path := filepath.Join(dir, "master.key")

	encodedA, _ := GenerateMasterKey()
	if err := WriteMasterKey(path, encodedA); err != nil {
		t.Fatalf("WriteMasterKey: %v", err)
	}

	encodedB, _ := GenerateMasterKey()
	if err := os.WriteFile(path, []byte(encodedB), 0o600); err != nil {
		t.Fatalf("swapping key file contents: %v", err)
	}

	if _, err := LoadMasterKey(path); err == nil {
		t.Error("expected LoadMasterKey to reject a key that doesn't match its verifier")
	}
}

func TestLoadMasterKeyToleratesMissingVerifier(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatalf("chmod temp dir: %v", err)
	}
	path := filepath.Join(dir, "master.key")
	encoded, _ := GenerateMasterKey()
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		t.Fatalf("writing key file directly: %v", err)
	}

	if _, err := LoadMasterKey(path); err != nil {
		t.Errorf("a master key written without a verifier sidecar should still load, got %v", err)
	}
}

func TestLoadMasterKeyRejectsLoosePermissions(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatalf("chmod temp dir: %v", err)
	}
	path := filepath.Join(dir, "master.key")
	encoded, _ := GenerateMasterKey()
	if err := os.WriteFile(path, []byte(encoded), 0o644); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	if _, err := LoadMasterKey(path); err == nil {
		t.Error("expected an error for a world-readable master key file")
	}
}
