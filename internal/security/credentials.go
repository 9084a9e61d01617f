package security

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// CredentialError mirrors pgbouncer_exporter's credentials.go
// CredentialsError: a field-scoped validation failure, optionally indexed
// into a list of records from a file.
type CredentialError struct {
	Field   string
	Message string
	Index   int
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	if e.Index > 0 {
		return fmt.Sprintf("%s (record %d)", msg, e.Index)
	}
	return msg
}

// Record is one parsed line of a users/admins file: `username:encrypted`.
type Record struct {
	Username          string
	EncryptedPassword string
}

// ValidateUsername enforces the same key-charset rule credentials.go's
// Credentials.Validate applies to its Key field, generalized to
// usernames here since this system's users/admins file is keyed by
// username directly (spec.md §3).
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return &CredentialError{Field: "username", Message: "username is required"}
	}
	if !keyPattern.MatchString(username) {
		return &CredentialError{Field: "username", Message: fmt.Sprintf("username %q has invalid characters, should match /^[a-zA-Z0-9_-]+$/", username)}
	}
	return nil
}

// ReadRecords parses a users/admins file of `username:base64(...)` lines,
// per spec.md §6.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("security: opening %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, &CredentialError{Field: "file", Message: fmt.Sprintf("malformed record at line %d, expected 'username:password'", lineNo)}
		}
		records = append(records, Record{Username: line[:idx], EncryptedPassword: line[idx+1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("security: reading %s: %w", path, err)
	}
	return records, nil
}

// WriteRecords writes the records atomically (sibling .tmp + rename), per
// spec.md §6.
func WriteRecords(path string, records []Record) error {
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "%s:%s\n", r.Username, r.EncryptedPassword)
	}
	return atomicWriteFile(path, []byte(b.String()), 0o600)
}

// AddUser inserts or replaces a user record, encrypting the plaintext
// password under key, mirroring the admin.c add-user/update-user
// commands from original_source/.
func AddUser(path string, key []byte, username, plaintextPassword string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	records, err := ReadRecords(path)
	if err != nil {
		return err
	}
	encrypted, err := EncryptPassword(key, plaintextPassword)
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].Username == username {
			records[i].EncryptedPassword = encrypted
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, Record{Username: username, EncryptedPassword: encrypted})
	}
	return WriteRecords(path, records)
}

// RemoveUser deletes a user record by username.
func RemoveUser(path, username string) error {
	records, err := ReadRecords(path)
	if err != nil {
		return err
	}
	out := records[:0]
	found := false
	for _, r := range records {
		if r.Username == username {
			found = true
			continue
		}
		out = append(out, r)
	}
	if !found {
		return fmt.Errorf("security: user %q not found", username)
	}
	return WriteRecords(path, out)
}

// ResolvePassword decrypts a user's stored password for use against a
// PostgreSQL server's authentication dialogue (spec.md §4.2).
func ResolvePassword(masterKey []byte, r Record) (string, error) {
	return DecryptPassword(masterKey, r.EncryptedPassword)
}
