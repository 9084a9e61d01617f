package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const defaultIterations = 4096

// Server drives one SCRAM-SHA-256 exchange as the server side, used by
// the management protocol's remote TCP listener to authenticate admins
// against the decrypted password from the admins credential file
// (spec.md §4.8).
type Server struct {
	username string
	password string

	clientNonce string
	serverNonce string
	salt        []byte
	iterations  int

	clientFirstBare  string
	serverFirstMsg   string
	authMessage      string
	saltedPassword   []byte
}

// NewServer creates a server exchange for one already-known
// username/password pair (the admin's decrypted credential).
func NewServer(username, password string) (*Server, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("scram: generating salt: %w", err)
	}
	nonce := make([]byte, clientNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scram: generating server nonce: %w", err)
	}
	return &Server{
		username:    username,
		password:    password,
		salt:        salt,
		iterations:  defaultIterations,
		serverNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// HandleClientFirst parses the client-first-message (with its "n,,"
// GS2 header already present) and returns the server-first-message.
func (s *Server) HandleClientFirst(msg string) (string, error) {
	if !strings.HasPrefix(msg, gs2Header) {
		return "", fmt.Errorf("scram: unsupported GS2 header in %q", msg)
	}
	s.clientFirstBare = strings.TrimPrefix(msg, gs2Header)

	for _, f := range strings.Split(s.clientFirstBare, ",") {
		if strings.HasPrefix(f, "r=") {
			s.clientNonce = strings.TrimPrefix(f, "r=")
		}
	}
	if s.clientNonce == "" {
		return "", fmt.Errorf("scram: client-first-message missing nonce: %q", msg)
	}

	combinedNonce := s.clientNonce + s.serverNonce
	s.serverFirstMsg = fmt.Sprintf("r=%s,s=%s,i=%d", combinedNonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return s.serverFirstMsg, nil
}

// HandleClientFinal parses the client-final-message, verifies the
// client's proof against the known password, and returns the
// server-final-message (or an error if the proof is invalid).
func (s *Server) HandleClientFinal(msg string) (string, error) {
	var channelBinding, nonce, proofB64 string
	for _, f := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(f, "c="):
			channelBinding = strings.TrimPrefix(f, "c=")
		case strings.HasPrefix(f, "r="):
			nonce = strings.TrimPrefix(f, "r=")
		case strings.HasPrefix(f, "p="):
			proofB64 = strings.TrimPrefix(f, "p=")
		}
	}
	if channelBinding == "" || nonce == "" || proofB64 == "" {
		return "", fmt.Errorf("scram: malformed client-final-message: %q", msg)
	}
	if nonce != s.clientNonce+s.serverNonce {
		return "", errors.New("scram: nonce mismatch in client-final-message")
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, nonce)
	s.authMessage = strings.Join([]string{s.clientFirstBare, s.serverFirstMsg, clientFinalWithoutProof}, ",")

	expectedSignature := hmacSHA256(storedKey[:], []byte(s.authMessage))
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return "", fmt.Errorf("scram: decoding client proof: %w", err)
	}
	recoveredClientKey := xorBytes(proof, expectedSignature)
	recoveredStoredKey := sha256.Sum256(recoveredClientKey)
	if !hmac.Equal(recoveredStoredKey[:], storedKey[:]) {
		return "", ErrClientProofMismatch
	}

	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(s.authMessage))
	return fmt.Sprintf("v=%s", base64.StdEncoding.EncodeToString(serverSignature)), nil
}

// ErrClientProofMismatch is returned when the client's proof does not
// match the password on file.
var ErrClientProofMismatch = errors.New("scram: client proof mismatch")
