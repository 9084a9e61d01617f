// Package scram implements the client side of the SCRAM-SHA-256 SASL
// mechanism (RFC 5802, RFC 7677) shared by the PostgreSQL wire client and
// the management-protocol remote listener.
package scram

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	gs2Header   = "n,,"
	clientNonceLen = 18
)

// ErrServerSignatureMismatch is returned by Client.Verify when the
// server's verifier does not match the signature computed locally, which
// means the server does not know the password (or the channel was
// tampered with).
var ErrServerSignatureMismatch = errors.New("scram: server signature mismatch")

// Client drives one SCRAM-SHA-256 exchange as the client side.
type Client struct {
	username     string
	password     string
	clientNonce  string
	serverNonce  string
	salt         []byte
	iterations   int
	clientFirstBare string
	authMessage  string
	saltedPassword []byte
}

// NewClient creates a client for the given username/password pair. The
// username is used only in the client-first-message's n= attribute,
// escaped by escapeUsername; it plays no part in the proof.
func NewClient(username, password string) (*Client, error) {
	nonce := make([]byte, clientNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("scram: generating client nonce: %w", err)
	}
	return &Client{
		username:    username,
		password:    password,
		clientNonce: base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// FirstMessage returns the client-first-message to send as the
// SASLInitialResponse payload.
func (c *Client) FirstMessage() string {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeUsername(c.username), c.clientNonce)
	return gs2Header + c.clientFirstBare
}

// SetServerFirst parses the server-first-message, extracting the
// iteration count, salt, and combined nonce needed to build the final
// message and verify the server's signature.
func (c *Client) SetServerFirst(msg string) error {
	fields := strings.Split(msg, ",")
	if len(fields) < 3 {
		return fmt.Errorf("scram: malformed server-first-message: %q", msg)
	}
	for _, f := range fields {
		switch {
		case strings.HasPrefix(f, "r="):
			c.serverNonce = strings.TrimPrefix(f, "r=")
		case strings.HasPrefix(f, "s="):
			salt, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(f, "s="))
			if err != nil {
				return fmt.Errorf("scram: decoding salt: %w", err)
			}
			c.salt = salt
		case strings.HasPrefix(f, "i="):
			n, err := strconv.Atoi(strings.TrimPrefix(f, "i="))
			if err != nil {
				return fmt.Errorf("scram: parsing iteration count: %w", err)
			}
			c.iterations = n
		}
	}
	if c.serverNonce == "" || len(c.salt) == 0 || c.iterations == 0 {
		return fmt.Errorf("scram: incomplete server-first-message: %q", msg)
	}
	if !strings.HasPrefix(c.serverNonce, c.clientNonce) {
		return errors.New("scram: server nonce does not extend client nonce")
	}
	return nil
}

// FinalMessage computes the client-final-message (with proof) to send as
// the SASLResponse payload.
func (c *Client) FinalMessage() string {
	c.saltedPassword = pbkdf2.Key([]byte(c.password), c.salt, c.iterations, sha256.Size, sha256.New)

	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, c.serverNonce)

	c.authMessage = strings.Join([]string{
		c.clientFirstBare,
		serverFirstFromState(c),
		clientFinalWithoutProof,
	}, ",")

	clientSignature := hmacSHA256(storedKey[:], []byte(c.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	return fmt.Sprintf("%s,p=%s", clientFinalWithoutProof, base64.StdEncoding.EncodeToString(clientProof))
}

// serverFirstFromState reconstructs the server-first-message text from
// the parsed fields (nonce, salt, iteration count) in the same
// "r=%s,s=%s,i=%d" form the server built it in, so AuthMessage matches
// byte-for-byte without the client needing to retain the raw wire bytes
// from SetServerFirst.
func serverFirstFromState(c *Client) string {
	return fmt.Sprintf("r=%s,s=%s,i=%d", c.serverNonce, base64.StdEncoding.EncodeToString(c.salt), c.iterations)
}

// Verify checks the server's verifier (the "v=" value from the
// server-final-message) against the signature computed from this
// exchange's salted password.
func (c *Client) Verify(serverFinal string) error {
	var serverSignatureB64 string
	for _, f := range strings.Split(serverFinal, ",") {
		if strings.HasPrefix(f, "v=") {
			serverSignatureB64 = strings.TrimPrefix(f, "v=")
		}
		if strings.HasPrefix(f, "e=") {
			return fmt.Errorf("scram: server reported error: %s", strings.TrimPrefix(f, "e="))
		}
	}
	if serverSignatureB64 == "" {
		return errors.New("scram: server-final-message missing verifier")
	}
	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expected := hmacSHA256(serverKey, []byte(c.authMessage))
	got, err := base64.StdEncoding.DecodeString(serverSignatureB64)
	if err != nil {
		return fmt.Errorf("scram: decoding server signature: %w", err)
	}
	if !hmac.Equal(expected, got) {
		return ErrServerSignatureMismatch
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// escapeUsername applies the SASLprep-lite escaping RFC 5802 requires for
// ',' and '=' in the username attribute. PostgreSQL does not actually put
// a meaningful username here, but we escape it anyway for protocol
// correctness.
func escapeUsername(u string) string {
	u = strings.ReplaceAll(u, "=", "=3D")
	u = strings.ReplaceAll(u, ",", "=2C")
	return u
}

// ServerMechanism is the SASL mechanism name PostgreSQL and the
// management protocol both advertise.
const ServerMechanism = "SCRAM-SHA-256"
