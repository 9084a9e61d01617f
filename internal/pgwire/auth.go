package pgwire

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/prometheus-community/pgexporter/internal/scram"
)

// AuthResult is the outcome of the authentication dialogue, per spec.md
// §4.2: {success, bad-password, error, timeout}.
type AuthResult int

const (
	AuthSuccess AuthResult = iota
	AuthBadPassword
	AuthError
	AuthTimeout
)

// Backend authentication request codes (subset used here).
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// authenticate drives the server authentication request → client response
// loop described in spec.md §4.2's table, until AuthenticationOk or an
// error/close is observed.
func (c *Conn) authenticate(user, password string) (AuthResult, error) {
	for {
		frame, res := ReadFrame(c.rw)
		switch res {
		case ReadZero:
			return AuthTimeout, nil
		case ReadError:
			return AuthError, fmt.Errorf("pgwire: reading authentication frame: i/o error")
		}

		switch frame.Kind {
		case 'E':
			return AuthError, parseErrorResponse(frame.Payload)
		case 'R':
			buf := NewBufferFrom(frame.Payload)
			code, err := buf.ReadUint32()
			if err != nil {
				return AuthError, err
			}
			switch code {
			case authOK:
				return AuthSuccess, nil
			case authCleartextPassword:
				if err := c.sendPasswordMessage(password); err != nil {
					return AuthError, err
				}
			case authMD5Password:
				salt, err := buf.ReadBytes(4)
				if err != nil {
					return AuthError, err
				}
				hashed := md5Concat(password, user, salt)
				if err := c.sendPasswordMessage(hashed); err != nil {
					return AuthError, err
				}
			case authSASL:
				mechanisms := readSASLMechanisms(buf)
				if !containsMechanism(mechanisms, scram.ServerMechanism) {
					return AuthBadPassword, fmt.Errorf("pgwire: server does not offer %s", scram.ServerMechanism)
				}
				res, err := c.runSCRAM(user, password)
				if err != nil {
					return res, err
				}
			case authSASLContinue, authSASLFinal:
				// handled inline inside runSCRAM; seeing one here means
				// the server sent it out of order.
				return AuthError, fmt.Errorf("pgwire: unexpected SASL frame outside exchange")
			default:
				return AuthBadPassword, fmt.Errorf("pgwire: unsupported authentication method %d", code)
			}
		case 'N':
			// NoticeResponse during auth; ignore and keep reading.
			continue
		default:
			return AuthError, fmt.Errorf("pgwire: unexpected message %q during authentication", frame.Kind)
		}
	}
}

// runSCRAM performs the full SCRAM-SHA-256 dialogue (spec.md §4.2): client
// nonce, client-first-message, server-first-message, client-final-message,
// server signature verification.
func (c *Conn) runSCRAM(user, password string) (AuthResult, error) {
	client, err := scram.NewClient(user, password)
	if err != nil {
		return AuthError, err
	}

	first := client.FirstMessage()
	if err := c.sendSASLInitialResponse(scram.ServerMechanism, first); err != nil {
		return AuthError, err
	}

	frame, res := ReadFrame(c.rw)
	if res != ReadOK {
		return AuthError, fmt.Errorf("pgwire: reading SASL continue")
	}
	if frame.Kind == 'E' {
		return AuthError, parseErrorResponse(frame.Payload)
	}
	if frame.Kind != 'R' {
		return AuthError, fmt.Errorf("pgwire: expected AuthenticationSASLContinue, got %q", frame.Kind)
	}
	buf := NewBufferFrom(frame.Payload)
	code, _ := buf.ReadUint32()
	if code != authSASLContinue {
		return AuthError, fmt.Errorf("pgwire: expected SASLContinue code, got %d", code)
	}
	serverFirst := string(frame.Payload[4:])

	if err := client.SetServerFirst(serverFirst); err != nil {
		return AuthBadPassword, err
	}

	final := client.FinalMessage()
	if err := c.sendSASLResponse(final); err != nil {
		return AuthError, err
	}

	frame, res = ReadFrame(c.rw)
	if res != ReadOK {
		return AuthError, fmt.Errorf("pgwire: reading SASL final")
	}
	if frame.Kind == 'E' {
		return AuthError, parseErrorResponse(frame.Payload)
	}
	if frame.Kind != 'R' {
		return AuthError, fmt.Errorf("pgwire: expected AuthenticationSASLFinal, got %q", frame.Kind)
	}
	buf = NewBufferFrom(frame.Payload)
	code, _ = buf.ReadUint32()
	if code != authSASLFinal {
		return AuthError, fmt.Errorf("pgwire: expected SASLFinal code, got %d", code)
	}
	serverFinal := string(frame.Payload[4:])
	if err := client.Verify(serverFinal); err != nil {
		return AuthBadPassword, err
	}

	// Next frame should be AuthenticationOk; let the caller's loop read it.
	return AuthSuccess, nil
}

func (c *Conn) sendPasswordMessage(payload string) error {
	buf := NewBuffer()
	buf.WriteCString(payload)
	return WriteFrame(c.rw, 'p', buf.Bytes())
}

func (c *Conn) sendSASLInitialResponse(mechanism, initial string) error {
	buf := NewBuffer()
	buf.WriteCString(mechanism)
	buf.WriteUint32(uint32(len(initial)))
	buf.WriteString(initial)
	return WriteFrame(c.rw, 'p', buf.Bytes())
}

func (c *Conn) sendSASLResponse(payload string) error {
	buf := NewBuffer()
	buf.WriteString(payload)
	return WriteFrame(c.rw, 'p', buf.Bytes())
}

func readSASLMechanisms(buf *Buffer) []string {
	var out []string
	for {
		s, err := buf.ReadCString()
		if err != nil || s == "" {
			break
		}
		out = append(out, s)
	}
	return out
}

func containsMechanism(list []string, want string) bool {
	for _, m := range list {
		if m == want {
			return true
		}
	}
	return false
}

// md5Concat implements md5(md5(password‖user)‖salt) hex-encoded and
// prefixed with "md5", per spec.md §4.2's MD5Password row.
func md5Concat(password, user string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func parseErrorResponse(payload []byte) error {
	buf := NewBufferFrom(payload)
	var sqlstate, message string
	for {
		b, err := buf.ReadByte()
		if err != nil || b == 0 {
			break
		}
		field, err := buf.ReadCString()
		if err != nil {
			break
		}
		switch b {
		case 'C':
			sqlstate = field
		case 'M':
			message = field
		}
	}
	return &PGError{SQLState: sqlstate, Message: message}
}

// PGError carries the SQLSTATE and message from a backend ErrorResponse,
// per spec.md §4.2's "surfaces an error with the server's SQLSTATE and
// message".
type PGError struct {
	SQLState string
	Message  string
}

func (e *PGError) Error() string {
	return fmt.Sprintf("pgwire: %s: %s", e.SQLState, e.Message)
}
