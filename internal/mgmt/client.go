package mgmt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/prometheus-community/pgexporter/internal/pgwire"
	"github.com/prometheus-community/pgexporter/internal/scram"
)

// Client issues one management request per call, used by the CLI binary
// (spec.md §6's text/json/raw output formats are rendered by the caller,
// not here).
type Client struct {
	conn net.Conn
}

// DialUnix connects to the local management socket.
func DialUnix(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("mgmt: dialing %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// DialRemote connects to the management TCP port and runs the SCRAM-SHA-256
// exchange described in spec.md §4.8 before returning.
func DialRemote(addr, username, password string, tlsConfig *tls.Config, timeout time.Duration) (*Client, error) {
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: dialing %s: %w", addr, err)
	}

	if err := authenticateClient(conn, username, password); err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn}, nil
}

func authenticateClient(conn net.Conn, username, password string) error {
	if err := pgwire.WriteLengthPrefixed(conn, []byte(username)); err != nil {
		return err
	}

	cl, err := scram.NewClient(username, password)
	if err != nil {
		return err
	}

	if err := pgwire.WriteLengthPrefixed(conn, []byte(cl.FirstMessage())); err != nil {
		return err
	}

	serverFirst, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return fmt.Errorf("mgmt: reading server-first-message failed")
	}
	if err := cl.SetServerFirst(string(serverFirst)); err != nil {
		return err
	}

	if err := pgwire.WriteLengthPrefixed(conn, []byte(cl.FinalMessage())); err != nil {
		return err
	}

	serverFinal, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return fmt.Errorf("mgmt: reading server-final-message failed")
	}
	return cl.Verify(string(serverFinal))
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request envelope and waits for the response.
func (c *Client) Call(command, output int, request any) (Envelope, error) {
	req, err := NewRequest(command, output, request)
	if err != nil {
		return Envelope{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, err
	}
	if err := pgwire.WriteLengthPrefixed(c.conn, body); err != nil {
		return Envelope{}, err
	}

	respBody, res := pgwire.ReadLengthPrefixed(c.conn)
	if res != pgwire.ReadOK {
		return Envelope{}, fmt.Errorf("mgmt: reading response failed")
	}
	var resp Envelope
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Envelope{}, err
	}
	return resp, nil
}
