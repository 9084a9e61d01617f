package mgmt

import (
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus-community/pgexporter/internal/pgwire"
	"github.com/prometheus-community/pgexporter/internal/scram"
)

// socketName is the fixed Unix domain socket filename, per spec.md §6.
const socketName = ".s.pgexporter"

// AdminLookup resolves an admin username to their decrypted password, for
// the SCRAM exchange the TCP listener requires.
type AdminLookup func(username string) (password string, ok bool)

// Listener accepts management connections on a Unix domain socket and,
// optionally, a TCP port, per spec.md §4.8's transport description.
type Listener struct {
	Dispatcher *Dispatcher
	Logger     *slog.Logger

	SocketDir string

	TCPPort   int
	TLSConfig *tls.Config
	Admins    AdminLookup

	AuthTimeout time.Duration

	unixListener net.Listener
	tcpListener  net.Listener
}

// Start opens the Unix socket (and TCP socket, if TCPPort is nonzero) and
// begins accepting connections in background goroutines.
func (l *Listener) Start() error {
	sockPath := filepath.Join(l.SocketDir, socketName)
	_ = os.Remove(sockPath)
	unixListener, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(sockPath, 0o700); err != nil {
		unixListener.Close()
		return err
	}
	l.unixListener = unixListener
	go l.acceptLoop(unixListener, false)

	if l.TCPPort != 0 {
		addr := net.JoinHostPort("", strconv.Itoa(l.TCPPort))
		var tcpListener net.Listener
		if l.TLSConfig != nil {
			tcpListener, err = tls.Listen("tcp", addr, l.TLSConfig)
		} else {
			tcpListener, err = net.Listen("tcp", addr)
		}
		if err != nil {
			return err
		}
		l.tcpListener = tcpListener
		go l.acceptLoop(tcpListener, true)
	}

	return nil
}

// Close stops accepting new connections.
func (l *Listener) Close() {
	if l.unixListener != nil {
		l.unixListener.Close()
	}
	if l.tcpListener != nil {
		l.tcpListener.Close()
	}
}

func (l *Listener) acceptLoop(ln net.Listener, remote bool) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go l.handleConn(conn, remote)
	}
}

// handleConn implements the management connection state machine from
// spec.md §4.8: optional SCRAM authentication for remote connections,
// then parse-dispatch-execute-respond, once, before closing.
func (l *Listener) handleConn(conn net.Conn, remote bool) {
	defer conn.Close()

	if remote {
		if l.AuthTimeout > 0 {
			conn.SetDeadline(time.Now().Add(l.AuthTimeout))
		}
		if !l.authenticate(conn) {
			return
		}
		conn.SetDeadline(time.Time{})
	}

	payload, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return
	}

	var req Envelope
	if err := json.Unmarshal(payload, &req); err != nil {
		resp := Failure(Envelope{}, ErrBadPayload)
		l.writeResponse(conn, resp)
		return
	}

	resp := l.Dispatcher.Dispatch(req)
	l.writeResponse(conn, resp)
}

// authenticate runs the server side of the SCRAM-SHA-256 dialogue over
// the raw connection using a tiny length-prefixed sub-protocol: the client
// sends its username and then its first message, each length-prefixed, the
// server replies in kind, and so on. This is simpler than multiplexing SASL inside the JSON envelope
// and keeps the two message planes (auth vs. command) clearly separated.
func (l *Listener) authenticate(conn net.Conn) bool {
	usernameMsg, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return false
	}
	username := string(usernameMsg)

	clientFirst, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return false
	}

	password, ok := l.Admins(username)
	if !ok {
		pgwire.WriteLengthPrefixed(conn, []byte("e=unknown-user"))
		return false
	}

	srv, err := scram.NewServer(username, password)
	if err != nil {
		return false
	}
	serverFirst, err := srv.HandleClientFirst(string(clientFirst))
	if err != nil {
		pgwire.WriteLengthPrefixed(conn, []byte("e="+err.Error()))
		return false
	}
	if err := pgwire.WriteLengthPrefixed(conn, []byte(serverFirst)); err != nil {
		return false
	}

	clientFinal, res := pgwire.ReadLengthPrefixed(conn)
	if res != pgwire.ReadOK {
		return false
	}
	serverFinal, err := srv.HandleClientFinal(string(clientFinal))
	if err != nil {
		pgwire.WriteLengthPrefixed(conn, []byte("e="+err.Error()))
		return false
	}
	return pgwire.WriteLengthPrefixed(conn, []byte(serverFinal)) == nil
}

func (l *Listener) writeResponse(conn net.Conn, resp Envelope) {
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = pgwire.WriteLengthPrefixed(conn, body)
}
