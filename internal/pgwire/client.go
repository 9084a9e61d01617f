package pgwire

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/go-querystring/query"
)

const protocolVersion3 = 196608 // 3 << 16 | 0

// Options configure a new connection, mirroring the fields startup needs
// (spec.md §4.2: user, database, application_name) plus optional TLS.
type Options struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	ApplicationName string
	TLSConfig       *tls.Config // nil disables TLS negotiation entirely
	ConnectTimeout  time.Duration

	// StartupParams carries GUC-style startup parameters (e.g. search_path,
	// statement_timeout) as a struct tagged with `url`, the same shape
	// pgbouncer_exporter's SSLCredentials uses for its connection-string
	// query values. It is turned into additional startup key/value pairs
	// rather than a URL, since this client speaks the wire protocol
	// directly.
	StartupParams any
}

// Conn is one connection to a PostgreSQL server, wrapping the wire
// protocol calls the collection engine needs: startup, auth, simple
// query. It is not safe for concurrent use.
type Conn struct {
	netConn net.Conn
	rw      net.Conn // equals netConn, or the *tls.Conn once upgraded

	// Parameters observed via ParameterStatus during startup, per
	// spec.md §4.2 ("stashed into a per-connection key-value map").
	Parameters map[string]string

	ServerMajor int
	ServerMinor int
}

// Dial opens a TCP connection and runs the full startup+auth dialogue.
func Dial(opts Options) (*Conn, error) {
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("pgwire: dial %s: %w", addr, err)
	}

	c := &Conn{netConn: nc, rw: nc, Parameters: map[string]string{}}

	if opts.TLSConfig != nil {
		if err := c.negotiateTLS(opts); err != nil {
			nc.Close()
			return nil, err
		}
	}

	if err := c.startup(opts); err != nil {
		c.Close()
		return nil, err
	}

	res, err := c.authenticate(opts.User, opts.Password)
	if err != nil {
		c.Close()
		return nil, err
	}
	switch res {
	case AuthSuccess:
	case AuthBadPassword:
		c.Close()
		return nil, fmt.Errorf("pgwire: bad password for user %q", opts.User)
	case AuthTimeout:
		c.Close()
		return nil, fmt.Errorf("pgwire: timed out during authentication")
	default:
		c.Close()
		return nil, fmt.Errorf("pgwire: authentication failed")
	}

	if err := c.drainToReadyForQuery(); err != nil {
		c.Close()
		return nil, err
	}

	if v, ok := c.Parameters["server_version"]; ok {
		c.ServerMajor, c.ServerMinor = parseServerVersion(v)
	}

	return c, nil
}

// negotiateTLS sends SSLRequest and, if the server acknowledges with 'S',
// upgrades the connection before the startup packet is sent, per spec.md
// §4.2.
func (c *Conn) negotiateTLS(opts Options) error {
	const sslRequestCode = 80877103
	buf := NewBuffer()
	buf.WriteUint32(sslRequestCode)
	if err := WriteStartupFrame(c.netConn, buf.Bytes()); err != nil {
		return err
	}
	var resp [1]byte
	if _, err := c.netConn.Read(resp[:]); err != nil {
		return fmt.Errorf("pgwire: reading SSL negotiation response: %w", err)
	}
	if resp[0] != 'S' {
		// Server declined TLS; proceed in plaintext per caller's choice.
		return nil
	}
	tlsConn := tls.Client(c.netConn, opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("pgwire: TLS handshake: %w", err)
	}
	c.rw = tlsConn
	return nil
}

func (c *Conn) startup(opts Options) error {
	buf := NewBuffer()
	buf.WriteUint32(protocolVersion3)
	buf.WriteCString("user")
	buf.WriteCString(opts.User)
	buf.WriteCString("database")
	buf.WriteCString(opts.Database)
	buf.WriteCString("application_name")
	appName := opts.ApplicationName
	if appName == "" {
		appName = "pgexporter"
	}
	buf.WriteCString(appName)

	for k, v := range startupParamPairs(opts.StartupParams) {
		buf.WriteCString(k)
		buf.WriteCString(v)
	}

	buf.WriteByte(0)
	return WriteStartupFrame(c.rw, buf.Bytes())
}

// startupParamPairs flattens a `url`-tagged struct into startup key/value
// pairs, mirroring credentials.go's use of go-querystring to turn
// SSLCredentials into a connection-string query.
func startupParamPairs(params any) map[string]string {
	out := map[string]string{}
	if params == nil {
		return out
	}
	values, err := query.Values(params)
	if err != nil {
		return out
	}
	for k, v := range values {
		if len(v) > 0 && v[0] != "" {
			out[k] = v[0]
		}
	}
	return out
}

// drainToReadyForQuery reads ParameterStatus/BackendKeyData messages
// (stashing parameters) until ReadyForQuery, per spec.md §4.2.
func (c *Conn) drainToReadyForQuery() error {
	for {
		frame, res := ReadFrame(c.rw)
		if res != ReadOK {
			return fmt.Errorf("pgwire: reading post-auth messages: connection closed or errored")
		}
		switch frame.Kind {
		case 'Z':
			return nil
		case 'S':
			buf := NewBufferFrom(frame.Payload)
			name, _ := buf.ReadCString()
			value, _ := buf.ReadCString()
			c.Parameters[name] = value
		case 'K':
			// BackendKeyData, not needed for a read-only metrics client.
		case 'E':
			return parseErrorResponse(frame.Payload)
		case 'N':
			// NoticeResponse, ignore.
		default:
			// Unknown/benign message, ignore and keep draining.
		}
	}
}

// Row is one DataRow's worth of column values, nil meaning SQL NULL, per
// spec.md §3's Tuple ("array of nullable strings").
type Row [][]byte

// QueryResult is the reconstructed result of a simple query, per spec.md
// §3's "Query result": column names, and rows (the linked list of tuples
// from the original is represented as a slice, per DESIGN NOTES §9).
type QueryResult struct {
	Columns []string
	Rows    []Row
}

// Query runs the simple query protocol (spec.md §4.2): sends Q, reads
// frames until ReadyForQuery, reconstructing RowDescription/DataRow into
// a QueryResult, or surfacing ErrorResponse as a *PGError.
//
// If columnNames is non-empty its values override the server's column
// names in the result, matching spec.md's "caller supplies column names"
// behavior.
func (c *Conn) Query(sql string, columnNames ...string) (*QueryResult, error) {
	buf := NewBuffer()
	buf.WriteCString(sql)
	if err := WriteFrame(c.rw, 'Q', buf.Bytes()); err != nil {
		return nil, fmt.Errorf("pgwire: sending query: %w", err)
	}

	var result QueryResult
	var queryErr error

	for {
		frame, res := ReadFrame(c.rw)
		if res != ReadOK {
			return nil, fmt.Errorf("pgwire: reading query response: connection closed or errored")
		}
		switch frame.Kind {
		case 'T':
			cols, err := parseRowDescription(frame.Payload)
			if err != nil {
				return nil, err
			}
			result.Columns = cols
		case 'D':
			row, err := parseDataRow(frame.Payload)
			if err != nil {
				return nil, err
			}
			result.Rows = append(result.Rows, row)
		case 'C':
			// CommandComplete: nothing to do, keep reading to ReadyForQuery.
		case 'E':
			queryErr = parseErrorResponse(frame.Payload)
		case 'N':
			// NoticeResponse, ignore.
		case 'Z':
			if queryErr != nil {
				return nil, queryErr
			}
			if len(columnNames) > 0 {
				for i := 0; i < len(result.Columns) && i < len(columnNames); i++ {
					result.Columns[i] = columnNames[i]
				}
			}
			return &result, nil
		}
	}
}

func parseRowDescription(payload []byte) ([]string, error) {
	buf := NewBufferFrom(payload)
	count, err := buf.ReadUint16()
	if err != nil {
		return nil, err
	}
	cols := make([]string, count)
	for i := range cols {
		name, err := buf.ReadCString()
		if err != nil {
			return nil, err
		}
		cols[i] = name
		// Skip table OID(4), column attnum(2), type OID(4), type len(2),
		// type modifier(4), format code(2) = 18 bytes.
		if _, err := buf.ReadBytes(18); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func parseDataRow(payload []byte) (Row, error) {
	buf := NewBufferFrom(payload)
	count, err := buf.ReadUint16()
	if err != nil {
		return nil, err
	}
	row := make(Row, count)
	for i := range row {
		length, err := buf.ReadUint32()
		if err != nil {
			return nil, err
		}
		if int32(length) == -1 {
			row[i] = nil
			continue
		}
		data, err := buf.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		row[i] = cp
	}
	return row, nil
}

// Ping verifies the connection is still usable by sending "SELECT 1;" and
// reading to ReadyForQuery, per spec.md §4.2's connection hygiene.
func (c *Conn) Ping() error {
	_, err := c.Query("SELECT 1;")
	return err
}

// SetStatementTimeout issues "SET statement_timeout = <ms>;" once, per
// spec.md §4.2, so slow metrics queries fail instead of hanging a scrape.
func (c *Conn) SetStatementTimeout(ms int) error {
	if ms <= 0 {
		return nil
	}
	_, err := c.Query(fmt.Sprintf("SET statement_timeout = %d;", ms))
	return err
}

// Close sends Terminate and closes the underlying connection.
func (c *Conn) Close() error {
	if c.rw != nil {
		_ = WriteFrame(c.rw, 'X', nil)
	}
	return c.netConn.Close()
}

func parseServerVersion(v string) (major, minor int) {
	var i int
	for i = 0; i < len(v) && v[i] >= '0' && v[i] <= '9'; i++ {
	}
	if i == 0 {
		return 0, 0
	}
	majorStr := v[:i]
	m, _ := strconv.Atoi(majorStr)
	major = m
	if i < len(v) && v[i] == '.' {
		j := i + 1
		for ; j < len(v) && v[j] >= '0' && v[j] <= '9'; j++ {
		}
		if j > i+1 {
			minorVal, _ := strconv.Atoi(v[i+1 : j])
			minor = minorVal
		}
	}
	return major, minor
}
