package pgwire

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func TestStartupParamPairsFlattensTaggedStruct(t *testing.T) {
	type params struct {
		SearchPath       string `url:"search_path"`
		StatementTimeout string `url:"statement_timeout"`
	}
	got := startupParamPairs(params{SearchPath: "public", StatementTimeout: "5000"})
	if got["search_path"] != "public" || got["statement_timeout"] != "5000" {
		t.Errorf("got %v", got)
	}
}

func TestStartupParamPairsNilReturnsEmptyMap(t *testing.T) {
	got := startupParamPairs(nil)
	if len(got) != 0 {
		t.Errorf("expected an empty map for nil params, got %v", got)
	}
}

func TestParseServerVersion(t *testing.T) {
	cases := []struct {
		in                 string
		major, minor int
	}{
		{"14.2", 14, 2},
		{"16devel", 16, 0},
		{"9.6.3", 9, 6},
		{"not-a-version", 0, 0},
	}
	for _, c := range cases {
		major, minor := parseServerVersion(c.in)
		if major != c.major || minor != c.minor {
			t.Errorf("parseServerVersion(%q) = (%d,%d), want (%d,%d)", c.in, major, minor, c.major, c.minor)
		}
	}
}

func TestMD5ConcatIsDeterministic(t *testing.T) {
	salt := []byte{1, 2, 3, 4}
	a := md5Concat("hunter2", "monitor", salt)
	b := md5Concat("hunter2", "monitor", salt)
	if a != b {
		t.Errorf("md5Concat is not deterministic: %q vs %q", a, b)
	}
	if a[:3] != "md5" {
		t.Errorf("md5Concat result = %q, want md5-prefixed", a)
	}
	other := md5Concat("different", "monitor", salt)
	if a == other {
		t.Error("md5Concat should differ for different passwords")
	}
}

func TestParseRowDescriptionAndDataRow(t *testing.T) {
	buf := NewBuffer()
	buf.WriteUint16(1)
	buf.WriteCString("datname")
	buf.WriteBytes(make([]byte, 18))
	cols, err := parseRowDescription(buf.Bytes())
	if err != nil {
		t.Fatalf("parseRowDescription: %v", err)
	}
	if len(cols) != 1 || cols[0] != "datname" {
		t.Fatalf("cols = %v, want [datname]", cols)
	}

	row := NewBuffer()
	row.WriteUint16(2)
	row.WriteUint32(8)
	row.WriteString("postgres")
	row.WriteUint32(0xFFFFFFFF) // -1 as uint32: SQL NULL
	got, err := parseDataRow(row.Bytes())
	if err != nil {
		t.Fatalf("parseDataRow: %v", err)
	}
	if len(got) != 2 || string(got[0]) != "postgres" || got[1] != nil {
		t.Fatalf("row = %v", got)
	}
}

// fakeServer drives the minimal backend side of a cleartext-password
// startup followed by one simple-query exchange, used to exercise Dial
// and Query against something other than the client's own framing code.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	// The startup packet's length counts its own four bytes, unlike the
	// management framing ReadLengthPrefixed reads.
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Errorf("fakeServer: reading startup packet length: %v", err)
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, binary.BigEndian.Uint32(lenBuf[:])-4)); err != nil {
		t.Errorf("fakeServer: reading startup packet: %v", err)
		return
	}

	authReq := NewBuffer()
	authReq.WriteUint32(authCleartextPassword)
	if err := WriteFrame(conn, 'R', authReq.Bytes()); err != nil {
		t.Errorf("fakeServer: sending auth request: %v", err)
		return
	}

	frame, res := ReadFrame(conn)
	if res != ReadOK || frame.Kind != 'p' {
		t.Errorf("fakeServer: reading password message: kind=%q res=%v", frame.Kind, res)
		return
	}

	ok := NewBuffer()
	ok.WriteUint32(authOK)
	if err := WriteFrame(conn, 'R', ok.Bytes()); err != nil {
		t.Errorf("fakeServer: sending AuthenticationOk: %v", err)
		return
	}

	param := NewBuffer()
	param.WriteCString("server_version")
	param.WriteCString("14.2")
	WriteFrame(conn, 'S', param.Bytes())
	WriteFrame(conn, 'Z', []byte{'I'})

	frame, res = ReadFrame(conn)
	if res != ReadOK || frame.Kind != 'Q' {
		t.Errorf("fakeServer: reading query: kind=%q res=%v", frame.Kind, res)
		return
	}

	rowDesc := NewBuffer()
	rowDesc.WriteUint16(1)
	rowDesc.WriteCString("one")
	rowDesc.WriteBytes(make([]byte, 18))
	WriteFrame(conn, 'T', rowDesc.Bytes())

	dataRow := NewBuffer()
	dataRow.WriteUint16(1)
	dataRow.WriteUint32(1)
	dataRow.WriteString("1")
	WriteFrame(conn, 'D', dataRow.Bytes())

	WriteFrame(conn, 'C', []byte("SELECT 1"))
	WriteFrame(conn, 'Z', []byte{'I'})
}

func TestDialAndQueryOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fakeServer(t, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	conn, err := Dial(Options{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		User:           "monitor",
		Password:       "hunter2",
		Database:       "postgres",
		ConnectTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if conn.ServerMajor != 14 || conn.ServerMinor != 2 {
		t.Errorf("ServerMajor/Minor = %d/%d, want 14/2", conn.ServerMajor, conn.ServerMinor)
	}

	result, err := conn.Query("SELECT 1;")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "one" {
		t.Fatalf("Columns = %v, want [one]", result.Columns)
	}
	if len(result.Rows) != 1 || string(result.Rows[0][0]) != "1" {
		t.Fatalf("Rows = %v, want [[1]]", result.Rows)
	}
}
