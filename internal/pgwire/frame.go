// Package pgwire implements the subset of the PostgreSQL frontend/backend
// v3 protocol this exporter needs: startup, authentication, and the
// simple query protocol. It intentionally does not use database/sql or
// lib/pq — see DESIGN.md for why a hand-rolled client is required here.
package pgwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadResult mirrors the {zero, ok, error} trichotomy spec.md §4.1
// requires of the message reader: zero means the peer closed cleanly,
// error means an I/O fault, ok means a frame was read.
type ReadResult int

const (
	ReadOK ReadResult = iota
	ReadZero
	ReadError
)

// writeAll is a thin helper matching spec.md's "writes loop over partial
// writes until the whole payload is delivered" requirement. net.Conn's
// Write already guarantees this in Go, but we keep the explicit loop to
// make the retry behavior visible; any write error, io.ErrShortWrite
// included, is returned.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Buffer is a growable byte buffer with big-endian primitive encode/decode
// helpers, playing the role of the buffer spec.md §4.1 describes. Each
// message is built or parsed in its own Buffer; a Conn holds none. It is
// not safe for concurrent use.
type Buffer struct {
	buf []byte
	off int
}

func NewBuffer() *Buffer { return &Buffer{} }

func NewBufferFrom(b []byte) *Buffer { return &Buffer{buf: b} }

func (b *Buffer) Reset() { b.buf = b.buf[:0]; b.off = 0 }

func (b *Buffer) Bytes() []byte { return b.buf }

func (b *Buffer) Remaining() int { return len(b.buf) - b.off }

func (b *Buffer) WriteByte(v byte) { b.buf = append(b.buf, v) }

func (b *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *Buffer) WriteString(s string) { b.buf = append(b.buf, s...) }

// WriteCString writes a NUL-terminated string.
func (b *Buffer) WriteCString(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

func (b *Buffer) WriteBytes(p []byte) { b.buf = append(b.buf, p...) }

func (b *Buffer) ReadByte() (byte, error) {
	if b.Remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.buf[b.off]
	b.off++
	return v, nil
}

func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(b.buf[b.off:])
	b.off += 2
	return v, nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(b.buf[b.off:])
	b.off += 4
	return v, nil
}

// ReadCString reads a NUL-terminated string, not including the NUL.
func (b *Buffer) ReadCString() (string, error) {
	for i := b.off; i < len(b.buf); i++ {
		if b.buf[i] == 0 {
			s := string(b.buf[b.off:i])
			b.off = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("pgwire: unterminated string in buffer")
}

// ReadBytes reads exactly n bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if b.Remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	v := b.buf[b.off : b.off+n]
	b.off += n
	return v, nil
}

// Frame is one backend or frontend message: Kind is 0 for messages that
// have no type byte on the wire (the startup packet and SSLRequest).
type Frame struct {
	Kind    byte
	Payload []byte
}

// ReadFrame reads one `kind:byte, length:uint32(including length), payload`
// frame from r. It returns ReadZero if r is closed before any byte of the
// frame arrives, ReadError on any other I/O fault, ReadOK otherwise.
func ReadFrame(r io.Reader) (Frame, ReadResult) {
	var hdr [5]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Frame{}, ReadZero
		}
		return Frame{}, ReadError
	}
	kind := hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length < 4 {
		return Frame{}, ReadError
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ReadError
		}
	}
	return Frame{Kind: kind, Payload: payload}, ReadOK
}

// WriteFrame writes a frame with the standard kind+length+payload shape.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, kind)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return writeAll(w, buf)
}

// WriteStartupFrame writes the length-prefixed startup packet, which omits
// the leading kind byte.
func WriteStartupFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, 4+len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(4+len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return writeAll(w, buf)
}

// ReadLengthPrefixed reads a bare uint32 length prefix followed by that
// many bytes, with no type byte; the length does not count its own four
// bytes. It is used for the management protocol's length-prefixed JSON
// frame (spec.md §4.8, §6 "Management socket").
func ReadLengthPrefixed(r io.Reader) ([]byte, ReadResult) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, ReadZero
		}
		return nil, ReadError
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ReadError
		}
	}
	return payload, ReadOK
}

// WriteLengthPrefixed writes a bare uint32-length-prefixed payload, the
// framing used by the management protocol (spec.md §4.8).
func WriteLengthPrefixed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if err := writeAll(w, lenBuf[:]); err != nil {
		return err
	}
	return writeAll(w, payload)
}
