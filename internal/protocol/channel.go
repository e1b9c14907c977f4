package protocol

import (
	"fmt"
	"net"
	"time"
)

// Conn is a reliable, ordered, bidirectional channel of whole frames.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Send encodes and writes a message.
func Send(c Conn, m Message) error {
	if err := c.WriteFrame(Encode(m)); err != nil {
		return fmt.Errorf("send %s:\n%w", Name(m), err)
	}

	return nil
}

// Receive reads and decodes the next message.
func Receive(c Conn) (Message, error) {
	data, err := c.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("receive:\n%w", err)
	}

	return Decode(data)
}

// expect receives the next message and requires it to be of type T.
func expect[T Message](c Conn, want string) (T, error) {
	var zero T

	m, err := Receive(c)
	if err != nil {
		return zero, err
	}

	typed, ok := m.(T)
	if !ok {
		return zero, Unexpected(m, want)
	}

	return typed, nil
}

// ExpectAck receives an Ack.
func ExpectAck(c Conn) (*Ack, error) {
	return expect[*Ack](c, "Ack")
}

// ExpectStoreFile receives a StoreFile and rejects a zero length.
func ExpectStoreFile(c Conn) (uint64, error) {
	m, err := expect[*StoreFile](c, "StoreFile")
	if err != nil {
		return 0, err
	}

	if m.Length == 0 {
		return 0, violation("StoreFile with zero length")
	}

	return m.Length, nil
}

// ExpectFileStored receives a FileStored.
func ExpectFileStored(c Conn) (*FileStored, error) {
	return expect[*FileStored](c, "FileStored")
}

// ReadChunk reads one raw chunk frame and checks it against the bytes still expected.
func ReadChunk(c Conn, remaining uint64) ([]byte, error) {
	chunk, err := c.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read chunk:\n%w", err)
	}

	if uint64(len(chunk)) > remaining {
		return nil, violation("chunk of %d bytes exceeds %d remaining", len(chunk), remaining)
	}

	return chunk, nil
}

// StreamConn adapts a net.Conn to Conn using length-prefixed framing.
type StreamConn struct {
	conn net.Conn
}

// NewStreamConn wraps a stream connection.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

// ReadFrame reads the next frame.
func (s *StreamConn) ReadFrame() ([]byte, error) {
	return ReadFrame(s.conn)
}

// WriteFrame writes one frame.
func (s *StreamConn) WriteFrame(data []byte) error {
	return WriteFrame(s.conn, data)
}

// SetReadDeadline sets the deadline for future reads.
func (s *StreamConn) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (s *StreamConn) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Close closes the underlying connection.
func (s *StreamConn) Close() error {
	return s.conn.Close()
}
