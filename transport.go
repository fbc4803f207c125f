package modbus

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Errors classifying failed reads and writes.
var (
	// ErrConnectionClosed is returned when the stream ends, the peer resets
	// the connection, or the receive timeout expires before any byte of a
	// frame has arrived. It signals the expected end of a session rather
	// than a protocol failure.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrFrameTruncated is returned when the stream ends or the receive
	// timeout expires after part of a frame has arrived: a partial header,
	// or fewer body bytes than the length field declared.
	ErrFrameTruncated = errors.New("frame truncated")

	// ErrMessageTooLarge is returned when an incoming frame declares a
	// length exceeding the maximum ADU size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidConn is returned when a nil connection is supplied.
	ErrInvalidConn = errors.New("invalid connection")
)

// Transport frames Modbus messages over one duplex byte stream. Incoming
// frames are assembled into a reusable buffer and handed to the message
// factories; outgoing messages encode themselves onto a buffered writer
// which is then flushed.
//
// ReadRequest and ReadResponse are safe for concurrent use: a mutex
// serializes decodes so each caller observes one whole, non-interleaved
// frame. Write is NOT internally synchronized; concurrent writers must be
// serialized by the caller (Client does this), since simultaneous encodes
// would interleave bytes on the wire.
type Transport struct {
	opts   options
	logger Logger

	mu     sync.Mutex // serializes reads and guards buf
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	buf    *frameBuffer
	closed atomic.Bool
}

// NewTransport creates a transport bound to conn.
func NewTransport(conn net.Conn, opt ...Option) (*Transport, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	t := &Transport{opts: opts, logger: opts.logger}
	if err := t.SetConn(conn); err != nil {
		return nil, err
	}
	return t, nil
}

// SetConn rebinds the transport to a new connection, closing the previous
// one first (best-effort) and allocating a fresh frame buffer. It must not
// be called concurrently with Write.
func (t *Transport) SetConn(conn net.Conn) error {
	if conn == nil {
		return ErrInvalidConn
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeConn()
	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, MaxADULength)
	t.writer = bufio.NewWriterSize(conn, MaxADULength)
	t.buf = newFrameBuffer(MaxADULength)
	t.closed.Store(false)
	return nil
}

// Close shuts the connection down and always returns nil. The read side,
// the write side, and the connection itself are closed independently;
// failures are logged and discarded. Safe to call more than once, and safe
// to call while a read is in flight — the read fails and returns.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.closeConn()
	return nil
}

// closeConn attempts every sub-close regardless of earlier failures.
func (t *Transport) closeConn() {
	conn := t.conn
	if conn == nil {
		return
	}
	if half, ok := conn.(interface{ CloseRead() error }); ok {
		if err := half.CloseRead(); err != nil {
			t.logger.Debug("close read side", "error", err)
		}
	}
	if half, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := half.CloseWrite(); err != nil {
			t.logger.Debug("close write side", "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		t.logger.Debug("close connection", "error", err)
	}
}

// Write encodes msg onto the connection and flushes. Any failure, including
// one raised by the encoding itself, is returned with its cause; the
// connection state is then undefined and the caller must close and
// reestablish it.
func (t *Transport) Write(msg Message) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if err := msg.Encode(t.writer); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := t.writer.Flush(); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// ReadRequest reads one frame and decodes it as a request. Unknown function
// codes decode as *UnimplementedRequest.
func (t *Transport) ReadRequest() (Request, error) {
	var req Request
	err := t.readFrame(func(fc FunctionCode) Message {
		req = NewRequest(fc)
		return req
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ReadResponse reads one frame and decodes it as a response. Function codes
// with the error bit decode as *ExceptionResponse; unknown codes as
// *UnimplementedResponse.
func (t *Transport) ReadResponse() (Response, error) {
	var resp Response
	err := t.readFrame(func(fc FunctionCode) Message {
		resp = NewResponse(fc)
		return resp
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// readFrame assembles one complete frame in the reusable buffer, peeks the
// function code, and lets the message obtained from newMsg decode itself
// from the buffer start. The deadline for the header and the body both
// derive from one start time, so the configured timeout bounds the whole
// frame.
func (t *Transport) readFrame(newMsg func(FunctionCode) Message) error {
	var deadline time.Time
	if t.opts.timeout > 0 {
		deadline = time.Now().Add(t.opts.timeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() || t.conn == nil {
		return ErrConnectionClosed
	}

	// Transaction id, protocol id, length.
	n, err := t.readFull(t.buf.data[:lengthPrefixLen], deadline)
	if err != nil {
		if n == 0 {
			return ErrConnectionClosed
		}
		return errors.Wrap(ErrFrameTruncated, "header")
	}

	length := int(binary.BigEndian.Uint16(t.buf.data[4:lengthPrefixLen]))
	if length > MaxADULength-lengthPrefixLen {
		return errors.Wrapf(ErrMessageTooLarge, "length field %d", length)
	}
	if length < 2 {
		return errors.Errorf("invalid length field %d", length)
	}

	// Unit id and PDU.
	if _, err := t.readFull(t.buf.data[lengthPrefixLen:lengthPrefixLen+length], deadline); err != nil {
		return errors.Wrap(ErrFrameTruncated, "body")
	}

	t.buf.set(lengthPrefixLen + length)
	fc := FunctionCode(t.buf.data[7])

	msg := newMsg(fc)
	if err := msg.Decode(t.buf); err != nil {
		return errors.Wrap(err, "decode message")
	}
	return nil
}

// readFull reads exactly len(p) bytes, looping until the requested count is
// satisfied, the deadline passes, or the stream ends. A zero deadline means
// an unbounded blocking read.
func (t *Transport) readFull(p []byte, deadline time.Time) (int, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return io.ReadFull(t.reader, p)
}
