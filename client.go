package modbus

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Errors returned by Client.Do when a response does not belong to the
// request it followed.
var (
	// ErrTransactionMismatch is returned when a response carries a
	// transaction id other than the one assigned to the request.
	ErrTransactionMismatch = errors.New("mismatched transaction id")
	// ErrUnitMismatch is returned when a response comes from a unit other
	// than the one addressed.
	ErrUnitMismatch = errors.New("mismatched unit id")
)

// Client is a Modbus/TCP master bound to one connection. It serializes
// request/response exchanges, assigns transaction ids, and verifies that
// each response correlates with its request — the transport itself leaves
// correlation to this layer.
type Client struct {
	transport *Transport
	nextID    uint32

	mu sync.Mutex // serializes exchanges; transport writes are not synchronized
}

// NewClient creates a client over the given connection.
func NewClient(conn net.Conn, opt ...Option) (*Client, error) {
	t, err := NewTransport(conn, opt...)
	if err != nil {
		return nil, err
	}
	return &Client{transport: t}, nil
}

// Do sends req and waits for its response. The request's transaction id is
// overwritten with a freshly assigned one. If the slave answers with an
// exception, the response is returned together with its ExceptionCode as
// the error.
func (c *Client) Do(req Request) (Response, error) {
	req.Head().TransactionID = uint16(atomic.AddUint32(&c.nextID, 1))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transport.Write(req); err != nil {
		return nil, err
	}
	resp, err := c.transport.ReadResponse()
	if err != nil {
		return nil, err
	}

	if resp.Head().TransactionID != req.Head().TransactionID {
		return nil, ErrTransactionMismatch
	}
	if req.Head().UnitID != 0 && resp.Head().UnitID != req.Head().UnitID {
		return nil, ErrUnitMismatch
	}
	if ex, ok := resp.(*ExceptionResponse); ok {
		return resp, ex.Code
	}
	return resp, nil
}

// SetConn rebinds the client to a new connection after a failure.
func (c *Client) SetConn(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transport.SetConn(conn)
}

// Close closes the underlying transport. Safe to call more than once.
func (c *Client) Close() error {
	return c.transport.Close()
}
