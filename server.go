package modbus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Handler answers requests served by a Server. Returning a nil Response
// suppresses the reply. Returning an ExceptionCode as the error sends the
// matching exception response; any other error maps to
// ExceptionServerFailure.
type Handler interface {
	Handle(req Request) (Response, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(Request) (Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(req Request) (Response, error) {
	return f(req)
}

// Server accepts Modbus/TCP connections and serves requests on each of them
// over a Transport.
type Server struct {
	listener *net.TCPListener
	logger   Logger
	opts     []Option // transport options applied to every accepted connection

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a server bound to the given address. The options are
// applied to the transport of every accepted connection; TimeoutOption
// doubles as the idle timeout after which a silent client is dropped.
func NewServer(addr *net.TCPAddr, opt ...Option) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		listener.Close()
		return nil, err
	}

	return &Server{
		listener: listener,
		logger:   opts.logger,
		opts:     opt,
	}, nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections and dispatches their requests to the handler.
// It blocks until the context is canceled or the listener fails, then waits
// for the per-connection handlers to finish.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	group, ctx := errgroup.WithContext(ctx)
	accepting := make(chan struct{})

	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-accepting:
			// Accept loop already gone (listener closed via Close).
			return nil
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
		return nil
	})

	group.Go(func() error {
		defer close(accepting)
		for {
			conn, err := s.listener.AcceptTCP()
			if err != nil {
				s.mu.Lock()
				isShutdown := s.shutdown
				s.mu.Unlock()

				if isShutdown {
					s.logger.Info("server stopped", "addr", s.listener.Addr())
					return ctx.Err()
				}

				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				s.logger.Error("accept error", "error", err)
				return err
			}

			s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
			_ = conn.SetNoDelay(true)
			group.Go(func() error {
				s.serveConn(ctx, conn, handler)
				return nil
			})
		}
	})

	return group.Wait()
}

// Close stops the server by closing the underlying listener.
// Any blocked Accept calls will return with an error. Connections already
// being served keep running until their clients disconnect or the context
// passed to Serve is canceled.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	return s.listener.Close()
}

// serveConn pumps requests from one connection until it closes, the context
// is canceled, or a frame fails to parse.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	t, err := NewTransport(conn, s.opts...)
	if err != nil {
		s.logger.Error("transport setup", "remote_addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	defer t.Close()

	// Closing the transport fails the in-flight read and ends the loop.
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		req, err := t.ReadRequest()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				s.logger.Debug("read request", "remote_addr", conn.RemoteAddr(), "error", err)
			}
			return
		}

		resp := s.respond(handler, req)
		if resp == nil {
			continue
		}

		// Correlation is copied from the request; the handler only fills in
		// the payload.
		resp.Head().TransactionID = req.Head().TransactionID
		resp.Head().ProtocolID = req.Head().ProtocolID
		resp.Head().UnitID = req.Head().UnitID

		if err := t.Write(resp); err != nil {
			s.logger.Debug("write response", "remote_addr", conn.RemoteAddr(), "error", err)
			return
		}
	}
}

// respond invokes the handler and maps failures to exception responses.
func (s *Server) respond(handler Handler, req Request) Response {
	resp, err := handler.Handle(req)
	if err == nil {
		return resp
	}

	var ec ExceptionCode
	if !errors.As(err, &ec) {
		ec = ExceptionServerFailure
	}
	return &ExceptionResponse{Function: req.FunctionCode().Base(), Code: ec}
}
