// Package ipc lets sub-processes sharing a repository delegate file creation
// and removal to the controlling process over a line based TCP protocol:
//
//	NEW <id> <dir>    -> OK <id> <path>
//	PURGE <id> <dir>  -> OK <id> true|false
//	QUIT
//
// Failures are answered with ERR <id> <message>.
package ipc

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ServerOption overrides a default option
type ServerOption func(*options)

type options struct {
	addr            string
	readTimeout     time.Duration
	shutdownTimeout time.Duration
}

// Addr overrides the default listen address "127.0.0.1:7420"
func Addr(a string) ServerOption {
	return func(opts *options) {
		opts.addr = a
	}
}

// ReadTimeout overrides the default read timeout to the duration passed in.
// An idle sub-process connection is closed after it; clients reconnect on their next request.
func ReadTimeout(t time.Duration) ServerOption {
	return func(opts *options) {
		opts.readTimeout = t
	}
}

// ShutdownTimeout overrides the default value for how long the server will wait for connections
// to finish being handled before Server.Serve exits.
func ShutdownTimeout(t time.Duration) ServerOption {
	return func(opts *options) {
		opts.shutdownTimeout = t
	}
}

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("ipc server closed")

// Server receives file requests from sub-processes and serves them one at a time
// against a Controller.
type Server struct {
	mtx             sync.Mutex
	addr            string
	log             *logrus.Logger
	ctrl            Controller
	ln              net.Listener
	handlers        sync.WaitGroup
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	close           chan struct{}
	exited          chan struct{}
	closeOnce       sync.Once
	serving         bool

	// exec serializes requests across connections
	exec sync.Mutex
}

const (
	defaultAddr            = "127.0.0.1:7420"
	defaultReadTimeout     = 5 * time.Minute
	defaultShutdownTimeout = 5 * time.Second
)

// NewServer returns a configured Server instance ready to start serving
func NewServer(log *logrus.Logger, ctrl Controller, opts ...ServerOption) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("ipc server needs a controller")
	}

	cfg := &options{
		addr:            defaultAddr,
		readTimeout:     defaultReadTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &Server{
		addr:            cfg.addr,
		log:             log,
		ctrl:            ctrl,
		readTimeout:     cfg.readTimeout,
		shutdownTimeout: cfg.shutdownTimeout,
		close:           make(chan struct{}),
		exited:          make(chan struct{}),
	}, nil
}

// Listen binds the listen address. Serve calls it when it was not called before.
func (s *Server) Listen() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "could not listen on %s", s.addr)
	}

	s.ln = ln
	s.addr = ln.Addr().String()

	return nil
}

// Addr returns the listen address, with the actual port once listening.
func (s *Server) Addr() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.addr
}

// Serve accepts connections until Close is called, it then returns ErrServerClosed.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		close(s.exited)
		return err
	}

	defer func() {
		if ok := s.wait(); ok {
			s.log.Info("connection handlers exited normally")
		} else {
			s.log.Error("timed out waiting for connection handlers to exit")
		}
		close(s.exited)
	}()

	s.mtx.Lock()
	ln := s.ln
	s.serving = true
	s.mtx.Unlock()

	s.log.Infof("accepting sub-process connections on %s", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.close:
				s.log.Info("closing")
				return ErrServerClosed
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}

			s.log.Errorf("error accepting connection: %v", err)
			continue
		}

		s.log.Debugf("accepted new connection from: %s", c.RemoteAddr().String())
		s.handlers.Add(1)
		go s.handle(ctx, newConn(c))
	}
}

// Close stops accepting connections and waits for Serve to exit.
func (s *Server) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mtx.Lock()
		ln, serving := s.ln, s.serving
		s.mtx.Unlock()

		// close the close channel to tell server to shutdown
		close(s.close)

		if ln == nil {
			return
		}

		if cerr := ln.Close(); cerr != nil {
			s.log.Errorf("error closing listener: %v", cerr)
			err = cerr
		}

		// wait for server to exit (wait for handlers to finish)
		if serving {
			<-s.exited
		}
	})

	return err
}

type conn struct {
	net.Conn
	close chan struct{}
}

func newConn(c net.Conn) *conn {
	return &conn{
		c,
		make(chan struct{}),
	}
}

func (s *Server) handle(ctx context.Context, c *conn) {
	defer func() {
		s.log.Debugf("closing connection from: %v", c.RemoteAddr())

		if err := c.Close(); err != nil {
			s.log.Errorf("error closing connection: %v", err)
		}

		s.handlers.Done()
	}()

	// unblock the read below on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetReadDeadline(time.Now())
	})
	defer stop()

	reader := bufio.NewReader(c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.close:
			s.log.Debugf("client %s closed connection", c.RemoteAddr().String())
			return
		default:
		}

		_ = c.SetReadDeadline(time.Now().Add(s.readTimeout))

		l, err := reader.ReadString('\n')
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() && ctx.Err() == nil {
				s.log.Debugf("read timeout from %s", c.RemoteAddr().String())
			}
			return
		}

		res := s.serve(c, l[:len(l)-1])
		if res == "" {
			continue
		}

		if _, err := c.Write([]byte(res + "\n")); err != nil {
			s.log.Errorf("could not reply to %s: %v", c.RemoteAddr().String(), err)
			return
		}
	}
}

// serve executes one request line and returns the reply, "" when there is none.
func (s *Server) serve(c *conn, line string) string {
	cmd, err := parseCommand(line)
	if err != nil {
		s.log.Errorf("failed to parse command from %s: %v", c.RemoteAddr().String(), err)
		return reply(errReply, noID, err.Error())
	}

	s.exec.Lock()
	res, err := cmd.execute(c.close, s.ctrl)
	s.exec.Unlock()

	if err != nil {
		s.log.Errorf("failed to execute command: %s %s %s: %v", commands[cmd.op], cmd.id, cmd.dir, err)
		return reply(errReply, cmd.id, err.Error())
	}

	s.log.Debugf("client %s executed command: %s %s %s", c.RemoteAddr().String(), commands[cmd.op], cmd.id, cmd.dir)

	return res
}

// wait waits for the handlers. If waiting finishes before the shutdown timeout, it returns true, otherwise it returns false.
func (s *Server) wait() bool {
	c := make(chan struct{})

	go func() {
		defer close(c)
		s.handlers.Wait()
	}()

	select {
	case <-c:
		return true // completed normally
	case <-time.After(s.shutdownTimeout):
		return false // timed out
	}
}
