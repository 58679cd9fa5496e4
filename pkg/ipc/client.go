package ipc

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ClientOption overrides a default client option
type ClientOption func(*clientOptions)

type clientOptions struct {
	dialTimeout    time.Duration
	requestTimeout time.Duration
}

// DialTimeout bounds connecting to the controlling process.
func DialTimeout(t time.Duration) ClientOption {
	return func(opts *clientOptions) {
		opts.dialTimeout = t
	}
}

// RequestTimeout bounds a single request round trip.
func RequestTimeout(t time.Duration) ClientOption {
	return func(opts *clientOptions) {
		opts.requestTimeout = t
	}
}

// Client is the sub-process side of the protocol. It implements
// repository.SubProcessCommunication and is safe for concurrent use.
type Client struct {
	log  *logrus.Logger
	addr string
	cfg  clientOptions

	mtx  sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// NewClient returns a Client for the controlling process listening on addr.
// The connection is made on the first request and remade after failures.
func NewClient(log *logrus.Logger, addr string, opts ...ClientOption) *Client {
	cfg := clientOptions{
		dialTimeout:    5 * time.Second,
		requestTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{
		log:  log,
		addr: addr,
		cfg:  cfg,
	}
}

// RequestNewFile asks the controlling process for a new file in dir.
func (c *Client) RequestNewFile(dir string) (string, error) {
	return c.do(commands[newFile], dir)
}

// RemoveFiles asks the controlling process to free space.
func (c *Client) RemoveFiles(dir string) (bool, error) {
	msg, err := c.do(commands[purge], dir)
	if err != nil {
		return false, err
	}

	removed, err := strconv.ParseBool(msg)
	if err != nil {
		return false, errors.Wrapf(err, "malformed purge reply %q", msg)
	}

	return removed, nil
}

func (c *Client) do(op, dir string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	id := uuid.New().String()

	reused := c.conn != nil
	msg, err := c.roundTrip(op + " " + id + " " + dir)
	if err != nil && reused {
		// the controller drops idle connections
		c.log.Debugf("retrying %s request %s on a new connection: %v", op, id, err)
		c.reset()
		msg, err = c.roundTrip(op + " " + id + " " + dir)
	}
	if err != nil {
		// the connection state is unknown, start over next time
		c.reset()
		return "", errors.Wrapf(err, "%s request %s failed", op, id)
	}

	status, rid, msg, err := parseReply(msg)
	if err != nil {
		c.reset()
		return "", err
	}
	if rid != id {
		c.reset()
		return "", errors.Errorf("reply for request %s received while waiting for %s", rid, id)
	}
	if status == errReply {
		return "", errors.Errorf("%s request %s refused: %s", op, id, msg)
	}

	c.log.Debugf("%s %s %s: %s", op, id, dir, msg)

	return msg, nil
}

func (c *Client) roundTrip(line string) (string, error) {
	if c.conn == nil {
		conn, err := net.DialTimeout("tcp", c.addr, c.cfg.dialTimeout)
		if err != nil {
			return "", errors.Wrapf(err, "could not connect to %s", c.addr)
		}
		c.conn = conn
		c.r = bufio.NewReader(conn)
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.cfg.requestTimeout)); err != nil {
		return "", err
	}

	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}

	res, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}

	return res[:len(res)-1], nil
}

func (c *Client) reset() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.r = nil
}

// Close says goodbye to the controlling process and closes the connection.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.conn == nil {
		return nil
	}

	_, err := c.conn.Write([]byte(commands[quit] + "\n"))
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	c.conn = nil
	c.r = nil

	return err
}
