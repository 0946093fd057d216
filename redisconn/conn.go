package redisconn

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joomcode/errorx"

	"github.com/corvoda/redispool/redis"
	"github.com/corvoda/redispool/resp"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIOTimeout   = 1 * time.Second
	defaultKeepAlive   = 300 * time.Millisecond
)

// Opts are connection options. Zero values select defaults; negative values
// disable the corresponding mechanism.
type Opts struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// IOTimeout bounds socket writes and handshake reads. Steady-state
	// reads are unbounded: an idle connection stays open.
	IOTimeout time.Duration
	// TCPKeepAlive is passed to net.Dialer.
	TCPKeepAlive time.Duration
	// DB is the database number to SELECT after connecting.
	DB int
	// Password for AUTH.
	Password string
	// Logger receives lifecycle events. Defaults to the standard log package.
	Logger Logger
	// Metrics receives request outcome increments. Defaults to a no-op.
	Metrics Metrics
	// Handle is an arbitrary user value returned by Connection.Handle.
	Handle interface{}
}

// Connection is a single pipelined connection to a Redis server.
//
// Requests are written in call order and responses are paired with requests
// strictly first-in first-out. A Connection does not reconnect: once the
// transport fails or is closed, every outstanding and subsequent request
// fails, and the connection is done. Replacement is the pool's job.
type Connection struct {
	id   uint64
	addr string
	opts Opts

	ctx    context.Context
	cancel context.CancelFunc

	c    net.Conn
	w    *bufio.Writer
	wbuf []byte
	h    *handler

	connected uint32
	closeOnce sync.Once
	done      chan struct{}
}

var lastConnID uint64

// Connect dials addr and performs the handshake. Addresses starting with
// "/", "." or "unix://" use a unix domain socket; "tcp://" prefixes are
// stripped. A nil context or empty address is a programming error.
func Connect(ctx context.Context, addr string, opts Opts) (*Connection, error) {
	if ctx == nil {
		panic("redisconn: context is nil")
	}
	if addr == "" {
		panic("redisconn: address is empty")
	}
	conn := &Connection{
		id:   atomic.AddUint64(&lastConnID, 1),
		addr: addr,
		opts: opts,
		done: make(chan struct{}),
	}
	if conn.opts.DialTimeout == 0 {
		conn.opts.DialTimeout = defaultDialTimeout
	} else if conn.opts.DialTimeout < 0 {
		conn.opts.DialTimeout = 0
	}
	if conn.opts.IOTimeout == 0 {
		conn.opts.IOTimeout = defaultIOTimeout
	} else if conn.opts.IOTimeout < 0 {
		conn.opts.IOTimeout = 0
	}
	if conn.opts.TCPKeepAlive == 0 {
		conn.opts.TCPKeepAlive = defaultKeepAlive
	} else if conn.opts.TCPKeepAlive < 0 {
		conn.opts.TCPKeepAlive = 0
	}
	if conn.opts.Logger == nil {
		conn.opts.Logger = defaultLogger{}
	}
	if conn.opts.Metrics == nil {
		conn.opts.Metrics = NoopMetrics{}
	}
	conn.ctx, conn.cancel = context.WithCancel(ctx)

	conn.report(LogConnecting)
	leftover, err := conn.dial()
	if err != nil {
		conn.report(LogConnectFailed, err)
		conn.cancel()
		return nil, errorx.Cast(err).WithProperty(EKAddress, conn.addr)
	}

	conn.h = newHandler(conn.writeRequest, conn.closeTransport, conn.opts.Metrics, func(v interface{}) {
		conn.report(LogOrphanResponse, v)
	})
	atomic.StoreUint32(&conn.connected, 1)
	go conn.reader(leftover)
	go conn.watchContext()
	conn.report(LogConnected, conn.c.LocalAddr().String(), conn.c.RemoteAddr().String())
	return conn, nil
}

// ID returns the stable identity of this connection.
func (conn *Connection) ID() uint64 {
	return conn.id
}

// Addr is the address this connection was dialed to.
func (conn *Connection) Addr() string {
	return conn.addr
}

// Handle returns the user handle from Opts.
func (conn *Connection) Handle() interface{} {
	return conn.opts.Handle
}

// ConnectedNow reports whether the transport is still up.
func (conn *Connection) ConnectedNow() bool {
	return atomic.LoadUint32(&conn.connected) == 1
}

// Done returns a channel that closes when the transport has fully shut down.
func (conn *Connection) Done() <-chan struct{} {
	return conn.done
}

// Send writes req on the connection and resolves fut with its response.
// Responses arrive in request order.
func (conn *Connection) Send(req redis.Request, fut redis.Future) {
	conn.h.send(req, fut)
}

// Close tears the connection down immediately. Every outstanding request
// fails with ErrConnectionClosed.
func (conn *Connection) Close() error {
	if conn.h.fail(redis.ErrConnectionClosed.New("connection was closed explicitly")) {
		conn.report(LogClosed)
	}
	return nil
}

// CloseGracefully refuses new requests, lets queued ones finish, and then
// closes the transport. The returned channel closes once shutdown completes.
func (conn *Connection) CloseGracefully() <-chan struct{} {
	return conn.h.drainAndClose()
}

func (conn *Connection) String() string {
	return "*redisconn.Connection{addr: " + conn.addr + "}"
}

/********** private api **************/

func (conn *Connection) report(event LogKind, v ...interface{}) {
	conn.opts.Logger.Report(event, conn, v...)
}

func (conn *Connection) dial() ([]byte, error) {
	network := "tcp"
	address := conn.addr
	switch {
	case strings.HasPrefix(address, "unix://"):
		network = "unix"
		address = address[len("unix://"):]
	case strings.HasPrefix(address, "tcp://"):
		address = address[len("tcp://"):]
	case address[0] == '/' || address[0] == '.':
		network = "unix"
	}
	dialer := net.Dialer{
		Timeout:   conn.opts.DialTimeout,
		KeepAlive: conn.opts.TCPKeepAlive,
	}
	c, err := dialer.DialContext(conn.ctx, network, address)
	if err != nil {
		return nil, redis.ErrDial.Wrap(err, "could not connect to %s", conn.addr)
	}

	leftover, err := conn.handshake(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	// handshake reads were deadline-bound; steady-state reads are not
	c.SetReadDeadline(time.Time{})

	conn.c = c
	conn.w = bufio.NewWriterSize(newDeadlineIO(c, 0, conn.opts.IOTimeout), 64*1024)
	return leftover, nil
}

// handshake sends AUTH, PING and SELECT as one pipelined packet and verifies
// the replies. Returns any bytes read beyond the handshake replies.
func (conn *Connection) handshake(c net.Conn) ([]byte, error) {
	dio := newDeadlineIO(c, conn.opts.IOTimeout, conn.opts.IOTimeout)

	var req []byte
	if conn.opts.Password != "" {
		req, _ = resp.AppendRequest(req, redis.Req("AUTH", conn.opts.Password))
	}
	req, _ = resp.AppendRequest(req, redis.Req("PING"))
	if conn.opts.DB != 0 {
		req, _ = resp.AppendRequest(req, redis.Req("SELECT", conn.opts.DB))
	}
	if _, err := dio.Write(req); err != nil {
		return nil, redis.ErrIO.Wrap(err, "handshake write failed")
	}

	var leftover []byte
	if conn.opts.Password != "" {
		res, err := readValue(dio, &leftover)
		if err != nil {
			return nil, err
		}
		if rerr := redis.AsErrorx(res); rerr != nil {
			if strings.Contains(rerr.Message(), "password") || strings.Contains(rerr.Message(), "AUTH") {
				return nil, redis.ErrAuth.Wrap(rerr, "auth is not successful")
			}
			return nil, redis.ErrConnSetup.Wrap(rerr, "auth is not successful")
		}
	}
	res, err := readValue(dio, &leftover)
	if err != nil {
		return nil, err
	}
	if rerr := redis.AsError(res); rerr != nil {
		return nil, redis.ErrConnSetup.Wrap(rerr, "ping after connect failed")
	}
	if str, ok := res.(string); !ok || str != "PONG" {
		return nil, redis.ErrConnSetup.New("ping response mismatch: %v", res)
	}
	if conn.opts.DB != 0 {
		res, err = readValue(dio, &leftover)
		if err != nil {
			return nil, err
		}
		if rerr := redis.AsError(res); rerr != nil {
			return nil, redis.ErrConnSetup.Wrap(rerr, "could not select db %d", conn.opts.DB)
		}
		if str, ok := res.(string); !ok || str != "OK" {
			return nil, redis.ErrConnSetup.New("select db %d response mismatch: %v", conn.opts.DB, res)
		}
	}
	return leftover, nil
}

// readValue reads one complete frame from r, keeping partial input in *buf.
func readValue(r io.Reader, buf *[]byte) (interface{}, error) {
	var scratch [4096]byte
	for {
		if len(*buf) > 0 {
			v, n, err := resp.Decode(*buf)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				*buf = (*buf)[n:]
				return v, nil
			}
		}
		n, err := r.Read(scratch[:])
		*buf = append(*buf, scratch[:n]...)
		if err != nil && n == 0 {
			if err == io.EOF {
				return nil, redis.ErrConnectionClosed.New("connection closed during handshake")
			}
			return nil, redis.ErrIO.Wrap(err, "handshake read failed")
		}
	}
}

// writeRequest encodes and flushes one request. The handler lock serializes
// calls, which also guards the scratch buffer.
func (conn *Connection) writeRequest(req redis.Request) *errorx.Error {
	buf, err := resp.AppendRequest(conn.wbuf[:0], req)
	if err != nil {
		return errorx.Cast(err)
	}
	conn.wbuf = buf
	if _, werr := conn.w.Write(buf); werr != nil {
		return redis.ErrIO.Wrap(werr, "write failed")
	}
	if werr := conn.w.Flush(); werr != nil {
		return redis.ErrIO.Wrap(werr, "write failed")
	}
	return nil
}

func (conn *Connection) closeTransport() {
	conn.closeOnce.Do(func() {
		atomic.StoreUint32(&conn.connected, 0)
		conn.c.Close()
	})
}

// watchContext closes the connection when the parent context is cancelled.
func (conn *Connection) watchContext() {
	select {
	case <-conn.ctx.Done():
		conn.Close()
	case <-conn.done:
	}
	conn.cancel()
}

// reader decodes the inbound byte stream and feeds responses to the handler
// until the transport dies.
func (conn *Connection) reader(data []byte) {
	defer close(conn.done)
	defer conn.h.assertSettled()
	defer conn.closeTransport()
	buf := make([]byte, 32*1024)
	for {
		for len(data) > 0 {
			val, n, err := resp.Decode(data)
			if err != nil {
				if conn.h.fail(errorx.Cast(err)) {
					conn.report(LogDisconnected, err)
				}
				return
			}
			if n == 0 {
				break
			}
			data = data[n:]
			conn.h.onValue(val)
		}
		if len(data) == 0 {
			// frame boundary: let a grown buffer go
			data = nil
		}
		n, err := conn.c.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			var cause *errorx.Error
			if err == io.EOF {
				cause = redis.ErrConnectionClosed.New("connection closed by peer")
			} else {
				cause = redis.ErrIO.Wrap(err, "read failed")
			}
			if conn.h.fail(cause) {
				conn.report(LogDisconnected, cause)
			}
			return
		}
	}
}
