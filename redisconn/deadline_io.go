package redisconn

import (
	"io"
	"net"
	"time"
)

// deadlineIO arms a fresh deadline before each read or write. A zero timeout
// leaves the corresponding direction unbounded.
type deadlineIO struct {
	rto, wto time.Duration
	c        net.Conn
}

func newDeadlineIO(c net.Conn, rto, wto time.Duration) io.ReadWriter {
	if rto > 0 || wto > 0 {
		return &deadlineIO{rto: rto, wto: wto, c: c}
	}
	return c
}

func (d *deadlineIO) Write(b []byte) (int, error) {
	if d.wto > 0 {
		d.c.SetWriteDeadline(time.Now().Add(d.wto))
	}
	return d.c.Write(b)
}

func (d *deadlineIO) Read(b []byte) (int, error) {
	if d.rto > 0 {
		d.c.SetReadDeadline(time.Now().Add(d.rto))
	}
	return d.c.Read(b)
}
