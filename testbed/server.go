// Package testbed runs an in-process RESP server for tests. It understands
// just enough commands to exercise a client: PING, ECHO, GET, SET, DEL,
// AUTH and SELECT. Misbehavior - dropped connections, delayed replies -
// is switched on explicitly by the test.
package testbed

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvoda/redispool/resp"
)

// Server is a fake single-database Redis accepting on a random loopback port.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	data     map[string]string
	password string
	delay    time.Duration
	stopped  bool
}

// Start binds a listener and begins serving.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
		data:  make(map[string]string),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr is the address clients should dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// RequirePassword makes AUTH mandatory with the given password.
func (s *Server) RequirePassword(password string) {
	s.mu.Lock()
	s.password = password
	s.mu.Unlock()
}

// SetDelay makes every reply lag by d. Useful for keeping requests in
// flight while the test does something else.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// DropConnections abruptly closes every live client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()
}

// Stop shuts the server down and closes every connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.ln.Close()
	s.DropConnections()
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *Server) forget(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) serve(c net.Conn) {
	defer s.forget(c)
	authed := false
	var data []byte
	buf := make([]byte, 16*1024)
	for {
		for len(data) > 0 {
			val, n, err := resp.Decode(data)
			if err != nil {
				return
			}
			if n == 0 {
				break
			}
			data = data[n:]
			reply, ok := s.handle(val, &authed)
			if !ok {
				return
			}
			s.mu.Lock()
			delay := s.delay
			s.mu.Unlock()
			if delay > 0 {
				time.Sleep(delay)
			}
			if _, err := c.Write(reply); err != nil {
				return
			}
		}
		n, err := c.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// handle executes one request and renders the reply bytes.
func (s *Server) handle(val interface{}, authed *bool) ([]byte, bool) {
	args, ok := val.([]interface{})
	if !ok || len(args) == 0 {
		return nil, false
	}
	parts := make([]string, len(args))
	for i, a := range args {
		b, ok := a.([]byte)
		if !ok {
			return nil, false
		}
		parts[i] = string(b)
	}
	cmd := strings.ToUpper(parts[0])

	s.mu.Lock()
	password := s.password
	s.mu.Unlock()
	if cmd == "AUTH" {
		if len(parts) != 2 {
			return errReply("ERR wrong number of arguments for 'auth' command"), true
		}
		if password == "" {
			return errReply("ERR Client sent AUTH, but no password is set"), true
		}
		if parts[1] != password {
			return errReply("ERR invalid password"), true
		}
		*authed = true
		return simpleReply("OK"), true
	}
	if password != "" && !*authed {
		return errReply("NOAUTH Authentication required."), true
	}

	switch cmd {
	case "PING":
		if len(parts) == 2 {
			return bulkReply(parts[1]), true
		}
		return simpleReply("PONG"), true
	case "ECHO":
		if len(parts) != 2 {
			return errReply("ERR wrong number of arguments for 'echo' command"), true
		}
		return bulkReply(parts[1]), true
	case "SELECT":
		return simpleReply("OK"), true
	case "SET":
		if len(parts) != 3 {
			return errReply("ERR wrong number of arguments for 'set' command"), true
		}
		s.mu.Lock()
		s.data[parts[1]] = parts[2]
		s.mu.Unlock()
		return simpleReply("OK"), true
	case "GET":
		if len(parts) != 2 {
			return errReply("ERR wrong number of arguments for 'get' command"), true
		}
		s.mu.Lock()
		v, found := s.data[parts[1]]
		s.mu.Unlock()
		if !found {
			return []byte("$-1\r\n"), true
		}
		return bulkReply(v), true
	case "DEL":
		deleted := int64(0)
		s.mu.Lock()
		for _, k := range parts[1:] {
			if _, found := s.data[k]; found {
				delete(s.data, k)
				deleted++
			}
		}
		s.mu.Unlock()
		return intReply(deleted), true
	default:
		return errReply("ERR unknown command '" + parts[0] + "'"), true
	}
}

func simpleReply(s string) []byte {
	return []byte("+" + s + "\r\n")
}

func errReply(s string) []byte {
	return []byte("-" + s + "\r\n")
}

func bulkReply(s string) []byte {
	b := append([]byte{'$'}, strconv.Itoa(len(s))...)
	b = append(b, '\r', '\n')
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func intReply(v int64) []byte {
	return []byte(":" + strconv.FormatInt(v, 10) + "\r\n")
}
