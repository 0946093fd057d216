package redis

// Sync provides a synchronous call surface over a Sender.
type Sync struct {
	S Sender
}

// Do sends a command and waits for its result.
func (s Sync) Do(cmd string, args ...interface{}) interface{} {
	return s.Send(Request{cmd, args})
}

// Send sends a request and waits for its result.
func (s Sync) Send(r Request) interface{} {
	f := NewChanFuture()
	s.S.Send(r, f)
	return f.Value()
}
