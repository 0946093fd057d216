package redis

// Req is a convenient constructor for Request.
func Req(cmd string, args ...interface{}) Request {
	return Request{cmd, args}
}

// Request is a command with arguments.
type Request struct {
	Cmd  string
	Args []interface{}
}

// Future is a one-shot sink for the result of a request.
//
// A Future is resolved exactly once, with either a decoded reply or an
// *errorx.Error. Resolving a future twice is a programming error.
type Future interface {
	Resolve(res interface{})
}

// FuncFuture adapts a plain function to the Future interface.
type FuncFuture func(res interface{})

// Resolve implements Future.
func (f FuncFuture) Resolve(res interface{}) { f(res) }

// Sender is anything requests can be written to: a connection, or a wrapper
// around one.
type Sender interface {
	Send(r Request, cb Future)
}
