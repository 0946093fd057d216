package redis

// ChanFuture is a write-once Future fulfilled through channel closing.
type ChanFuture struct {
	r    interface{}
	wait chan struct{}
}

// NewChanFuture returns an unresolved future.
func NewChanFuture() *ChanFuture {
	return &ChanFuture{wait: make(chan struct{})}
}

// Value waits for the future to be resolved and returns its result.
func (f *ChanFuture) Value() interface{} {
	<-f.wait
	return f.r
}

// Done returns a channel that is closed on resolution.
func (f *ChanFuture) Done() <-chan struct{} {
	return f.wait
}

// Resolve fulfills the future. A second call panics: futures are one-shot.
func (f *ChanFuture) Resolve(res interface{}) {
	f.r = res
	close(f.wait)
}
