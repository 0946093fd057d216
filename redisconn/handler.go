package redisconn

import (
	"sync"

	"github.com/edwingeng/deque/v2"
	"github.com/joomcode/errorx"

	"github.com/corvoda/redispool/redis"
)

type handlerState int

const (
	stateDefault handlerState = iota
	stateDraining
	stateErrored
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// handler pairs pipelined requests with responses.
//
// Every accepted request appends exactly one future to the queue and writes
// exactly one request to the transport; every inbound response pops exactly
// one future from the front. State transitions are one-way: Default to
// Draining on graceful close with requests in flight; Default or Draining to
// Errored on transport failure, transport close, or drain completion.
type handler struct {
	mu      sync.Mutex
	state   handlerState
	cause   *errorx.Error
	queue   *deque.Deque[redis.Future]
	drained chan struct{}

	writeFn  func(redis.Request) *errorx.Error
	closeFn  func()
	metrics  Metrics
	onOrphan func(v interface{})
}

func newHandler(write func(redis.Request) *errorx.Error, closeTransport func(), metrics Metrics, onOrphan func(interface{})) *handler {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &handler{
		queue:    deque.NewDeque[redis.Future](),
		writeFn:  write,
		closeFn:  closeTransport,
		metrics:  metrics,
		onOrphan: onOrphan,
	}
}

// send queues fut and writes req to the transport. In Draining or Errored
// the future fails immediately and nothing is written.
func (h *handler) send(req redis.Request, fut redis.Future) {
	h.mu.Lock()
	switch h.state {
	case stateDraining:
		h.mu.Unlock()
		fut.Resolve(redis.ErrConnectionClosed.New("connection is draining"))
		return
	case stateErrored:
		cause := h.cause
		h.mu.Unlock()
		fut.Resolve(cause)
		return
	}
	h.queue.PushBack(fut)
	err := h.writeFn(req)
	if err == nil {
		h.mu.Unlock()
		return
	}
	if err.IsOfType(redis.ErrMalformedRequest) {
		// nothing reached the wire, only this request fails
		h.queue.PopBack()
		h.mu.Unlock()
		fut.Resolve(err)
		return
	}
	h.mu.Unlock()
	h.fail(err)
}

// onValue delivers one decoded response to the request at the queue front.
// A response with nothing queued is dropped.
func (h *handler) onValue(v interface{}) {
	h.mu.Lock()
	if h.queue.Len() == 0 {
		h.mu.Unlock()
		if h.onOrphan != nil {
			h.onOrphan(v)
		}
		return
	}
	fut := h.queue.PopFront()
	var finishDrain chan struct{}
	if h.state == stateDraining && h.queue.Len() == 0 {
		h.state = stateErrored
		h.cause = redis.ErrConnectionClosed.New("connection drained")
		finishDrain = h.drained
	}
	h.mu.Unlock()

	if rerr := redis.AsErrorx(v); rerr != nil {
		h.metrics.CommandFailure()
	} else {
		h.metrics.CommandSuccess()
	}
	fut.Resolve(v)

	if finishDrain != nil {
		h.closeFn()
		close(finishDrain)
	}
}

// fail moves the handler to its terminal state, cascades cause onto every
// request still queued (in order), and closes the transport. Reports whether
// this call performed the transition.
func (h *handler) fail(cause *errorx.Error) bool {
	h.mu.Lock()
	if h.state == stateErrored {
		h.mu.Unlock()
		return false
	}
	finishDrain := h.drained
	h.state = stateErrored
	h.cause = cause
	futs := make([]redis.Future, 0, h.queue.Len())
	for h.queue.Len() > 0 {
		futs = append(futs, h.queue.PopFront())
	}
	h.mu.Unlock()

	for _, fut := range futs {
		fut.Resolve(cause)
	}
	h.closeFn()
	if finishDrain != nil {
		close(finishDrain)
	}
	return true
}

// drainAndClose requests graceful shutdown. With nothing in flight the
// transport closes at once; otherwise new requests are refused while queued
// ones drain, and the transport closes when the last response arrives. The
// returned channel closes when shutdown completes. Safe to call repeatedly.
func (h *handler) drainAndClose() <-chan struct{} {
	h.mu.Lock()
	switch h.state {
	case stateDraining:
		ch := h.drained
		h.mu.Unlock()
		return ch
	case stateErrored:
		h.mu.Unlock()
		return closedChan
	}
	if h.queue.Len() == 0 {
		h.state = stateErrored
		h.cause = redis.ErrConnectionClosed.New("connection was closed explicitly")
		h.mu.Unlock()
		h.closeFn()
		return closedChan
	}
	h.state = stateDraining
	h.drained = make(chan struct{})
	ch := h.drained
	h.mu.Unlock()
	return ch
}

// assertSettled panics unless the handler reached its terminal state with an
// empty queue. The transport goroutine calls it on exit: dropping queued
// requests without an answer is a bug.
func (h *handler) assertSettled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateErrored || h.queue.Len() != 0 {
		panic("redisconn: transport stopped with requests still queued")
	}
}
