package pool

import (
	"math"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/corvoda/redispool/redis"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultBackoffFactor  = 2.0
)

// Conn is the pool's view of a pooled connection. *redisconn.Connection
// satisfies it.
type Conn interface {
	// ID is a stable identity.
	ID() uint64
	// ConnectedNow reports whether the transport is still up.
	ConnectedNow() bool
	// Done returns a channel that closes when the connection has shut down.
	Done() <-chan struct{}
	// Close tears the connection down.
	Close() error
}

// Factory creates one live connection. The pool runs it on its own
// goroutine; it may block.
type Factory func() (Conn, error)

// Opts are pool options, immutable after New.
type Opts struct {
	// MaxConnections caps the connection population. Must be positive.
	MaxConnections int
	// MinConnections is the population the pool maintains. Must not
	// exceed MaxConnections.
	MinConnections int
	// Leaky selects the overflow policy. A leaky pool creates extra
	// connections for waiting callers beyond MaxConnections but does not
	// retain them past a single use. A strict pool never exceeds
	// MaxConnections with retained-or-leased connections.
	Leaky bool
	// InitialBackoff is the delay before the first retry after a failed
	// connection attempt. Zero selects the default of 500ms.
	InitialBackoff time.Duration
	// BackoffFactor scales the delay after every failed attempt,
	// saturating. Zero selects the default of 2.0.
	BackoffFactor float64
	// Factory creates connections. Required.
	Factory Factory
	// Logger receives pool events. Defaults to the standard log package.
	Logger Logger
}

type poolState int

const (
	poolActive poolState = iota
	poolClosing
	poolClosed
)

// waiter is a queued lease request. Its pointer identity is what the
// deadline timer rescinds by.
type waiter struct {
	fut   redis.Future
	timer *time.Timer
	done  bool
}

// Pool lends live connections to callers and replaces dead ones.
//
// All state lives on a single run goroutine; public methods post work onto
// it and never touch state directly, so the pool needs no locks. Value
// returning operations hand back futures.
type Pool struct {
	opts  Opts
	tasks chan func()

	// everything below is owned by the run goroutine
	state     poolState
	available *deque.Deque[Conn]
	waiters   *deque.Deque[*waiter]
	pending   int
	leased    int
	remaining int
	closeDone []redis.Future
}

// New creates a pool. Invalid options - a missing factory, a non-positive
// maximum, or a minimum above the maximum - are programming errors.
func New(opts Opts) *Pool {
	if opts.Factory == nil {
		panic("redispool: pool factory is nil")
	}
	if opts.MaxConnections <= 0 {
		panic("redispool: MaxConnections must be positive")
	}
	if opts.MinConnections < 0 || opts.MinConnections > opts.MaxConnections {
		panic("redispool: MinConnections must be between 0 and MaxConnections")
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = defaultBackoffFactor
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger{}
	}
	p := &Pool{
		opts:      opts,
		tasks:     make(chan func(), 64),
		available: deque.NewDeque[Conn](),
		waiters:   deque.NewDeque[*waiter](),
	}
	go p.run()
	return p
}

// Activate starts filling the pool up to MinConnections. Idempotent while
// the pool is active; a no-op once it is closing.
func (p *Pool) Activate() {
	p.do(func() {
		if p.state != poolActive {
			return
		}
		p.refill()
	})
}

// LeaseConnection returns a future that resolves with a live Conn, or with
// ErrPoolClosed, ErrLeaseTimeout, or a connection error. A non-positive
// timeout waits forever.
func (p *Pool) LeaseConnection(timeout time.Duration) *redis.ChanFuture {
	fut := redis.NewChanFuture()
	p.do(func() { p.lease(fut, timeout) })
	return fut
}

// Lease is the blocking form of LeaseConnection.
func (p *Pool) Lease(timeout time.Duration) (Conn, error) {
	res := p.LeaseConnection(timeout).Value()
	if err, ok := res.(error); ok {
		return nil, err
	}
	return res.(Conn), nil
}

// ReturnConnection gives a leased connection back. Must be called exactly
// once per successful lease; returning to a fully closed pool is a
// programming error.
func (p *Pool) ReturnConnection(c Conn) {
	p.do(func() { p.handback(c, true) })
}

// Shutdown starts an orderly close: queued waiters fail with ErrPoolClosed,
// pooled connections close now, leased and in-creation ones as they come
// home. The future resolves with nil when every connection is accounted for.
func (p *Pool) Shutdown() *redis.ChanFuture {
	fut := redis.NewChanFuture()
	p.do(func() { p.shutdown(fut) })
	return fut
}

// Close is the blocking form of Shutdown.
func (p *Pool) Close() {
	p.Shutdown().Value()
}

// Stats is a snapshot of pool accounting, taken on the pool's run goroutine.
type Stats struct {
	Available int
	Pending   int
	Leased    int
	Waiters   int
}

// Stats reports current accounting. Available + Pending + Leased is the
// live-or-planned connection population.
func (p *Pool) Stats() Stats {
	fut := redis.NewChanFuture()
	p.do(func() {
		fut.Resolve(Stats{
			Available: p.available.Len(),
			Pending:   p.pending,
			Leased:    p.leased,
			Waiters:   p.waiters.Len(),
		})
	})
	return fut.Value().(Stats)
}

/********** run loop **************/

// run executes posted work serially. It is the only goroutine that touches
// pool state.
func (p *Pool) run() {
	for f := range p.tasks {
		f()
	}
}

func (p *Pool) do(f func()) {
	p.tasks <- f
}

func (p *Pool) report(event LogKind, v ...interface{}) {
	p.opts.Logger.Report(event, v...)
}

func (p *Pool) population() int {
	return p.available.Len() + p.pending + p.leased
}

// refill issues creation attempts until the population reaches the minimum.
func (p *Pool) refill() {
	for p.population() < p.opts.MinConnections {
		p.createConnection(p.opts.InitialBackoff, 0)
	}
}

func (p *Pool) lease(fut redis.Future, timeout time.Duration) {
	if p.state != poolActive {
		fut.Resolve(redis.ErrPoolClosed.New("pool is closed"))
		return
	}
	// most recently returned connection first: it was verified live last
	dropped := false
	for p.available.Len() > 0 {
		c := p.available.PopBack()
		if c.ConnectedNow() {
			p.leased++
			if dropped {
				p.refill()
			}
			fut.Resolve(c)
			return
		}
		p.report(LogConnectionDiscarded, c.ID())
		dropped = true
	}
	if dropped {
		p.refill()
	}

	w := &waiter{fut: fut}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			p.do(func() { p.expireWaiter(w) })
		})
	}
	p.waiters.PushBack(w)
	if p.population() < p.opts.MaxConnections || p.opts.Leaky {
		p.createConnection(p.opts.InitialBackoff, 0)
	}
}

// expireWaiter fires when a waiter's deadline elapses before a connection
// was assigned to it.
func (p *Pool) expireWaiter(w *waiter) {
	if w.done {
		return
	}
	w.done = true
	n := p.waiters.Len()
	for i := 0; i < n; i++ {
		x := p.waiters.PopFront()
		if x != w {
			p.waiters.PushBack(x)
		}
	}
	w.fut.Resolve(redis.ErrLeaseTimeout.New("timed out waiting for a connection"))
}

// popWaiter removes and claims the front waiter, if any. A claimed waiter
// can no longer time out.
func (p *Pool) popWaiter() *waiter {
	if p.waiters.Len() == 0 {
		return nil
	}
	w := p.waiters.PopFront()
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return w
}

// handback routes a connection that just came home: a return from a caller
// (wasLeased) or a fresh one from the factory.
func (p *Pool) handback(c Conn, wasLeased bool) {
	if wasLeased {
		p.leased--
	}
	switch p.state {
	case poolClosed:
		panic("redispool: connection returned to a closed pool")
	case poolClosing:
		p.closeForShutdown(c)
		return
	}
	if !c.ConnectedNow() {
		p.report(LogConnectionDiscarded, c.ID())
		c.Close()
		p.refill()
		return
	}
	if w := p.popWaiter(); w != nil {
		p.leased++
		w.fut.Resolve(c)
		return
	}
	if p.canAddConnectionToPool() {
		p.available.PushBack(c)
		return
	}
	if !p.opts.Leaky && p.available.Len() > 0 {
		// over capacity: keep the freshest connection, retire the oldest
		old := p.available.PopFront()
		p.report(LogConnectionDiscarded, old.ID())
		old.Close()
		p.available.PushBack(c)
		return
	}
	p.report(LogConnectionDiscarded, c.ID())
	c.Close()
}

func (p *Pool) canAddConnectionToPool() bool {
	if p.opts.Leaky {
		return p.available.Len() < p.opts.MaxConnections
	}
	return p.available.Len()+p.leased < p.opts.MaxConnections
}

// createConnection schedules one factory attempt after startIn, carrying the
// backoff to apply if it fails.
func (p *Pool) createConnection(backoff, startIn time.Duration) {
	p.pending++
	fire := func() {
		go func() {
			c, err := p.opts.Factory()
			p.do(func() { p.created(c, err, backoff) })
		}()
	}
	if startIn > 0 {
		time.AfterFunc(startIn, fire)
	} else {
		fire()
	}
}

func (p *Pool) created(c Conn, err error, backoff time.Duration) {
	p.pending--
	if err != nil {
		p.createFailed(err, backoff)
		return
	}
	switch p.state {
	case poolClosed:
		panic("redispool: connection created after pool close completed")
	case poolClosing:
		p.closeForShutdown(c)
		return
	}
	// the close observer must be watching before anyone can use the
	// connection, or a close event could slip by unseen
	p.watchClose(c)
	p.handback(c, false)
}

func (p *Pool) createFailed(err error, backoff time.Duration) {
	switch p.state {
	case poolClosed:
		panic("redispool: connection factory finished after pool close completed")
	case poolClosing:
		// a failed creation is as gone as a closed connection
		p.shutdownTick()
		return
	}
	p.report(LogCreateFailed, err)
	var retry bool
	if p.opts.Leaky {
		retry = p.waiters.Len() > p.pending || p.population() < p.opts.MinConnections
	} else {
		retry = (p.waiters.Len() > 0 && p.population() < p.opts.MaxConnections) ||
			p.population() < p.opts.MinConnections
	}
	if retry {
		p.createConnection(scaleBackoff(backoff, p.opts.BackoffFactor), backoff)
	}
}

// watchClose delivers the connection's close event onto the run loop.
func (p *Pool) watchClose(c Conn) {
	go func() {
		<-c.Done()
		p.do(func() { p.connectionClosed(c) })
	}()
}

// connectionClosed drops a dead connection from the available list and
// restores the minimum. Leased connections are dealt with on return;
// shutdown does its own accounting.
func (p *Pool) connectionClosed(c Conn) {
	if p.state != poolActive {
		return
	}
	n := p.available.Len()
	for i := 0; i < n; i++ {
		x := p.available.PopFront()
		if x != c {
			p.available.PushBack(x)
		}
	}
	p.refill()
}

func (p *Pool) shutdown(fut redis.Future) {
	switch p.state {
	case poolClosed:
		fut.Resolve(nil)
		return
	case poolClosing:
		p.closeDone = append(p.closeDone, fut)
		return
	}
	p.report(LogClosing)
	p.state = poolClosing
	p.remaining = p.population()
	p.closeDone = append(p.closeDone, fut)
	for p.waiters.Len() > 0 {
		w := p.popWaiter()
		w.fut.Resolve(redis.ErrPoolClosed.New("pool is closed"))
	}
	if p.remaining == 0 {
		p.becomeClosed()
		return
	}
	for p.available.Len() > 0 {
		p.closeForShutdown(p.available.PopFront())
	}
}

func (p *Pool) closeForShutdown(c Conn) {
	c.Close()
	p.shutdownTick()
}

func (p *Pool) shutdownTick() {
	p.remaining--
	if p.remaining == 0 {
		p.becomeClosed()
	}
}

func (p *Pool) becomeClosed() {
	p.state = poolClosed
	p.report(LogClosed)
	futs := p.closeDone
	p.closeDone = nil
	for _, fut := range futs {
		fut.Resolve(nil)
	}
}

func scaleBackoff(d time.Duration, factor float64) time.Duration {
	next := float64(d) * factor
	if next >= float64(math.MaxInt64) || next < 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(next)
}
