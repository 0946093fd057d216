package pool_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/corvoda/redispool/pool"
	"github.com/corvoda/redispool/redis"
)

type fakeConn struct {
	id    uint64
	alive uint32
	done  chan struct{}
	once  sync.Once
}

func newFakeConn(id uint64) *fakeConn {
	return &fakeConn{id: id, alive: 1, done: make(chan struct{})}
}

func (c *fakeConn) ID() uint64            { return c.id }
func (c *fakeConn) ConnectedNow() bool    { return atomic.LoadUint32(&c.alive) == 1 }
func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		atomic.StoreUint32(&c.alive, 0)
		close(c.done)
	})
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fakeFactory hands out fakeConns, optionally failing the first failures
// attempts.
type fakeFactory struct {
	mu       sync.Mutex
	failures int
	nextID   uint64
	made     []*fakeConn
	calls    []time.Time
}

func (f *fakeFactory) new() (pool.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	f.nextID++
	c := newFakeConn(f.nextID)
	f.made = append(f.made, c)
	return c, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFactory) madeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

type PoolSuite struct {
	suite.Suite
}

func TestPool(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

func (s *PoolSuite) opts(f *fakeFactory, min, max int, leaky bool) pool.Opts {
	return pool.Opts{
		MaxConnections: max,
		MinConnections: min,
		Leaky:          leaky,
		InitialBackoff: 10 * time.Millisecond,
		BackoffFactor:  2,
		Factory:        f.new,
	}
}

func (s *PoolSuite) eventuallyStats(p *pool.Pool, want pool.Stats) {
	s.Eventually(func() bool {
		return p.Stats() == want
	}, 2*time.Second, 5*time.Millisecond, "stats never reached %+v", want)
}

func (s *PoolSuite) TestInvalidOptionsPanic() {
	f := &fakeFactory{}
	s.Panics(func() { pool.New(pool.Opts{MaxConnections: 1, Factory: nil}) })
	s.Panics(func() { pool.New(pool.Opts{MaxConnections: 0, Factory: f.new}) })
	s.Panics(func() {
		pool.New(pool.Opts{MaxConnections: 2, MinConnections: 3, Factory: f.new})
	})
}

func (s *PoolSuite) TestActivateFillsToMinimum() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 2, 4, false))
	defer p.Close()

	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 2})
	s.Equal(2, f.madeCount())

	// activate again: the population is already at the minimum
	p.Activate()
	time.Sleep(50 * time.Millisecond)
	s.Equal(2, f.madeCount())
}

func (s *PoolSuite) TestLeaseThenReturnIsObservationallyNeutral() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 1, 2, false))
	defer p.Close()
	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 1})

	c, err := p.Lease(time.Second)
	s.Require().NoError(err)
	s.Equal(pool.Stats{Leased: 1}, p.Stats())

	p.ReturnConnection(c)
	s.eventuallyStats(p, pool.Stats{Available: 1})
	s.Equal(1, f.madeCount(), "no extra connection was created")
}

func (s *PoolSuite) TestStrictPoolEndToEnd() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 1, 2, false))

	fa := p.LeaseConnection(5 * time.Second)
	fb := p.LeaseConnection(5 * time.Second)
	a := s.leased(fa)
	b := s.leased(fb)
	s.NotEqual(a.ID(), b.ID())

	fc := p.LeaseConnection(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-fc.Done():
		s.Fail("third lease got a connection while the pool was exhausted")
	default:
	}
	st := p.Stats()
	s.Equal(2, st.Leased)
	s.Equal(1, st.Waiters)

	p.ReturnConnection(a)
	c := s.leased(fc)
	s.Equal(a.ID(), c.ID(), "a returned connection goes to the waiter")

	p.ReturnConnection(b)
	p.ReturnConnection(c)
	s.eventuallyStats(p, pool.Stats{Available: 2})

	p.Close()
	s.True(f.conn(0).closed())
	s.True(f.conn(1).closed())
}

func (s *PoolSuite) TestLeakyPoolDoesNotRetainOverflow() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 0, 1, true))
	defer p.Close()

	fa := p.LeaseConnection(5 * time.Second)
	fb := p.LeaseConnection(5 * time.Second)
	a := s.leased(fa)
	b := s.leased(fb)
	s.Equal(2, f.madeCount(), "a leaky pool creates past the cap for waiters")

	p.ReturnConnection(a)
	s.eventuallyStats(p, pool.Stats{Available: 1, Leased: 1})
	s.False(a.(*fakeConn).closed())

	p.ReturnConnection(b)
	s.eventuallyStats(p, pool.Stats{Available: 1})
	s.True(b.(*fakeConn).closed(), "the overflow connection is not retained")
	s.False(a.(*fakeConn).closed())
}

func (s *PoolSuite) TestBackoffRetriesUntilSuccess() {
	f := &fakeFactory{failures: 2}
	opts := s.opts(f, 1, 1, false)
	opts.InitialBackoff = 40 * time.Millisecond
	opts.BackoffFactor = 3
	p := pool.New(opts)
	defer p.Close()

	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 1})
	s.Equal(3, f.callCount())

	f.mu.Lock()
	gap1 := f.calls[1].Sub(f.calls[0])
	gap2 := f.calls[2].Sub(f.calls[1])
	f.mu.Unlock()
	// first retry after the initial backoff, second after initial x factor
	s.GreaterOrEqual(gap1, 35*time.Millisecond)
	s.Less(gap1, 110*time.Millisecond)
	s.GreaterOrEqual(gap2, 110*time.Millisecond)
	s.Less(gap2, 400*time.Millisecond)
}

func (s *PoolSuite) TestLeaseTimeout() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 0, 1, false))
	defer p.Close()

	a, err := p.Lease(time.Second)
	s.Require().NoError(err)

	start := time.Now()
	_, err = p.Lease(80 * time.Millisecond)
	s.Require().Error(err)
	rerr := redis.AsErrorx(err)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrLeaseTimeout))
	s.GreaterOrEqual(time.Since(start), 80*time.Millisecond)

	// the timed-out waiter never receives the connection
	p.ReturnConnection(a)
	s.eventuallyStats(p, pool.Stats{Available: 1})
}

func (s *PoolSuite) TestCloseFailsWaitersAndWaitsForLeases() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 0, 1, false))

	a, err := p.Lease(time.Second)
	s.Require().NoError(err)
	fb := p.LeaseConnection(time.Minute)

	done := p.Shutdown()
	rerr := redis.AsErrorx(fb.Value())
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrPoolClosed), "queued waiter fails on close")

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done.Done():
		s.Fail("close resolved while a connection was still leased")
	default:
	}

	p.ReturnConnection(a)
	done.Value()
	s.True(a.(*fakeConn).closed())
	s.Equal(pool.Stats{}, p.Stats())
}

func (s *PoolSuite) TestCloseIsIdempotent() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 1, 1, false))
	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 1})

	p.Close()
	p.Close()
	s.Nil(p.Shutdown().Value())

	_, err := p.Lease(10 * time.Millisecond)
	s.Require().Error(err)
	rerr := redis.AsErrorx(err)
	s.Require().NotNil(rerr)
	s.True(rerr.IsOfType(redis.ErrPoolClosed))
}

func (s *PoolSuite) TestDeadPooledConnectionIsReplaced() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 1, 2, false))
	defer p.Close()
	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 1})

	f.conn(0).Close()
	s.Eventually(func() bool {
		st := p.Stats()
		return st.Available == 1 && f.madeCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	c, err := p.Lease(time.Second)
	s.Require().NoError(err)
	s.True(c.ConnectedNow())
	s.Equal(f.conn(1).ID(), c.ID())
	p.ReturnConnection(c)
}

func (s *PoolSuite) TestDeadLeasedConnectionDroppedOnReturn() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 1, 2, false))
	defer p.Close()

	c, err := p.Lease(time.Second)
	s.Require().NoError(err)
	c.Close()
	p.ReturnConnection(c)

	s.Eventually(func() bool {
		st := p.Stats()
		return st.Available == 1 && st.Leased == 0 && f.madeCount() == 2
	}, 2*time.Second, 5*time.Millisecond, "the dead connection is replaced to hold the minimum")
}

func (s *PoolSuite) TestAccountingInvariant() {
	f := &fakeFactory{}
	p := pool.New(s.opts(f, 2, 3, false))
	defer p.Close()
	p.Activate()
	s.eventuallyStats(p, pool.Stats{Available: 2})

	a, err := p.Lease(time.Second)
	s.Require().NoError(err)
	st := p.Stats()
	s.Equal(2, st.Available+st.Pending+st.Leased)

	b, err := p.Lease(time.Second)
	s.Require().NoError(err)
	st = p.Stats()
	s.Equal(2, st.Available+st.Pending+st.Leased)

	p.ReturnConnection(a)
	p.ReturnConnection(b)
	s.eventuallyStats(p, pool.Stats{Available: 2})
}

func (s *PoolSuite) leased(fut *redis.ChanFuture) pool.Conn {
	res := fut.Value()
	if err, ok := res.(error); ok {
		s.Require().NoError(err)
	}
	return res.(pool.Conn)
}
