package redis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvoda/redispool/redis"
)

func TestChanFuture(t *testing.T) {
	f := redis.NewChanFuture()
	select {
	case <-f.Done():
		t.Fatal("future resolved before Resolve")
	default:
	}
	go f.Resolve("PONG")
	assert.Equal(t, "PONG", f.Value())
	<-f.Done()
}

func TestChanFuture_DoubleResolvePanics(t *testing.T) {
	f := redis.NewChanFuture()
	f.Resolve(nil)
	assert.Panics(t, func() { f.Resolve(nil) })
}

func TestFuncFuture(t *testing.T) {
	var got interface{}
	redis.FuncFuture(func(res interface{}) { got = res }).Resolve(int64(1))
	assert.Equal(t, int64(1), got)
}

func TestHardError(t *testing.T) {
	assert.False(t, redis.HardError(nil))
	assert.False(t, redis.HardError(redis.ErrServerReply.New("ERR oops")))
	assert.True(t, redis.HardError(redis.ErrConnectionClosed.New("closed")))
	assert.True(t, redis.HardError(redis.ErrMalformedFrame.New("bad")))
	assert.True(t, redis.HardError(redis.ErrPoolClosed.New("closed")))
}

func TestErrorTraits(t *testing.T) {
	assert.True(t, redis.ErrConnectionClosed.New("closed").HasTrait(redis.ErrTraitConnectivity))
	assert.True(t, redis.ErrIO.New("io").HasTrait(redis.ErrTraitConnectivity))
	assert.False(t, redis.ErrServerReply.New("ERR oops").HasTrait(redis.ErrTraitConnectivity))
	assert.True(t, redis.ErrLeaseTimeout.New("slow").IsOfType(redis.ErrLeaseTimeout))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, redis.AsError("PONG"))
	assert.Nil(t, redis.AsError(nil))
	err := redis.ErrServerReply.New("ERR oops")
	assert.Equal(t, error(err), redis.AsError(err))

	require.Nil(t, redis.AsErrorx(int64(3)))
	assert.Equal(t, err, redis.AsErrorx(err))
}

type syncEcho struct{}

func (syncEcho) Send(r redis.Request, cb redis.Future) {
	go cb.Resolve(r.Cmd)
}

func TestSync(t *testing.T) {
	res := redis.Sync{S: syncEcho{}}.Do("PING")
	assert.Equal(t, "PING", res)
}
