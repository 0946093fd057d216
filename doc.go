/*
Package redispool is the core of a Redis client: a RESP codec, a pipelined
single-connection request/response handler, and a pool of such connections.

Subpackages:

- redis - shared types: Request, one-shot Futures, and the error surface.
All errors produced by this library are *errorx.Error values.

- resp - the RESP codec: an incremental decoder that turns a byte stream
into framed values, and a request encoder.

- redisconn - a single connection to a Redis server. Requests written to a
connection are pipelined; responses are paired with requests in strict FIFO
order. A connection supports abrupt close and graceful drain.

- pool - a connection pool. Connections are leased to callers and returned
when done; the pool maintains a minimum population, enforces a maximum, and
creates replacements with exponential backoff.

Usage

Dial a single connection with redisconn.Connect and wrap it with redis.Sync
for a synchronous call surface:

	conn, err := redisconn.Connect(ctx, "127.0.0.1:6379", redisconn.Opts{})
	if err != nil {
		// handle
	}
	res := redis.Sync{S: conn}.Do("GET", "key")
	if err := redis.AsError(res); err != nil {
		// handle
	}

Or let a pool manage connections:

	p := pool.New(pool.Opts{
		MaxConnections: 8,
		MinConnections: 2,
		Factory: func() (pool.Conn, error) {
			return redisconn.Connect(ctx, "127.0.0.1:6379", redisconn.Opts{})
		},
	})
	p.Activate()
	conn, err := p.Lease(time.Second)
	if err != nil {
		// handle
	}
	defer p.ReturnConnection(conn)

Request results are de-serialized into plain go types and returned as
interface{}:

	redis        | go
	-------------|-------
	plain string | string
	bulk string  | []byte
	integer      | int64
	array        | []interface{}
	error        | error (*errorx.Error)

IO, protocol and pool errors are not returned separately but as results,
with the same *errorx.Error underlying type. redis.HardError distinguishes
library failures (IO, protocol and pool errors) from ordinary error replies.
*/
package redispool
