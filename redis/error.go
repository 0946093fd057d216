package redis

import (
	"github.com/joomcode/errorx"
)

// Errors is the namespace for all errors produced by the library.
var Errors = errorx.NewNamespace("redispool")

// ErrTraitConnectivity marks errors which mean the underlying transport is
// unusable and the request may or may not have reached the server.
var ErrTraitConnectivity = errorx.RegisterTrait("connectivity")

var (
	// ErrPool is the namespace for pool errors.
	ErrPool = Errors.NewSubNamespace("pool")
	// ErrPoolClosed - the pool is closing or closed, no connection will be leased.
	ErrPoolClosed = ErrPool.NewType("closed")
	// ErrLeaseTimeout - the lease deadline elapsed before a connection became available.
	ErrLeaseTimeout = ErrPool.NewType("lease_timeout", errorx.Timeout())
)

var (
	// ErrConn is the namespace for transport errors.
	ErrConn = Errors.NewSubNamespace("conn")
	// ErrConnectionClosed - the connection is closed, draining, or was closed
	// while the request was in flight.
	ErrConnectionClosed = ErrConn.NewType("closed", ErrTraitConnectivity)
	// ErrIO - read or write on the socket failed.
	ErrIO = ErrConn.NewType("io", ErrTraitConnectivity)
	// ErrDial - connection could not be established.
	ErrDial = ErrConn.NewType("dial", ErrTraitConnectivity)
	// ErrAuth - the server rejected the password.
	ErrAuth = ErrConn.NewType("auth", ErrTraitConnectivity)
	// ErrConnSetup - handshake after dial went wrong.
	ErrConnSetup = ErrConn.NewType("setup", ErrTraitConnectivity)
)

var (
	// ErrProto is the namespace for protocol framing errors.
	ErrProto = Errors.NewSubNamespace("proto")
	// ErrMalformedFrame - the byte stream is not valid RESP. The connection
	// that produced it must be closed.
	ErrMalformedFrame = ErrProto.NewType("malformed_frame")
	// ErrMalformedRequest - a request argument cannot be serialized.
	ErrMalformedRequest = ErrProto.NewType("malformed_request")
)

// ErrServerReply - an ordinary error reply from the server. It is delivered
// to exactly one request and does not affect the connection.
var ErrServerReply = Errors.NewSubNamespace("result").NewType("reply")

// HardError reports whether err is a library failure rather than an
// ordinary server error reply.
func HardError(err *errorx.Error) bool {
	return err != nil && !err.IsOfType(ErrServerReply)
}
