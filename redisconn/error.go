package redisconn

import (
	"github.com/joomcode/errorx"
)

var (
	// EKConnection - key for the connection that handled the request.
	EKConnection = errorx.RegisterProperty("connection")
	// EKAddress - key for the server address.
	EKAddress = errorx.RegisterPrintableProperty("address")
)
