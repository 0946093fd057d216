package redis

import (
	"fmt"

	"github.com/joomcode/errorx"
)

// AsError returns the result as an error if it is one, and nil otherwise.
func AsError(v interface{}) error {
	e, _ := v.(error)
	return e
}

// AsErrorx returns the result as *errorx.Error if it is one, and nil
// otherwise. Results carry no other error type; anything else is a bug.
func AsErrorx(v interface{}) *errorx.Error {
	e, _ := v.(*errorx.Error)
	if e == nil {
		if _, ok := v.(error); ok {
			panic(fmt.Errorf("result should be either *errorx.Error or not error at all, but got %#v", v))
		}
	}
	return e
}
