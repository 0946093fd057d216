package resp

import (
	"strconv"

	"github.com/corvoda/redispool/redis"
)

// AppendRequest encodes req as an array of bulk strings and appends it to
// buf. Arguments may be string, []byte, any integer type, float32, float64,
// bool or nil; anything else fails with redis.ErrMalformedRequest.
func AppendRequest(buf []byte, req redis.Request) ([]byte, error) {
	buf = appendHead(buf, '*', int64(len(req.Args)+1))
	buf = appendBulkString(buf, req.Cmd)
	for _, arg := range req.Args {
		switch v := arg.(type) {
		case string:
			buf = appendBulkString(buf, v)
		case []byte:
			buf = appendBulk(buf, v)
		case int:
			buf = appendBulkInt(buf, int64(v))
		case int8:
			buf = appendBulkInt(buf, int64(v))
		case int16:
			buf = appendBulkInt(buf, int64(v))
		case int32:
			buf = appendBulkInt(buf, int64(v))
		case int64:
			buf = appendBulkInt(buf, v)
		case uint:
			buf = appendBulkInt(buf, int64(v))
		case uint8:
			buf = appendBulkInt(buf, int64(v))
		case uint16:
			buf = appendBulkInt(buf, int64(v))
		case uint32:
			buf = appendBulkInt(buf, int64(v))
		case uint64:
			buf = appendBulkInt(buf, int64(v))
		case float32:
			buf = appendBulkString(buf, strconv.FormatFloat(float64(v), 'f', -1, 32))
		case float64:
			buf = appendBulkString(buf, strconv.FormatFloat(v, 'f', -1, 64))
		case bool:
			if v {
				buf = appendBulkString(buf, "1")
			} else {
				buf = appendBulkString(buf, "0")
			}
		case nil:
			buf = appendBulkString(buf, "")
		default:
			return nil, redis.ErrMalformedRequest.New("argument type %T is not supported", arg)
		}
	}
	return buf, nil
}

func appendHead(b []byte, tag byte, n int64) []byte {
	b = append(b, tag)
	b = strconv.AppendInt(b, n, 10)
	return append(b, '\r', '\n')
}

func appendBulk(b, payload []byte) []byte {
	b = appendHead(b, '$', int64(len(payload)))
	b = append(b, payload...)
	return append(b, '\r', '\n')
}

func appendBulkString(b []byte, s string) []byte {
	b = appendHead(b, '$', int64(len(s)))
	b = append(b, s...)
	return append(b, '\r', '\n')
}

func appendBulkInt(b []byte, v int64) []byte {
	var scratch [20]byte
	return appendBulk(b, strconv.AppendInt(scratch[:0], v, 10))
}
