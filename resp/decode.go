package resp

import (
	"bytes"
	"errors"

	"github.com/corvoda/redispool/redis"
)

// errIncomplete is an internal marker: the buffer holds a strict prefix of a
// frame. It never escapes Decode.
var errIncomplete = errors.New("resp: incomplete frame")

// Decode parses a single RESP value from the head of b.
//
// On a complete frame it returns the decoded value and the exact number of
// bytes the frame occupies; the caller advances past them. When b holds only
// a prefix of a frame it returns (nil, 0, nil) and the caller must supply
// more bytes - nothing is consumed. A non-nil error means the stream is not
// valid RESP and the connection it came from must be closed.
//
// Values are mapped to plain go types: simple string - string, integer -
// int64, bulk string - []byte, array - []interface{}, null bulk or null
// array - nil. An error reply decodes into *errorx.Error of type
// redis.ErrServerReply and is returned as the value, not as the error.
func Decode(b []byte) (interface{}, int, error) {
	val, next, err := decodeAt(b, 0)
	if err == errIncomplete {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return val, next, nil
}

func decodeAt(b []byte, pos int) (val interface{}, next int, err error) {
	line, next, ok := readLine(b, pos)
	if !ok {
		return nil, 0, errIncomplete
	}
	if len(line) == 0 {
		return nil, 0, redis.ErrMalformedFrame.New("empty header line")
	}
	switch line[0] {
	case '+':
		return string(line[1:]), next, nil
	case '-':
		return redis.ErrServerReply.New("%s", string(line[1:])), next, nil
	case ':':
		v, perr := parseInt(line[1:])
		if perr != nil {
			return nil, 0, perr
		}
		return v, next, nil
	case '$':
		l, perr := parseInt(line[1:])
		if perr != nil {
			return nil, 0, perr
		}
		if l == -1 {
			return nil, next, nil
		}
		if l < 0 {
			return nil, 0, redis.ErrMalformedFrame.New("negative bulk length %d", l)
		}
		if int64(next)+l+2 > int64(len(b)) {
			return nil, 0, errIncomplete
		}
		end := next + int(l)
		if b[end] != '\r' || b[end+1] != '\n' {
			return nil, 0, redis.ErrMalformedFrame.New("bulk string lacks final CRLF")
		}
		payload := make([]byte, l)
		copy(payload, b[next:end])
		return payload, end + 2, nil
	case '*':
		l, perr := parseInt(line[1:])
		if perr != nil {
			return nil, 0, perr
		}
		if l == -1 {
			return nil, next, nil
		}
		if l < 0 {
			return nil, 0, redis.ErrMalformedFrame.New("negative array length %d", l)
		}
		result := make([]interface{}, l)
		for i := int64(0); i < l; i++ {
			// partial progress on elements is not kept: the whole array
			// either decodes or reports incomplete from its start
			result[i], next, err = decodeAt(b, next)
			if err != nil {
				return nil, 0, err
			}
		}
		return result, next, nil
	default:
		return nil, 0, redis.ErrMalformedFrame.New("unknown header type %q", line[0])
	}
}

// readLine returns the bytes between pos and the next CRLF, and the position
// just past it.
func readLine(b []byte, pos int) (line []byte, next int, ok bool) {
	i := bytes.Index(b[pos:], []byte{'\r', '\n'})
	if i < 0 {
		return nil, 0, false
	}
	return b[pos : pos+i], pos + i + 2, true
}

func parseInt(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, redis.ErrMalformedFrame.New("empty integer")
	}
	neg := buf[0] == '-'
	if neg {
		buf = buf[1:]
		if len(buf) == 0 {
			return 0, redis.ErrMalformedFrame.New("lonely minus sign")
		}
	}
	v := int64(0)
	for _, c := range buf {
		if c < '0' || c > '9' {
			return 0, redis.ErrMalformedFrame.New("integer is not an integer: %q", buf)
		}
		v *= 10
		v += int64(c - '0')
	}
	if neg {
		v = -v
	}
	return v, nil
}
