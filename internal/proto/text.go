package proto

import (
	"bytes"
	"fmt"
	"strconv"
)

// appendBlock writes "<len>\n<data>". A block is always the last field of a record.
func appendBlock(buf []byte, data []byte) []byte {
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, '\n')
	return append(buf, data...)
}

// textReader walks newline separated fields of a record.
type textReader struct {
	buf []byte
	off int
}

func (r *textReader) line() (string, error) {
	i := bytes.IndexByte(r.buf[r.off:], '\n')
	if i < 0 {
		return "", fmt.Errorf("%w: missing field terminator", ErrMalformedMessage)
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s, nil
}

// block reads "<len>\n<data>" and requires data to be exactly the rest of the buffer.
func (r *textReader) block() ([]byte, error) {
	l, err := r.line()
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: payload length %q", ErrMalformedMessage, l)
	}
	if rest := len(r.buf) - r.off; rest != n {
		return nil, fmt.Errorf("%w: declared payload length %d, have %d bytes", ErrMalformedMessage, n, rest)
	}
	if n == 0 {
		return nil, nil
	}
	data := bytes.Clone(r.buf[r.off:])
	r.off = len(r.buf)
	return data, nil
}
