// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pdu

import (
	"errors"
	"io"
)

const readChunk = 4096

// A Reader reads PDUs from a byte stream.
type Reader struct {
	r    io.Reader
	buf  []byte
	skip int   // bytes still to drop from the stream
	err  error // sticky read error
}

// NewReader constructs a Reader that consumes input from r.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Buffered reports the number of bytes buffered but not yet consumed.
func (r *Reader) Buffered() int { return len(r.buf) }

// Next returns the next complete PDU from the stream.
//
// If the PDU at the head of the stream is malformed, Next drains its bytes
// and reports a *DecodeError; the caller may call Next again to continue with
// the following PDU. Any other error is from the underlying reader, and a
// partially-buffered PDU is lost.
func (r *Reader) Next() (*PDU, error) {
	for {
		h, hlen, err := Parse(r.buf)
		if err == nil {
			if end := hlen + int(h.PayloadLen); len(r.buf) >= end {
				p := &PDU{Header: h}
				if h.PayloadLen > 0 {
					p.Payload = make([]byte, h.PayloadLen)
					copy(p.Payload, r.buf[hlen:end])
				}
				r.consume(end)
				return p, nil
			}
		} else if de := (*DecodeError)(nil); errors.As(err, &de) {
			if de.Discard > len(r.buf) {
				r.skip = de.Discard - len(r.buf)
				r.buf = r.buf[:0]
			} else {
				r.consume(de.Discard)
			}
			return nil, err
		} else if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

func (r *Reader) consume(n int) { r.buf = r.buf[:copy(r.buf, r.buf[n:])] }

// fill reads at least one more byte into the buffer, or reports an error.
func (r *Reader) fill() error {
	var tmp [readChunk]byte
	for {
		if r.err != nil {
			return r.err
		}
		nr, err := r.r.Read(tmp[:])
		if err != nil {
			r.err = err
		}
		data := tmp[:nr]
		if r.skip > 0 {
			drop := min(r.skip, len(data))
			r.skip -= drop
			data = data[drop:]
		}
		if len(data) > 0 {
			r.buf = append(r.buf, data...)
			return nil
		}
	}
}
