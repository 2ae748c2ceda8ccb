// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package pdu implements encoding and decoding of version 4 protocol data
// units exchanged between a channel and its router.
//
// A PDU consists of a fixed header followed by an opaque payload:
//
//	 0     1     2     3     4         8      10      12        44        76
//	+-----+-----+-----+-----+---------+------+-------+---------+---------+---------+
//	| ver | hl4 | flg | ttl | seq/off | flen | plen  |   dst   |   src   | options |
//	+-----+-----+-----+-----+---------+------+-------+---------+---------+---------+
//
// All multi-byte integers are big-endian. The header length is hl4 × 4 bytes,
// of which the first [MinHeaderLen] are fixed and the rest are opaque options.
// The flags byte packs the address type (bits 0-1), the packet [Type] (bits
// 2-5), and the [FlagSSEQ] and [FlagReliable] bits.
package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/gdp/name"
)

const (
	// Version is the protocol version produced and accepted by this package.
	Version = 4

	// MinHeaderLen is the length in bytes of a header without options.
	MinHeaderLen = 1 + 1 + 1 + 1 + 4 + 2 + 2 + name.Len + name.Len

	// MaxHeaderLen is the longest header the length field can describe.
	MaxHeaderLen = hlenMask * 4

	// MaxPayload is the largest payload a single PDU can carry.
	MaxPayload = 0xffff

	// MaxOptions is the largest options block a header can carry.
	MaxOptions = MaxHeaderLen - MinHeaderLen
)

const (
	hlenMask     = 0x3f
	ttlMask      = 0x3f
	addrTypeMask = 0x03
	typeMask     = 0x3c
	typeShift    = 2
	seqShift     = 16
	offMask      = 0xffff

	addrTypeNames = 0 // destination and source are 256-bit names
)

var (
	// ErrNeedMoreData is reported by Parse when the input does not yet contain
	// a complete header. It is not a failure; retry once more bytes arrive.
	ErrNeedMoreData = errors.New("pdu: need more data")

	// ErrVersion is reported for a header whose version is not [Version].
	ErrVersion = errors.New("pdu: protocol version mismatch")

	// ErrCorrupt is reported for a header with an invalid length or address
	// type, or a PDU whose packet type is not valid where it was received.
	ErrCorrupt = errors.New("pdu: corrupt header")

	// ErrPayloadTooLarge is reported when encoding a PDU whose payload does
	// not fit in the 16-bit length field.
	ErrPayloadTooLarge = errors.New("pdu: payload too large")
)

// A DecodeError reports a malformed PDU at the head of the input. Discard is
// the number of bytes the caller should drop before parsing resumes; this may
// exceed the amount of input currently available.
type DecodeError struct {
	Err     error
	Discard int
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%v (discard %d bytes)", e.Err, e.Discard) }

// Unwrap reports the underlying error of e.
func (e *DecodeError) Unwrap() error { return e.Err }

// Type is the packet type of a PDU.
type Type byte

const (
	Regular    Type = 0 // Application payload
	Forward    Type = 1 // Payload to be forwarded on behalf of another endpoint
	Advertise  Type = 2 // Announce a name served by the sender
	Withdraw   Type = 3 // Retract a previously advertised name
	NakNoRoute Type = 4 // Router has no route to the destination
	SeqPacket  Type = 5 // Sequenced data packet
	NakPacket  Type = 6 // Negative acknowledgement
	AckPacket  Type = 7 // Acknowledgement
)

func (t Type) String() string {
	switch t {
	case Regular:
		return "REGULAR"
	case Forward:
		return "FORWARD"
	case Advertise:
		return "ADVERTISE"
	case Withdraw:
		return "WITHDRAW"
	case NakNoRoute:
		return "NAK_NOROUTE"
	case SeqPacket:
		return "SEQ_PACKET"
	case NakPacket:
		return "NAK_PACKET"
	case AckPacket:
		return "ACK_PACKET"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Flags are the delivery flags of a PDU.
type Flags byte

const (
	FlagSSEQ     Flags = 0x40 // Sequence numbers are in effect
	FlagReliable Flags = 0x80 // The sender requests reliable delivery

	flagMask = FlagSSEQ | FlagReliable
)

// Header is the parsed form of a PDU header.
type Header struct {
	Type       Type
	Flags      Flags
	TTL        byte // low 6 bits only
	SeqNo      uint16
	FragOffset uint16
	FragLen    uint16
	PayloadLen uint16
	Dst        name.Name
	Src        name.Name
	Options    []byte // length must be a multiple of 4
}

// Len reports the encoded length of h in bytes.
func (h Header) Len() int { return MinHeaderLen + len(h.Options) }

// Check reports whether h can be encoded.
func (h Header) Check() error {
	if n := len(h.Options); n%4 != 0 || n > MaxOptions {
		return fmt.Errorf("%w: invalid options length %d", ErrCorrupt, n)
	}
	if h.Type > typeMask>>typeShift {
		return fmt.Errorf("%w: invalid packet type %d", ErrCorrupt, h.Type)
	}
	return nil
}

// Encode encodes h in binary format. It panics if h is not valid.
func (h Header) Encode() []byte {
	if err := h.Check(); err != nil {
		panic(fmt.Errorf("encoding header: %w", err))
	}
	return h.AppendTo(make([]byte, 0, h.Len()))
}

// AppendTo appends the binary encoding of h to buf and returns the updated
// slice. The caller must ensure h is valid (see Check).
func (h Header) AppendTo(buf []byte) []byte {
	flags := byte(addrTypeNames) | byte(h.Type)<<typeShift&typeMask | byte(h.Flags&flagMask)
	buf = append(buf, Version, byte(h.Len()/4), flags, h.TTL&ttlMask)
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.SeqNo)<<seqShift|uint32(h.FragOffset))
	buf = binary.BigEndian.AppendUint16(buf, h.FragLen)
	buf = binary.BigEndian.AppendUint16(buf, h.PayloadLen)
	buf = append(buf, h.Dst[:]...)
	buf = append(buf, h.Src[:]...)
	return append(buf, h.Options...)
}

// Parse parses a header from the front of buf. It returns the header and the
// number of bytes occupied by the header. Parse does not modify buf, and the
// caller is responsible for advancing past the header and its payload.
//
// If buf does not contain a complete header, Parse reports ErrNeedMoreData.
// If the header is malformed, the error has concrete type *DecodeError and
// reports how many bytes to discard. A version mismatch discards all of buf.
func Parse(buf []byte) (Header, int, error) {
	if len(buf) == 0 {
		return Header{}, 0, ErrNeedMoreData
	}
	if v := buf[0]; v != Version {
		return Header{}, 0, &DecodeError{
			Err:     fmt.Errorf("%w: got %d, want %d", ErrVersion, v, Version),
			Discard: len(buf),
		}
	}
	if len(buf) < 12 { // through payload length
		return Header{}, 0, ErrNeedMoreData
	}
	hlen := int(buf[1]&hlenMask) * 4
	plen := int(binary.BigEndian.Uint16(buf[10:12]))
	bad := func(format string, args ...any) (Header, int, error) {
		return Header{}, 0, &DecodeError{
			Err:     fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...),
			Discard: max(hlen+plen, 1),
		}
	}
	if hlen < MinHeaderLen {
		return bad("header length %d < %d", hlen, MinHeaderLen)
	}
	if at := buf[2] & addrTypeMask; at != addrTypeNames {
		return bad("unknown address type %d", at)
	}
	if len(buf) < hlen {
		return Header{}, 0, ErrNeedMoreData
	}

	word := binary.BigEndian.Uint32(buf[4:8])
	h := Header{
		Type:       Type(buf[2] & typeMask >> typeShift),
		Flags:      Flags(buf[2]) & flagMask,
		TTL:        buf[3] & ttlMask,
		SeqNo:      uint16(word >> seqShift),
		FragOffset: uint16(word & offMask),
		FragLen:    binary.BigEndian.Uint16(buf[8:10]),
		PayloadLen: uint16(plen),
		Dst:        name.FromBytes(buf[12:44]),
		Src:        name.FromBytes(buf[44:76]),
	}
	if hlen > MinHeaderLen {
		h.Options = bytes.Clone(buf[MinHeaderLen:hlen])
	}
	return h, hlen, nil
}

// PDU is a complete protocol data unit.
type PDU struct {
	Header
	Payload []byte
}

// Encode encodes p in binary format. The PayloadLen field of the encoded
// header is set from the length of the payload.
func (p *PDU) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrPayloadTooLarge, len(p.Payload), MaxPayload)
	}
	if err := p.Header.Check(); err != nil {
		return nil, err
	}
	h := p.Header
	h.PayloadLen = uint16(len(p.Payload))
	buf := h.AppendTo(make([]byte, 0, h.Len()+len(p.Payload)))
	return append(buf, p.Payload...), nil
}

// WriteTo writes the packet to w in binary format with a single call to
// Write. It satisfies io.WriterTo.
func (p *PDU) WriteTo(w io.Writer) (int64, error) {
	buf, err := p.Encode()
	if err != nil {
		return 0, err
	}
	nw, err := w.Write(buf)
	return int64(nw), err
}

// String returns a human-friendly rendering of the PDU.
func (p *PDU) String() string {
	pay := fmt.Sprint(p.Payload)
	if len(p.Payload) > 16 {
		pay = fmt.Sprintf("%v ... [%d bytes]", p.Payload[:16], len(p.Payload))
	}
	return fmt.Sprintf("PDU(%v, seq=%d, dst=%s, src=%s, %s)",
		p.Type, p.SeqNo, p.Dst.Short(), p.Src.Short(), pay)
}
