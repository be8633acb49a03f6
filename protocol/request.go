package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// RequestHeaderSize is opcode, key length, two reserved bytes and the
	// data and extra lengths.
	RequestHeaderSize = 12

	MaxKeySize  = 250
	MaxDataSize = 1024 + MaxKeySize
)

type lengthOverride struct {
	set bool
	n   uint32
}

// Request is a single request frame. Key, Data and Extra are written back
// to back; the peer finds the boundaries from the lengths in the header.
type Request struct {
	Command Command
	Key     []byte
	Data    []byte
	Extra   []byte

	keyLen   lengthOverride
	dataLen  lengthOverride
	extraLen lengthOverride
}

func NewRequest(cmd Command, key string, data, extra []byte) Request {
	return Request{Command: cmd, Key: []byte(key), Data: data, Extra: extra}
}

// WithKeyLength returns a copy of the request whose header declares n as the
// key length, whatever the real key is. Only useful to build broken frames.
func (r Request) WithKeyLength(n uint8) Request {
	r.keyLen = lengthOverride{set: true, n: uint32(n)}
	return r
}

// WithDataLength overrides the declared data length.
func (r Request) WithDataLength(n uint32) Request {
	r.dataLen = lengthOverride{set: true, n: n}
	return r
}

// WithExtraLength overrides the declared extra length.
func (r Request) WithExtraLength(n uint32) Request {
	r.extraLen = lengthOverride{set: true, n: n}
	return r
}

// Header returns the header that EncodeRequest would write for r.
func (r Request) Header() (RequestHeader, error) {
	h := RequestHeader{Opcode: r.Command}

	if r.keyLen.set {
		h.KeyLength = uint8(r.keyLen.n)
	} else {
		if len(r.Key) > math.MaxUint8 {
			return h, fmt.Errorf("%d byte key: %w", len(r.Key), ErrKeyTooLong)
		}
		h.KeyLength = uint8(len(r.Key))
	}

	var err error
	if h.DataLength, err = declared(r.dataLen, r.Data); err != nil {
		return h, err
	}
	if h.ExtraLength, err = declared(r.extraLen, r.Extra); err != nil {
		return h, err
	}

	return h, nil
}

func declared(o lengthOverride, b []byte) (uint32, error) {
	if o.set {
		return o.n, nil
	}

	if uint64(len(b)) > math.MaxUint32 {
		return 0, fmt.Errorf("%d byte section: %w", len(b), ErrSectionTooLong)
	}

	return uint32(len(b)), nil
}

// EncodeRequest serialises the request into a single frame.
//
// The peer's size limits are not checked here: a frame the peer will
// reject is still encoded so the rejection can be observed.
func EncodeRequest(r Request) ([]byte, error) {
	h, err := r.Header()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, RequestHeaderSize, RequestHeaderSize+len(r.Key)+len(r.Data)+len(r.Extra))
	h.put(buf)

	buf = append(buf, r.Key...)
	buf = append(buf, r.Data...)
	buf = append(buf, r.Extra...)

	return buf, nil
}

// RequestHeader is the decoded fixed part of a request.
type RequestHeader struct {
	Opcode      Command
	KeyLength   uint8
	DataLength  uint32
	ExtraLength uint32
}

// BodyLength is the number of bytes that follow the header.
func (h RequestHeader) BodyLength() uint64 {
	return uint64(h.KeyLength) + uint64(h.DataLength) + uint64(h.ExtraLength)
}

// Oversized reports whether the peer must reject the frame with
// InvalidParamSize. A key buffer of MaxKeySize bytes also holds the
// terminator, so a key of exactly MaxKeySize bytes does not fit.
func (h RequestHeader) Oversized() bool {
	return h.KeyLength >= MaxKeySize || h.BodyLength() > MaxDataSize
}

func (h RequestHeader) put(b []byte) {
	b[0] = uint8(h.Opcode)
	b[1] = h.KeyLength
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint32(b[4:8], h.DataLength)
	binary.BigEndian.PutUint32(b[8:12], h.ExtraLength)
}

// DecodeRequestHeader decodes the first RequestHeaderSize bytes of b.
func DecodeRequestHeader(b []byte) (RequestHeader, error) {
	if len(b) < RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("request header of %d bytes: %w", len(b), ErrMalformedHeader)
	}

	return RequestHeader{
		Opcode:      Command(b[0]),
		KeyLength:   b[1],
		DataLength:  binary.BigEndian.Uint32(b[4:8]),
		ExtraLength: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// SplitBody cuts a request body into key, data and extra using the header's
// lengths. body must be exactly h.BodyLength() bytes.
func SplitBody(h RequestHeader, body []byte) (key, data, extra []byte, err error) {
	if uint64(len(body)) != h.BodyLength() {
		return nil, nil, nil, fmt.Errorf("body of %d bytes, header declares %d: %w",
			len(body), h.BodyLength(), ErrMalformedBody)
	}

	k := int(h.KeyLength)
	d := k + int(h.DataLength)

	return body[:k], body[k:d], body[d:], nil
}
