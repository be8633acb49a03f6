package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ResponseHeaderSize is opcode, error code, two reserved bytes and the
// payload length.
const ResponseHeaderSize = 8

type ResponseHeader struct {
	// Opcode echoes the command of the request being answered.
	Opcode        Command
	Code          ErrorCode
	PayloadLength uint32
}

// DecodeResponseHeader decodes the first ResponseHeaderSize bytes of b.
//
// A short buffer means the caller did not wait for a whole header, it is
// reported as ErrMalformedHeader and is never a peer error.
func DecodeResponseHeader(b []byte) (ResponseHeader, error) {
	if len(b) < ResponseHeaderSize {
		return ResponseHeader{}, fmt.Errorf("response header of %d bytes: %w", len(b), ErrMalformedHeader)
	}

	return ResponseHeader{
		Opcode:        Command(b[0]),
		Code:          ErrorCode(b[1]),
		PayloadLength: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Response is a decoded response frame.
type Response struct {
	ResponseHeader
	Payload []byte
}

// Err returns the peer reported error code, or nil on Success.
func (r Response) Err() error {
	return r.Code.Err()
}

// Clone returns a copy that shares no memory with r.
func (r Response) Clone() Response {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}

	return r
}

// EncodeResponse builds a response frame.
func EncodeResponse(opcode Command, code ErrorCode, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%d byte payload: %w", len(payload), ErrSectionTooLong)
	}

	buf := make([]byte, ResponseHeaderSize, ResponseHeaderSize+len(payload))
	buf[0] = uint8(opcode)
	buf[1] = uint8(code)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))

	return append(buf, payload...), nil
}
