package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
)

// Settings the peer knows about.
const (
	// SettingIdleConnTimeout is the number of idle seconds after which the
	// peer closes a connection.
	SettingIdleConnTimeout = "idle_conn_timeout"

	// SettingMemAvail is the number of bytes the peer may use for items
	// before it starts rejecting writes.
	SettingMemAvail = "mem_avail"
)

// SettingValueSize is the size of a GET_SETTING payload.
const SettingValueSize = 8

type Setting struct {
	Name  string
	Value uint64
}

func KnownSetting(name string) bool {
	switch name {
	case SettingIdleConnTimeout, SettingMemAvail:
		return true
	default:
		return false
	}
}

// DecodeSettingValue decodes a big-endian GET_SETTING payload.
func DecodeSettingValue(b []byte) (uint64, error) {
	if len(b) != SettingValueSize {
		return 0, fmt.Errorf("got %d bytes: %w", len(b), ErrMalformedSettingValue)
	}

	return binary.BigEndian.Uint64(b), nil
}

func EncodeSettingValue(v uint64) []byte {
	b := make([]byte, SettingValueSize)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// FormatUint renders v the way numbers travel inside request sections: as
// ASCII decimal.
func FormatUint(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}

// ParseUint parses an ASCII decimal section. Empty input, anything but
// digits, values above 64 bits and zero are all rejected; the peer answers
// those with InvalidParam.
func ParseUint(b []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", b, ErrInvalidNumber)
	}

	if v == 0 {
		return 0, fmt.Errorf("%q is zero: %w", b, ErrInvalidNumber)
	}

	return v, nil
}
