package protocol

import "errors"

var (
	// ErrMalformedHeader means fewer bytes than a full header were handed to a
	// decoder. The stream reader never does this, so seeing it is a bug.
	ErrMalformedHeader = errors.New("lightcache: malformed header")

	ErrMalformedBody  = errors.New("lightcache: body does not match header lengths")
	ErrKeyTooLong     = errors.New("lightcache: key length does not fit in one byte")
	ErrSectionTooLong = errors.New("lightcache: section length does not fit in 32 bits")

	ErrMalformedSettingValue = errors.New("lightcache: setting value must be 8 bytes")
	ErrInvalidNumber         = errors.New("lightcache: invalid decimal number")
	ErrMissingStat           = errors.New("lightcache: stat not reported")
)
