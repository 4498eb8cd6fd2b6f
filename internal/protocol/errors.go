package protocol

import "errors"

var (
	ErrTruncated     = errors.New("protocol: truncated data")
	ErrTrailingBytes = errors.New("protocol: trailing bytes")
	ErrNonFinite     = errors.New("protocol: non-finite float")
)
