package dberrors

import "errors"

var (
	ErrNotFound     = errors.New("lsmkv: not found")
	ErrClosed       = errors.New("lsmkv: closed")
	ErrMalformedSST = errors.New("lsmkv: malformed sst")
	ErrKeyTooLarge  = errors.New("lsmkv: entry too large for block")
)
