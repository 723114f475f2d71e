package state

import "errors"

var (
	// ErrKeyNotFound is returned when an id is absent from the key namespace being queried
	ErrKeyNotFound = errors.New("key not found")
	// ErrVersionBoundExceeded is returned when an identity's hash chain is exhausted.
	// The identity can no longer be used for forward-secure operations.
	ErrVersionBoundExceeded = errors.New("version bound exceeded")
	ErrLinkOpenFailed       = errors.New("link open failed")
	// ErrCryptoOperationFailed covers malformed remote keys, bad signatures and failed DH
	ErrCryptoOperationFailed = errors.New("crypto operation failed")
	ErrLinkDown              = errors.New("link is down")
)
