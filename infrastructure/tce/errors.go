package tce

import "errors"

var (
	ErrSessionClosed              = errors.New("tce: session closed")
	ErrInsufficientCryptoResources = errors.New("tce: insufficient crypto resources")
	ErrNoSuchKey                  = errors.New("tce: no such key loaded in session")
	ErrNoSuchEntry                = errors.New("tce: no such usage entry")
	ErrNotInitialized             = errors.New("tce: usage table header not initialized")
)
