package servicecert

import "errors"

var (
	ErrNotInitialized   = errors.New("servicecert: no certificate loaded")
	ErrSignatureMissing = errors.New("servicecert: signature or message missing")
	ErrSignatureMismatch = errors.New("servicecert: signature verification failed")
	ErrParse            = errors.New("servicecert: malformed certificate")
)
