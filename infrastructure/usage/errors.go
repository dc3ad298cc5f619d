package usage

import "errors"

var (
	ErrEntryNotFound  = errors.New("usage: entry not found")
	ErrHeaderNotInit  = errors.New("usage: header not initialized")
	ErrRetriesExceeded = errors.New("usage: exceeded insufficient-resources retries")
)
