// Package clock implements application.Clock over the standard library:
// a one-method platform-independent time source the rest of the core
// depends on through an interface rather than calling time.Now() directly.
package clock

import (
	"time"

	"tungo/application"
)

// WallClock reports the number of seconds since the Unix epoch.
type WallClock struct{}

// New returns the standard wall-clock implementation.
func New() application.Clock {
	return WallClock{}
}

func (WallClock) NowUnix() int64 {
	return time.Now().Unix()
}
