package application

import "tungo/domain/keys"

// EventListener receives asynchronous notifications raised while a session
// is running: key-status changes, a renewal becoming due, and expiration
// updates. A listener that calls back into the engine
// synchronously from one of these methods is a contract violation
// — implementations must not block or re-enter.
type EventListener interface {
	OnKeyStatusChange(sessionID string, statuses map[string]keys.KeyStatus)
	OnRenewalNeeded(sessionID string)
	OnExpirationUpdate(sessionID string, newExpiryUnix int64)
}
