package engine

import "errors"

var (
	ErrInvalidKeySystem      = errors.New("engine: key system does not name widevine")
	ErrNoPendingProvisioning = errors.New("engine: no provisioning request in flight for this level")
	ErrUsageRecordNotFound   = errors.New("engine: no usage record matches the request")
	ErrUnknownQueryKey       = errors.New("engine: unknown status query key")
)
