package filestore

import "sync"

// ReservedIDs is a process-wide set of key-set ids that have been handed
// out to an in-flight session but not yet persisted, preventing two
// concurrent sessions from colliding on the same fresh id. One instance is
// shared by every engine in the process, constructed once and passed
// around explicitly rather than held in a package-level var.
type ReservedIDs struct {
	ids sync.Map // string -> struct{}
}

// NewReservedIDs returns an empty reservation set.
func NewReservedIDs() *ReservedIDs {
	return &ReservedIDs{}
}

// TryReserve reserves id, returning false if it was already reserved.
func (r *ReservedIDs) TryReserve(id string) bool {
	_, loaded := r.ids.LoadOrStore(id, struct{}{})
	return !loaded
}

// Release frees a previously reserved id, e.g. after it has been persisted
// (the file store's own existence check now guards against reuse) or after
// the session that reserved it failed to initialize.
func (r *ReservedIDs) Release(id string) {
	r.ids.Delete(id)
}

// IsReserved reports whether id is currently held.
func (r *ReservedIDs) IsReserved(id string) bool {
	_, ok := r.ids.Load(id)
	return ok
}
