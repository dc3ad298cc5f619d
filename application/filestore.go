package application

import "tungo/domain/keys"

// FileStore is the hashed blob-persistence boundary. Every
// implementation hashes on Store and verifies on Retrieve, returning a
// typed hash-mismatch error when the two disagree.
type FileStore interface {
	Store(level keys.SecurityLevel, origin string, name string, data []byte) error
	Retrieve(level keys.SecurityLevel, origin string, name string) ([]byte, error)
	Exists(level keys.SecurityLevel, origin string, name string) bool
	Remove(level keys.SecurityLevel, origin string, name string) error
	List(level keys.SecurityLevel, origin string) ([]string, error)
	Size(level keys.SecurityLevel, origin string, name string) (int64, error)
}
