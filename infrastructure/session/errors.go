package session

import "errors"

var (
	// ErrServiceCertificateRequired is returned by GenerateKeyRequest when
	// privacy mode is on but no service certificate has been installed yet;
	// the caller must fetch one (out-of-band) and retry with the same init
	// data, which the session has stashed.
	ErrServiceCertificateRequired = errors.New("session: privacy mode requires a service certificate before a request can be built")

	// ErrEmptyInitData is returned when a fresh request carries no init data
	// and none was deferred from an earlier service-certificate round trip
	//.
	ErrEmptyInitData = errors.New("session: fresh key request requires non-empty init data")

	// ErrNoKeySetIDAvailable is returned when a 14-byte hex key-set id could
	// not be allocated without colliding with a reserved or stored id after
	// a bounded number of attempts.
	ErrNoKeySetIDAvailable = errors.New("session: failed to allocate a unique key-set id")

	// ErrNotOffline is returned by RemoveLicense-style paths when a release
	// or renewal is attempted against a session that was never an offline
	// or PST-bearing session.
	ErrNotReleasable = errors.New("session: session has no persisted license to release")

	// ErrDecryptHashMismatch is latched by SetDecryptHash/GetDecryptHashError
	// when a clear-buffer Decrypt output does not match the installed hash.
	ErrDecryptHashMismatch = errors.New("session: decrypted output hash mismatch")
)
