package license

import "errors"

var (
	ErrMalformedMessage     = errors.New("license: malformed signed message")
	ErrUnexpectedMessageType = errors.New("license: unexpected message type in response")
	ErrInvalidDeviceCertificate = errors.New("license: server reports invalid device certificate")
	ErrRevokedDeviceCertificate = errors.New("license: server reports revoked device certificate")
	ErrServerError              = errors.New("license: server returned an error response")
	ErrNotOfflineLicense        = errors.New("license: license is not marked offline, cannot restore for playback")
	ErrMalformedInitData        = errors.New("license: malformed CENC init data")
	ErrNoWidevinePssh           = errors.New("license: init data carries no widevine pssh box")
	ErrKeySizeError             = errors.New("license: entitled content key payload smaller than content key size")
	ErrUnsupportedInitData      = errors.New("license: init data format not supported")
	ErrLicenseReleased          = errors.New("license: stored license is marked releasing")
)
