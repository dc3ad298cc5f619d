// Package cdmerror defines the typed status codes every public CDM
// operation returns on failure, plus a small wrapper that pairs a status
// with the underlying sentinel error so callers can branch on the code or
// use errors.Is/As against the cause.
package cdmerror

import "fmt"

// Status is a stable, typed error code. String messages are never
// contractual; callers must branch on Status.
type Status int

const (
	StatusOK Status = iota
	StatusNeedProvisioning
	StatusNeedKey
	StatusKeyAdded
	StatusKeyMessage
	StatusDeviceRevoked
	StatusDeviceCannotReprovision
	StatusSessionNotFound
	StatusKeySetIDNotFound
	StatusKeyNotFound
	StatusUsageInfoNotFound
	StatusLicenseNotFound
	StatusReinit
	StatusNotInitialized
	StatusEmptySessionID
	StatusStorageProhibited
	StatusOfflineLicenseProhibited
	StatusReleaseProhibited
	StatusDecryptNotReady
	StatusInsufficientOutputProtection
	StatusKeyProhibitedForSecurityLevel
	StatusDecryptionKeyNotInSession
	StatusNonceGenerationFailed
	StatusSignatureMismatch
	StatusSizeMismatch
	StatusSessionLostState
	StatusSystemInvalidated
	StatusInsufficientCryptoResources
	StatusFileHashMismatch
	StatusFileIOError
	StatusBasePathUnavailable
	StatusInvalidFileSize
	StatusParseError
	StatusInvalidLicenseResponse
	StatusLicenseTypeMismatch
	StatusSignatureMissing
	StatusInvalidParameter
	StatusEmptyKeyData
	StatusInvalidKeySystem
	StatusDuplicateSessionID
	StatusUnsupportedInitData
	StatusUnsupportedLicenseType
	StatusKeySizeError
	StatusGetReleasedLicenseError
	StatusServiceCertificateRequestsNotAllowed
)

var names = map[Status]string{
	StatusOK:                                    "ok",
	StatusNeedProvisioning:                      "need_provisioning",
	StatusNeedKey:                               "need_key",
	StatusKeyAdded:                              "key_added",
	StatusKeyMessage:                            "key_message",
	StatusDeviceRevoked:                         "device_revoked",
	StatusDeviceCannotReprovision:               "device_cannot_reprovision",
	StatusSessionNotFound:                       "session_not_found",
	StatusKeySetIDNotFound:                      "key_set_id_not_found",
	StatusKeyNotFound:                           "key_not_found",
	StatusUsageInfoNotFound:                     "usage_info_not_found",
	StatusLicenseNotFound:                       "license_not_found",
	StatusReinit:                                "reinit",
	StatusNotInitialized:                        "not_initialized",
	StatusEmptySessionID:                        "empty_session_id",
	StatusStorageProhibited:                     "storage_prohibited",
	StatusOfflineLicenseProhibited:               "offline_license_prohibited",
	StatusReleaseProhibited:                     "release_prohibited",
	StatusDecryptNotReady:                       "decrypt_not_ready",
	StatusInsufficientOutputProtection:          "insufficient_output_protection",
	StatusKeyProhibitedForSecurityLevel:         "key_prohibited_for_security_level",
	StatusDecryptionKeyNotInSession:             "decryption_key_not_in_session",
	StatusNonceGenerationFailed:                 "nonce_generation_failed",
	StatusSignatureMismatch:                     "signature_mismatch",
	StatusSizeMismatch:                          "size_mismatch",
	StatusSessionLostState:                      "session_lost_state",
	StatusSystemInvalidated:                     "system_invalidated",
	StatusInsufficientCryptoResources:           "insufficient_crypto_resources",
	StatusFileHashMismatch:                      "file_hash_mismatch",
	StatusFileIOError:                           "file_io_error",
	StatusBasePathUnavailable:                   "base_path_unavailable",
	StatusInvalidFileSize:                       "invalid_file_size",
	StatusParseError:                            "parse_error",
	StatusInvalidLicenseResponse:                "invalid_license_response",
	StatusLicenseTypeMismatch:                   "license_type_mismatch",
	StatusSignatureMissing:                      "signature_missing",
	StatusInvalidParameter:                      "invalid_parameter",
	StatusEmptyKeyData:                          "empty_key_data",
	StatusInvalidKeySystem:                      "invalid_key_system",
	StatusDuplicateSessionID:                    "duplicate_session_id",
	StatusUnsupportedInitData:                   "unsupported_init_data",
	StatusUnsupportedLicenseType:                "unsupported_license_type",
	StatusKeySizeError:                          "key_size_error",
	StatusGetReleasedLicenseError:                "get_released_license_error",
	StatusServiceCertificateRequestsNotAllowed:  "service_certificate_requests_not_allowed",
}

func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error pairs a Status with the sentinel error that caused it. Metrics and
// logs may print Error(); calling code must branch on Status, never on the
// error string.
type Error struct {
	Status Status
	Err    error
}

func New(status Status, err error) *Error {
	return &Error{Status: status, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %v", e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf extracts the Status from err, or StatusOK if err is nil, or
// StatusFileIOError-class fallback otherwise. Use only for logging/metrics;
// never for control flow (control flow should use errors.As on *Error).
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
		return e.Status
	}
	return StatusParseError
}
