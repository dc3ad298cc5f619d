package provisioning

import "errors"

var (
	ErrNoNonce          = errors.New("provisioning: session produced no nonce")
	ErrNonceMismatch    = errors.New("provisioning: response nonce does not match request")
	ErrResponseMalformed = errors.New("provisioning: malformed provisioning response")
	ErrMissingCertificate = errors.New("provisioning: response carries no device certificate")
	ErrSignatureMissing   = errors.New("provisioning: response signature required but missing")
)
