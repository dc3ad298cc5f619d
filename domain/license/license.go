// Package license holds the plain data shapes parsed out of a Widevine
// license response: identification, policy parameters, and the license
// itself. Parsing/verification logic lives in
// infrastructure/license; this package is data only.
package license

import "tungo/domain/keys"

// IDType distinguishes streaming from offline licenses.
type IDType int

const (
	IDTypeStreaming IDType = iota
	IDTypeOffline
)

// Identification is the license_id field echoed back on every renewal.
type Identification struct {
	RequestID []byte
	SessionID []byte
	PurchaseID []byte
	Type      IDType
	Version   int32
}

// Policy holds the durations and flags that drive the policy engine state
// machine. All durations are seconds; 0 means unlimited.
type Policy struct {
	CanPlay                  bool
	CanPersist               bool
	CanRenew                 bool
	LicenseDurationSeconds   int64
	RentalDurationSeconds    int64
	PlaybackDurationSeconds  int64
	RenewalDelaySeconds      int64
	RenewalRetryIntervalSeconds int64
	RenewalRecoveryDurationSeconds int64
	RenewalServerURL         string
	SoftEnforcePlaybackDuration bool
	SoftEnforceRentalDuration   bool
	PlayStartGracePeriodSeconds int64
	AlwaysIncludeClientID    bool
}

// ProtectionScheme is the four-CC naming the media cipher mode.
type ProtectionScheme uint32

// License is the fully parsed response.
type License struct {
	ID                  Identification
	Policy              Policy
	Keys                []keys.Key
	PST                 string
	RenewalServerURL    string
	ProtectionScheme    ProtectionScheme
	HasProtectionScheme bool
	SRMUpdate           []byte
	ProviderClientToken []byte
	LicenseStartTime    int64

	// signing (MAC) key pair, extracted separately from content/entitlement keys.
	MACKeyServer []byte
	MACKeyClient []byte
}

// CipherMode resolves this license's protection scheme to a cipher mode,
// defaulting to CTR when no protection scheme was present (the "cenc"
// default).
func (l *License) CipherMode() keys.CipherMode {
	if !l.HasProtectionScheme {
		return keys.CipherModeCTR
	}
	return keys.ProtectionSchemeToCipherMode(uint32(l.ProtectionScheme))
}
