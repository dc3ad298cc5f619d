package application

import (
	"context"

	"tungo/domain/keys"
	"tungo/domain/usage"
)

// ProvisioningMethod is how the device's per-device identity is rooted.
type ProvisioningMethod int

const (
	ProvisioningMethodKeybox ProvisioningMethod = iota
	ProvisioningMethodOEMCert
	ProvisioningMethodDRMCert
)

// HDCPCapabilities reports the device's current and maximum HDCP levels.
type HDCPCapabilities struct {
	Current keys.HDCPLevel
	Max     keys.HDCPLevel
}

// SupportedCertificateTypes reports which provisioning certificate key
// sizes/types a TCE can accept.
type SupportedCertificateTypes struct {
	RSA2048 bool
	RSA3072 bool
	RSACast bool
}

// AnalogOutputCapabilities reports analog-output protection support.
type AnalogOutputCapabilities struct {
	Supported  bool
	CanDisable bool
	CGMSA      bool
}

// Subsample is one (clear, encrypted) byte-length pair of a CENC subsample
// pattern, as passed to TCESession.Decrypt.
type Subsample struct {
	ClearBytes     int
	EncryptedBytes int
}

// DecryptParams carries one decrypt call's parameters.
type DecryptParams struct {
	IsEncrypted bool
	KeyID       []byte
	IV          []byte
	Subsamples  []Subsample
	Input       []byte
	IsSecure    bool
	CipherMode  keys.CipherMode
}

// LoadKeysParams bundles the arguments of the TCE's load_keys primitive
//.
type LoadKeysParams struct {
	Message     []byte
	Signature   []byte
	MACIV       []byte
	MACKeys     []byte
	Keys        []keys.Key
	PST         string
	SRMRequired bool
	KeyType     keys.Kind
}

// TCE is the process-wide trusted-crypto-engine boundary. Every
// method not scoped to a session is safe to call before any session opens.
type TCE interface {
	APIVersion() (int, error)
	GetBuildInformation() (string, error)
	SecurityPatchLevel() (int, error)
	GetProvisioningMethod() (ProvisioningMethod, error)
	GetDeviceID() ([]byte, error)
	GetSystemID() (uint32, error)
	GetProvisioningID() ([]byte, error)
	GetProvisioningToken() ([]byte, error)
	GetSupportedCertificateTypes() (SupportedCertificateTypes, error)
	GetAnalogOutputCapabilities(ctx context.Context) (AnalogOutputCapabilities, error)
	GetMaxNumberOfSessions() (int, error)
	GetNumberOfOpenSessions() (int, error)
	GetResourceRatingTier() (int, error)
	GetSRMVersion() (int, error)
	IsSRMUpdateSupported() (bool, error)

	// OpenSession opens a new TCE session at the requested level.
	OpenSession(ctx context.Context, level keys.SecurityLevel) (TCESession, error)

	// DeleteAllUsageReports purges every legacy usage report.
	DeleteAllUsageReports(ctx context.Context) error
}

// TCESession is a single open TCE session handle.
type TCESession interface {
	Close(ctx context.Context) error

	SecurityLevel() keys.SecurityLevel
	GetHDCPCapabilities(ctx context.Context) (HDCPCapabilities, error)

	GenerateNonce(ctx context.Context) (uint32, error)
	GetRandom(ctx context.Context, n int) ([]byte, error)

	PrepareRequest(ctx context.Context, message []byte, isProvisioning bool) ([]byte, error)
	PrepareRenewalRequest(ctx context.Context, message []byte) ([]byte, error)
	GenerateDerivedKeys(ctx context.Context, message []byte, sessionKey []byte) error

	LoadCertificatePrivateKey(ctx context.Context, wrapped []byte) error
	RewrapCertificate(ctx context.Context, message, signature, nonce, encryptedPrivateKey, iv, wrappingKey []byte) ([]byte, error)

	LoadKeys(ctx context.Context, p LoadKeysParams) error
	LoadEntitledContentKeys(ctx context.Context, entitled []keys.EntitledKey) error
	RefreshKeys(ctx context.Context, message, signature []byte, nonce uint32, keys []keys.Key) error
	SelectKey(ctx context.Context, keyID []byte, mode keys.CipherMode) error

	Decrypt(ctx context.Context, p DecryptParams) ([]byte, error)

	GenericEncrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error)
	GenericDecrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error)
	GenericSign(ctx context.Context, keyID, message []byte) ([]byte, error)
	GenericVerify(ctx context.Context, keyID, message, signature []byte) (bool, error)

	GetUsageSupportType(ctx context.Context) (usage.SupportType, error)

	CreateUsageTableHeader(ctx context.Context) ([]byte, error)
	LoadUsageTableHeader(ctx context.Context, blob []byte) error
	CreateUsageEntry(ctx context.Context) (int, []byte, error)
	LoadUsageEntry(ctx context.Context, n int, blob []byte) error
	UpdateUsageEntry(ctx context.Context, n int) (header []byte, entry []byte, err error)
	MoveUsageEntry(ctx context.Context, newN int) error
	ShrinkUsageTableHeader(ctx context.Context, newCount int) ([]byte, error)
	CopyOldUsageEntry(ctx context.Context, pst string) ([]byte, []byte, error)

	UpdateUsageInformation(ctx context.Context) error
	DeactivateUsageEntry(ctx context.Context, pst string) error
	GenerateUsageReport(ctx context.Context, pst string) (usage.LegacyReport, error)
	ReleaseUsageInformation(ctx context.Context, message, signature []byte, pst string) error
	DeleteUsageInformation(ctx context.Context, pst string) error
	DeleteMultipleUsageInformation(ctx context.Context, psts []string) error
}
