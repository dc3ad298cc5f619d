// Package keys holds the plain value types describing content keys,
// operator-session keys, entitlement keys, and their usage/output-
// protection constraints. No I/O, no third-party imports.
package keys

// SecurityClass is the security class a content key requires of the
// session that decrypts with it.
type SecurityClass int

const (
	SecurityClassUnset SecurityClass = iota
	SecurityClassSWSecureCrypto
	SecurityClassSWSecureDecode
	SecurityClassHWSecureCrypto
	SecurityClassHWSecureDecode
	SecurityClassHWSecureAll
)

// SecurityLevel is the requested/granted TCE security level for a session.
type SecurityLevel int

const (
	SecurityLevelUnknown SecurityLevel = iota
	SecurityLevelL1
	SecurityLevelL2
	SecurityLevelL3
)

// Admits reports whether a content key whose required class is class may be
// used by a session running at level.
func (level SecurityLevel) Admits(class SecurityClass) bool {
	if class == SecurityClassUnset {
		return true
	}
	switch level {
	case SecurityLevelL1:
		return true
	case SecurityLevelL2:
		switch class {
		case SecurityClassSWSecureCrypto, SecurityClassSWSecureDecode, SecurityClassHWSecureCrypto:
			return true
		default:
			return false
		}
	case SecurityLevelL3:
		switch class {
		case SecurityClassSWSecureCrypto, SecurityClassSWSecureDecode:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// HDCPLevel enumerates output-protection levels, ordered low to high.
type HDCPLevel int

const (
	HDCPNone HDCPLevel = iota
	HDCPV1
	HDCPV2
	HDCPV2_1
	HDCPV2_2
	HDCPV2_3
	HDCPNoDigitalOutput
)

// KeyStatus is the lifecycle status of a key as reported to a host.
type KeyStatus int

const (
	KeyStatusUsable KeyStatus = iota
	KeyStatusExpired
	KeyStatusOutputNotAllowed
	KeyStatusStatusPending
	KeyStatusInternalError
	KeyStatusUsableInFuture
	KeyStatusKeyUnknown
)

// Kind tags whether a key is a content key, an entitlement key, or an
// operator-session key.
type Kind int

const (
	KindContent Kind = iota
	KindEntitlement
	KindOperatorSession
)

// AllowedUsage describes what a content key may be used for.
type AllowedUsage struct {
	DecryptToSecureBuffer bool
	DecryptToClearBuffer  bool
	SecurityClass         SecurityClass
}

// OperatorSessionPermissions describes what an operator-session key may be
// used for via the session's generic sign/verify/encrypt/decrypt API.
type OperatorSessionPermissions struct {
	Encrypt bool
	Decrypt bool
	Sign    bool
	Verify  bool
}

// ResolutionBand is one entry of a content key's per-resolution HDCP
// override table.
type ResolutionBand struct {
	MinPixels     uint32
	MaxPixels     uint32
	RequiredHDCP  HDCPLevel
}

// Contains reports whether pixels falls within [MinPixels, MaxPixels).
// MaxPixels == 0 means unbounded above.
func (b ResolutionBand) Contains(pixels uint32) bool {
	if pixels < b.MinPixels {
		return false
	}
	if b.MaxPixels != 0 && pixels >= b.MaxPixels {
		return false
	}
	return true
}

// Constraints are a content key's output-protection requirements.
type Constraints struct {
	DefaultHDCP HDCPLevel
	Bands       []ResolutionBand
}

// RequiredHDCP returns the HDCP floor that applies at the given resolution:
// the band containing it if one exists, else the default floor.
func (c Constraints) RequiredHDCP(resolutionPixels uint32) HDCPLevel {
	for _, b := range c.Bands {
		if b.Contains(resolutionPixels) {
			return b.RequiredHDCP
		}
	}
	return c.DefaultHDCP
}

// Meets reports whether deviceHDCP satisfies this key's constraint at the
// given resolution.
func (c Constraints) Meets(resolutionPixels uint32, deviceHDCP HDCPLevel) bool {
	return deviceHDCP >= c.RequiredHDCP(resolutionPixels)
}

// Key is a content or entitlement key as extracted from a license.
type Key struct {
	ID                []byte
	Kind              Kind
	Material          []byte // unwrapped key bytes; only meaningful for content keys
	Usage             AllowedUsage
	OperatorUsage     OperatorSessionPermissions
	Constraints       Constraints
	EntitlementKeyID  []byte // set on entitlement-derived content keys
}

// CipherMode selects CTR or CBC for a protection scheme.
type CipherMode int

const (
	CipherModeCTR CipherMode = iota
	CipherModeCBC
)

// ProtectionSchemeToCipherMode maps a protection-scheme four-CC to a cipher
// mode. "cbc1"/"cbcs" and their byte-reversed forms map to CBC; every other
// value (including "cenc" and unknown four-CCs) maps to CTR.
func ProtectionSchemeToCipherMode(fourCC uint32) CipherMode {
	switch fourCC {
	case FourCC("cbc1"), FourCC("cbcs"), reversed(FourCC("cbc1")), reversed(FourCC("cbcs")):
		return CipherModeCBC
	default:
		return CipherModeCTR
	}
}

// FourCC packs a 4-byte ASCII tag into a big-endian uint32.
func FourCC(s string) uint32 {
	b := []byte(s)
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func reversed(v uint32) uint32 {
	return (v&0xff)<<24 | (v&0xff00)<<8 | (v&0xff0000)>>8 | (v&0xff000000)>>24
}

// EntitledKey maps a content-key id to the entitlement key that unwraps it,
// as delivered in init data.
type EntitledKey struct {
	EntitlementKeyID []byte
	KeyID            []byte
	EncryptedKey     []byte
	IV               []byte
}

const (
	// ContentKeySize is the length, in bytes, of an unwrapped content key.
	ContentKeySize = 16
)
