package session

// LicenseType is the caller-facing license kind passed into
// Session.GenerateKeyRequest. It is
// distinct from wvproto.LicenseType (the wire-level hint carried inside the
// protocol messages): Release and EmbeddedKeyData never touch the wire as a
// license-type field, they select a code path.
type LicenseType int

const (
	LicenseTypeTemporary LicenseType = iota
	LicenseTypeStreaming
	LicenseTypeOffline
	LicenseTypeRelease
	LicenseTypeEmbeddedKeyData
)
