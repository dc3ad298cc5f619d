package wvproto

// SignedMessage.Type values.
type MessageType int32

const (
	MessageTypeLicenseRequest MessageType = iota + 1
	MessageTypeLicense
	MessageTypeErrorResponse
	MessageTypeServiceCertificateRequest
	MessageTypeServiceCertificate
	MessageTypeSessionKeyRequest
)

// LicenseRequest.RequestType.
type RequestType int32

const (
	RequestTypeNew RequestType = iota + 1
	RequestTypeRenewal
	RequestTypeRelease
)

// LicenseType, as carried by the caller into GenerateKeyRequest.
type LicenseType int32

const (
	LicenseTypeTemporary LicenseType = iota + 1
	LicenseTypeStreaming
	LicenseTypeOffline
)

// ClientIdentification carries the device's provisioned identity.
type ClientIdentification struct {
	Type         int32
	Token        []byte
	ClientInfoNames  []string
	ClientInfoValues []string
	ProviderClientToken []byte
	VMPData      []byte
}

func (c *ClientIdentification) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(c.Type))
	buf = appendBytesField(buf, 2, c.Token)
	for i := range c.ClientInfoNames {
		var kv []byte
		kv = appendStringField(kv, 1, c.ClientInfoNames[i])
		if i < len(c.ClientInfoValues) {
			kv = appendStringField(kv, 2, c.ClientInfoValues[i])
		}
		buf = appendSubmessageField(buf, 3, kv, true)
	}
	buf = appendBytesField(buf, 4, c.ProviderClientToken)
	buf = appendBytesField(buf, 5, c.VMPData)
	return buf
}

func (c *ClientIdentification) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*c = ClientIdentification{}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.Type = int32(f.u64)
		case 2:
			c.Token = append([]byte(nil), f.buf...)
		case 3:
			sub, err := rawFields(f.buf)
			if err != nil {
				return err
			}
			var name, value string
			for _, s := range sub {
				switch s.num {
				case 1:
					name = string(s.buf)
				case 2:
					value = string(s.buf)
				}
			}
			c.ClientInfoNames = append(c.ClientInfoNames, name)
			c.ClientInfoValues = append(c.ClientInfoValues, value)
		case 4:
			c.ProviderClientToken = append([]byte(nil), f.buf...)
		case 5:
			c.VMPData = append([]byte(nil), f.buf...)
		}
	}
	return nil
}

// EncryptedClientIdentification wraps a ClientIdentification for
// privacy-mode requests.
type EncryptedClientIdentification struct {
	ServiceID            string
	ServiceCertificateSerial []byte
	EncryptedClientID     []byte
	EncryptedClientIDIV   []byte
	EncryptedPrivacyKey   []byte
}

func (e *EncryptedClientIdentification) Marshal() []byte {
	var buf []byte
	buf = appendStringField(buf, 1, e.ServiceID)
	buf = appendBytesField(buf, 2, e.ServiceCertificateSerial)
	buf = appendBytesField(buf, 3, e.EncryptedClientID)
	buf = appendBytesField(buf, 4, e.EncryptedClientIDIV)
	buf = appendBytesField(buf, 5, e.EncryptedPrivacyKey)
	return buf
}

func (e *EncryptedClientIdentification) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*e = EncryptedClientIdentification{}
	for _, f := range fields {
		switch f.num {
		case 1:
			e.ServiceID = string(f.buf)
		case 2:
			e.ServiceCertificateSerial = append([]byte(nil), f.buf...)
		case 3:
			e.EncryptedClientID = append([]byte(nil), f.buf...)
		case 4:
			e.EncryptedClientIDIV = append([]byte(nil), f.buf...)
		case 5:
			e.EncryptedPrivacyKey = append([]byte(nil), f.buf...)
		}
	}
	return nil
}

// ContentIDEntry is one ContentId.CencId-style PSSH entry.
type ContentIDEntry struct {
	InitData []byte
}

// LicenseRequest is the inner message signed and sent to the license
// server.
type LicenseRequest struct {
	ClientID            *ClientIdentification
	EncryptedClientID    *EncryptedClientIdentification
	ContentID            []byte // raw CENC pssh list or WebM header blob
	Type                 RequestType
	RequestTimeSeconds    int64
	KeyControlNonce       uint32
	ProtocolVersionMajor  int32
	ProtocolVersionMinor  int32
}

func (r *LicenseRequest) Marshal() []byte {
	var buf []byte
	if r.ClientID != nil {
		buf = appendSubmessageField(buf, 1, r.ClientID.Marshal(), true)
	}
	if r.EncryptedClientID != nil {
		buf = appendSubmessageField(buf, 2, r.EncryptedClientID.Marshal(), true)
	}
	buf = appendBytesField(buf, 3, r.ContentID)
	buf = appendVarintField(buf, 4, uint64(r.Type))
	buf = appendVarintField(buf, 5, uint64(r.RequestTimeSeconds))
	buf = appendVarintField(buf, 6, uint64(r.KeyControlNonce))
	buf = appendVarintField(buf, 7, uint64(r.ProtocolVersionMajor))
	buf = appendVarintField(buf, 8, uint64(r.ProtocolVersionMinor))
	return buf
}

func (r *LicenseRequest) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*r = LicenseRequest{}
	for _, f := range fields {
		switch f.num {
		case 1:
			r.ClientID = &ClientIdentification{}
			if err := r.ClientID.Unmarshal(f.buf); err != nil {
				return err
			}
		case 2:
			r.EncryptedClientID = &EncryptedClientIdentification{}
			if err := r.EncryptedClientID.Unmarshal(f.buf); err != nil {
				return err
			}
		case 3:
			r.ContentID = append([]byte(nil), f.buf...)
		case 4:
			r.Type = RequestType(f.u64)
		case 5:
			r.RequestTimeSeconds = int64(f.u64)
		case 6:
			r.KeyControlNonce = uint32(f.u64)
		case 7:
			r.ProtocolVersionMajor = int32(f.u64)
		case 8:
			r.ProtocolVersionMinor = int32(f.u64)
		}
	}
	return nil
}

// SignedMessage wraps any inner message with a type tag and MAC/RSA
// signature.
type SignedMessage struct {
	Type            MessageType
	Msg             []byte
	Signature       []byte
	SessionKey      []byte
	RemoteAttestation []byte
}

func (s *SignedMessage) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(s.Type))
	buf = appendBytesField(buf, 2, s.Msg)
	buf = appendBytesField(buf, 3, s.Signature)
	buf = appendBytesField(buf, 4, s.SessionKey)
	buf = appendBytesField(buf, 5, s.RemoteAttestation)
	return buf
}

func (s *SignedMessage) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*s = SignedMessage{}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Type = MessageType(f.u64)
		case 2:
			s.Msg = append([]byte(nil), f.buf...)
		case 3:
			s.Signature = append([]byte(nil), f.buf...)
		case 4:
			s.SessionKey = append([]byte(nil), f.buf...)
		case 5:
			s.RemoteAttestation = append([]byte(nil), f.buf...)
		}
	}
	return nil
}

// ErrorResponse is the inner message when SignedMessage.Type ==
// MessageTypeErrorResponse.
type ErrorResponse struct {
	Code int32
}

const (
	ErrorCodeInvalidDRMDeviceCertificate int32 = 1
	ErrorCodeRevokedDRMDeviceCertificate int32 = 2
)

func (e *ErrorResponse) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(e.Code))
	return buf
}

func (e *ErrorResponse) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*e = ErrorResponse{}
	for _, f := range fields {
		if f.num == 1 {
			e.Code = int32(f.u64)
		}
	}
	return nil
}

// LicenseIdentification.
type LicenseIdentification struct {
	RequestID  []byte
	SessionID  []byte
	PurchaseID []byte
	Type       int32 // 0 streaming, 1 offline
	Version    int32
}

func (l *LicenseIdentification) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, l.RequestID)
	buf = appendBytesField(buf, 2, l.SessionID)
	buf = appendBytesField(buf, 3, l.PurchaseID)
	buf = appendVarintField(buf, 4, uint64(l.Type))
	buf = appendVarintField(buf, 5, uint64(l.Version))
	return buf
}

func (l *LicenseIdentification) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*l = LicenseIdentification{}
	for _, f := range fields {
		switch f.num {
		case 1:
			l.RequestID = append([]byte(nil), f.buf...)
		case 2:
			l.SessionID = append([]byte(nil), f.buf...)
		case 3:
			l.PurchaseID = append([]byte(nil), f.buf...)
		case 4:
			l.Type = int32(f.u64)
		case 5:
			l.Version = int32(f.u64)
		}
	}
	return nil
}

// Policy carries the durations and flags a license grants.
type Policy struct {
	CanPlay                        bool
	CanPersist                     bool
	CanRenew                       bool
	LicenseDurationSeconds         int64
	RentalDurationSeconds          int64
	PlaybackDurationSeconds        int64
	RenewalRecoveryDurationSeconds int64
	RenewalServerURL               string
	RenewalDelaySeconds            int64
	RenewalRetryIntervalSeconds    int64
	SoftEnforcePlaybackDuration    bool
	SoftEnforceRentalDuration      bool
	PlayStartGracePeriodSeconds    int64
	AlwaysIncludeClientID          bool
}

func (p *Policy) Marshal() []byte {
	var buf []byte
	buf = appendBoolField(buf, 1, p.CanPlay)
	buf = appendBoolField(buf, 2, p.CanPersist)
	buf = appendBoolField(buf, 3, p.CanRenew)
	buf = appendVarintField(buf, 4, uint64(p.LicenseDurationSeconds))
	buf = appendVarintField(buf, 5, uint64(p.RentalDurationSeconds))
	buf = appendVarintField(buf, 6, uint64(p.PlaybackDurationSeconds))
	buf = appendVarintField(buf, 7, uint64(p.RenewalRecoveryDurationSeconds))
	buf = appendStringField(buf, 8, p.RenewalServerURL)
	buf = appendVarintField(buf, 9, uint64(p.RenewalDelaySeconds))
	buf = appendVarintField(buf, 10, uint64(p.RenewalRetryIntervalSeconds))
	buf = appendBoolField(buf, 11, p.SoftEnforcePlaybackDuration)
	buf = appendBoolField(buf, 12, p.SoftEnforceRentalDuration)
	buf = appendVarintField(buf, 13, uint64(p.PlayStartGracePeriodSeconds))
	buf = appendBoolField(buf, 14, p.AlwaysIncludeClientID)
	return buf
}

func (p *Policy) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*p = Policy{}
	for _, f := range fields {
		switch f.num {
		case 1:
			p.CanPlay = f.u64 != 0
		case 2:
			p.CanPersist = f.u64 != 0
		case 3:
			p.CanRenew = f.u64 != 0
		case 4:
			p.LicenseDurationSeconds = int64(f.u64)
		case 5:
			p.RentalDurationSeconds = int64(f.u64)
		case 6:
			p.PlaybackDurationSeconds = int64(f.u64)
		case 7:
			p.RenewalRecoveryDurationSeconds = int64(f.u64)
		case 8:
			p.RenewalServerURL = string(f.buf)
		case 9:
			p.RenewalDelaySeconds = int64(f.u64)
		case 10:
			p.RenewalRetryIntervalSeconds = int64(f.u64)
		case 11:
			p.SoftEnforcePlaybackDuration = f.u64 != 0
		case 12:
			p.SoftEnforceRentalDuration = f.u64 != 0
		case 13:
			p.PlayStartGracePeriodSeconds = int64(f.u64)
		case 14:
			p.AlwaysIncludeClientID = f.u64 != 0
		}
	}
	return nil
}

// KeyType enumerates the tagged-variant kind carried by a KeyContainer.
type KeyType int32

const (
	KeyTypeSigning KeyType = iota
	KeyTypeContent
	KeyTypeKeyControl
	KeyTypeOperatorSession
	KeyTypeEntitlement
)

// VideoResolutionConstraint is one resolution-banded HDCP override.
type VideoResolutionConstraint struct {
	MinResolutionPixels uint32
	MaxResolutionPixels uint32
	RequiredHDCPVersion int32
}

// OutputProtection carries the default HDCP floor for a key.
type OutputProtection struct {
	HDCP int32
}

// OperatorSessionKeyPermissions mirrors the four operator-session booleans.
type OperatorSessionKeyPermissions struct {
	AllowEncrypt bool
	AllowDecrypt bool
	AllowSign    bool
	AllowSignatureVerify bool
}

// KeyContainer is one entry of License.Key.
type KeyContainer struct {
	ID                []byte
	IV                []byte
	Key               []byte // padded; caller strips PKCS#5
	Type              KeyType
	SecurityClass     int32 // maps to keys.SecurityClass
	OutputProtection  OutputProtection
	VideoResolutionConstraints []VideoResolutionConstraint
	OperatorSessionKeyPermissions OperatorSessionKeyPermissions
	TrackLabel        string
}

func (k *KeyContainer) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, k.ID)
	buf = appendBytesField(buf, 2, k.IV)
	buf = appendBytesField(buf, 3, k.Key)
	buf = appendVarintField(buf, 4, uint64(k.Type))
	buf = appendVarintField(buf, 5, uint64(k.SecurityClass))
	{
		var op []byte
		op = appendVarintField(op, 1, uint64(k.OutputProtection.HDCP))
		buf = appendSubmessageField(buf, 6, op, k.OutputProtection.HDCP != 0)
	}
	for _, c := range k.VideoResolutionConstraints {
		var cb []byte
		cb = appendVarintField(cb, 1, uint64(c.MinResolutionPixels))
		cb = appendVarintField(cb, 2, uint64(c.MaxResolutionPixels))
		cb = appendVarintField(cb, 3, uint64(c.RequiredHDCPVersion))
		buf = appendSubmessageField(buf, 7, cb, true)
	}
	{
		var op []byte
		op = appendBoolField(op, 1, k.OperatorSessionKeyPermissions.AllowEncrypt)
		op = appendBoolField(op, 2, k.OperatorSessionKeyPermissions.AllowDecrypt)
		op = appendBoolField(op, 3, k.OperatorSessionKeyPermissions.AllowSign)
		op = appendBoolField(op, 4, k.OperatorSessionKeyPermissions.AllowSignatureVerify)
		buf = appendSubmessageField(buf, 8, op, k.Type == KeyTypeOperatorSession)
	}
	buf = appendStringField(buf, 9, k.TrackLabel)
	return buf
}

func (k *KeyContainer) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*k = KeyContainer{}
	for _, f := range fields {
		switch f.num {
		case 1:
			k.ID = append([]byte(nil), f.buf...)
		case 2:
			k.IV = append([]byte(nil), f.buf...)
		case 3:
			k.Key = append([]byte(nil), f.buf...)
		case 4:
			k.Type = KeyType(f.u64)
		case 5:
			k.SecurityClass = int32(f.u64)
		case 6:
			sub, err := rawFields(f.buf)
			if err != nil {
				return err
			}
			for _, s := range sub {
				if s.num == 1 {
					k.OutputProtection.HDCP = int32(s.u64)
				}
			}
		case 7:
			sub, err := rawFields(f.buf)
			if err != nil {
				return err
			}
			var c VideoResolutionConstraint
			for _, s := range sub {
				switch s.num {
				case 1:
					c.MinResolutionPixels = uint32(s.u64)
				case 2:
					c.MaxResolutionPixels = uint32(s.u64)
				case 3:
					c.RequiredHDCPVersion = int32(s.u64)
				}
			}
			k.VideoResolutionConstraints = append(k.VideoResolutionConstraints, c)
		case 8:
			sub, err := rawFields(f.buf)
			if err != nil {
				return err
			}
			for _, s := range sub {
				switch s.num {
				case 1:
					k.OperatorSessionKeyPermissions.AllowEncrypt = s.u64 != 0
				case 2:
					k.OperatorSessionKeyPermissions.AllowDecrypt = s.u64 != 0
				case 3:
					k.OperatorSessionKeyPermissions.AllowSign = s.u64 != 0
				case 4:
					k.OperatorSessionKeyPermissions.AllowSignatureVerify = s.u64 != 0
				}
			}
		case 9:
			k.TrackLabel = string(f.buf)
		}
	}
	return nil
}

// License is the inner response message.
type License struct {
	ID               LicenseIdentification
	Policy           Policy
	Key              []KeyContainer
	PST              []byte
	ProtectionScheme uint32
	SRMUpdate        []byte
	ServiceVersionInfo []byte
	ProviderClientToken []byte
	LicenseStartTimeSeconds int64
}

func (l *License) Marshal() []byte {
	var buf []byte
	buf = appendSubmessageField(buf, 1, l.ID.Marshal(), true)
	buf = appendSubmessageField(buf, 2, l.Policy.Marshal(), true)
	for i := range l.Key {
		buf = appendSubmessageField(buf, 3, l.Key[i].Marshal(), true)
	}
	buf = appendBytesField(buf, 4, l.PST)
	buf = appendVarintField(buf, 5, uint64(l.ProtectionScheme))
	buf = appendBytesField(buf, 6, l.SRMUpdate)
	buf = appendBytesField(buf, 7, l.ServiceVersionInfo)
	buf = appendBytesField(buf, 8, l.ProviderClientToken)
	buf = appendVarintField(buf, 9, uint64(l.LicenseStartTimeSeconds))
	return buf
}

func (l *License) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*l = License{}
	for _, f := range fields {
		switch f.num {
		case 1:
			if err := l.ID.Unmarshal(f.buf); err != nil {
				return err
			}
		case 2:
			if err := l.Policy.Unmarshal(f.buf); err != nil {
				return err
			}
		case 3:
			var kc KeyContainer
			if err := kc.Unmarshal(f.buf); err != nil {
				return err
			}
			l.Key = append(l.Key, kc)
		case 4:
			l.PST = append([]byte(nil), f.buf...)
		case 5:
			l.ProtectionScheme = uint32(f.u64)
		case 6:
			l.SRMUpdate = append([]byte(nil), f.buf...)
		case 7:
			l.ServiceVersionInfo = append([]byte(nil), f.buf...)
		case 8:
			l.ProviderClientToken = append([]byte(nil), f.buf...)
		case 9:
			l.LicenseStartTimeSeconds = int64(f.u64)
		}
	}
	return nil
}

// WidevinePsshDataEntitledKey is one entitled-key record carried in init
// data for key rotation.
type WidevinePsshDataEntitledKey struct {
	EntitlementKeyID []byte
	KeyID            []byte
	Key              []byte
	IV               []byte
}

func (e *WidevinePsshDataEntitledKey) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, e.EntitlementKeyID)
	buf = appendBytesField(buf, 2, e.KeyID)
	buf = appendBytesField(buf, 3, e.Key)
	buf = appendBytesField(buf, 4, e.IV)
	return buf
}

func (e *WidevinePsshDataEntitledKey) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*e = WidevinePsshDataEntitledKey{}
	for _, f := range fields {
		switch f.num {
		case 1:
			e.EntitlementKeyID = append([]byte(nil), f.buf...)
		case 2:
			e.KeyID = append([]byte(nil), f.buf...)
		case 3:
			e.Key = append([]byte(nil), f.buf...)
		case 4:
			e.IV = append([]byte(nil), f.buf...)
		}
	}
	return nil
}

// WidevinePsshData is the payload of a "widevine" (system id
// edef8ba979d64acea3c827dcd51d21ed) pssh box.
type WidevinePsshData struct {
	KeyIDs       [][]byte
	ContentID    []byte
	Type         int32
	EntitledKeys []WidevinePsshDataEntitledKey
}

func (p *WidevinePsshData) Marshal() []byte {
	var buf []byte
	for _, id := range p.KeyIDs {
		buf = appendBytesField(buf, 1, id)
	}
	buf = appendBytesField(buf, 2, p.ContentID)
	buf = appendVarintField(buf, 3, uint64(p.Type))
	for i := range p.EntitledKeys {
		buf = appendSubmessageField(buf, 4, p.EntitledKeys[i].Marshal(), true)
	}
	return buf
}

func (p *WidevinePsshData) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*p = WidevinePsshData{}
	for _, f := range fields {
		switch f.num {
		case 1:
			p.KeyIDs = append(p.KeyIDs, append([]byte(nil), f.buf...))
		case 2:
			p.ContentID = append([]byte(nil), f.buf...)
		case 3:
			p.Type = int32(f.u64)
		case 4:
			var ek WidevinePsshDataEntitledKey
			if err := ek.Unmarshal(f.buf); err != nil {
				return err
			}
			p.EntitledKeys = append(p.EntitledKeys, ek)
		}
	}
	return nil
}

// ContainsEntitledKeys reports whether this pssh payload carries entitled-
// key metadata, used to prefer entitlement-aware pssh boxes.
func (p *WidevinePsshData) ContainsEntitledKeys() bool {
	return len(p.EntitledKeys) > 0
}

// ProvisioningOptions.
type CertificateType int32

const (
	CertificateTypeWidevine CertificateType = iota + 1
	CertificateTypeX509
)

type ProvisioningOptions struct {
	CertificateType      CertificateType
	CertificateAuthority string
}

// ProvisioningRequest is built by get_provisioning_request. Exactly one of
// ClientID or EncryptedClientID is set, depending on whether the request
// travels with its client identity wrapped under the service certificate.
type ProvisioningRequest struct {
	ClientID          *ClientIdentification
	EncryptedClientID *EncryptedClientIdentification
	Nonce             uint32
	Options           ProvisioningOptions
	SPOID             string
}

func (r *ProvisioningRequest) Marshal() []byte {
	var buf []byte
	if r.ClientID != nil {
		buf = appendSubmessageField(buf, 1, r.ClientID.Marshal(), true)
	}
	buf = appendVarintField(buf, 2, uint64(r.Nonce))
	{
		var ob []byte
		ob = appendVarintField(ob, 1, uint64(r.Options.CertificateType))
		ob = appendStringField(ob, 2, r.Options.CertificateAuthority)
		buf = appendSubmessageField(buf, 3, ob, true)
	}
	buf = appendStringField(buf, 4, r.SPOID)
	if r.EncryptedClientID != nil {
		buf = appendSubmessageField(buf, 5, r.EncryptedClientID.Marshal(), true)
	}
	return buf
}

func (r *ProvisioningRequest) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*r = ProvisioningRequest{}
	for _, f := range fields {
		switch f.num {
		case 1:
			r.ClientID = &ClientIdentification{}
			if err := r.ClientID.Unmarshal(f.buf); err != nil {
				return err
			}
		case 2:
			r.Nonce = uint32(f.u64)
		case 3:
			sub, err := rawFields(f.buf)
			if err != nil {
				return err
			}
			for _, s := range sub {
				switch s.num {
				case 1:
					r.Options.CertificateType = CertificateType(s.u64)
				case 2:
					r.Options.CertificateAuthority = string(s.buf)
				}
			}
		case 4:
			r.SPOID = string(f.buf)
		case 5:
			r.EncryptedClientID = &EncryptedClientIdentification{}
			if err := r.EncryptedClientID.Unmarshal(f.buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// ProvisioningResponse is parsed out of the server's reply.
type ProvisioningResponse struct {
	DeviceCertificate  []byte
	Nonce              uint32
	EncryptedPrivateKey []byte
	EncryptedPrivateKeyIV []byte
	WrappingKey        []byte
}

func (r *ProvisioningResponse) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, r.DeviceCertificate)
	buf = appendVarintField(buf, 2, uint64(r.Nonce))
	buf = appendBytesField(buf, 3, r.EncryptedPrivateKey)
	buf = appendBytesField(buf, 4, r.EncryptedPrivateKeyIV)
	buf = appendBytesField(buf, 5, r.WrappingKey)
	return buf
}

func (r *ProvisioningResponse) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*r = ProvisioningResponse{}
	for _, f := range fields {
		switch f.num {
		case 1:
			r.DeviceCertificate = append([]byte(nil), f.buf...)
		case 2:
			r.Nonce = uint32(f.u64)
		case 3:
			r.EncryptedPrivateKey = append([]byte(nil), f.buf...)
		case 4:
			r.EncryptedPrivateKeyIV = append([]byte(nil), f.buf...)
		case 5:
			r.WrappingKey = append([]byte(nil), f.buf...)
		}
	}
	return nil
}

// ProvisioningProtocolVersion selects the signing key used for the outer
// SignedProvisioningMessage: V2 for keybox-backed devices, V3 for OEM-cert
// backed devices.
type ProvisioningProtocolVersion int32

const (
	ProvisioningProtocolV2 ProvisioningProtocolVersion = 2
	ProvisioningProtocolV3 ProvisioningProtocolVersion = 3
)

// SignedProvisioningMessage wraps a ProvisioningRequest/Response with an
// envelope signature.
type SignedProvisioningMessage struct {
	Message         []byte
	Signature       []byte
	ProtocolVersion ProvisioningProtocolVersion
}

func (s *SignedProvisioningMessage) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, s.Message)
	buf = appendBytesField(buf, 2, s.Signature)
	buf = appendVarintField(buf, 3, uint64(s.ProtocolVersion))
	return buf
}

func (s *SignedProvisioningMessage) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*s = SignedProvisioningMessage{}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Message = append([]byte(nil), f.buf...)
		case 2:
			s.Signature = append([]byte(nil), f.buf...)
		case 3:
			s.ProtocolVersion = ProvisioningProtocolVersion(f.u64)
		}
	}
	return nil
}

// WidevineSystemID is the SystemID of a CENC pssh box carrying Widevine
// payloads.
var WidevineSystemID = [16]byte{
	0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce,
	0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed,
}

// DrmCertificateType distinguishes a root/intermediate signing cert from a
// leaf service certificate.
type DrmCertificateType int32

const (
	DrmCertificateTypeRoot DrmCertificateType = iota
	DrmCertificateTypeIntermediate
	DrmCertificateTypeUserDevice
	DrmCertificateTypeServiceAccount
)

// DrmCertificate is the inner message of a SignedDrmCertificate: the
// provider's identity and RSA public key used for privacy-mode client-id
// encryption and provisioning default-certificate selection.
type DrmCertificate struct {
	Type                DrmCertificateType
	SerialNumber        []byte
	CreationTimeSeconds int64
	PublicKey           []byte // DER-encoded PKCS#1 RSAPublicKey
	ProviderID          string
}

func (c *DrmCertificate) Marshal() []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(c.Type))
	buf = appendBytesField(buf, 2, c.SerialNumber)
	buf = appendVarintField(buf, 3, uint64(c.CreationTimeSeconds))
	buf = appendBytesField(buf, 4, c.PublicKey)
	buf = appendStringField(buf, 5, c.ProviderID)
	return buf
}

func (c *DrmCertificate) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*c = DrmCertificate{}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.Type = DrmCertificateType(f.u64)
		case 2:
			c.SerialNumber = append([]byte(nil), f.buf...)
		case 3:
			c.CreationTimeSeconds = int64(f.u64)
		case 4:
			c.PublicKey = append([]byte(nil), f.buf...)
		case 5:
			c.ProviderID = string(f.buf)
		}
	}
	return nil
}

// SignedDrmCertificate wraps a DrmCertificate with the issuing authority's
// signature.
type SignedDrmCertificate struct {
	Message   []byte
	Signature []byte
}

func (s *SignedDrmCertificate) Marshal() []byte {
	var buf []byte
	buf = appendBytesField(buf, 1, s.Message)
	buf = appendBytesField(buf, 2, s.Signature)
	return buf
}

func (s *SignedDrmCertificate) Unmarshal(data []byte) error {
	fields, err := rawFields(data)
	if err != nil {
		return err
	}
	*s = SignedDrmCertificate{}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Message = append([]byte(nil), f.buf...)
		case 2:
			s.Signature = append([]byte(nil), f.buf...)
		}
	}
	return nil
}
