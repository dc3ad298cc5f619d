// Package provisioning implements the device-provisioning
// request/response flow: building signed provisioning requests and
// handling the server's response, through the signing and
// private-key-rewrap primitives of application.TCESession.
package provisioning

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"tungo/application"
	"tungo/domain/wvproto"
	"tungo/infrastructure/provisioning/servicecert"
)

// Options selects what kind of certificate a provisioning request asks
// for, and under which stable per-origin identifier it is to be bound.
type Options struct {
	CertificateType      wvproto.CertificateType
	CertificateAuthority string
	SPOID                string
}

// Request bundles a built, signed provisioning request with the nonce used
// to build it, so the caller can match it against the eventual response.
type Request struct {
	Signed *wvproto.SignedProvisioningMessage
	Nonce  uint32
}

// Result is what a successfully handled provisioning response yields: the
// parsed device certificate plus its raw bytes and the rewrapped private
// key, ready to persist (widevine certs) or hand back to the caller (x509).
type Result struct {
	Certificate       *servicecert.Certificate
	CertificateBytes  []byte
	WrappedPrivateKey []byte
}

// StoredCertificate is the persisted shape of a provisioned device
// identity: the signed certificate blob and the TCE-wrapped private key,
// stored together under one cert.bin record.
type StoredCertificate struct {
	Certificate       []byte
	WrappedPrivateKey []byte
}

// EncodeStoredCertificate serializes a certificate/wrapped-key pair for the
// file store.
func EncodeStoredCertificate(sc StoredCertificate) ([]byte, error) {
	return json.Marshal(sc)
}

// DecodeStoredCertificate parses a blob written by EncodeStoredCertificate.
func DecodeStoredCertificate(data []byte) (StoredCertificate, error) {
	var sc StoredCertificate
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, ErrResponseMalformed
	}
	return sc, nil
}

// BuildRequest assembles and signs a provisioning request for clientID.
// When cert is non-nil the client identity travels encrypted under the
// service certificate's public key instead of in the clear. protocol
// selects V2 (keybox) or V3 (OEM/DRM certificate) signing, per the
// device's provisioning method.
func BuildRequest(ctx context.Context, sess application.TCESession, clientID *wvproto.ClientIdentification, cert *servicecert.Certificate, opts Options, protocol wvproto.ProvisioningProtocolVersion) (*Request, error) {
	nonce, err := sess.GenerateNonce(ctx)
	if err != nil {
		return nil, err
	}
	certType := opts.CertificateType
	if certType == 0 {
		certType = wvproto.CertificateTypeWidevine
	}
	req := &wvproto.ProvisioningRequest{
		Nonce: nonce,
		Options: wvproto.ProvisioningOptions{
			CertificateType:      certType,
			CertificateAuthority: opts.CertificateAuthority,
		},
		SPOID: opts.SPOID,
	}
	if cert != nil && cert.HasCertificate() {
		encrypted, err := cert.EncryptClientIdentification(clientID.Marshal())
		if err != nil {
			return nil, err
		}
		req.EncryptedClientID = encrypted
	} else {
		req.ClientID = clientID
	}
	msg := req.Marshal()
	sig, err := sess.PrepareRequest(ctx, msg, true)
	if err != nil {
		return nil, err
	}
	return &Request{
		Signed: &wvproto.SignedProvisioningMessage{
			Message:         msg,
			Signature:       sig,
			ProtocolVersion: protocol,
		},
		Nonce: nonce,
	}, nil
}

// HandleResponse parses a serialized SignedProvisioningMessage carrying a
// ProvisioningResponse, verifies the nonce round-trips (and, for OEM-cert
// provisioned devices, the service certificate's signature over the
// envelope), loads the rewrapped device private key into sess, and returns
// the new device identity.
func HandleResponse(ctx context.Context, sess application.TCESession, cert *servicecert.Certificate, respBytes []byte, expectedNonce uint32, requireSignature bool) (*Result, error) {
	var envelope wvproto.SignedProvisioningMessage
	if err := envelope.Unmarshal(respBytes); err != nil {
		return nil, ErrResponseMalformed
	}
	if requireSignature {
		if cert == nil || !cert.HasCertificate() {
			return nil, ErrSignatureMissing
		}
		if len(envelope.Message) == 0 || len(envelope.Signature) == 0 {
			return nil, ErrSignatureMissing
		}
		if err := cert.VerifySignedMessage(envelope.Message, envelope.Signature); err != nil {
			return nil, err
		}
	}
	var resp wvproto.ProvisioningResponse
	if err := resp.Unmarshal(envelope.Message); err != nil {
		return nil, ErrResponseMalformed
	}
	if resp.Nonce != expectedNonce {
		return nil, ErrNonceMismatch
	}
	if len(resp.DeviceCertificate) == 0 {
		return nil, ErrMissingCertificate
	}

	parsed := servicecert.New()
	if err := parsed.Init(resp.DeviceCertificate); err != nil {
		return nil, err
	}

	nonceBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(nonceBytes, resp.Nonce)
	rewrapped, err := sess.RewrapCertificate(ctx, envelope.Message, envelope.Signature, nonceBytes, resp.EncryptedPrivateKey, resp.EncryptedPrivateKeyIV, resp.WrappingKey)
	if err != nil {
		return nil, err
	}
	if err := sess.LoadCertificatePrivateKey(ctx, rewrapped); err != nil {
		return nil, err
	}
	return &Result{
		Certificate:       parsed,
		CertificateBytes:  resp.DeviceCertificate,
		WrappedPrivateKey: rewrapped,
	}, nil
}
