package provisioning

import (
	"context"
	"testing"

	"tungo/domain/keys"
	"tungo/domain/wvproto"
	"tungo/infrastructure/provisioning/servicecert"
	"tungo/infrastructure/tce"
)

func openSession(t *testing.T) (context.Context, *tce.Session) {
	t.Helper()
	ctx := context.Background()
	bus := tce.New()
	raw, err := bus.OpenSession(ctx, keys.SecurityLevelL1)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { raw.Close(ctx) })
	return ctx, raw.(*tce.Session)
}

func TestBuildAndHandleProvisioningRoundTrip(t *testing.T) {
	ctx, sess := openSession(t)

	cert, err := servicecert.DefaultCertificate()
	if err != nil {
		t.Fatalf("DefaultCertificate: %v", err)
	}

	clientID := &wvproto.ClientIdentification{Type: 1, Token: []byte("device-token")}
	req, err := BuildRequest(ctx, sess, clientID, cert, Options{SPOID: "spoid-1"}, wvproto.ProvisioningProtocolV3)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.Nonce == 0 {
		t.Fatal("expected a non-zero nonce")
	}

	var parsed wvproto.ProvisioningRequest
	if err := parsed.Unmarshal(req.Signed.Message); err != nil {
		t.Fatalf("Unmarshal built request: %v", err)
	}
	if parsed.Nonce != req.Nonce {
		t.Fatalf("request nonce mismatch: %d != %d", parsed.Nonce, req.Nonce)
	}
	if parsed.SPOID != "spoid-1" {
		t.Fatalf("unexpected spoid: %q", parsed.SPOID)
	}
	if parsed.EncryptedClientID == nil {
		t.Fatal("expected the client identity to travel encrypted under the service certificate")
	}
	if parsed.ClientID != nil {
		t.Fatal("expected no clear client identity alongside the encrypted one")
	}

	deviceCert, err := servicecert.DefaultSignedCertificate()
	if err != nil {
		t.Fatalf("DefaultSignedCertificate: %v", err)
	}
	respMsg := (&wvproto.ProvisioningResponse{
		DeviceCertificate:     deviceCert,
		Nonce:                 req.Nonce,
		EncryptedPrivateKey:   []byte("wrapped-private-key"),
		EncryptedPrivateKeyIV: []byte("iv-bytes-0000000"),
		WrappingKey:           []byte("wrapping-key-bytes"),
	}).Marshal()
	sig, err := servicecert.SignWithRootAuthority(respMsg)
	if err != nil {
		t.Fatalf("SignWithRootAuthority: %v", err)
	}
	respBytes := (&wvproto.SignedProvisioningMessage{
		Message:         respMsg,
		Signature:       sig,
		ProtocolVersion: wvproto.ProvisioningProtocolV3,
	}).Marshal()

	result, err := HandleResponse(ctx, sess, cert, respBytes, req.Nonce, true)
	if err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if len(result.WrappedPrivateKey) == 0 {
		t.Fatal("expected a rewrapped private key")
	}
	if !result.Certificate.HasCertificate() {
		t.Fatal("expected the parsed device certificate to be loaded")
	}
}

func TestHandleResponseRejectsUnsignedWhenSignatureRequired(t *testing.T) {
	ctx, sess := openSession(t)

	cert, err := servicecert.DefaultCertificate()
	if err != nil {
		t.Fatalf("DefaultCertificate: %v", err)
	}
	respMsg := (&wvproto.ProvisioningResponse{
		DeviceCertificate: []byte("cert"),
		Nonce:             9,
	}).Marshal()
	respBytes := (&wvproto.SignedProvisioningMessage{Message: respMsg}).Marshal()

	if _, err := HandleResponse(ctx, sess, cert, respBytes, 9, true); err != ErrSignatureMissing {
		t.Fatalf("expected ErrSignatureMissing, got %v", err)
	}
}

func TestHandleResponseRejectsNonceMismatch(t *testing.T) {
	ctx, sess := openSession(t)

	respMsg := (&wvproto.ProvisioningResponse{
		DeviceCertificate: []byte("cert"),
		Nonce:             42,
	}).Marshal()
	respBytes := (&wvproto.SignedProvisioningMessage{Message: respMsg}).Marshal()

	if _, err := HandleResponse(ctx, sess, nil, respBytes, 7, false); err != ErrNonceMismatch {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestHandleResponseRejectsEmptyCertificate(t *testing.T) {
	ctx, sess := openSession(t)

	respMsg := (&wvproto.ProvisioningResponse{Nonce: 5}).Marshal()
	respBytes := (&wvproto.SignedProvisioningMessage{Message: respMsg}).Marshal()

	if _, err := HandleResponse(ctx, sess, nil, respBytes, 5, false); err != ErrMissingCertificate {
		t.Fatalf("expected ErrMissingCertificate, got %v", err)
	}
}

func TestStoredCertificateRoundTrip(t *testing.T) {
	blob, err := EncodeStoredCertificate(StoredCertificate{
		Certificate:       []byte("cert-bytes"),
		WrappedPrivateKey: []byte("wrapped-key"),
	})
	if err != nil {
		t.Fatalf("EncodeStoredCertificate: %v", err)
	}
	sc, err := DecodeStoredCertificate(blob)
	if err != nil {
		t.Fatalf("DecodeStoredCertificate: %v", err)
	}
	if string(sc.Certificate) != "cert-bytes" || string(sc.WrappedPrivateKey) != "wrapped-key" {
		t.Fatalf("round trip mismatch: %+v", sc)
	}
	if _, err := DecodeStoredCertificate([]byte("not-json")); err != ErrResponseMalformed {
		t.Fatalf("expected ErrResponseMalformed, got %v", err)
	}
}
