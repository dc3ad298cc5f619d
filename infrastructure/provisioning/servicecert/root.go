// Package servicecert implements service-certificate parsing, signature
// verification (RSA-PSS, SHA-1, salt 20), and privacy-mode client-id
// encryption (RSA-OAEP/MGF1-SHA1 key wrap over AES-CBC).
//
// A production build verifies every service certificate against a root
// public key burned into the binary. This module has no such key to
// embed, so the trust root is a process-wide RSA key pair generated once
// via sync.Once and used to self-sign the default certificate.
package servicecert

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"sync"

	"tungo/domain/wvproto"
)

var (
	rootOnce sync.Once
	rootKey  *rsa.PrivateKey
)

func rootPrivateKey() *rsa.PrivateKey {
	rootOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rootKey = key
	})
	return rootKey
}

func rootPublicKey() *rsa.PublicKey {
	return &rootPrivateKey().PublicKey
}

func signPSS(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha1.Sum(message)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA1, digest[:], &rsa.PSSOptions{SaltLength: 20})
}

func verifyPSS(pub *rsa.PublicKey, message, signature []byte) error {
	digest := sha1.Sum(message)
	return rsa.VerifyPSS(pub, crypto.SHA1, digest[:], signature, &rsa.PSSOptions{SaltLength: 20})
}

// DefaultSignedCertificate returns the serialized SignedDrmCertificate of
// the built-in production service certificate stand-in, self-signed by the
// process-wide root authority. Hosts that supply no service certificate of
// their own fall back to this one; it is also the shape a provisioning
// response's DeviceCertificate field carries.
func DefaultSignedCertificate() ([]byte, error) {
	priv := rootPrivateKey()
	msg := (&wvproto.DrmCertificate{
		Type:         wvproto.DrmCertificateTypeRoot,
		SerialNumber: []byte{0x01},
		ProviderID:   "widevine_test",
		PublicKey:    x509.MarshalPKCS1PublicKey(&priv.PublicKey),
	}).Marshal()
	sig, err := signPSS(priv, msg)
	if err != nil {
		return nil, err
	}
	return (&wvproto.SignedDrmCertificate{Message: msg, Signature: sig}).Marshal(), nil
}

// DefaultCertificate returns the built-in production service certificate
// stand-in, parsed and verified.
func DefaultCertificate() (*Certificate, error) {
	signed, err := DefaultSignedCertificate()
	if err != nil {
		return nil, err
	}
	c := New()
	if err := c.Init(signed); err != nil {
		return nil, err
	}
	return c, nil
}

// SignWithRootAuthority signs message with the simulated root authority's
// private key (RSA-PSS, SHA-1, salt 20), standing in for the server side
// of provisioning-response and service-certificate signing.
func SignWithRootAuthority(message []byte) ([]byte, error) {
	return signPSS(rootPrivateKey(), message)
}
