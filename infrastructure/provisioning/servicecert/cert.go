package servicecert

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"

	"tungo/domain/wvproto"
)

// Certificate holds a parsed and verified service certificate, ready to
// sign requests against or encrypt client identifications for.
type Certificate struct {
	provider  string
	serial    []byte
	pubKey    *rsa.PublicKey
	certType  wvproto.DrmCertificateType
}

// New returns an uninitialized Certificate. Call Init before use.
func New() *Certificate {
	return &Certificate{}
}

// Init parses a serialized SignedDrmCertificate and verifies its signature
// against the root authority's public key. Intermediate and leaf
// certificates are both accepted; the trust chain is one level deep, so
// every certificate is verified directly against the root key rather than
// walking a chain.
func (c *Certificate) Init(signed []byte) error {
	if len(signed) == 0 {
		return ErrSignatureMissing
	}
	var sc wvproto.SignedDrmCertificate
	if err := sc.Unmarshal(signed); err != nil {
		return ErrParse
	}
	if len(sc.Message) == 0 || len(sc.Signature) == 0 {
		return ErrSignatureMissing
	}
	if err := verifyPSS(rootPublicKey(), sc.Message, sc.Signature); err != nil {
		return ErrSignatureMismatch
	}
	var dc wvproto.DrmCertificate
	if err := dc.Unmarshal(sc.Message); err != nil {
		return ErrParse
	}
	pub, err := x509.ParsePKCS1PublicKey(dc.PublicKey)
	if err != nil {
		return ErrParse
	}
	c.provider = dc.ProviderID
	c.serial = dc.SerialNumber
	c.pubKey = pub
	c.certType = dc.Type
	return nil
}

// HasCertificate reports whether Init has successfully loaded a
// certificate.
func (c *Certificate) HasCertificate() bool {
	return c.pubKey != nil
}

// ProviderID returns the loaded certificate's provider identifier.
func (c *Certificate) ProviderID() (string, error) {
	if !c.HasCertificate() {
		return "", ErrNotInitialized
	}
	return c.provider, nil
}

// SerialNumber returns the loaded certificate's serial number.
func (c *Certificate) SerialNumber() ([]byte, error) {
	if !c.HasCertificate() {
		return nil, ErrNotInitialized
	}
	return c.serial, nil
}

// Type returns the loaded certificate's DrmCertificateType.
func (c *Certificate) Type() (wvproto.DrmCertificateType, error) {
	if !c.HasCertificate() {
		return 0, ErrNotInitialized
	}
	return c.certType, nil
}

// VerifySignedMessage verifies an RSA-PSS (SHA-1, salt 20) signature over
// message using this certificate's public key, used to authenticate
// messages signed by the service's private key.
func (c *Certificate) VerifySignedMessage(message, signature []byte) error {
	if !c.HasCertificate() {
		return ErrNotInitialized
	}
	if len(message) == 0 || len(signature) == 0 {
		return ErrSignatureMissing
	}
	if err := verifyPSS(c.pubKey, message, signature); err != nil {
		return ErrSignatureMismatch
	}
	return nil
}

// EncryptClientID wraps clientID plaintext with RSA-OAEP (SHA-1, MGF1-SHA1)
// under this certificate's public key.
func (c *Certificate) EncryptClientID(clientID []byte) ([]byte, error) {
	if !c.HasCertificate() {
		return nil, ErrNotInitialized
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, c.pubKey, clientID, nil)
}

// EncryptClientIdentification performs the full privacy-mode hybrid wrap:
// a fresh AES-128 key CBC-encrypts the serialized client id (PKCS#7
// padded), the AES key is RSA-OAEP-wrapped under this certificate's public
// key, and the result carries the certificate serial so the server can
// pick the matching private key.
func (c *Certificate) EncryptClientIdentification(clientID []byte) (*wvproto.EncryptedClientIdentification, error) {
	if !c.HasCertificate() {
		return nil, ErrNotInitialized
	}
	aesKey := make([]byte, 16)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	pad := aes.BlockSize - len(clientID)%aes.BlockSize
	plaintext := make([]byte, len(clientID)+pad)
	copy(plaintext, clientID)
	for i := len(clientID); i < len(plaintext); i++ {
		plaintext[i] = byte(pad)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	wrappedKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, c.pubKey, aesKey, nil)
	if err != nil {
		return nil, err
	}
	return &wvproto.EncryptedClientIdentification{
		ServiceID:                c.provider,
		ServiceCertificateSerial: c.serial,
		EncryptedClientID:        ciphertext,
		EncryptedClientIDIV:      iv,
		EncryptedPrivacyKey:      wrappedKey,
	}, nil
}
