// Package license implements the license-request/response protocol steps:
// building and signing requests, parsing and verifying responses (initial,
// renewal, release), entitled-key rotation, and offline-license
// persistence, on top of the wire codec in domain/wvproto and the TCE
// boundary in application.TCESession.
package license

import (
	"context"
	"time"

	"tungo/application"
	"tungo/domain/wvproto"
)

// Request is a signed LicenseRequest together with the raw inner message
// bytes, which must be kept around and handed back into HandleKeyResponse /
// HandleKeyUpdateResponse so the session key can be re-derived against the
// exact bytes that were signed.
type Request struct {
	Signed  *wvproto.SignedMessage
	Message []byte
}

// PrepareKeyRequest builds and signs a new or renewal LicenseRequest.
// Exactly one of clientID or
// encryptedClientID should be set, depending on whether the session is
// running in privacy mode.
func PrepareKeyRequest(ctx context.Context, sess application.TCESession, clientID *wvproto.ClientIdentification, encryptedClientID *wvproto.EncryptedClientIdentification, contentID []byte, reqType wvproto.RequestType, now time.Time) (*Request, error) {
	nonce, err := sess.GenerateNonce(ctx)
	if err != nil {
		return nil, err
	}
	req := &wvproto.LicenseRequest{
		ClientID:             clientID,
		EncryptedClientID:    encryptedClientID,
		ContentID:            contentID,
		Type:                 reqType,
		RequestTimeSeconds:   now.Unix(),
		KeyControlNonce:      nonce,
		ProtocolVersionMajor: 2,
		ProtocolVersionMinor: 1,
	}
	msg := req.Marshal()

	var sig []byte
	if reqType == wvproto.RequestTypeRenewal {
		sig, err = sess.PrepareRenewalRequest(ctx, msg)
	} else {
		sig, err = sess.PrepareRequest(ctx, msg, false)
	}
	if err != nil {
		return nil, err
	}

	return &Request{
		Signed: &wvproto.SignedMessage{
			Type:      wvproto.MessageTypeLicenseRequest,
			Msg:       msg,
			Signature: sig,
		},
		Message: msg,
	}, nil
}
