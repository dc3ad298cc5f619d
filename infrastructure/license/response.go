package license

import (
	"context"

	"tungo/application"
	domlicense "tungo/domain/license"
	"tungo/domain/wvproto"
)

// parseServerError turns a SignedMessage of type ErrorResponse into a
// sentinel error.
func parseServerError(msg []byte) error {
	var er wvproto.ErrorResponse
	if err := er.Unmarshal(msg); err != nil {
		return ErrServerError
	}
	switch er.Code {
	case wvproto.ErrorCodeInvalidDRMDeviceCertificate:
		return ErrInvalidDeviceCertificate
	case wvproto.ErrorCodeRevokedDRMDeviceCertificate:
		return ErrRevokedDeviceCertificate
	default:
		return ErrServerError
	}
}

// HandleKeyResponse parses a signed license response, re-derives the
// session keys against the original request message, loads the license's
// keys into sess, and returns the parsed license.
func HandleKeyResponse(ctx context.Context, sess application.TCESession, req *Request, respBytes []byte) (*domlicense.License, error) {
	var signed wvproto.SignedMessage
	if err := signed.Unmarshal(respBytes); err != nil {
		return nil, ErrMalformedMessage
	}
	switch signed.Type {
	case wvproto.MessageTypeErrorResponse:
		return nil, parseServerError(signed.Msg)
	case wvproto.MessageTypeLicense:
	default:
		return nil, ErrUnexpectedMessageType
	}

	if err := sess.GenerateDerivedKeys(ctx, req.Message, signed.SessionKey); err != nil {
		return nil, err
	}

	var wl wvproto.License
	if err := wl.Unmarshal(signed.Msg); err != nil {
		return nil, ErrMalformedMessage
	}

	ks, macServer, macClient := splitKeys(wl.Key)

	if err := sess.LoadKeys(ctx, application.LoadKeysParams{
		Message:     signed.Msg,
		Signature:   signed.Signature,
		MACKeys:     append(append([]byte(nil), macServer...), macClient...),
		Keys:        ks,
		PST:         string(wl.PST),
		SRMRequired: len(wl.SRMUpdate) > 0,
		KeyType:     loadKeyType(ks),
	}); err != nil {
		return nil, err
	}

	lic := &domlicense.License{
		ID:                  convertIdentification(wl.ID),
		Policy:              convertPolicy(wl.Policy),
		Keys:                ks,
		PST:                 string(wl.PST),
		RenewalServerURL:    wl.Policy.RenewalServerURL,
		ProtectionScheme:    domlicense.ProtectionScheme(wl.ProtectionScheme),
		HasProtectionScheme: wl.ProtectionScheme != 0,
		SRMUpdate:           wl.SRMUpdate,
		ProviderClientToken: wl.ProviderClientToken,
		LicenseStartTime:    wl.LicenseStartTimeSeconds,
		MACKeyServer:        macServer,
		MACKeyClient:        macClient,
	}
	return lic, nil
}

// HandleKeyUpdateResponse parses a renewal's signed LicenseResponse and
// refreshes sess's already-loaded keys in place rather than replacing the
// whole key set rather than replacing it, for RequestTypeRenewal.
func HandleKeyUpdateResponse(ctx context.Context, sess application.TCESession, req *Request, respBytes []byte, nonce uint32) (*domlicense.License, error) {
	var signed wvproto.SignedMessage
	if err := signed.Unmarshal(respBytes); err != nil {
		return nil, ErrMalformedMessage
	}
	switch signed.Type {
	case wvproto.MessageTypeErrorResponse:
		return nil, parseServerError(signed.Msg)
	case wvproto.MessageTypeLicense:
	default:
		return nil, ErrUnexpectedMessageType
	}

	var wl wvproto.License
	if err := wl.Unmarshal(signed.Msg); err != nil {
		return nil, ErrMalformedMessage
	}
	ks, macServer, macClient := splitKeys(wl.Key)

	if err := sess.RefreshKeys(ctx, signed.Msg, signed.Signature, nonce, ks); err != nil {
		return nil, err
	}

	return &domlicense.License{
		ID:                  convertIdentification(wl.ID),
		Policy:              convertPolicy(wl.Policy),
		Keys:                ks,
		PST:                 string(wl.PST),
		RenewalServerURL:    wl.Policy.RenewalServerURL,
		ProtectionScheme:    domlicense.ProtectionScheme(wl.ProtectionScheme),
		HasProtectionScheme: wl.ProtectionScheme != 0,
		SRMUpdate:           wl.SRMUpdate,
		ProviderClientToken: wl.ProviderClientToken,
		LicenseStartTime:    wl.LicenseStartTimeSeconds,
		MACKeyServer:        macServer,
		MACKeyClient:        macClient,
	}, nil
}
