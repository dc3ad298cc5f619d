package license

import (
	domkeys "tungo/domain/keys"
	domlicense "tungo/domain/license"
	"tungo/domain/wvproto"
)

// stripPKCS5 removes a PKCS#5/PKCS#7 pad from the tail of b, as applied to
// every symmetric key and MAC key pair carried in a KeyContainer.
func stripPKCS5(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	pad := int(b[len(b)-1])
	if pad <= 0 || pad > 16 || pad > len(b) {
		return b
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return b
		}
	}
	return b[:len(b)-pad]
}

func convertConstraints(kc wvproto.KeyContainer) domkeys.Constraints {
	c := domkeys.Constraints{DefaultHDCP: domkeys.HDCPLevel(kc.OutputProtection.HDCP)}
	for _, band := range kc.VideoResolutionConstraints {
		c.Bands = append(c.Bands, domkeys.ResolutionBand{
			MinPixels:    band.MinResolutionPixels,
			MaxPixels:    band.MaxResolutionPixels,
			RequiredHDCP: domkeys.HDCPLevel(band.RequiredHDCPVersion),
		})
	}
	return c
}

func convertOperatorPermissions(kc wvproto.KeyContainer) domkeys.OperatorSessionPermissions {
	return domkeys.OperatorSessionPermissions{
		Encrypt: kc.OperatorSessionKeyPermissions.AllowEncrypt,
		Decrypt: kc.OperatorSessionKeyPermissions.AllowDecrypt,
		Sign:    kc.OperatorSessionKeyPermissions.AllowSign,
		Verify:  kc.OperatorSessionKeyPermissions.AllowSignatureVerify,
	}
}

// splitKeys separates a License's KeyContainer list into content/entitlement/
// operator-session keys and the signing (MAC) key pair, which travels in its
// own KeyTypeSigning container rather than the Keys slice. Entitlement keys
// win outright: a response that carries any entitlement key yields only its
// entitlement keys, and content/operator-session containers in the same
// response are discarded.
func splitKeys(containers []wvproto.KeyContainer) (ks []domkeys.Key, macKeyServer, macKeyClient []byte) {
	for _, kc := range containers {
		switch kc.Type {
		case wvproto.KeyTypeSigning:
			material := stripPKCS5(kc.Key)
			half := len(material) / 2
			macKeyServer = append([]byte(nil), material[:half]...)
			macKeyClient = append([]byte(nil), material[half:]...)
		case wvproto.KeyTypeKeyControl:
			// Key-control keys gate renewal nonces at the server; nothing to
			// extract into the session's key table.
			continue
		default:
			k := domkeys.Key{
				ID:          kc.ID,
				Material:    stripPKCS5(kc.Key),
				Constraints: convertConstraints(kc),
			}
			switch kc.Type {
			case wvproto.KeyTypeEntitlement:
				k.Kind = domkeys.KindEntitlement
			case wvproto.KeyTypeOperatorSession:
				k.Kind = domkeys.KindOperatorSession
				k.OperatorUsage = convertOperatorPermissions(kc)
			default:
				k.Kind = domkeys.KindContent
				k.Usage = domkeys.AllowedUsage{
					DecryptToSecureBuffer: true,
					DecryptToClearBuffer:  kc.SecurityClass == int32(domkeys.SecurityClassUnset),
					SecurityClass:         domkeys.SecurityClass(kc.SecurityClass),
				}
			}
			ks = append(ks, k)
		}
	}

	hasEntitlement := false
	for _, k := range ks {
		if k.Kind == domkeys.KindEntitlement {
			hasEntitlement = true
			break
		}
	}
	if hasEntitlement {
		entitled := ks[:0]
		for _, k := range ks {
			if k.Kind == domkeys.KindEntitlement {
				entitled = append(entitled, k)
			}
		}
		ks = entitled
	}
	return ks, macKeyServer, macKeyClient
}

// loadKeyType reports whether a post-splitKeys key set loads as entitlement
// or content keys.
func loadKeyType(ks []domkeys.Key) domkeys.Kind {
	for _, k := range ks {
		if k.Kind == domkeys.KindEntitlement {
			return domkeys.KindEntitlement
		}
	}
	return domkeys.KindContent
}

func convertPolicy(p wvproto.Policy) domlicense.Policy {
	return domlicense.Policy{
		CanPlay:                        p.CanPlay,
		CanPersist:                     p.CanPersist,
		CanRenew:                       p.CanRenew,
		LicenseDurationSeconds:         p.LicenseDurationSeconds,
		RentalDurationSeconds:          p.RentalDurationSeconds,
		PlaybackDurationSeconds:        p.PlaybackDurationSeconds,
		RenewalRecoveryDurationSeconds: p.RenewalRecoveryDurationSeconds,
		RenewalServerURL:               p.RenewalServerURL,
		RenewalDelaySeconds:            p.RenewalDelaySeconds,
		RenewalRetryIntervalSeconds:    p.RenewalRetryIntervalSeconds,
		SoftEnforcePlaybackDuration:    p.SoftEnforcePlaybackDuration,
		SoftEnforceRentalDuration:      p.SoftEnforceRentalDuration,
		PlayStartGracePeriodSeconds:    p.PlayStartGracePeriodSeconds,
		AlwaysIncludeClientID:          p.AlwaysIncludeClientID,
	}
}

func convertIdentification(id wvproto.LicenseIdentification) domlicense.Identification {
	idType := domlicense.IDTypeStreaming
	if id.Type == 1 {
		idType = domlicense.IDTypeOffline
	}
	return domlicense.Identification{
		RequestID:  id.RequestID,
		SessionID:  id.SessionID,
		PurchaseID: id.PurchaseID,
		Type:       idType,
		Version:    id.Version,
	}
}
