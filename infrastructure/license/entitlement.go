package license

import (
	"context"

	"tungo/application"
	domkeys "tungo/domain/keys"
	"tungo/domain/wvproto"
)

// HandleEmbeddedKeyData loads a key-rotation event's entitled-key records,
// carried in the init data of a later pssh box, into sess. It returns the converted records so the
// caller's key-status tracker can refresh its content-key-id ->
// entitlement-key-id mapping (policy.KeyTracker.SetEntitledKeys).
func HandleEmbeddedKeyData(ctx context.Context, sess application.TCESession, pssh *wvproto.WidevinePsshData) ([]domkeys.EntitledKey, error) {
	if !pssh.ContainsEntitledKeys() {
		return nil, nil
	}
	entitled := make([]domkeys.EntitledKey, 0, len(pssh.EntitledKeys))
	for _, ek := range pssh.EntitledKeys {
		payload, err := entitledKeyPayload(ek.Key)
		if err != nil {
			return nil, err
		}
		entitled = append(entitled, domkeys.EntitledKey{
			EntitlementKeyID: ek.EntitlementKeyID,
			KeyID:            ek.KeyID,
			EncryptedKey:     payload,
			IV:               ek.IV,
		})
	}
	if err := sess.LoadEntitledContentKeys(ctx, entitled); err != nil {
		return nil, err
	}
	return entitled, nil
}

// entitledKeyPayload rejects an entitled content key whose raw (still
// PKCS#5-padded) payload is shorter than domkeys.ContentKeySize, and
// truncates a longer payload to exactly that length, the extra bytes being
// padding.
func entitledKeyPayload(raw []byte) ([]byte, error) {
	if len(raw) < domkeys.ContentKeySize {
		return nil, ErrKeySizeError
	}
	if len(raw) > domkeys.ContentKeySize {
		return append([]byte(nil), raw[:domkeys.ContentKeySize]...), nil
	}
	return append([]byte(nil), raw...), nil
}
