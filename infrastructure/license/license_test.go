package license

import (
	"context"
	"testing"
	"time"

	"tungo/application"
	"tungo/domain/keys"
	domsession "tungo/domain/session"
	"tungo/domain/wvproto"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/tce"
)

func openSession(t *testing.T) (context.Context, application.TCESession) {
	t.Helper()
	ctx := context.Background()
	bus := tce.New()
	sess, err := bus.OpenSession(ctx, keys.SecurityLevelL1)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { sess.Close(ctx) })
	return ctx, sess
}

func fakeLicenseResponse(reqMsg []byte, pst string, offline bool) []byte {
	idType := int32(0)
	if offline {
		idType = 1
	}
	content := wvproto.KeyContainer{
		ID:   []byte("content-key-id-1"),
		Key:  append([]byte("0123456789abcdef"), paddingBytes(16, 16)...),
		Type: wvproto.KeyTypeContent,
	}
	signing := wvproto.KeyContainer{
		Key:  append([]byte("0123456789abcdef0123456789abcdef"), paddingBytes(16, 32)...),
		Type: wvproto.KeyTypeSigning,
	}
	lic := &wvproto.License{
		ID:     wvproto.LicenseIdentification{RequestID: []byte("req-1"), SessionID: []byte("sess-1"), Type: idType},
		Policy: wvproto.Policy{CanPlay: true, LicenseDurationSeconds: 3600},
		Key:    []wvproto.KeyContainer{content, signing},
		PST:    []byte(pst),
	}
	msg := lic.Marshal()
	signed := &wvproto.SignedMessage{
		Type: wvproto.MessageTypeLicense,
		Msg:  msg,
	}
	return signed.Marshal()
}

func paddingBytes(blockSize, used int) []byte {
	pad := blockSize - used%blockSize
	if pad == 0 {
		pad = blockSize
	}
	b := make([]byte, pad)
	for i := range b {
		b[i] = byte(pad)
	}
	return b
}

func TestPrepareAndHandleKeyResponse(t *testing.T) {
	ctx, sess := openSession(t)

	clientID := &wvproto.ClientIdentification{Type: 1, Token: []byte("device")}
	req, err := PrepareKeyRequest(ctx, sess, clientID, nil, []byte("pssh-content-id"), wvproto.RequestTypeNew, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("PrepareKeyRequest: %v", err)
	}

	respBytes := fakeLicenseResponse(req.Message, "pst-1", false)
	lic, err := HandleKeyResponse(ctx, sess, req, respBytes)
	if err != nil {
		t.Fatalf("HandleKeyResponse: %v", err)
	}
	if lic.PST != "pst-1" {
		t.Fatalf("unexpected PST: %q", lic.PST)
	}
	if len(lic.Keys) != 1 {
		t.Fatalf("expected 1 content key, got %d", len(lic.Keys))
	}
	if !lic.Policy.CanPlay {
		t.Fatal("expected CanPlay true")
	}
}

// TestHandleKeyResponsePrefersEntitlementKeys: a response carrying any
// entitlement key yields only its entitlement keys — content and
// operator-session containers in the same response are discarded — and
// the keys load into the TCE as entitlement keys.
func TestHandleKeyResponsePrefersEntitlementKeys(t *testing.T) {
	ctx, sess := openSession(t)

	req, err := PrepareKeyRequest(ctx, sess, &wvproto.ClientIdentification{Type: 1}, nil, []byte("cid"), wvproto.RequestTypeNew, time.Now())
	if err != nil {
		t.Fatalf("PrepareKeyRequest: %v", err)
	}

	entitlement := wvproto.KeyContainer{
		ID:   []byte("entitlement-key-1"),
		Key:  append([]byte("fedcba9876543210"), paddingBytes(16, 16)...),
		Type: wvproto.KeyTypeEntitlement,
	}
	content := wvproto.KeyContainer{
		ID:   []byte("content-key-id-1"),
		Key:  append([]byte("0123456789abcdef"), paddingBytes(16, 16)...),
		Type: wvproto.KeyTypeContent,
	}
	operator := wvproto.KeyContainer{
		ID:   []byte("operator-key-1"),
		Key:  append([]byte("0123456789abcdef"), paddingBytes(16, 16)...),
		Type: wvproto.KeyTypeOperatorSession,
	}
	signing := wvproto.KeyContainer{
		Key:  append([]byte("0123456789abcdef0123456789abcdef"), paddingBytes(16, 32)...),
		Type: wvproto.KeyTypeSigning,
	}
	lic := &wvproto.License{
		ID:     wvproto.LicenseIdentification{RequestID: []byte("req-ent")},
		Policy: wvproto.Policy{CanPlay: true},
		Key:    []wvproto.KeyContainer{content, entitlement, operator, signing},
	}
	respBytes := (&wvproto.SignedMessage{Type: wvproto.MessageTypeLicense, Msg: lic.Marshal()}).Marshal()

	parsed, err := HandleKeyResponse(ctx, sess, req, respBytes)
	if err != nil {
		t.Fatalf("HandleKeyResponse: %v", err)
	}
	if len(parsed.Keys) != 1 {
		t.Fatalf("expected only the entitlement key to survive, got %d keys", len(parsed.Keys))
	}
	if parsed.Keys[0].Kind != keys.KindEntitlement || string(parsed.Keys[0].ID) != "entitlement-key-1" {
		t.Fatalf("unexpected surviving key: kind=%v id=%q", parsed.Keys[0].Kind, parsed.Keys[0].ID)
	}
	if got := sess.(*tce.Session).LastLoadedKeyType(); got != keys.KindEntitlement {
		t.Fatalf("LoadKeys key type = %v, want entitlement", got)
	}
}

// TestHandleKeyResponseLoadsContentKeysWithoutEntitlement: with no
// entitlement container present, content keys survive and load as content.
func TestHandleKeyResponseLoadsContentKeysWithoutEntitlement(t *testing.T) {
	ctx, sess := openSession(t)

	req, err := PrepareKeyRequest(ctx, sess, &wvproto.ClientIdentification{Type: 1}, nil, []byte("cid"), wvproto.RequestTypeNew, time.Now())
	if err != nil {
		t.Fatalf("PrepareKeyRequest: %v", err)
	}
	respBytes := fakeLicenseResponse(req.Message, "", false)
	parsed, err := HandleKeyResponse(ctx, sess, req, respBytes)
	if err != nil {
		t.Fatalf("HandleKeyResponse: %v", err)
	}
	if len(parsed.Keys) != 1 || parsed.Keys[0].Kind != keys.KindContent {
		t.Fatalf("expected one content key, got %+v", parsed.Keys)
	}
	if got := sess.(*tce.Session).LastLoadedKeyType(); got != keys.KindContent {
		t.Fatalf("LoadKeys key type = %v, want content", got)
	}
}

func TestHandleKeyResponseRejectsErrorResponse(t *testing.T) {
	ctx, sess := openSession(t)

	req, err := PrepareKeyRequest(ctx, sess, &wvproto.ClientIdentification{}, nil, []byte("cid"), wvproto.RequestTypeNew, time.Now())
	if err != nil {
		t.Fatalf("PrepareKeyRequest: %v", err)
	}

	errMsg := (&wvproto.ErrorResponse{Code: wvproto.ErrorCodeRevokedDRMDeviceCertificate}).Marshal()
	respBytes := (&wvproto.SignedMessage{Type: wvproto.MessageTypeErrorResponse, Msg: errMsg}).Marshal()

	if _, err := HandleKeyResponse(ctx, sess, req, respBytes); err != ErrRevokedDeviceCertificate {
		t.Fatalf("expected ErrRevokedDeviceCertificate, got %v", err)
	}
}

func TestOfflineLicensePersistAndRestore(t *testing.T) {
	ctx, sess := openSession(t)

	req, err := PrepareKeyRequest(ctx, sess, &wvproto.ClientIdentification{Type: 1}, nil, []byte("cid"), wvproto.RequestTypeNew, time.Now())
	if err != nil {
		t.Fatalf("PrepareKeyRequest: %v", err)
	}
	respBytes := fakeLicenseResponse(req.Message, "offline-pst", true)
	if _, err := HandleKeyResponse(ctx, sess, req, respBytes); err != nil {
		t.Fatalf("HandleKeyResponse: %v", err)
	}

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	rec := domsession.Record{
		State:             domsession.LicenseStateActive,
		KeyRequest:        req.Message,
		KeyResponse:       respBytes,
		PlaybackStartTime: 1000,
		LastPlaybackTime:  1010,
		GracePeriodEnd:    1050,
	}
	if err := PersistOfflineLicense(store, keys.SecurityLevelL1, "origin.example", "ks-offline-1", rec); err != nil {
		t.Fatalf("PersistOfflineLicense: %v", err)
	}

	_, restoreSess := openSession(t)
	lic, restored, err := RestoreOfflineLicense(ctx, restoreSess, store, keys.SecurityLevelL1, "origin.example", "ks-offline-1")
	if err != nil {
		t.Fatalf("RestoreOfflineLicense: %v", err)
	}
	if lic.PST != "offline-pst" {
		t.Fatalf("unexpected PST after restore: %q", lic.PST)
	}
	if restored.PlaybackStartTime != 1000 {
		t.Fatalf("unexpected restored playback start: %d", restored.PlaybackStartTime)
	}

	if _, err := RestoreLicenseForRelease(store, keys.SecurityLevelL1, "origin.example", "ks-offline-1"); err != nil {
		t.Fatalf("RestoreLicenseForRelease: %v", err)
	}

	ids, err := ListOfflineLicenseIDs(store, keys.SecurityLevelL1, "origin.example")
	if err != nil {
		t.Fatalf("ListOfflineLicenseIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ks-offline-1" {
		t.Fatalf("unexpected stored license ids: %v", ids)
	}

	if err := RemoveOfflineLicense(store, keys.SecurityLevelL1, "origin.example", "ks-offline-1"); err != nil {
		t.Fatalf("RemoveOfflineLicense: %v", err)
	}
	if store.Exists(keys.SecurityLevelL1, "origin.example", filestore.LicenseBlobName("ks-offline-1")) {
		t.Fatal("expected license blob removed")
	}
}

func TestUsageInfoRecordRoundTrip(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}

	rec := domsession.UsageInfoRecord{ProviderSessionToken: "pst-a", KeyRequest: []byte("req"), KeyResponse: []byte("resp"), KeySetID: "ks-1"}
	if err := StoreUsageInfoRecord(store, keys.SecurityLevelL1, "origin.example", "app-1", rec); err != nil {
		t.Fatalf("StoreUsageInfoRecord: %v", err)
	}
	rec2 := domsession.UsageInfoRecord{ProviderSessionToken: "pst-b", KeySetID: "ks-2"}
	if err := StoreUsageInfoRecord(store, keys.SecurityLevelL1, "origin.example", "app-1", rec2); err != nil {
		t.Fatalf("StoreUsageInfoRecord: %v", err)
	}

	got, ok, err := FindUsageInfoRecord(store, keys.SecurityLevelL1, "origin.example", "app-1", "pst-a")
	if err != nil || !ok {
		t.Fatalf("FindUsageInfoRecord: ok=%v err=%v", ok, err)
	}
	if got.KeySetID != "ks-1" {
		t.Fatalf("unexpected record: %+v", got)
	}

	ids, err := ListUsageInfoIDs(store, keys.SecurityLevelL1, "origin.example", "app-1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ListUsageInfoIDs: ids=%v err=%v", ids, err)
	}

	if err := RemoveUsageInfoRecord(store, keys.SecurityLevelL1, "origin.example", "app-1", "pst-a"); err != nil {
		t.Fatalf("RemoveUsageInfoRecord: %v", err)
	}
	ids, err = ListUsageInfoIDs(store, keys.SecurityLevelL1, "origin.example", "app-1")
	if err != nil || len(ids) != 1 || ids[0] != "pst-b" {
		t.Fatalf("unexpected ids after removal: %v, err=%v", ids, err)
	}

	if err := RemoveAllUsageInfoRecords(store, keys.SecurityLevelL1, "origin.example", "app-1"); err != nil {
		t.Fatalf("RemoveAllUsageInfoRecords: %v", err)
	}
	if store.Exists(keys.SecurityLevelL1, "origin.example", filestore.UsageInfoBlobName("app-1")) {
		t.Fatal("expected usage-info blob removed")
	}
}

func TestHandleEmbeddedKeyData(t *testing.T) {
	ctx, sess := openSession(t)

	pssh := &wvproto.WidevinePsshData{
		EntitledKeys: []wvproto.WidevinePsshDataEntitledKey{
			{EntitlementKeyID: []byte("ent-1"), KeyID: []byte("content-2"), Key: []byte("0123456789abcdef"), IV: []byte("iv0123456789abc")},
		},
	}
	entitled, err := HandleEmbeddedKeyData(ctx, sess, pssh)
	if err != nil {
		t.Fatalf("HandleEmbeddedKeyData: %v", err)
	}
	if len(entitled) != 1 {
		t.Fatalf("expected 1 entitled key, got %d", len(entitled))
	}
}
