package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"tungo/application"
	"tungo/domain/cdmerror"
	"tungo/domain/keys"
	domsession "tungo/domain/session"
	domusage "tungo/domain/usage"
	"tungo/domain/wvproto"
	"tungo/infrastructure/license"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/provisioning"
	"tungo/infrastructure/provisioning/servicecert"
	"tungo/infrastructure/tce"
	"tungo/infrastructure/usage"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowUnix() int64 { return c.now }

type nopListener struct{}

func (nopListener) OnKeyStatusChange(string, map[string]keys.KeyStatus) {}
func (nopListener) OnRenewalNeeded(string)                             {}
func (nopListener) OnExpirationUpdate(string, int64)                   {}

// headerProvider is the test stand-in for the engine's per-level
// usage-table-header singleton.
type headerProvider struct {
	store application.FileStore
	h     *usage.Header
}

func (p *headerProvider) SharedUsageHeader(ctx context.Context, level keys.SecurityLevel, origin string, handle application.TCESession) (*usage.Header, error) {
	if p.h == nil {
		h := usage.New(level, origin, p.store, nil)
		if err := h.Init(ctx, handle); err != nil {
			return nil, err
		}
		p.h = h
	}
	return p.h, nil
}

func storeDeviceCert(t *testing.T, store application.FileStore) {
	t.Helper()
	blob, err := provisioning.EncodeStoredCertificate(provisioning.StoredCertificate{
		Certificate:       []byte("device-cert"),
		WrappedPrivateKey: []byte("wrapped-private-key"),
	})
	if err != nil {
		t.Fatalf("EncodeStoredCertificate: %v", err)
	}
	if err := store.Store(keys.SecurityLevelL1, "", filestore.CertificateBlobName, blob); err != nil {
		t.Fatalf("storing device certificate: %v", err)
	}
}

func cencInitData(t *testing.T) []byte {
	t.Helper()
	systemID := [16]byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}
	data := (&wvproto.WidevinePsshData{KeyIDs: [][]byte{[]byte("test-key-id-0001")}}).Marshal()
	size := uint32(8 + 4 + 16 + 4 + len(data))
	box := make([]byte, 0, size)
	box = append(box, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	box = append(box, 'p', 's', 's', 'h')
	box = append(box, 0, 0, 0, 0)
	box = append(box, systemID[:]...)
	dlen := uint32(len(data))
	box = append(box, byte(dlen>>24), byte(dlen>>16), byte(dlen>>8), byte(dlen))
	box = append(box, data...)
	return box
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

func fakeLicenseResponse(pst string, offline bool, startTime int64) []byte {
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
		Policy: wvproto.Policy{CanPlay: true, CanPersist: offline, LicenseDurationSeconds: 3600},
		Key:    []wvproto.KeyContainer{content, signing},
		PST:    []byte(pst),
		LicenseStartTimeSeconds: startTime,
	}
	return (&wvproto.SignedMessage{Type: wvproto.MessageTypeLicense, Msg: lic.Marshal()}).Marshal()
}

func newTestSession(t *testing.T, id string, privacyMode bool, forcedKeySetID string) (context.Context, *Session, application.FileStore, *fakeClock) {
	t.Helper()
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	return newTestSessionWithStore(t, ctx, store, id, privacyMode, forcedKeySetID)
}

func newTestSessionWithStore(t *testing.T, ctx context.Context, store application.FileStore, id string, privacyMode bool, forcedKeySetID string) (context.Context, *Session, application.FileStore, *fakeClock) {
	t.Helper()
	storeDeviceCert(t, store)
	clk := &fakeClock{now: 1700000000}
	sess := New(id, keys.SecurityLevelL1, "app-1", tce.New(), store, filestore.NewReservedIDs(), clk, nil, nopListener{}, &headerProvider{store: store})
	clientID := &wvproto.ClientIdentification{Type: 1, Token: []byte("device-token")}
	if err := sess.Init(ctx, clientID, privacyMode, nil, false, forcedKeySetID); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { sess.Close(ctx) })
	return ctx, sess, store, clk
}

// TestPrivacyModeDeferredRequest: with
// privacy mode on and no service certificate, the first request asks the
// server for one, the certificate response installs it and asks the caller
// to retry, and the retry with empty init data reuses the stashed init
// data and emits an encrypted-client-id license request.
func TestPrivacyModeDeferredRequest(t *testing.T) {
	ctx, sess, _, clk := newTestSession(t, "priv-1", true, "")
	now := time.Unix(clk.now, 0)

	msg, err := sess.GenerateKeyRequest(ctx, cencInitData(t), LicenseTypeStreaming, now)
	if err != nil {
		t.Fatalf("GenerateKeyRequest: %v", err)
	}
	var signed wvproto.SignedMessage
	if err := signed.Unmarshal(msg); err != nil {
		t.Fatalf("Unmarshal first message: %v", err)
	}
	if signed.Type != wvproto.MessageTypeServiceCertificateRequest {
		t.Fatalf("first message type = %d, want service certificate request", signed.Type)
	}

	certBytes, err := servicecert.DefaultSignedCertificate()
	if err != nil {
		t.Fatalf("DefaultSignedCertificate: %v", err)
	}
	certResp := (&wvproto.SignedMessage{Type: wvproto.MessageTypeServiceCertificate, Msg: certBytes}).Marshal()
	_, _, err = sess.AddKey(ctx, certResp, now)
	var ce *cdmerror.Error
	if !errors.As(err, &ce) || ce.Status != cdmerror.StatusNeedKey {
		t.Fatalf("AddKey(service cert) = %v, want StatusNeedKey", err)
	}

	msg, err = sess.GenerateKeyRequest(ctx, nil, LicenseTypeStreaming, now)
	if err != nil {
		t.Fatalf("retry GenerateKeyRequest: %v", err)
	}
	if err := signed.Unmarshal(msg); err != nil {
		t.Fatalf("Unmarshal retried message: %v", err)
	}
	if signed.Type != wvproto.MessageTypeLicenseRequest {
		t.Fatalf("retried message type = %d, want license request", signed.Type)
	}
	var req wvproto.LicenseRequest
	if err := req.Unmarshal(signed.Msg); err != nil {
		t.Fatalf("Unmarshal inner request: %v", err)
	}
	if req.EncryptedClientID == nil {
		t.Fatal("expected the retried request to carry an encrypted client id")
	}
	if req.ClientID != nil {
		t.Fatal("expected no clear client id in privacy mode")
	}
	if len(req.ContentID) == 0 {
		t.Fatal("expected the stashed init data to supply the content id")
	}
}

// TestStreamingLicenseWithPSTPersistsUsageRecord walks the streaming
// secure-stop path: a PST-bearing response allocates a usage entry and
// persists a usage-info record, and a subsequent decrypt succeeds.
func TestStreamingLicenseWithPSTPersistsUsageRecord(t *testing.T) {
	ctx, sess, store, clk := newTestSession(t, "stream-1", false, "")
	now := time.Unix(clk.now, 0)

	if _, err := sess.GenerateKeyRequest(ctx, cencInitData(t), LicenseTypeStreaming, now); err != nil {
		t.Fatalf("GenerateKeyRequest: %v", err)
	}
	lt, ks, err := sess.AddKey(ctx, fakeLicenseResponse("pst-xyz", false, clk.now), now)
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if lt != LicenseTypeStreaming {
		t.Fatalf("license type = %v, want streaming", lt)
	}
	if ks == "" {
		t.Fatal("expected a key-set id for a PST-bearing license")
	}
	if !store.Exists(keys.SecurityLevelL1, "app-1", filestore.UsageInfoBlobName("app-1")) {
		t.Fatal("expected a persisted usage-info record")
	}

	out, err := sess.Decrypt(ctx, application.DecryptParams{
		IsEncrypted: true,
		KeyID:       []byte("content-key-id-1"),
		IV:          make([]byte, 16),
		Input:       []byte("0123456789abcdef"),
	})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("decrypt output length = %d, want 16", len(out))
	}
	if sess.Policy.GetPlaybackStartTime() == 0 {
		t.Fatal("expected playback start time recorded after first decrypt")
	}
}

// TestOfflineRestorePlaybackTimes: restoring a persisted offline license
// reinstates the stored playback timestamps.
func TestOfflineRestorePlaybackTimes(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	_, sess, _, clk := newTestSessionWithStore(t, ctx, store, "off-1", false, "")
	now := time.Unix(clk.now, 0)

	if _, err := sess.GenerateKeyRequest(ctx, cencInitData(t), LicenseTypeOffline, now); err != nil {
		t.Fatalf("GenerateKeyRequest: %v", err)
	}
	lt, ks, err := sess.AddKey(ctx, fakeLicenseResponse("offline-pst", true, clk.now), now)
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if lt != LicenseTypeOffline || ks == "" {
		t.Fatalf("AddKey = (%v, %q), want offline with a key-set id", lt, ks)
	}

	rec, err := license.LoadOfflineLicenseRecord(store, keys.SecurityLevelL1, "app-1", ks)
	if err != nil {
		t.Fatalf("LoadOfflineLicenseRecord: %v", err)
	}
	rec.PlaybackStartTime = 1000
	rec.LastPlaybackTime = 1010
	rec.GracePeriodEnd = 1050
	if err := license.PersistOfflineLicense(store, keys.SecurityLevelL1, "app-1", ks, rec); err != nil {
		t.Fatalf("PersistOfflineLicense: %v", err)
	}

	_, restored, _, _ := newTestSessionWithStore(t, ctx, store, "off-2", false, ks)
	if err := restored.RestoreOffline(ctx); err != nil {
		t.Fatalf("RestoreOffline: %v", err)
	}
	if got := restored.Policy.GetPlaybackStartTime(); got != 1000 {
		t.Fatalf("GetPlaybackStartTime = %d, want 1000", got)
	}
	if got := restored.Policy.GetLastPlaybackTime(); got != 1010 {
		t.Fatalf("GetLastPlaybackTime = %d, want 1010", got)
	}
	if got := restored.Policy.GetGracePeriodEndTime(); got != 1050 {
		t.Fatalf("GetGracePeriodEndTime = %d, want 1050", got)
	}
}

// TestRestoreReleasedLicenseIsTerminal: a stored license in Releasing state
// must not restore; StatusGetReleasedLicenseError is terminal.
func TestRestoreReleasedLicenseIsTerminal(t *testing.T) {
	ctx := context.Background()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	rec := domsession.Record{
		State:       domsession.LicenseStateReleasing,
		KeyRequest:  []byte("req"),
		KeyResponse: []byte("resp"),
	}
	if err := license.PersistOfflineLicense(store, keys.SecurityLevelL1, "app-1", "KSreleased01", rec); err != nil {
		t.Fatalf("PersistOfflineLicense: %v", err)
	}

	_, sess, _, _ := newTestSessionWithStore(t, ctx, store, "rel-1", false, "KSreleased01")
	err = sess.RestoreOffline(ctx)
	var ce *cdmerror.Error
	if !errors.As(err, &ce) || ce.Status != cdmerror.StatusGetReleasedLicenseError {
		t.Fatalf("RestoreOffline = %v, want StatusGetReleasedLicenseError", err)
	}
}

// TestLegacyUsageSupportSkipsEntryAllocation: when the TCE reports
// legacy-table usage support, sessions never touch the usage-table
// header, and a PST-bearing license persists its record without an entry
// blob (the shape the upgrade path later migrates).
func TestLegacyUsageSupportSkipsEntryAllocation(t *testing.T) {
	bus := tce.New().(*tce.Bus)
	bus.SetUsageSupportType(domusage.SupportLegacyTable)
	t.Cleanup(func() { bus.SetUsageSupportType(domusage.SupportEntry) })

	ctx, sess, store, clk := newTestSession(t, "legacy-1", false, "")
	now := time.Unix(clk.now, 0)

	if sess.usageHeader != nil {
		t.Fatal("legacy-support session must not latch a usage-table header")
	}
	if _, err := sess.GenerateKeyRequest(ctx, cencInitData(t), LicenseTypeOffline, now); err != nil {
		t.Fatalf("GenerateKeyRequest: %v", err)
	}
	_, ks, err := sess.AddKey(ctx, fakeLicenseResponse("legacy-pst", true, clk.now), now)
	if err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	rec, err := license.LoadOfflineLicenseRecord(store, keys.SecurityLevelL1, "app-1", ks)
	if err != nil {
		t.Fatalf("LoadOfflineLicenseRecord: %v", err)
	}
	if rec.ProviderSessionToken != "legacy-pst" {
		t.Fatalf("stored PST = %q, want legacy-pst", rec.ProviderSessionToken)
	}
	if rec.UsageEntry.Blob != nil {
		t.Fatal("legacy-support license must not own a usage entry")
	}
	if store.Exists(keys.SecurityLevelL1, "app-1", filestore.UsageTableBlobName) {
		t.Fatal("no usage-table header should have been persisted")
	}
}

// TestUnsupportedInitDataRejected: a fresh request with init data that
// parses as none of CENC/WebM/HLS fails with StatusUnsupportedInitData.
func TestUnsupportedInitDataRejected(t *testing.T) {
	ctx, sess, _, clk := newTestSession(t, "bad-init-1", false, "")
	now := time.Unix(clk.now, 0)

	// A truncated pssh header: looks like CENC, fails to parse.
	bad := []byte{0, 0, 0, 0xff, 'p', 's', 's', 'h', 1, 2}
	_, err := sess.GenerateKeyRequest(ctx, bad, LicenseTypeStreaming, now)
	var ce *cdmerror.Error
	if !errors.As(err, &ce) || ce.Status != cdmerror.StatusUnsupportedInitData {
		t.Fatalf("GenerateKeyRequest = %v, want StatusUnsupportedInitData", err)
	}
}
