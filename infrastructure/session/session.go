// Package session implements the per-DRM-session state machine and its
// process-wide repository: the glue between the license parser
// (infrastructure/license), the policy engine (infrastructure/policy), the
// TCE boundary (application.TCE/TCESession), and persistence
// (application.FileStore).
package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"tungo/application"
	"tungo/domain/cdmerror"
	domkeys "tungo/domain/keys"
	domlicense "tungo/domain/license"
	domsession "tungo/domain/session"
	domusage "tungo/domain/usage"
	"tungo/domain/wvproto"
	"tungo/infrastructure/license"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/policy"
	"tungo/infrastructure/provisioning"
	"tungo/infrastructure/provisioning/servicecert"
	"tungo/infrastructure/usage"
)

// keySetIDPrefix marks every generated key-set id, so an id's origin
// (generated vs. caller-forced) is recognizable in logs and stored blobs.
const keySetIDPrefix = "KS"

// keySetIDRandomBytes is how many random bytes the TCE contributes to a
// generated key-set id; hex-encoded, this yields a 2+10=12 character id.
// Widened with the prefix this yields a roughly 14-character hex id.
const keySetIDRandomBytes = 6

const maxKeySetIDAttempts = 5

// Flags records the three (non-exclusive) session modes derived from the
// license type requested on the first GenerateKeyRequest call.
type Flags struct {
	Offline   bool
	Release   bool
	Temporary bool
}

// Session is one open DRM session.
type Session struct {
	id     string
	level  domkeys.SecurityLevel
	origin string

	tce    application.TCE
	handle application.TCESession
	store  application.FileStore

	reserved *filestore.ReservedIDs
	clock    application.Clock
	logger   application.Logger
	listener application.EventListener

	Policy *policy.Engine

	usageHeaders UsageHeaderProvider
	usageHeader  *usage.Header
	usageSupport domusage.SupportType

	keySetID string

	privacyMode       bool
	preferEntitlement bool
	clientID          *wvproto.ClientIdentification
	cert              *servicecert.Certificate

	// serviceCertRequestsAllowed gates whether a privacy-mode session with
	// no service certificate may emit a SERVICE_CERTIFICATE request and
	// defer the pending license request, or must fail outright.
	serviceCertRequestsAllowed bool

	hls *license.HLSInitData

	flags Flags

	sawInitialResponse bool
	deferredInitData   []byte
	lastContentID      []byte
	lastReq            *license.Request
	lastKeyResponse    []byte

	pst              string
	renewalServerURL string

	hasUsageEntry     bool
	usageEntryNumber  int
	usageInfoFileName string

	// restoredForRelease marks a session built by RestoreForRelease: it
	// never saw a live AddKey response, so generateReleaseRequest's
	// PST-presence guard does not apply to it.
	restoredForRelease bool

	// decryptHash is a bring-up debugging hook: when set, Decrypt verifies
	// the hash of every clear output buffer and latches the first mismatch.
	decryptHash      []byte
	decryptHashError error
}

// UsageHeaderProvider hands out the engine-scoped usage-table-header
// singleton for a security level, lazily Init'ing it against whichever
// session's TCE handle happens to open it first.
// infrastructure/engine.Engine implements this.
type UsageHeaderProvider interface {
	SharedUsageHeader(ctx context.Context, level domkeys.SecurityLevel, origin string, handle application.TCESession) (*usage.Header, error)
}

// New constructs an uninitialized Session; call Init before use.
func New(id string, level domkeys.SecurityLevel, origin string, tce application.TCE, store application.FileStore, reserved *filestore.ReservedIDs, clock application.Clock, logger application.Logger, listener application.EventListener, usageHeaders UsageHeaderProvider) *Session {
	return &Session{
		id:                         id,
		level:                      level,
		origin:                     origin,
		tce:                        tce,
		store:                      store,
		reserved:                   reserved,
		clock:                      clock,
		logger:                     logger,
		listener:                   listener,
		usageHeaders:               usageHeaders,
		serviceCertRequestsAllowed: true,
	}
}

// ProhibitServiceCertificateRequests makes a privacy-mode request with no
// installed service certificate fail instead of emitting a
// SERVICE_CERTIFICATE request, for platforms whose transport cannot carry
// one.
func (s *Session) ProhibitServiceCertificateRequests() {
	s.serviceCertRequestsAllowed = false
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// KeySetID returns the session's allocated (or forced) key-set id.
func (s *Session) KeySetID() string { return s.keySetID }

// IsOffline reports whether the session ended up persisting an offline
// license.
func (s *Session) IsOffline() bool { return s.flags.Offline }

// PST returns the provider session token stashed from the last license
// response, or "" if none has been received.
func (s *Session) PST() string { return s.pst }

// Init opens a TCE handle, loads the device certificate, wires the usage-
// table-header singleton if the TCE supports usage-entry semantics, and
// allocates (or adopts) a key-set id.
func (s *Session) Init(ctx context.Context, clientID *wvproto.ClientIdentification, privacyMode bool, cert *servicecert.Certificate, preferEntitlement bool, forcedKeySetID string) error {
	handle, err := s.tce.OpenSession(ctx, s.level)
	if err != nil {
		return err
	}

	usageSupport, err := handle.GetUsageSupportType(ctx)
	if err != nil {
		_ = handle.Close(ctx)
		return err
	}
	if usageSupport == domusage.SupportEntry {
		if s.usageHeaders == nil {
			_ = handle.Close(ctx)
			return cdmerror.New(cdmerror.StatusNotInitialized, nil)
		}
		header, err := s.usageHeaders.SharedUsageHeader(ctx, s.level, s.origin, handle)
		if err != nil {
			_ = handle.Close(ctx)
			return err
		}
		s.usageHeader = header
	}

	// The device certificate is engine-scoped, not origin-scoped: it lives
	// in the device-wide slot regardless of which origin the session is
	// serving.
	if !s.store.Exists(s.level, "", filestore.CertificateBlobName) {
		_ = handle.Close(ctx)
		return cdmerror.New(cdmerror.StatusNeedProvisioning, nil)
	}
	certBlob, err := s.store.Retrieve(s.level, "", filestore.CertificateBlobName)
	if err != nil {
		_ = handle.Close(ctx)
		return cdmerror.New(cdmerror.StatusNeedProvisioning, err)
	}
	stored, err := provisioning.DecodeStoredCertificate(certBlob)
	if err != nil {
		_ = handle.Close(ctx)
		return cdmerror.New(cdmerror.StatusNeedProvisioning, err)
	}
	if err := handle.LoadCertificatePrivateKey(ctx, stored.WrappedPrivateKey); err != nil {
		_ = handle.Close(ctx)
		return cdmerror.New(cdmerror.StatusNeedProvisioning, err)
	}

	keySetID := forcedKeySetID
	if keySetID == "" {
		keySetID, err = s.allocateKeySetID(ctx, handle)
		if err != nil {
			_ = handle.Close(ctx)
			return err
		}
	} else if s.reserved != nil {
		s.reserved.TryReserve(keySetID)
	}

	s.handle = handle
	s.usageSupport = usageSupport
	s.keySetID = keySetID
	s.clientID = clientID
	s.privacyMode = privacyMode
	s.cert = cert
	s.preferEntitlement = preferEntitlement
	s.Policy = policy.NewEngine(s.id, s.clock, s.listener)
	return nil
}

// allocateKeySetID generates a fresh 14-byte-hex-ish key-set id from
// TCE-sourced randomness, reserving it against s.reserved and re-rolling on
// collision against an already-stored license.
func (s *Session) allocateKeySetID(ctx context.Context, handle application.TCESession) (string, error) {
	for attempt := 0; attempt < maxKeySetIDAttempts; attempt++ {
		raw, err := handle.GetRandom(ctx, keySetIDRandomBytes)
		if err != nil {
			return "", err
		}
		id := keySetIDPrefix + hex.EncodeToString(raw)
		if s.store.Exists(s.level, s.origin, filestore.LicenseBlobName(id)) {
			continue
		}
		if s.reserved == nil || s.reserved.TryReserve(id) {
			return id, nil
		}
	}
	return "", ErrNoKeySetIDAvailable
}

// Close releases the session's reserved key-set id and closes its TCE
// handle. A PST-bearing session's usage entry is updated once first;
// failures there are swallowed, teardown must not fail the caller.
func (s *Session) Close(ctx context.Context) error {
	if s.reserved != nil && s.keySetID != "" {
		s.reserved.Release(s.keySetID)
	}
	if s.handle == nil {
		return nil
	}
	if s.hasUsageEntry && s.usageHeader != nil && s.usageEntryNumber < s.usageHeader.Size() {
		if _, err := s.usageHeader.UpdateEntry(ctx, s.handle, s.usageEntryNumber); err != nil && s.logger != nil {
			s.logger.Printf("session %s: final usage entry update failed: %v", s.id, err)
		}
	}
	return s.handle.Close(ctx)
}

// RemoveKeys resets the session's TCE handle and policy engine, leaving the
// session nominally alive but with no keys loaded.
func (s *Session) RemoveKeys(ctx context.Context) error {
	if s.handle != nil {
		_ = s.handle.Close(ctx)
	}
	handle, err := s.tce.OpenSession(ctx, s.level)
	if err != nil {
		return err
	}
	s.handle = handle
	s.Policy = policy.NewEngine(s.id, s.clock, s.listener)
	s.sawInitialResponse = false
	return nil
}

func (s *Session) encryptedClientID() (*wvproto.EncryptedClientIdentification, error) {
	if s.cert == nil {
		return nil, ErrServiceCertificateRequired
	}
	clientID := s.clientID
	if clientID == nil {
		clientID = &wvproto.ClientIdentification{}
	}
	return s.cert.EncryptClientIdentification(clientID.Marshal())
}

// GenerateKeyRequest builds the next outbound license-protocol message for
// this session, dispatching on licenseType and on whether a license has
// already been received.
func (s *Session) GenerateKeyRequest(ctx context.Context, initData []byte, licenseType LicenseType, now time.Time) ([]byte, error) {
	if licenseType == LicenseTypeEmbeddedKeyData {
		return nil, s.handleEmbeddedKeyData(ctx, initData)
	}
	if s.sawInitialResponse && licenseType == LicenseTypeRelease {
		return s.generateReleaseRequest(ctx, now)
	}
	if s.sawInitialResponse {
		return s.generateRenewalRequest(ctx, now)
	}
	return s.generateFreshRequest(ctx, initData, licenseType, now)
}

func (s *Session) handleEmbeddedKeyData(ctx context.Context, initData []byte) error {
	if !s.sawInitialResponse {
		return cdmerror.New(cdmerror.StatusInvalidParameter, nil)
	}
	pssh, _, err := license.ParseCENCInitData(initData, s.preferEntitlement)
	if err != nil {
		return cdmerror.New(cdmerror.StatusUnsupportedInitData, err)
	}
	entitled, err := license.HandleEmbeddedKeyData(ctx, s.handle, pssh)
	if err != nil {
		return err
	}
	s.Policy.SetEntitledKeys(entitled)
	return nil
}

func (s *Session) generateFreshRequest(ctx context.Context, initData []byte, licenseType LicenseType, now time.Time) ([]byte, error) {
	if len(initData) == 0 {
		initData = s.deferredInitData
	}
	if len(initData) == 0 {
		return nil, ErrEmptyInitData
	}
	contentID, hls, err := license.NormalizeInitData(initData)
	if err != nil {
		return nil, cdmerror.New(cdmerror.StatusUnsupportedInitData, err)
	}

	var encryptedClientID *wvproto.EncryptedClientIdentification
	var clientID *wvproto.ClientIdentification
	if s.privacyMode {
		if s.cert == nil {
			// Defer the license request until the host installs a service
			// certificate; the emitted message asks the server for one.
			s.deferredInitData = initData
			if !s.serviceCertRequestsAllowed {
				return nil, cdmerror.New(cdmerror.StatusServiceCertificateRequestsNotAllowed, ErrServiceCertificateRequired)
			}
			msg := &wvproto.SignedMessage{Type: wvproto.MessageTypeServiceCertificateRequest}
			return msg.Marshal(), nil
		}
		encryptedClientID, err = s.encryptedClientID()
		if err != nil {
			return nil, err
		}
	} else {
		clientID = s.clientID
	}

	req, err := license.PrepareKeyRequest(ctx, s.handle, clientID, encryptedClientID, contentID, wvproto.RequestTypeNew, now)
	if err != nil {
		return nil, err
	}

	s.lastReq = req
	s.lastContentID = contentID
	s.deferredInitData = nil
	s.hls = hls
	s.flags.Offline = licenseType == LicenseTypeOffline
	s.flags.Temporary = licenseType == LicenseTypeTemporary
	return req.Signed.Marshal(), nil
}

func (s *Session) generateRenewalRequest(ctx context.Context, now time.Time) ([]byte, error) {
	var clientID *wvproto.ClientIdentification
	var encryptedClientID *wvproto.EncryptedClientIdentification
	if s.privacyMode {
		var err error
		encryptedClientID, err = s.encryptedClientID()
		if err != nil {
			return nil, err
		}
	} else {
		clientID = s.clientID
	}

	req, err := license.PrepareKeyRequest(ctx, s.handle, clientID, encryptedClientID, s.lastContentID, wvproto.RequestTypeRenewal, now)
	if err != nil {
		return nil, err
	}
	s.lastReq = req
	s.Policy.NotifyRenewalRequested()
	return req.Signed.Marshal(), nil
}

func (s *Session) generateReleaseRequest(ctx context.Context, now time.Time) ([]byte, error) {
	if s.pst == "" && !s.restoredForRelease {
		return nil, ErrNotReleasable
	}
	var clientID *wvproto.ClientIdentification
	var encryptedClientID *wvproto.EncryptedClientIdentification
	if s.privacyMode {
		var err error
		encryptedClientID, err = s.encryptedClientID()
		if err != nil {
			return nil, err
		}
	} else {
		clientID = s.clientID
	}

	req, err := license.PrepareKeyRequest(ctx, s.handle, clientID, encryptedClientID, s.lastContentID, wvproto.RequestTypeRelease, now)
	if err != nil {
		return nil, err
	}
	s.lastReq = req
	s.flags.Release = true
	if s.flags.Offline {
		if err := license.MarkLicenseReleasing(s.store, s.level, s.origin, s.keySetID); err != nil && s.logger != nil {
			s.logger.Printf("session %s: marking stored license releasing failed: %v", s.id, err)
		}
	}
	return req.Signed.Marshal(), nil
}

// AddKey ingests the server's response to the last GenerateKeyRequest call,
// dispatching on release/renewal/first-time.
func (s *Session) AddKey(ctx context.Context, respBytes []byte, now time.Time) (LicenseType, string, error) {
	if s.flags.Release {
		return s.releaseKey(ctx, respBytes)
	}
	if s.sawInitialResponse {
		return s.renewKey(ctx, respBytes, now)
	}
	return s.firstKey(ctx, respBytes, now)
}

func (s *Session) usageInfoFilenameForOrigin() string {
	return filestore.UsageInfoBlobName(s.origin)
}

// installServiceCertificate handles a SERVICE_CERTIFICATE response: the
// cert is parsed, verified, and installed, and the caller is told to retry
// the deferred license request.
func (s *Session) installServiceCertificate(signed *wvproto.SignedMessage) (LicenseType, string, error) {
	if !s.privacyMode || !s.serviceCertRequestsAllowed {
		return 0, "", cdmerror.New(cdmerror.StatusServiceCertificateRequestsNotAllowed, nil)
	}
	cert := servicecert.New()
	if err := cert.Init(signed.Msg); err != nil {
		return 0, "", err
	}
	s.cert = cert
	return 0, "", cdmerror.New(cdmerror.StatusNeedKey, nil)
}

func (s *Session) firstKey(ctx context.Context, respBytes []byte, now time.Time) (LicenseType, string, error) {
	var peek wvproto.SignedMessage
	if err := peek.Unmarshal(respBytes); err != nil {
		return 0, "", license.ErrMalformedMessage
	}
	if peek.Type == wvproto.MessageTypeServiceCertificate {
		return s.installServiceCertificate(&peek)
	}

	var responseHasPST bool
	if peek.Type == wvproto.MessageTypeLicense {
		var wl wvproto.License
		if err := wl.Unmarshal(peek.Msg); err == nil {
			responseHasPST = len(wl.PST) > 0
		}
	}

	var allocated bool
	var entryNumber int
	var usageInfoName string

	if s.usageHeader != nil && responseHasPST {
		usageInfoName = s.usageInfoFilenameForOrigin()
		n, err := s.usageHeader.AddEntry(ctx, s.handle, s.flags.Offline, s.keySetID, usageInfoName)
		if err != nil {
			return 0, "", err
		}
		entryNumber = n
		allocated = true
	}

	lic, err := license.HandleKeyResponse(ctx, s.handle, s.lastReq, respBytes)
	if err != nil {
		if allocated {
			_ = s.usageHeader.DeleteEntry(ctx, s.handle, entryNumber)
		}
		return 0, "", err
	}

	s.sawInitialResponse = true
	s.pst = lic.PST
	s.renewalServerURL = lic.RenewalServerURL
	s.lastKeyResponse = respBytes
	if lic.ID.Type == domlicense.IDTypeOffline && lic.Policy.CanPersist {
		s.flags.Offline = true
	}

	startTime := now.Unix()
	if lic.LicenseStartTime != 0 {
		startTime = lic.LicenseStartTime
	}
	s.Policy.SetLicense(s.level, startTime, lic.Policy, lic.ID, lic.Keys)

	var entryBlob []byte
	if allocated {
		s.hasUsageEntry = true
		s.usageEntryNumber = entryNumber
		s.usageInfoFileName = usageInfoName
		blob, err := s.usageHeader.UpdateEntry(ctx, s.handle, entryNumber)
		if err != nil && s.logger != nil {
			s.logger.Printf("session %s: usage entry update failed: %v", s.id, err)
		}
		entryBlob = blob
	}

	if err := s.persistFirstLicense(entryBlob); err != nil {
		return 0, "", err
	}

	return s.outcomeLicenseType(), s.keySetIDIfPersisted(), nil
}

func (s *Session) usageEntryValue(entryBlob []byte) domusage.Entry {
	if !s.hasUsageEntry {
		return domusage.Entry{}
	}
	return domusage.Entry{Number: s.usageEntryNumber, Blob: entryBlob}
}

// persistFirstLicense writes the first-time AddKey outcome to disk:
// offline licenses as a full Record keyed by key-set id, streaming
// licenses that carry a PST as a UsageInfoRecord keyed by
// provider-session-token within the app's usage-info blob.
func (s *Session) persistFirstLicense(entryBlob []byte) error {
	if s.flags.Offline {
		rec := domsession.Record{
			State:                domsession.LicenseStateActive,
			ProviderSessionToken: s.pst,
			KeyRequest:           s.lastReq.Message,
			KeyResponse:          s.lastKeyResponse,
			UsageEntry:           s.usageEntryValue(entryBlob),
		}
		if err := license.PersistOfflineLicense(s.store, s.level, s.origin, s.keySetID, rec); err != nil {
			return err
		}
		if s.hls != nil {
			return license.StoreHLSAttributes(s.store, s.level, s.origin, s.keySetID, s.hls)
		}
		return nil
	}
	if s.pst == "" {
		return nil
	}
	rec := domsession.UsageInfoRecord{
		ProviderSessionToken: s.pst,
		KeyRequest:           s.lastReq.Message,
		KeyResponse:          s.lastKeyResponse,
		KeySetID:             s.keySetID,
		UsageEntry:           s.usageEntryValue(entryBlob),
	}
	return license.StoreUsageInfoRecord(s.store, s.level, s.origin, s.origin, rec)
}

func (s *Session) renewKey(ctx context.Context, respBytes []byte, now time.Time) (LicenseType, string, error) {
	nonce, err := nonceFromRequest(s.lastReq.Message)
	if err != nil {
		return 0, "", err
	}
	lic, err := license.HandleKeyUpdateResponse(ctx, s.handle, s.lastReq, respBytes, nonce)
	if err != nil {
		return 0, "", err
	}
	s.Policy.UpdateLicense(s.level, lic.Policy, lic.ID, lic.Keys)
	if lic.PST != "" {
		s.pst = lic.PST
	}

	var entryBlob []byte
	if s.hasUsageEntry {
		blob, err := s.usageHeader.UpdateEntry(ctx, s.handle, s.usageEntryNumber)
		if err != nil && s.logger != nil {
			s.logger.Printf("session %s: usage entry update after renewal failed: %v", s.id, err)
		}
		entryBlob = blob
	}

	if err := s.persistRenewal(respBytes, entryBlob); err != nil {
		return 0, "", err
	}
	_ = now
	return s.outcomeLicenseType(), s.keySetIDIfPersisted(), nil
}

// persistRenewal re-persists a renewed license's record, carrying the
// renewal request/response alongside the original first-response pair so
// a restored session can replay the full handshake.
func (s *Session) persistRenewal(respBytes, entryBlob []byte) error {
	if s.flags.Offline {
		rec, err := license.LoadOfflineLicenseRecord(s.store, s.level, s.origin, s.keySetID)
		if err != nil {
			return err
		}
		rec.RenewalRequest = s.lastReq.Message
		rec.RenewalResponse = respBytes
		if s.hasUsageEntry {
			rec.UsageEntry = s.usageEntryValue(entryBlob)
		}
		return license.PersistOfflineLicense(s.store, s.level, s.origin, s.keySetID, rec)
	}
	if s.pst == "" {
		return nil
	}
	rec, _, err := license.FindUsageInfoRecord(s.store, s.level, s.origin, s.origin, s.pst)
	if err != nil {
		return err
	}
	rec.ProviderSessionToken = s.pst
	rec.KeySetID = s.keySetID
	rec.KeyRequest = s.lastReq.Message
	rec.KeyResponse = respBytes
	if s.hasUsageEntry {
		rec.UsageEntry = s.usageEntryValue(entryBlob)
	}
	return license.StoreUsageInfoRecord(s.store, s.level, s.origin, s.origin, rec)
}

func (s *Session) releaseKey(ctx context.Context, respBytes []byte) (LicenseType, string, error) {
	var signed wvproto.SignedMessage
	if err := signed.Unmarshal(respBytes); err != nil {
		return 0, "", license.ErrMalformedMessage
	}
	if signed.Type == wvproto.MessageTypeErrorResponse {
		return 0, "", license.ErrServerError
	}
	if err := s.RemoveLicense(ctx); err != nil {
		return 0, "", err
	}
	s.Policy.SetLicenseForRelease(domlicense.Policy{}, domlicense.Identification{})
	return LicenseTypeRelease, s.keySetID, nil
}

func (s *Session) outcomeLicenseType() LicenseType {
	if s.flags.Offline {
		return LicenseTypeOffline
	}
	return LicenseTypeStreaming
}

func (s *Session) keySetIDIfPersisted() string {
	if s.flags.Offline || s.pst != "" {
		return s.keySetID
	}
	return ""
}

func nonceFromRequest(msg []byte) (uint32, error) {
	var req wvproto.LicenseRequest
	if err := req.Unmarshal(msg); err != nil {
		return 0, err
	}
	return req.KeyControlNonce, nil
}

// RemoveLicense deletes this session's persisted license (or usage-info
// record) and any bound usage entry.
func (s *Session) RemoveLicense(ctx context.Context) error {
	if s.hasUsageEntry {
		if err := s.usageHeader.DeleteEntry(ctx, s.handle, s.usageEntryNumber); err != nil {
			return err
		}
		s.hasUsageEntry = false
	}
	if s.flags.Offline {
		_ = s.store.Remove(s.level, s.origin, filestore.HLSBlobName(s.keySetID))
		return license.RemoveOfflineLicense(s.store, s.level, s.origin, s.keySetID)
	}
	if s.pst == "" {
		return nil
	}
	return license.RemoveUsageInfoRecord(s.store, s.level, s.origin, s.origin, s.pst)
}

// RestoreOffline reloads a persisted offline license (keyed by this
// session's key-set id) into this freshly Init'd session. The stored
// record, not the caller, is authoritative for the restored
// playback-start/last-playback/grace-end timestamps.
func (s *Session) RestoreOffline(ctx context.Context) error {
	lic, rec, err := license.RestoreOfflineLicense(ctx, s.handle, s.store, s.level, s.origin, s.keySetID)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrLicenseReleased):
			return cdmerror.New(cdmerror.StatusGetReleasedLicenseError, err)
		case errors.Is(err, filestore.ErrFileNotFound):
			return cdmerror.New(cdmerror.StatusLicenseNotFound, err)
		}
		return err
	}
	s.sawInitialResponse = true
	s.flags.Offline = true
	s.pst = lic.PST
	s.lastKeyResponse = rec.KeyResponse
	if rec.UsageEntry.Blob != nil {
		s.hasUsageEntry = true
		s.usageEntryNumber = rec.UsageEntry.Number
	}
	s.Policy.SetLicense(s.level, lic.LicenseStartTime, lic.Policy, lic.ID, lic.Keys)
	s.Policy.RestorePlaybackTimes(rec.PlaybackStartTime, rec.LastPlaybackTime, rec.GracePeriodEnd)
	return nil
}

// RestoreForRelease primes a freshly Init'd session with a persisted
// offline license's content id so GenerateKeyRequest(..., LicenseTypeRelease)
// can build a release message for a session that never saw the original
// AddKey response itself (the key-set-id-only release path).
func (s *Session) RestoreForRelease(ctx context.Context, keySetID string) error {
	reqMsg, err := license.RestoreLicenseForRelease(s.store, s.level, s.origin, keySetID)
	if err != nil {
		return err
	}
	var req wvproto.LicenseRequest
	if err := req.Unmarshal(reqMsg); err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	s.flags.Offline = true
	s.sawInitialResponse = true
	s.restoredForRelease = true
	s.lastContentID = req.ContentID
	s.lastReq = &license.Request{Message: reqMsg}
	return nil
}

// Decrypt enforces the session's policy checks before delegating
// to the TCE, then records playback progress.
func (s *Session) Decrypt(ctx context.Context, p application.DecryptParams) ([]byte, error) {
	if p.IsEncrypted {
		if s.Policy.IsLicenseForFuture() {
			return nil, cdmerror.New(cdmerror.StatusDecryptNotReady, nil)
		}
		if !s.Policy.IsSufficientOutputProtection(p.KeyID) {
			return nil, cdmerror.New(cdmerror.StatusInsufficientOutputProtection, nil)
		}
		if status := s.Policy.GetKeyStatus(p.KeyID); status != domkeys.KeyStatusUsable {
			return nil, cdmerror.New(cdmerror.StatusNeedKey, nil)
		}
		if !s.Policy.CanUseKeyForSecurityLevel(p.KeyID, s.level) {
			return nil, cdmerror.New(cdmerror.StatusKeyProhibitedForSecurityLevel, nil)
		}
	}

	out, err := s.handle.Decrypt(ctx, p)
	if err != nil {
		if s.Policy.HasLicenseOrPlaybackDurationExpired() {
			return nil, cdmerror.New(cdmerror.StatusNeedKey, err)
		}
		return nil, err
	}

	s.Policy.BeginDecryption()
	if s.hasUsageEntry {
		if _, err := s.usageHeader.UpdateEntry(ctx, s.handle, s.usageEntryNumber); err != nil && s.logger != nil {
			s.logger.Printf("session %s: usage entry update after decrypt failed: %v", s.id, err)
		}
	}
	if !p.IsSecure && s.decryptHash != nil {
		sum := sha256.Sum256(out)
		if !bytes.Equal(sum[:], s.decryptHash) && s.decryptHashError == nil {
			s.decryptHashError = ErrDecryptHashMismatch
		}
	}
	return out, nil
}

// SetDecryptHash installs a bring-up debugging hook: every subsequent
// clear-buffer Decrypt call compares its output against hash, latching the
// first mismatch for GetDecryptHashError. A nil hash disables the check.
func (s *Session) SetDecryptHash(hash []byte) {
	s.decryptHash = hash
	s.decryptHashError = nil
}

// GetDecryptHashError returns the first decrypt-hash mismatch observed since
// the last SetDecryptHash call, or nil if none occurred.
func (s *Session) GetDecryptHashError() error {
	return s.decryptHashError
}

// GenericEncrypt performs a generic AES encryption under an operator-
// session key, for application-defined use outside the content-decryption
// path.
func (s *Session) GenericEncrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error) {
	return s.handle.GenericEncrypt(ctx, keyID, iv, in)
}

// GenericDecrypt performs a generic AES decryption under an operator-
// session key.
func (s *Session) GenericDecrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error) {
	return s.handle.GenericDecrypt(ctx, keyID, iv, in)
}

// GenericSign signs message under an operator-session key.
func (s *Session) GenericSign(ctx context.Context, keyID, message []byte) ([]byte, error) {
	return s.handle.GenericSign(ctx, keyID, message)
}

// GenericVerify verifies signature over message under an operator-session
// key.
func (s *Session) GenericVerify(ctx context.Context, keyID, message, signature []byte) (bool, error) {
	return s.handle.GenericVerify(ctx, keyID, message, signature)
}
