// Package engine is the single public entry point a host application talks
// to: it owns the session repository, the key-set-id-to-session index used
// by the license-server-initiated release path, the per-level usage-table
// headers, device provisioning, and the periodic timer sweep.
package engine

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"tungo/application"
	"tungo/domain/cdmerror"
	domkeys "tungo/domain/keys"
	"tungo/domain/wvproto"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/policy"
	"tungo/infrastructure/provisioning"
	"tungo/infrastructure/provisioning/servicecert"
	"tungo/infrastructure/session"
	"tungo/infrastructure/usage"
)

// DefaultReleaseTTL is how long an OpenKeySetSession-created session is
// kept alive waiting for a generate_key_request(..., RELEASE)/add_key
// round trip before the timer sweep force-closes it.
const DefaultReleaseTTL = 60 * time.Second

// DefaultProvisioningURL is returned alongside every provisioning request as
// a placeholder destination; a real deployment names its own provisioning
// service here instead.
const DefaultProvisioningURL = "https://www.googleapis.com/certificateprovisioning/v1"

type keySetEntry struct {
	sessionID string
	deadline  time.Time
}

type pendingProvisioning struct {
	handle   application.TCESession
	nonce    uint32
	certType wvproto.CertificateType
	cert     *servicecert.Certificate
	signedResponse bool
}

type headerKey struct {
	level  domkeys.SecurityLevel
	origin string
}

// Option adjusts an Engine at construction time.
type Option func(*Engine)

// WithReleaseTTL overrides how long key-set sessions await their release
// round trip before being swept.
func WithReleaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.releaseTTL = ttl }
}

// WithTextProvisioningMessages makes provisioning requests and responses
// travel as web-safe base64 without padding (inside a JSON wrapper on the
// response side) instead of raw bytes, for platforms whose provisioning
// transport is text-only.
func WithTextProvisioningMessages() Option {
	return func(e *Engine) { e.textProvisioning = true }
}

// Engine is the process-wide CDM façade. One Engine owns one TCE, one
// FileStore root, and every open session against them.
type Engine struct {
	tce    application.TCE
	store  application.FileStore
	clock  application.Clock
	logger application.Logger

	releaseTTL       time.Duration
	textProvisioning bool

	reserved *filestore.ReservedIDs
	sessions *session.Map

	idMu   sync.Mutex
	nextID uint64

	ksMu    sync.RWMutex
	keySets map[string]keySetEntry

	certMu sync.RWMutex
	cert   *servicecert.Certificate

	uhMu         sync.Mutex
	usageHeaders map[headerKey]*usage.Header

	provMu  sync.Mutex
	pending map[domkeys.SecurityLevel]*pendingProvisioning
}

// New constructs an Engine bound to tce and store.
func New(tce application.TCE, store application.FileStore, clock application.Clock, logger application.Logger, opts ...Option) *Engine {
	e := &Engine{
		tce:          tce,
		store:        store,
		clock:        clock,
		logger:       logger,
		releaseTTL:   DefaultReleaseTTL,
		reserved:     filestore.NewReservedIDs(),
		sessions:     session.NewMap(),
		keySets:      make(map[string]keySetEntry),
		usageHeaders: make(map[headerKey]*usage.Header),
		pending:      make(map[domkeys.SecurityLevel]*pendingProvisioning),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close tears the engine down, closing every open session. Usage entries
// are updated by each session's own Close path before its TCE handle is
// released.
func (e *Engine) Close(ctx context.Context) {
	e.sessions.CloseAll(ctx)
}

func (e *Engine) newSessionID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	e.nextID++
	return "S" + itoa(e.nextID)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func validKeySystem(keySystem string) bool {
	return strings.Contains(keySystem, "widevine")
}

// SharedUsageHeader hands out the per-(level, origin) usage-table-header
// singleton, lazily Init'ing it against the first session's TCE handle
// (session.UsageHeaderProvider). On first init, any PST-bearing stored
// record that predates usage-entry support (no entry blob) is migrated
// into the freshly loaded table.
func (e *Engine) SharedUsageHeader(ctx context.Context, level domkeys.SecurityLevel, origin string, handle application.TCESession) (*usage.Header, error) {
	e.uhMu.Lock()
	defer e.uhMu.Unlock()
	key := headerKey{level: level, origin: origin}
	if h, ok := e.usageHeaders[key]; ok {
		return h, nil
	}
	h := usage.New(level, origin, e.store, e.logger)
	if err := h.Init(ctx, handle); err != nil {
		return nil, err
	}
	if err := e.upgradeLegacyRecords(ctx, level, origin, handle, h); err != nil && e.logger != nil {
		e.logger.Printf("engine: legacy usage-record upgrade at level %d failed: %v", level, err)
	}
	e.usageHeaders[key] = h
	return h, nil
}

func (e *Engine) dropUsageHeaders(level domkeys.SecurityLevel) {
	e.uhMu.Lock()
	defer e.uhMu.Unlock()
	for key := range e.usageHeaders {
		if key.level == level {
			delete(e.usageHeaders, key)
		}
	}
}

// InstallServiceCertificate parses and installs a signed service
// certificate, used to encrypt the client id on every subsequent privacy-
// mode OpenSession/GenerateKeyRequest.
func (e *Engine) InstallServiceCertificate(signed []byte) error {
	cert := servicecert.New()
	if err := cert.Init(signed); err != nil {
		return err
	}
	e.certMu.Lock()
	e.cert = cert
	e.certMu.Unlock()
	return nil
}

func (e *Engine) serviceCertificate() *servicecert.Certificate {
	e.certMu.RLock()
	defer e.certMu.RUnlock()
	return e.cert
}

// OpenSession opens a new session at a host-allocated id, returning it.
func (e *Engine) OpenSession(ctx context.Context, keySystem string, listener application.EventListener, clientID *wvproto.ClientIdentification, level domkeys.SecurityLevel, privacyMode, preferEntitlement bool) (string, error) {
	if !validKeySystem(keySystem) {
		return "", cdmerror.New(cdmerror.StatusInvalidKeySystem, ErrInvalidKeySystem)
	}
	e.sweepExpiredKeySetSessions(ctx)

	id := e.newSessionID()
	sess := session.New(id, level, originFromClientID(clientID), e.tce, e.store, e.reserved, e.clock, e.logger, listener, e)
	if err := sess.Init(ctx, clientID, privacyMode, e.serviceCertificate(), preferEntitlement, ""); err != nil {
		return "", err
	}
	e.sessions.Add(sess)
	return id, nil
}

// OpenSessionForced opens a session under a caller-supplied id, failing
// with StatusDuplicateSessionID if that id is already in use.
func (e *Engine) OpenSessionForced(ctx context.Context, keySystem, sessionID string, listener application.EventListener, clientID *wvproto.ClientIdentification, level domkeys.SecurityLevel, privacyMode, preferEntitlement bool) error {
	if !validKeySystem(keySystem) {
		return cdmerror.New(cdmerror.StatusInvalidKeySystem, ErrInvalidKeySystem)
	}
	if _, ok := e.sessions.Find(sessionID); ok {
		return cdmerror.New(cdmerror.StatusDuplicateSessionID, nil)
	}
	e.sweepExpiredKeySetSessions(ctx)

	sess := session.New(sessionID, level, originFromClientID(clientID), e.tce, e.store, e.reserved, e.clock, e.logger, listener, e)
	if err := sess.Init(ctx, clientID, privacyMode, e.serviceCertificate(), preferEntitlement, ""); err != nil {
		return err
	}
	e.sessions.Add(sess)
	return nil
}

// CloseSession closes and forgets sessionID.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	if err := e.sessions.Close(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return cdmerror.New(cdmerror.StatusSessionNotFound, err)
		}
		return err
	}
	return nil
}

// OpenKeySetSession opens a session bound to an already-issued key-set id,
// for restoring or releasing a persisted license without the session that
// originally requested it. origin scopes the stored-license lookup the
// same way the original session's origin scoped its persistence. Any prior
// session tracked for keySetID is closed first.
func (e *Engine) OpenKeySetSession(ctx context.Context, keySetID, origin string, listener application.EventListener, level domkeys.SecurityLevel) (string, error) {
	e.ksMu.Lock()
	if old, ok := e.keySets[keySetID]; ok {
		delete(e.keySets, keySetID)
		e.ksMu.Unlock()
		_ = e.CloseSession(ctx, old.sessionID)
	} else {
		e.ksMu.Unlock()
	}

	id := e.newSessionID()
	sess := session.New(id, level, origin, e.tce, e.store, e.reserved, e.clock, e.logger, listener, e)
	if err := sess.Init(ctx, nil, false, nil, false, keySetID); err != nil {
		return "", err
	}
	if err := sess.RestoreForRelease(ctx, keySetID); err != nil {
		_ = sess.Close(ctx)
		return "", cdmerror.New(cdmerror.StatusKeySetIDNotFound, err)
	}
	e.sessions.Add(sess)

	e.ksMu.Lock()
	e.keySets[keySetID] = keySetEntry{sessionID: id, deadline: e.now().Add(e.releaseTTL)}
	e.ksMu.Unlock()
	return id, nil
}

// CloseKeySetSession closes the session OpenKeySetSession created for
// keySetID, if one is still tracked.
func (e *Engine) CloseKeySetSession(ctx context.Context, keySetID string) error {
	e.ksMu.Lock()
	entry, ok := e.keySets[keySetID]
	if ok {
		delete(e.keySets, keySetID)
	}
	e.ksMu.Unlock()
	if !ok {
		return cdmerror.New(cdmerror.StatusKeySetIDNotFound, nil)
	}
	return e.CloseSession(ctx, entry.sessionID)
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return time.Unix(e.clock.NowUnix(), 0)
}

// resolveKeySetSession maps an empty session id plus a key-set id to the
// session OpenKeySetSession opened for it, the path a license server uses to
// drive a release without ever learning the real session id.
func (e *Engine) resolveKeySetSession(keySetID string) (string, error) {
	e.ksMu.RLock()
	entry, ok := e.keySets[keySetID]
	e.ksMu.RUnlock()
	if !ok {
		return "", cdmerror.New(cdmerror.StatusKeySetIDNotFound, nil)
	}
	return entry.sessionID, nil
}

// GenerateKeyRequest builds the next outbound protocol message for
// sessionID. If sessionID is empty, keySetID is used to resolve the session
// OpenKeySetSession created for a release-only request.
func (e *Engine) GenerateKeyRequest(ctx context.Context, sessionID, keySetID string, initData []byte, licenseType session.LicenseType, now time.Time) (string, []byte, error) {
	if sessionID == "" {
		id, err := e.resolveKeySetSession(keySetID)
		if err != nil {
			return "", nil, err
		}
		sessionID = id
	}
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return "", nil, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	msg, err := sess.GenerateKeyRequest(ctx, initData, licenseType, now)
	return sessionID, msg, err
}

// AddKey ingests a server response for sessionID (resolved from keySetID
// the same way GenerateKeyRequest is, when sessionID is empty). A
// successful release response closes and forgets the session.
func (e *Engine) AddKey(ctx context.Context, sessionID, keySetID string, respBytes []byte, now time.Time) (session.LicenseType, string, error) {
	if sessionID == "" {
		id, err := e.resolveKeySetSession(keySetID)
		if err != nil {
			return 0, "", err
		}
		sessionID = id
	}
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return 0, "", cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	lt, ks, err := sess.AddKey(ctx, respBytes, now)
	if err != nil {
		return 0, "", err
	}
	if lt == session.LicenseTypeRelease {
		e.ksMu.Lock()
		delete(e.keySets, ks)
		e.ksMu.Unlock()
		_ = e.sessions.Close(ctx, sessionID)
	}
	return lt, ks, nil
}

// GenerateRenewalRequest forces a renewal message even though the session's
// own state machine would also produce one from GenerateKeyRequest once a
// license has been received; callers that already track license state
// separately from session state use this entry point instead.
func (e *Engine) GenerateRenewalRequest(ctx context.Context, sessionID string, now time.Time) ([]byte, error) {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return nil, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.GenerateKeyRequest(ctx, nil, session.LicenseTypeStreaming, now)
}

// RenewKey ingests a renewal response for sessionID.
func (e *Engine) RenewKey(ctx context.Context, sessionID string, respBytes []byte, now time.Time) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	_, _, err := sess.AddKey(ctx, respBytes, now)
	return err
}

// RestoreKey reloads a persisted offline license into sessionID, reading
// playback timestamps from the stored record rather than from the caller.
func (e *Engine) RestoreKey(ctx context.Context, sessionID string) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	if err := sess.RestoreOffline(ctx); err != nil {
		var ce *cdmerror.Error
		if errors.As(err, &ce) {
			return err
		}
		return cdmerror.New(cdmerror.StatusGetReleasedLicenseError, err)
	}
	return nil
}

// RemoveKeys wipes sessionID's loaded keys without tearing down the session
// itself.
func (e *Engine) RemoveKeys(ctx context.Context, sessionID string) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.RemoveKeys(ctx)
}

// RemoveLicense deletes sessionID's persisted offline license, if any.
func (e *Engine) RemoveLicense(ctx context.Context, sessionID string) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.RemoveLicense(ctx)
}

// Decrypt decrypts against sessionID, or, if sessionID is empty, against
// whichever open session holds a usable key for keyID with the longest
// remaining license validity (the no-session-id decrypt path a playback
// pipeline uses once it only tracks key ids, not session ids).
func (e *Engine) Decrypt(ctx context.Context, sessionID string, p application.DecryptParams) ([]byte, error) {
	if sessionID != "" {
		sess, ok := e.sessions.Find(sessionID)
		if !ok {
			return nil, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
		}
		return sess.Decrypt(ctx, p)
	}

	var best *session.Session
	var bestRemaining int64 = -1
	for _, sess := range e.sessions.List() {
		if !sess.Policy.CanDecryptContent(p.KeyID) {
			continue
		}
		if remaining := sess.Policy.GetLicenseOrPlaybackDurationRemaining(); remaining > bestRemaining {
			bestRemaining = remaining
			best = sess
		}
	}
	if best == nil {
		return nil, cdmerror.New(cdmerror.StatusNeedKey, nil)
	}
	return best.Decrypt(ctx, p)
}

// QuerySessionStatus reports sessionID's policy-engine license state.
func (e *Engine) QuerySessionStatus(sessionID string) (policy.LicenseState, error) {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return 0, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.Policy.State(), nil
}

// QueryKeyStatus reports the lifecycle status of keyID within sessionID.
func (e *Engine) QueryKeyStatus(sessionID string, keyID []byte) (domkeys.KeyStatus, error) {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return 0, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.Policy.GetKeyStatus(keyID), nil
}

// QueryKeyAllowedUsage reports the allowed-usage descriptor for keyID
// within sessionID, or, if sessionID is empty, the first open session that
// carries that key (mirroring Decrypt's no-session-id lookup).
func (e *Engine) QueryKeyAllowedUsage(sessionID string, keyID []byte) (domkeys.AllowedUsage, error) {
	if sessionID != "" {
		sess, ok := e.sessions.Find(sessionID)
		if !ok {
			return domkeys.AllowedUsage{}, cdmerror.New(cdmerror.StatusSessionNotFound, nil)
		}
		return sess.Policy.AllowedUsage(keyID), nil
	}
	for _, sess := range e.sessions.List() {
		if sess.Policy.CanDecryptContent(keyID) {
			return sess.Policy.AllowedUsage(keyID), nil
		}
	}
	return domkeys.AllowedUsage{}, cdmerror.New(cdmerror.StatusKeyNotFound, nil)
}

// QueryOEMCryptoSessionID reports the opaque identifier a host can pass to
// out-of-band TCE diagnostics for sessionID. This implementation's TCE
// adapter does not expose a crypto-engine-internal session number through
// application.TCESession, so the DRM session id doubles as that identifier.
func (e *Engine) QueryOEMCryptoSessionID(sessionID string) (string, error) {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return "", cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.ID(), nil
}

// IsProvisioned reports whether a device certificate is already stored at
// level.
func (e *Engine) IsProvisioned(level domkeys.SecurityLevel) bool {
	return e.store.Exists(level, "", filestore.CertificateBlobName)
}

// Unprovision deletes the stored device certificate and usage table for
// level, forcing the next OpenSession at that level to fail with
// StatusNeedProvisioning. Devices whose identity is a baked-in DRM
// certificate cannot be reprovisioned and are refused.
func (e *Engine) Unprovision(level domkeys.SecurityLevel) error {
	method, err := e.tce.GetProvisioningMethod()
	if err != nil {
		return err
	}
	if method == application.ProvisioningMethodDRMCert {
		return cdmerror.New(cdmerror.StatusDeviceCannotReprovision, nil)
	}
	if err := e.store.Remove(level, "", filestore.CertificateBlobName); err != nil {
		return err
	}
	if err := e.store.Remove(level, "", filestore.UsageTableBlobName); err != nil {
		return err
	}
	e.dropUsageHeaders(level)
	return nil
}

// provisioningSPOID resolves the stable per-origin identifier bound into a
// provisioning request: the caller's, else the service certificate's
// provider id, else the device unique id concatenated with the origin.
func (e *Engine) provisioningSPOID(cert *servicecert.Certificate, origin, spoid string) string {
	if spoid != "" {
		return spoid
	}
	if cert != nil {
		if provider, err := cert.ProviderID(); err == nil && provider != "" {
			return provider
		}
	}
	deviceID, err := e.tce.GetDeviceID()
	if err != nil {
		return origin
	}
	return hex.EncodeToString(deviceID) + origin
}

// GetProvisioningRequest builds a signed provisioning request at level,
// stashing the opened TCE session and nonce until the matching
// HandleProvisioningResponse call. A request already pending for level is
// superseded (its TCE session closed) rather than left to leak.
func (e *Engine) GetProvisioningRequest(ctx context.Context, level domkeys.SecurityLevel, certType wvproto.CertificateType, certAuthority, origin, spoid string) ([]byte, string, error) {
	cert := e.serviceCertificate()
	if cert == nil {
		var err error
		cert, err = servicecert.DefaultCertificate()
		if err != nil {
			return nil, "", err
		}
	}

	handle, err := e.tce.OpenSession(ctx, level)
	if err != nil {
		return nil, "", err
	}
	token, err := e.tce.GetProvisioningToken()
	if err != nil {
		_ = handle.Close(ctx)
		return nil, "", err
	}
	method, err := e.tce.GetProvisioningMethod()
	if err != nil {
		_ = handle.Close(ctx)
		return nil, "", err
	}
	protocol := wvproto.ProvisioningProtocolV2
	if method != application.ProvisioningMethodKeybox {
		protocol = wvproto.ProvisioningProtocolV3
	}
	clientID := &wvproto.ClientIdentification{Type: int32(method), Token: token}

	req, err := provisioning.BuildRequest(ctx, handle, clientID, cert, provisioning.Options{
		CertificateType:      certType,
		CertificateAuthority: certAuthority,
		SPOID:                e.provisioningSPOID(cert, origin, spoid),
	}, protocol)
	if err != nil {
		_ = handle.Close(ctx)
		return nil, "", err
	}

	e.provMu.Lock()
	if old, ok := e.pending[level]; ok {
		_ = old.handle.Close(ctx)
	}
	e.pending[level] = &pendingProvisioning{
		handle:         handle,
		nonce:          req.Nonce,
		certType:       certType,
		cert:           cert,
		signedResponse: method == application.ProvisioningMethodOEMCert,
	}
	e.provMu.Unlock()

	out := req.Signed.Marshal()
	if e.textProvisioning {
		out = []byte(base64.RawURLEncoding.EncodeToString(out))
	}
	return out, DefaultProvisioningURL, nil
}

// provisioningResponseWrapper is the JSON envelope text-mode provisioning
// responses arrive in.
type provisioningResponseWrapper struct {
	SignedResponse string `json:"signedResponse"`
}

func (e *Engine) decodeProvisioningResponse(respBytes []byte) ([]byte, error) {
	if !e.textProvisioning {
		return respBytes, nil
	}
	var wrapper provisioningResponseWrapper
	encoded := respBytes
	if err := json.Unmarshal(respBytes, &wrapper); err == nil && wrapper.SignedResponse != "" {
		encoded = []byte(wrapper.SignedResponse)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, cdmerror.New(cdmerror.StatusParseError, err)
	}
	return decoded, nil
}

// HandleProvisioningResponse completes the provisioning round trip started
// by GetProvisioningRequest. Widevine device certificates are stored into
// the file store (and nothing is returned); x509 certificates are handed
// back to the caller as (certificate, wrapped key) for its own keystore.
// A response arriving after the pending state was already superseded still
// reports success if the store holds a valid certificate.
func (e *Engine) HandleProvisioningResponse(ctx context.Context, level domkeys.SecurityLevel, respBytes []byte) ([]byte, []byte, error) {
	e.provMu.Lock()
	pending, ok := e.pending[level]
	if ok {
		delete(e.pending, level)
	}
	e.provMu.Unlock()
	if !ok {
		if e.IsProvisioned(level) {
			return nil, nil, nil
		}
		return nil, nil, cdmerror.New(cdmerror.StatusNotInitialized, ErrNoPendingProvisioning)
	}

	decoded, err := e.decodeProvisioningResponse(respBytes)
	if err != nil {
		_ = pending.handle.Close(ctx)
		return nil, nil, err
	}

	result, err := provisioning.HandleResponse(ctx, pending.handle, pending.cert, decoded, pending.nonce, pending.signedResponse)
	closeErr := pending.handle.Close(ctx)
	if err != nil {
		return nil, nil, err
	}
	if closeErr != nil {
		return nil, nil, closeErr
	}

	if pending.certType == wvproto.CertificateTypeX509 {
		return result.CertificateBytes, result.WrappedPrivateKey, nil
	}
	blob, err := provisioning.EncodeStoredCertificate(provisioning.StoredCertificate{
		Certificate:       result.CertificateBytes,
		WrappedPrivateKey: result.WrappedPrivateKey,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, nil, e.store.Store(level, "", filestore.CertificateBlobName, blob)
}

// OnTimerEvent sweeps OpenKeySetSession-created sessions past their release
// deadline and ticks every session's policy engine. Not re-entrant: callers
// (a host's own timer loop, and every OpenSession/OpenSessionForced call)
// must not call it concurrently with itself.
func (e *Engine) OnTimerEvent(ctx context.Context) {
	for _, sess := range e.sessions.List() {
		sess.Policy.OnTimerEvent()
	}
	e.sweepExpiredKeySetSessions(ctx)
}

func (e *Engine) sweepExpiredKeySetSessions(ctx context.Context) {
	now := e.now()
	e.ksMu.Lock()
	var expiredSessionIDs []string
	for ksID, entry := range e.keySets {
		if now.After(entry.deadline) {
			expiredSessionIDs = append(expiredSessionIDs, entry.sessionID)
			delete(e.keySets, ksID)
		}
	}
	e.ksMu.Unlock()

	for _, sessionID := range expiredSessionIDs {
		_ = e.sessions.Close(ctx, sessionID)
	}
}

func originFromClientID(clientID *wvproto.ClientIdentification) string {
	if clientID == nil {
		return ""
	}
	return string(clientID.Token)
}
