// Package policy implements the per-session policy engine: the
// license-lifecycle state machine (state.go), the key-status tracker
// (keystatus.go), and Engine, which drives both off a rollback-guarded
// clock.
package policy

import (
	"math"
	"sync"

	"tungo/application"
	"tungo/domain/keys"
	"tungo/domain/license"
)

// NeverExpires is the sentinel returned by duration/remaining-time queries
// for a policy with no applicable bound.
const NeverExpires = math.MaxInt64

// HDCPDeviceCheckInterval is how often OnTimerEvent re-evaluates output
// protection constraints against the device's current HDCP/resolution
// state, independent of any renewal timer.
const HDCPDeviceCheckInterval = 3600

// clockRollbackGuardSeconds bounds how far a backward wall-clock jump may
// be trusted before it's treated as not having moved.
const clockRollbackGuardSeconds = 5

// Engine is one DRM session's policy engine: the license-lifecycle state
// machine plus its key-status tracker.
type Engine struct {
	mu sync.Mutex

	sessionID string
	clock     application.Clock
	listener  application.EventListener
	keys      *KeyTracker

	state  LicenseState
	policy license.Policy
	id     license.Identification

	licenseStartTime  int64
	playbackStartTime int64
	lastPlaybackTime  int64

	lastExpiryTime    int64
	lastExpiryTimeSet bool
	graceEnd          int64
	graceNotified     bool

	nextRenewalTime int64
	nextDeviceCheck int64

	lastRecordedCurrentTime int64

	currentResolutionPixels uint32
	currentHDCP             keys.HDCPLevel
}

// NewEngine constructs an Engine in state Initial, tracking no keys.
func NewEngine(sessionID string, clock application.Clock, listener application.EventListener) *Engine {
	return &Engine{
		sessionID: sessionID,
		clock:     clock,
		listener:  listener,
		keys:      NewKeyTracker(),
		state:     StateInitial,
	}
}

// currentTime returns the engine's clamped view of now: raw wall-clock
// time, floored at lastRecordedCurrentTime-clockRollbackGuardSeconds and
// never allowed to move backward.
func (e *Engine) currentTime() int64 {
	raw := e.clock.NowUnix()
	floor := e.lastRecordedCurrentTime - clockRollbackGuardSeconds
	guarded := raw
	if guarded < floor {
		guarded = floor
	}
	if guarded > e.lastRecordedCurrentTime {
		e.lastRecordedCurrentTime = guarded
	}
	return e.lastRecordedCurrentTime
}

// SetLicense installs a freshly issued license. level is the
// security level the session's TCE is running at, used to admit each key's
// security class.
func (e *Engine) SetLicense(level keys.SecurityLevel, startTime int64, pol license.Policy, id license.Identification, ks []keys.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policy = pol
	e.id = id
	e.licenseStartTime = startTime
	e.lastExpiryTimeSet = false
	e.graceEnd = startTime + pol.PlayStartGracePeriodSeconds
	e.graceNotified = false
	e.keys.SetFromLicense(level, ks)

	now := e.currentTime()
	if startTime > now {
		e.state = StatePending
		return
	}
	if pol.CanPlay {
		e.state = StateCanPlay
		e.keys.ApplyStatusChange(keys.KeyStatusUsable)
	} else {
		e.state = StateInitial
	}
	e.scheduleRenewalLocked(now)
}

// UpdateLicense installs a renewed policy/identification, keeping playback
// timestamps and re-admitting the (possibly refreshed) key set.
func (e *Engine) UpdateLicense(level keys.SecurityLevel, pol license.Policy, id license.Identification, ks []keys.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policy = pol
	e.id = id
	e.lastExpiryTimeSet = false
	if len(ks) > 0 {
		e.keys.SetFromLicense(level, ks)
	}

	now := e.currentTime()
	if e.state != StateExpired {
		if pol.CanPlay {
			e.state = StateCanPlay
			e.keys.ApplyStatusChange(keys.KeyStatusUsable)
		}
		e.scheduleRenewalLocked(now)
	}
}

// SetLicenseForRelease installs the terminal release-confirmation policy:
// every previously tracked key is forced Expired regardless of its usual
// constraints.
func (e *Engine) SetLicenseForRelease(pol license.Policy, id license.Identification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policy = pol
	e.id = id
	e.state = StateExpired
	e.keys.ForceExpire()
	if e.listener != nil {
		e.listener.OnKeyStatusChange(e.sessionID, e.keys.ExtractKeyStatuses())
	}
}

// NotifyRenewalRequested records that a renewal request has been emitted:
// the engine moves to WaitingLicenseUpdate and re-raises OnRenewalNeeded
// at the retry interval until UpdateLicense installs the server's answer.
func (e *Engine) NotifyRenewalRequested() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateExpired || e.state == StateInitial {
		return
	}
	e.state = StateWaitingLicenseUpdate
	if e.policy.RenewalRetryIntervalSeconds > 0 {
		e.nextRenewalTime = e.currentTime() + e.policy.RenewalRetryIntervalSeconds
	}
}

// SetEntitledKeys refreshes the content-key-id to entitlement-key-id
// mapping after a key-rotation event, so CanDecryptContent looks through
// freshly rotated content keys to their still-loaded entitlement key.
func (e *Engine) SetEntitledKeys(entitled []keys.EntitledKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys.SetEntitledKeys(entitled)
}

// BeginDecryption records the first decrypt call's timestamp as the
// playback start time; later calls only refresh the last-playback time.
func (e *Engine) BeginDecryption() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playbackStartTime == 0 {
		e.playbackStartTime = e.currentTime()
	}
	e.lastPlaybackTime = e.currentTime()
}

// DecryptionEvent records an ongoing playback tick.
func (e *Engine) DecryptionEvent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPlaybackTime = e.currentTime()
}

// hardLicenseExpiryTimeLocked is the absolute license-duration bound, or
// NeverExpires when unbounded.
func (e *Engine) hardLicenseExpiryTimeLocked() int64 {
	if e.policy.LicenseDurationSeconds == 0 {
		return NeverExpires
	}
	return e.licenseStartTime + e.policy.LicenseDurationSeconds
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// rentalExpiryTimeLocked is the rental-duration bound (falling back to the
// license duration when no rental duration is set), clamped to the hard
// license expiry.
func (e *Engine) rentalExpiryTimeLocked() int64 {
	dur := e.policy.RentalDurationSeconds
	if dur == 0 {
		dur = e.policy.LicenseDurationSeconds
	}
	if dur == 0 {
		return NeverExpires
	}
	return min64(e.licenseStartTime+dur, e.hardLicenseExpiryTimeLocked())
}

// expiryTimeLocked resolves the earliest time this license stops being
// playable: the rental bound before playback starts, the playback-duration
// bound afterward (unless soft-enforced, in which case only the hard
// license bound applies), always clamped to the hard license duration.
func (e *Engine) expiryTimeLocked() int64 {
	hard := e.hardLicenseExpiryTimeLocked()
	if e.playbackStartTime == 0 {
		return min64(hard, e.rentalExpiryTimeLocked())
	}
	if e.policy.PlaybackDurationSeconds == 0 || e.policy.SoftEnforcePlaybackDuration {
		return hard
	}
	return min64(hard, e.playbackStartTime+e.policy.PlaybackDurationSeconds)
}

// hasExpiredLocked reports whether, at time now, the license's hard
// duration or playback/rental bound has elapsed. The grace period after
// license start suppresses everything but the hard bound.
func (e *Engine) hasExpiredLocked(now int64) bool {
	if hard := e.hardLicenseExpiryTimeLocked(); hard != NeverExpires && now >= hard {
		return true
	}
	if now < e.graceEnd {
		return false
	}
	return now >= e.expiryTimeLocked()
}

func (e *Engine) scheduleRenewalLocked(now int64) {
	if e.policy.RenewalDelaySeconds > 0 {
		e.nextRenewalTime = e.licenseStartTime + e.policy.RenewalDelaySeconds
	} else {
		e.nextRenewalTime = 0
	}
	e.nextDeviceCheck = now + HDCPDeviceCheckInterval
}

// OnTimerEvent advances the engine's clock view and applies every
// time-driven transition: pending-to-playable, grace-period expiry,
// license/playback-duration expiry, periodic HDCP/resolution recheck, and
// renewal-due notification.
func (e *Engine) OnTimerEvent() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.currentTime()
	if e.state == StateExpired {
		return
	}

	if e.state == StatePending && now >= e.licenseStartTime {
		if e.policy.CanPlay {
			e.state = StateCanPlay
			e.keys.ApplyStatusChange(keys.KeyStatusUsable)
		}
	}

	if now >= e.graceEnd && !e.graceNotified {
		e.graceNotified = true
		if e.listener != nil {
			e.listener.OnExpirationUpdate(e.sessionID, e.expiryTimeLocked())
		}
	}

	if e.hasExpiredLocked(now) {
		e.state = StateExpired
		e.keys.ForceExpire()
		if e.listener != nil {
			e.listener.OnKeyStatusChange(e.sessionID, e.keys.ExtractKeyStatuses())
		}
		return
	}

	if now >= e.nextDeviceCheck {
		e.nextDeviceCheck = now + HDCPDeviceCheckInterval
		e.keys.ApplyConstraints(e.currentResolutionPixels, e.currentHDCP)
		if e.listener != nil {
			e.listener.OnKeyStatusChange(e.sessionID, e.keys.ExtractKeyStatuses())
		}
	}

	switch e.state {
	case StatePending, StateCanPlay:
		if e.nextRenewalTime != 0 && now >= e.nextRenewalTime {
			e.state = StateNeedRenewal
			if e.listener != nil {
				e.listener.OnRenewalNeeded(e.sessionID)
			}
		}
	case StateNeedRenewal, StateWaitingLicenseUpdate:
		if e.policy.RenewalRetryIntervalSeconds > 0 && now >= e.nextRenewalTime {
			e.nextRenewalTime = now + e.policy.RenewalRetryIntervalSeconds
			if e.listener != nil {
				e.listener.OnRenewalNeeded(e.sessionID)
			}
		}
	}
}

// CanDecryptContent reports whether keyID is currently usable.
func (e *Engine) CanDecryptContent(keyID []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.CanDecryptContent(keyID)
}

// GetKeyStatus returns keyID's tracked status.
func (e *Engine) GetKeyStatus(keyID []byte) keys.KeyStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.GetKeyStatus(keyID)
}

// CanUseKeyForSecurityLevel reports whether keyID's required security
// class is admitted at level.
func (e *Engine) CanUseKeyForSecurityLevel(keyID []byte, level keys.SecurityLevel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.CanUseKeyForSecurityLevel(keyID, level)
}

// IsSufficientOutputProtection reports keyID's last-computed
// output-protection result.
func (e *Engine) IsSufficientOutputProtection(keyID []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys.MeetsConstraints(keyID)
}

// AllowedUsage returns the allowed-usage descriptor tracked for keyID.
func (e *Engine) AllowedUsage(keyID []byte) keys.AllowedUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	usage, _ := e.keys.AllowedUsage(keyID)
	return usage
}

// NotifyResolution recomputes every content key's output-protection
// constraint against the device's current HDCP level and the given
// resolution.
func (e *Engine) NotifyResolution(widthPixels, heightPixels uint32, hdcp keys.HDCPLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentResolutionPixels = widthPixels * heightPixels
	e.currentHDCP = hdcp
	e.keys.ApplyConstraints(e.currentResolutionPixels, e.currentHDCP)
	if e.listener != nil {
		e.listener.OnKeyStatusChange(e.sessionID, e.keys.ExtractKeyStatuses())
	}
}

// NotifySessionExpiration forces the session to Expired immediately,
// independent of the timer.
func (e *Engine) NotifySessionExpiration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateExpired
	e.keys.ForceExpire()
	if e.listener != nil {
		e.listener.OnKeyStatusChange(e.sessionID, e.keys.ExtractKeyStatuses())
	}
}

// GetPlaybackStartTime returns the timestamp BeginDecryption first
// recorded, or 0 if playback hasn't started.
func (e *Engine) GetPlaybackStartTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playbackStartTime
}

// GetLastPlaybackTime returns the timestamp of the most recent
// DecryptionEvent/BeginDecryption call.
func (e *Engine) GetLastPlaybackTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPlaybackTime
}

// GetGracePeriodEndTime returns when the play-start grace period ends.
func (e *Engine) GetGracePeriodEndTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graceEnd
}

// RestorePlaybackTimes reinstates playback timestamps recovered from a
// persisted offline-license record, so an offline license's clocks survive
// a process restart.
func (e *Engine) RestorePlaybackTimes(playbackStartTime, lastPlaybackTime, graceEnd int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbackStartTime = playbackStartTime
	e.lastPlaybackTime = lastPlaybackTime
	e.graceEnd = graceEnd
}

// IsLicenseForFuture reports whether the license's start time hasn't
// arrived yet.
func (e *Engine) IsLicenseForFuture() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StatePending
}

// HasPlaybackStarted reports whether BeginDecryption has been called.
func (e *Engine) HasPlaybackStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playbackStartTime != 0
}

// HasLicenseOrPlaybackDurationExpired reports whether the license is
// currently expired.
func (e *Engine) HasLicenseOrPlaybackDurationExpired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasExpiredLocked(e.currentTime())
}

// GetLicenseOrPlaybackDurationRemaining returns the seconds remaining
// before expiry, or NeverExpires if unbounded.
func (e *Engine) GetLicenseOrPlaybackDurationRemaining() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	expiry := e.expiryTimeLocked()
	if expiry == NeverExpires {
		return NeverExpires
	}
	remaining := expiry - e.currentTime()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CanRenew reports whether the license's policy permits renewal.
func (e *Engine) CanRenew() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.CanRenew
}

// State returns the engine's current LicenseState.
func (e *Engine) State() LicenseState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Identification returns the license identification the engine is
// currently tracking, for use building a renewal request.
func (e *Engine) Identification() license.Identification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}
