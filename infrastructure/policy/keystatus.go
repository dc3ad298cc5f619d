package policy

import "tungo/domain/keys"

type keyEntry struct {
	kind             keys.Kind
	status           keys.KeyStatus
	usage            keys.AllowedUsage
	operatorUsage    keys.OperatorSessionPermissions
	constraints      keys.Constraints
	meetsConstraints bool
	securityLevelOK  bool
	entitlementKeyID string
}

// KeyTracker is the per-session key-status tracker: maps KeyId -> LicenseKeyStatus, with an
// additional content-key-id -> entitlement-key-id lookup for entitlement
// licenses.
type KeyTracker struct {
	entries     map[string]*keyEntry
	entitlement map[string]string // content key id -> entitlement key id
}

// NewKeyTracker returns an empty tracker.
func NewKeyTracker() *KeyTracker {
	return &KeyTracker{entries: make(map[string]*keyEntry)}
}

// SetFromLicense replaces the tracked key set with the keys carried by a
// freshly received license (SetLicense/UpdateLicense).
func (t *KeyTracker) SetFromLicense(level keys.SecurityLevel, ks []keys.Key) {
	t.entries = make(map[string]*keyEntry, len(ks))
	t.entitlement = make(map[string]string)
	for _, k := range ks {
		e := &keyEntry{
			kind:          k.Kind,
			status:        keys.KeyStatusStatusPending,
			usage:         k.Usage,
			operatorUsage: k.OperatorUsage,
			constraints:   k.Constraints,
			meetsConstraints: true,
			securityLevelOK:  level.Admits(k.Usage.SecurityClass),
		}
		t.entries[string(k.ID)] = e
		if len(k.EntitlementKeyID) > 0 {
			e.entitlementKeyID = string(k.EntitlementKeyID)
			t.entitlement[string(k.ID)] = string(k.EntitlementKeyID)
		}
	}
}

// SetEntitledKeys refreshes the content-key-id -> entitlement-key-id
// mapping after a key-rotation event.
func (t *KeyTracker) SetEntitledKeys(entitled []keys.EntitledKey) {
	if t.entitlement == nil {
		t.entitlement = make(map[string]string)
	}
	for _, ek := range entitled {
		t.entitlement[string(ek.KeyID)] = string(ek.EntitlementKeyID)
	}
}

func (t *KeyTracker) resolve(keyID []byte) (*keyEntry, bool) {
	e, ok := t.entries[string(keyID)]
	if ok {
		return e, true
	}
	if entID, ok := t.entitlement[string(keyID)]; ok {
		e, ok := t.entries[entID]
		return e, ok
	}
	return nil, false
}

// ApplyStatusChange sets every content and entitlement key's status to
// newStatus, overridden to OutputNotAllowed where constraints aren't
// currently met or the session's security level doesn't admit the key's
// class. Entitlement keys track the same status as content keys so
// CanDecryptContent's look-through reflects the license state.
func (t *KeyTracker) ApplyStatusChange(newStatus keys.KeyStatus) (anyChange bool, newUsable []string) {
	for id, e := range t.entries {
		if e.kind == keys.KindOperatorSession {
			continue
		}
		resolved := newStatus
		if !e.meetsConstraints || !e.securityLevelOK {
			resolved = keys.KeyStatusOutputNotAllowed
		}
		if e.status != resolved {
			anyChange = true
			if resolved == keys.KeyStatusUsable {
				newUsable = append(newUsable, id)
			}
		}
		e.status = resolved
	}
	return anyChange, newUsable
}

// ForceExpire unconditionally marks every content and entitlement key
// Expired, used when the policy engine's overall license has expired or
// been released.
func (t *KeyTracker) ForceExpire() {
	for _, e := range t.entries {
		if e.kind != keys.KindOperatorSession {
			e.status = keys.KeyStatusExpired
		}
	}
}

// ApplyConstraints recomputes meetsConstraints for every key with
// resolution-banded output-protection constraints.
func (t *KeyTracker) ApplyConstraints(resolutionPixels uint32, hdcp keys.HDCPLevel) {
	for _, e := range t.entries {
		if e.kind != keys.KindContent {
			continue
		}
		e.meetsConstraints = e.constraints.Meets(resolutionPixels, hdcp)
	}
}

// ExtractKeyStatuses enumerates content keys only.
func (t *KeyTracker) ExtractKeyStatuses() map[string]keys.KeyStatus {
	out := make(map[string]keys.KeyStatus)
	for id, e := range t.entries {
		if e.kind == keys.KindContent {
			out[id] = e.status
		}
	}
	return out
}

// GetKeyStatus returns the status of keyID, or KeyStatusKeyUnknown if not
// tracked.
func (t *KeyTracker) GetKeyStatus(keyID []byte) keys.KeyStatus {
	e, ok := t.resolve(keyID)
	if !ok {
		return keys.KeyStatusKeyUnknown
	}
	return e.status
}

// CanDecryptContent reports whether keyID (following the entitlement
// mapping if present) is currently usable.
func (t *KeyTracker) CanDecryptContent(keyID []byte) bool {
	e, ok := t.resolve(keyID)
	return ok && e.status == keys.KeyStatusUsable
}

// CanUseKeyForSecurityLevel reports whether keyID's required security class
// is admitted at level.
func (t *KeyTracker) CanUseKeyForSecurityLevel(keyID []byte, level keys.SecurityLevel) bool {
	e, ok := t.resolve(keyID)
	if !ok {
		return false
	}
	return level.Admits(e.usage.SecurityClass)
}

// MeetsConstraints reports keyID's last-computed output-protection result.
func (t *KeyTracker) MeetsConstraints(keyID []byte) bool {
	e, ok := t.resolve(keyID)
	return ok && e.meetsConstraints
}

// AllowedUsage returns keyID's allowed-usage descriptor.
func (t *KeyTracker) AllowedUsage(keyID []byte) (keys.AllowedUsage, bool) {
	e, ok := t.resolve(keyID)
	if !ok {
		return keys.AllowedUsage{}, false
	}
	return e.usage, true
}

// OperatorPermissions returns keyID's operator-session permissions.
func (t *KeyTracker) OperatorPermissions(keyID []byte) (keys.OperatorSessionPermissions, bool) {
	e, ok := t.entries[string(keyID)]
	if !ok || e.kind != keys.KindOperatorSession {
		return keys.OperatorSessionPermissions{}, false
	}
	return e.operatorUsage, true
}
