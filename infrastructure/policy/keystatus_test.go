package policy

import (
	"testing"

	"tungo/domain/keys"
)

// TestEntitlementLookThrough: once the entitlement key is usable and the
// content-key mapping is registered, CanDecryptContent resolves the
// content key through it.
func TestEntitlementLookThrough(t *testing.T) {
	tr := NewKeyTracker()
	tr.SetFromLicense(keys.SecurityLevelL1, []keys.Key{
		{ID: []byte("ent-1"), Kind: keys.KindEntitlement},
	})
	tr.ApplyStatusChange(keys.KeyStatusUsable)

	if tr.CanDecryptContent([]byte("content-k")) {
		t.Fatal("content key should be unknown before the entitled-key mapping is set")
	}

	tr.SetEntitledKeys([]keys.EntitledKey{
		{EntitlementKeyID: []byte("ent-1"), KeyID: []byte("content-k")},
	})
	if !tr.CanDecryptContent([]byte("content-k")) {
		t.Fatal("content key should resolve through its entitlement key")
	}

	tr.ForceExpire()
	if tr.CanDecryptContent([]byte("content-k")) {
		t.Fatal("look-through must stop once the entitlement key expires")
	}
}

// TestOperatorSessionKeysIgnoreStatusSweeps: operator-session keys are not
// content keys; status sweeps and expiry do not apply to them.
func TestOperatorSessionKeysIgnoreStatusSweeps(t *testing.T) {
	tr := NewKeyTracker()
	tr.SetFromLicense(keys.SecurityLevelL1, []keys.Key{
		{ID: []byte("op-1"), Kind: keys.KindOperatorSession, OperatorUsage: keys.OperatorSessionPermissions{Sign: true}},
		{ID: []byte("c-1"), Kind: keys.KindContent},
	})
	tr.ApplyStatusChange(keys.KeyStatusUsable)

	statuses := tr.ExtractKeyStatuses()
	if _, ok := statuses["op-1"]; ok {
		t.Fatal("operator-session keys must not appear in content key statuses")
	}
	if statuses["c-1"] != keys.KeyStatusUsable {
		t.Fatalf("content key status = %v, want usable", statuses["c-1"])
	}

	perms, ok := tr.OperatorPermissions([]byte("op-1"))
	if !ok || !perms.Sign {
		t.Fatalf("OperatorPermissions = (%+v, %v), want sign permission", perms, ok)
	}
}
