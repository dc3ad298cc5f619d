package usage

import (
	"context"
	"encoding/json"
	"testing"

	"tungo/domain/keys"
	domainsession "tungo/domain/session"
	domainusage "tungo/domain/usage"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/tce"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Printf(format string, v ...any) { l.t.Logf(format, v...) }

func newTestHeader(t *testing.T) (*Header, *tce.Session) {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	bus := tce.New()
	raw, err := bus.OpenSession(context.Background(), keys.SecurityLevelL1)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	sess := raw.(*tce.Session)
	h := New(keys.SecurityLevelL1, "origin-1", store, testLogger{t})
	if err := h.Init(context.Background(), sess); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h, sess
}

// TestUsageEntryAllocateAndDelete: add three entries at slots 0, 1, 2,
// delete slot 1, and expect the tail entry (K2) to have moved into slot 1
// while the header shrinks to size 2.
func TestUsageEntryAllocateAndDelete(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	n0, err := h.AddEntry(ctx, sess, true, "K0", "")
	if err != nil || n0 != 0 {
		t.Fatalf("AddEntry K0 = (%d, %v), want (0, nil)", n0, err)
	}
	n1, err := h.AddEntry(ctx, sess, true, "K1", "")
	if err != nil || n1 != 1 {
		t.Fatalf("AddEntry K1 = (%d, %v), want (1, nil)", n1, err)
	}
	n2, err := h.AddEntry(ctx, sess, true, "K2", "")
	if err != nil || n2 != 2 {
		t.Fatalf("AddEntry K2 = (%d, %v), want (2, nil)", n2, err)
	}

	if err := h.DeleteEntry(ctx, sess, 1); err != nil {
		t.Fatalf("DeleteEntry(1): %v", err)
	}

	if got := h.Size(); got != 2 {
		t.Fatalf("Size() after delete = %d, want 2", got)
	}
	if got := h.infos[1].KeySetID; got != "K2" {
		t.Fatalf("entry_info[1].key_set_id = %q, want K2", got)
	}
	if got := sess.EntryCount(); got != 2 {
		t.Fatalf("TCE live entry count after delete = %d, want 2", got)
	}

	// the persisted record must agree with the in-memory index.
	rec, found, err := h.load()
	if err != nil || !found {
		t.Fatalf("load() after delete = (found=%v, err=%v)", found, err)
	}
	if len(rec.Entries) != 2 || rec.Entries[1].KeySetID != "K2" {
		t.Fatalf("persisted entries = %+v, want [.., {KeySetID: K2}]", rec.Entries)
	}
}

// TestUsageEntryDeleteRenumbersOwnerRecord: the tail entry's owning
// license record must be rewritten to claim its new slot after a
// swap-to-tail delete, keeping the usage-entry parity invariant.
func TestUsageEntryDeleteRenumbersOwnerRecord(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	for i, ks := range []string{"K0", "K1", "K2"} {
		n, err := h.AddEntry(ctx, sess, true, ks, "")
		if err != nil || n != i {
			t.Fatalf("AddEntry %s = (%d, %v), want (%d, nil)", ks, n, err, i)
		}
		rec := domainsession.Record{KeySetID: ks, UsageEntry: domainusage.Entry{Number: n, Blob: []byte{1}}}
		data, err := json.Marshal(rec)
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		if err := h.store.Store(keys.SecurityLevelL1, "origin-1", filestore.LicenseBlobName(ks), data); err != nil {
			t.Fatalf("store record: %v", err)
		}
	}

	if err := h.DeleteEntry(ctx, sess, 1); err != nil {
		t.Fatalf("DeleteEntry(1): %v", err)
	}

	data, err := h.store.Retrieve(keys.SecurityLevelL1, "origin-1", filestore.LicenseBlobName("K2"))
	if err != nil {
		t.Fatalf("retrieve K2 record: %v", err)
	}
	var rec domainsession.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal K2 record: %v", err)
	}
	if rec.UsageEntry.Number != 1 {
		t.Fatalf("K2's stored usage_entry_number = %d, want 1", rec.UsageEntry.Number)
	}
}

// TestUsageEntryDeleteTail checks the no-swap shortcut: deleting the last
// live slot just shrinks, it never calls MoveUsageEntry.
func TestUsageEntryDeleteTail(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	if _, err := h.AddEntry(ctx, sess, true, "K0", ""); err != nil {
		t.Fatalf("AddEntry K0: %v", err)
	}
	if _, err := h.AddEntry(ctx, sess, true, "K1", ""); err != nil {
		t.Fatalf("AddEntry K1: %v", err)
	}

	if err := h.DeleteEntry(ctx, sess, 1); err != nil {
		t.Fatalf("DeleteEntry(1): %v", err)
	}
	if got := h.Size(); got != 1 {
		t.Fatalf("Size() after tail delete = %d, want 1", got)
	}
	if got := h.infos[0].KeySetID; got != "K0" {
		t.Fatalf("entry_info[0].key_set_id = %q, want K0 (untouched)", got)
	}
}

// TestUpgradeLegacyTable: PST-bearing records written before usage-entry
// support (no entry blob) are copied into fresh entries and rewritten to
// claim their new entry number and blob; records that already own an
// entry are left alone.
func TestUpgradeLegacyTable(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	usageInfoName := filestore.UsageInfoBlobName("app-legacy")

	legacyLic := domainsession.Record{KeySetID: "KSlegacy01", ProviderSessionToken: "pst-lic"}
	licData, err := json.Marshal(legacyLic)
	if err != nil {
		t.Fatalf("marshal legacy license: %v", err)
	}
	if err := h.store.Store(keys.SecurityLevelL1, "origin-1", filestore.LicenseBlobName("KSlegacy01"), licData); err != nil {
		t.Fatalf("store legacy license: %v", err)
	}

	legacyInfo := domainsession.UsageInfoRecord{ProviderSessionToken: "pst-stream", KeySetID: "KSlegacy02"}
	modernInfo := domainsession.UsageInfoRecord{ProviderSessionToken: "pst-modern", KeySetID: "KSmodern01", UsageEntry: domainusage.Entry{Number: 7, Blob: []byte{1}}}
	infoData, err := json.Marshal(struct {
		Records []domainsession.UsageInfoRecord
	}{Records: []domainsession.UsageInfoRecord{legacyInfo, modernInfo}})
	if err != nil {
		t.Fatalf("marshal usage infos: %v", err)
	}
	if err := h.store.Store(keys.SecurityLevelL1, "origin-1", usageInfoName, infoData); err != nil {
		t.Fatalf("store usage infos: %v", err)
	}

	err = h.UpgradeLegacyTable(ctx, sess, []domainsession.Record{legacyLic}, []domainsession.UsageInfoRecord{legacyInfo}, usageInfoName)
	if err != nil {
		t.Fatalf("UpgradeLegacyTable: %v", err)
	}
	if got := h.Size(); got != 2 {
		t.Fatalf("Size() after upgrade = %d, want 2", got)
	}

	licBytes, err := h.store.Retrieve(keys.SecurityLevelL1, "origin-1", filestore.LicenseBlobName("KSlegacy01"))
	if err != nil {
		t.Fatalf("retrieve upgraded license: %v", err)
	}
	var upgradedLic domainsession.Record
	if err := json.Unmarshal(licBytes, &upgradedLic); err != nil {
		t.Fatalf("unmarshal upgraded license: %v", err)
	}
	if upgradedLic.UsageEntry.Blob == nil {
		t.Fatal("upgraded license record must carry its new entry blob")
	}

	infoBytes, err := h.store.Retrieve(keys.SecurityLevelL1, "origin-1", usageInfoName)
	if err != nil {
		t.Fatalf("retrieve upgraded usage infos: %v", err)
	}
	var upgraded struct {
		Records []domainsession.UsageInfoRecord
	}
	if err := json.Unmarshal(infoBytes, &upgraded); err != nil {
		t.Fatalf("unmarshal upgraded usage infos: %v", err)
	}
	for _, r := range upgraded.Records {
		switch r.KeySetID {
		case "KSlegacy02":
			if r.UsageEntry.Blob == nil {
				t.Fatal("legacy streaming record must carry its new entry blob")
			}
		case "KSmodern01":
			if r.UsageEntry.Number != 7 {
				t.Fatalf("modern record's entry number changed to %d", r.UsageEntry.Number)
			}
		}
	}
}

// TestUsageEntryInsufficientResourcesEvicts checks AddEntry evicts an
// existing entry and retries when the TCE reports insufficient crypto
// resources, instead of failing the caller outright.
func TestUsageEntryInsufficientResourcesEvicts(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	if _, err := h.AddEntry(ctx, sess, true, "K0", ""); err != nil {
		t.Fatalf("AddEntry K0: %v", err)
	}
	if _, err := h.AddEntry(ctx, sess, true, "K1", ""); err != nil {
		t.Fatalf("AddEntry K1: %v", err)
	}

	sess.InjectInsufficientResources(1)

	n, err := h.AddEntry(ctx, sess, true, "K2", "")
	if err != nil {
		t.Fatalf("AddEntry K2 after induced eviction: %v", err)
	}
	if got := h.Size(); got != 2 {
		t.Fatalf("Size() after evict-and-retry add = %d, want 2 (one victim evicted, one added)", got)
	}
	_ = n
}

// TestUsageEntryRetriesExceeded checks AddEntry gives up with
// ErrRetriesExceeded once the TCE refuses more than
// maxInsufficientResourceRetries times in a row.
func TestUsageEntryRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	h, sess := newTestHeader(t)

	if _, err := h.AddEntry(ctx, sess, true, "K0", ""); err != nil {
		t.Fatalf("AddEntry K0: %v", err)
	}

	sess.InjectInsufficientResources(maxInsufficientResourceRetries + 1)

	if _, err := h.AddEntry(ctx, sess, true, "K1", ""); err != ErrRetriesExceeded {
		t.Fatalf("AddEntry error = %v, want ErrRetriesExceeded", err)
	}
}
