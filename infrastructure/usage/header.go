// Package usage implements the per-security-level usage-table-header
// singleton: the index tying TCE-side usage entries to the persistent
// license/usage-info records that own them. Deletion is
// swap-to-tail-then-shrink so live entry numbers stay dense; allocation
// retries with random eviction when the crypto engine runs out of entry
// resources.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"tungo/application"
	"tungo/domain/keys"
	domainsession "tungo/domain/session"
	"tungo/domain/usage"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/tce"
)

// MinSupportThreshold is the entry count above which Init round-trips an
// add+delete to confirm the TCE can still manipulate a previously large
// table before trusting it.
const MinSupportThreshold = 200

// maxInsufficientResourceRetries bounds the evict-and-retry loop on
// CreateUsageEntry/LoadUsageEntry.
const maxInsufficientResourceRetries = 3

// Header is one security level's usage-table-header singleton.
type Header struct {
	mu     sync.Mutex
	level  keys.SecurityLevel
	origin string
	store  application.FileStore
	logger application.Logger

	headerBlob []byte
	infos      []usage.EntryInfo
	blobs      [][]byte
}

// New constructs an uninitialized Header for the given security level.
func New(level keys.SecurityLevel, origin string, store application.FileStore, logger application.Logger) *Header {
	return &Header{level: level, origin: origin, store: store, logger: logger}
}

func (h *Header) persist() error {
	rec := usage.HeaderRecord{HeaderBlob: h.headerBlob, Entries: append([]usage.EntryInfo(nil), h.infos...), EntryBlobs: h.blobs}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.store.Store(h.level, h.origin, filestore.UsageTableBlobName, data)
}

func (h *Header) load() (*usage.HeaderRecord, bool, error) {
	if !h.store.Exists(h.level, h.origin, filestore.UsageTableBlobName) {
		return nil, false, nil
	}
	data, err := h.store.Retrieve(h.level, h.origin, filestore.UsageTableBlobName)
	if err != nil {
		return nil, false, err
	}
	var rec usage.HeaderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Init loads a persisted (header, entry-info[]) pair if present, verifying
// a previously-large table still round-trips before trusting it
//.
func (h *Header) Init(ctx context.Context, tceSession application.TCESession) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, found, err := h.load()
	if err != nil {
		return err
	}
	if !found {
		blob, err := tceSession.CreateUsageTableHeader(ctx)
		if err != nil {
			return err
		}
		h.headerBlob = blob
		h.infos = nil
		h.blobs = nil
		return nil
	}

	if err := tceSession.LoadUsageTableHeader(ctx, rec.HeaderBlob); err != nil {
		return h.reset(ctx, tceSession)
	}
	for n, blob := range rec.EntryBlobs {
		if err := tceSession.LoadUsageEntry(ctx, n, blob); err != nil {
			return h.reset(ctx, tceSession)
		}
	}
	h.headerBlob = rec.HeaderBlob
	h.infos = rec.Entries
	h.blobs = rec.EntryBlobs

	if len(h.infos) > MinSupportThreshold {
		n, _, err := tceSession.CreateUsageEntry(ctx)
		if err != nil {
			return h.reset(ctx, tceSession)
		}
		if err := tceSession.MoveUsageEntry(ctx, n); err != nil {
			return h.reset(ctx, tceSession)
		}
		// confirmed round-trip; drop the probe entry again.
		if _, err := tceSession.ShrinkUsageTableHeader(ctx, len(h.infos)); err != nil {
			return h.reset(ctx, tceSession)
		}
	}
	return nil
}

// reset wipes a bogus stored header and starts fresh.
func (h *Header) reset(ctx context.Context, tceSession application.TCESession) error {
	if h.logger != nil {
		h.logger.Printf("usage: stored header for level %d failed to load, rebuilding", h.level)
	}
	blob, err := tceSession.CreateUsageTableHeader(ctx)
	if err != nil {
		return err
	}
	h.headerBlob = blob
	h.infos = nil
	h.blobs = nil
	return h.persist()
}

// AddEntry asks the TCE to create a new entry bound to either an offline
// key-set id or a streaming usage-info filename, retrying eviction of a
// random existing entry up to maxInsufficientResourceRetries times on
// insufficient-resources errors.
func (h *Header) AddEntry(ctx context.Context, tceSession application.TCESession, isOffline bool, keySetID, usageInfoFilename string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	storageType := usage.StorageStreaming
	if isOffline {
		storageType = usage.StorageOffline
	}

	var n int
	var err error
	for attempt := 0; attempt <= maxInsufficientResourceRetries; attempt++ {
		var blob []byte
		n, blob, err = tceSession.CreateUsageEntry(ctx)
		if err == nil {
			h.growTo(n)
			h.blobs[n] = blob
			break
		}
		if !errors.Is(err, tce.ErrInsufficientCryptoResources) || len(h.infos) == 0 {
			return 0, err
		}
		victim := rand.Intn(len(h.infos))
		if derr := h.deleteLocked(ctx, tceSession, victim); derr != nil {
			return 0, fmt.Errorf("add entry: evict retry: %w", derr)
		}
	}
	if err != nil {
		return 0, ErrRetriesExceeded
	}

	info := usage.EntryInfo{StorageType: storageType, KeySetID: keySetID, UsageInfoFileName: usageInfoFilename}
	h.setInfo(n, info)
	return n, h.persist()
}

func (h *Header) growTo(n int) {
	for len(h.infos) <= n {
		h.infos = append(h.infos, usage.EntryInfo{})
		h.blobs = append(h.blobs, nil)
	}
}

func (h *Header) setInfo(n int, info usage.EntryInfo) {
	h.growTo(n)
	h.infos[n] = info
}

// LoadEntry loads a previously-persisted entry blob into the live table,
// with the same eviction-retry discipline as AddEntry.
func (h *Header) LoadEntry(ctx context.Context, tceSession application.TCESession, entryBlob []byte, entryNumber int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	for attempt := 0; attempt <= maxInsufficientResourceRetries; attempt++ {
		err = tceSession.LoadUsageEntry(ctx, entryNumber, entryBlob)
		if err == nil {
			h.growTo(entryNumber)
			h.blobs[entryNumber] = entryBlob
			return h.persist()
		}
		if !errors.Is(err, tce.ErrInsufficientCryptoResources) || len(h.infos) == 0 {
			return err
		}
		victim := rand.Intn(len(h.infos))
		if derr := h.deleteLocked(ctx, tceSession, victim); derr != nil {
			return fmt.Errorf("load entry: evict retry: %w", derr)
		}
	}
	return ErrRetriesExceeded
}

// UpdateEntry asks the TCE to rewrite entryNumber's blob and persists the
// refreshed header.
func (h *Header) UpdateEntry(ctx context.Context, tceSession application.TCESession, entryNumber int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	headerBlob, entryBlob, err := tceSession.UpdateUsageEntry(ctx, entryNumber)
	if err != nil {
		return nil, err
	}
	h.growTo(entryNumber)
	h.blobs[entryNumber] = entryBlob
	h.headerBlob = headerBlob
	if err := h.persist(); err != nil {
		return nil, err
	}
	return entryBlob, nil
}

// DeleteEntry removes entryNumber by swap-to-tail-then-shrink.
func (h *Header) DeleteEntry(ctx context.Context, tceSession application.TCESession, entryNumber int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteLocked(ctx, tceSession, entryNumber)
}

func (h *Header) deleteLocked(ctx context.Context, tceSession application.TCESession, entryNumber int) error {
	if entryNumber < 0 || entryNumber >= len(h.infos) {
		return ErrEntryNotFound
	}
	last := len(h.infos) - 1
	if last == entryNumber {
		h.infos = h.infos[:last]
		h.blobs = h.blobs[:last]
		blob, err := tceSession.ShrinkUsageTableHeader(ctx, last)
		if err != nil {
			return err
		}
		h.headerBlob = blob
		return h.persist()
	}

	// Move the tail entry's slot contents into entryNumber, then shrink.
	if err := tceSession.LoadUsageEntry(ctx, last, h.blobs[last]); err != nil {
		return err
	}
	if err := tceSession.MoveUsageEntry(ctx, entryNumber); err != nil {
		return err
	}
	h.infos[entryNumber] = h.infos[last]
	h.blobs[entryNumber] = h.blobs[last]
	h.infos = h.infos[:last]
	h.blobs = h.blobs[:last]
	blob, err := tceSession.ShrinkUsageTableHeader(ctx, last)
	if err != nil {
		return err
	}
	h.headerBlob = blob
	h.repersistOwner(h.infos[entryNumber], entryNumber, h.blobs[entryNumber])
	return h.persist()
}

// repersistOwner rewrites the license or usage-info record that owns a
// moved entry so its stored entry number matches the entry's new slot. A
// missing record is not an error: entries may outlive their records during
// teardown, and the parity invariant is re-established on the next update.
func (h *Header) repersistOwner(info usage.EntryInfo, newNumber int, blob []byte) {
	switch info.StorageType {
	case usage.StorageOffline:
		name := filestore.LicenseBlobName(info.KeySetID)
		if !h.store.Exists(h.level, h.origin, name) {
			return
		}
		data, err := h.store.Retrieve(h.level, h.origin, name)
		if err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		var rec domainsession.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		rec.UsageEntry.Number = newNumber
		rec.UsageEntry.Blob = blob
		out, err := json.Marshal(rec)
		if err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		if err := h.store.Store(h.level, h.origin, name, out); err != nil {
			h.logOwnerError(info.KeySetID, err)
		}
	case usage.StorageStreaming:
		if info.UsageInfoFileName == "" || !h.store.Exists(h.level, h.origin, info.UsageInfoFileName) {
			return
		}
		data, err := h.store.Retrieve(h.level, h.origin, info.UsageInfoFileName)
		if err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		var recs struct {
			Records []domainsession.UsageInfoRecord
		}
		if err := json.Unmarshal(data, &recs); err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		for i := range recs.Records {
			if recs.Records[i].KeySetID == info.KeySetID {
				recs.Records[i].UsageEntry.Number = newNumber
				recs.Records[i].UsageEntry.Blob = blob
			}
		}
		out, err := json.Marshal(recs)
		if err != nil {
			h.logOwnerError(info.KeySetID, err)
			return
		}
		if err := h.store.Store(h.level, h.origin, info.UsageInfoFileName, out); err != nil {
			h.logOwnerError(info.KeySetID, err)
		}
	}
}

func (h *Header) logOwnerError(keySetID string, err error) {
	if h.logger != nil {
		h.logger.Printf("usage: renumbering owner record for %q failed: %v", keySetID, err)
	}
}

// Size returns the number of live entries.
func (h *Header) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.infos)
}

// legacyRecord is one upgrade candidate: a stored license or usage-info
// record that carries a provider-session-token under the old legacy usage
// table.
type legacyRecord struct {
	pst        string
	keySetID   string
	isOffline  bool
}

// UpgradeLegacyTable walks every stored license and usage-info record
// concurrently via errgroup, copying each PST-bearing record that has no
// entry blob yet (the mark of a record written under the old legacy usage
// table) into a freshly allocated usage-table entry, then rewriting the
// record to claim its new entry number and blob. usageInfoFilename names
// the blob the streaming records live in. Records whose TCE copy fails
// are skipped; no entry is appended for them.
func (h *Header) UpgradeLegacyTable(ctx context.Context, tceSession application.TCESession, licenses []domainsession.Record, usageInfos []domainsession.UsageInfoRecord, usageInfoFilename string) error {
	var candidates []legacyRecord
	for _, l := range licenses {
		if l.ProviderSessionToken == "" || l.UsageEntry.Blob != nil {
			continue
		}
		candidates = append(candidates, legacyRecord{pst: l.ProviderSessionToken, keySetID: l.KeySetID, isOffline: true})
	}
	for _, u := range usageInfos {
		if u.ProviderSessionToken == "" || u.UsageEntry.Blob != nil {
			continue
		}
		candidates = append(candidates, legacyRecord{pst: u.ProviderSessionToken, keySetID: u.KeySetID})
	}

	results := make([]struct {
		headerBlob []byte
		entryBlob  []byte
		rec        legacyRecord
		ok         bool
	}, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			headerBlob, entryBlob, err := tceSession.CopyOldUsageEntry(gctx, c.pst)
			if err != nil {
				if h.logger != nil {
					h.logger.Printf("usage: legacy upgrade skipped for %q: %v", c.keySetID, err)
				}
				return nil
			}
			results[i] = struct {
				headerBlob []byte
				entryBlob  []byte
				rec        legacyRecord
				ok         bool
			}{headerBlob, entryBlob, c, true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range results {
		if !r.ok {
			continue
		}
		n := len(h.infos)
		h.growTo(n)
		h.blobs[n] = r.entryBlob
		info := usage.EntryInfo{StorageType: storageTypeFor(r.rec), KeySetID: r.rec.keySetID}
		if info.StorageType == usage.StorageStreaming {
			info.UsageInfoFileName = usageInfoFilename
		}
		h.infos[n] = info
		h.headerBlob = r.headerBlob
		h.repersistOwner(info, n, r.entryBlob)
	}
	return h.persist()
}

func storageTypeFor(r legacyRecord) usage.StorageType {
	if r.isOffline {
		return usage.StorageOffline
	}
	return usage.StorageStreaming
}
