package license

import (
	"context"
	"encoding/json"
	"strings"

	"tungo/application"
	"tungo/domain/cdmerror"
	"tungo/domain/keys"
	domlicense "tungo/domain/license"
	domsession "tungo/domain/session"
	"tungo/infrastructure/persistence/filestore"
)

// licenseBlobSuffix matches filestore.LicenseBlobName's ".lic" suffix, used
// by ListOfflineLicenseIDs to recover key-set ids from a directory listing.
const licenseBlobSuffix = ".lic"

// PersistOfflineLicense stores the full persisted shape of one offline
// license (state + request + response + timestamps + usage entry, all
// under one record) keyed by key-set id, in the "<key_set_id>.lic" blob.
func PersistOfflineLicense(store application.FileStore, level keys.SecurityLevel, origin, keySetID string, rec domsession.Record) error {
	rec.KeySetID = keySetID
	data, err := json.Marshal(rec)
	if err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	return store.Store(level, origin, filestore.LicenseBlobName(keySetID), data)
}

// LoadOfflineLicenseRecord reads back a license Record previously written by
// PersistOfflineLicense.
func LoadOfflineLicenseRecord(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) (domsession.Record, error) {
	var rec domsession.Record
	data, err := store.Retrieve(level, origin, filestore.LicenseBlobName(keySetID))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, cdmerror.New(cdmerror.StatusParseError, err)
	}
	return rec, nil
}

// RestoreOfflineLicense reloads a previously persisted offline license's
// original key-response into a freshly opened TCE session, re-running the
// same key-load path a live response would, and returns the stored Record
// so the caller (infrastructure/session.Session) can reconcile playback
// timestamps.
func RestoreOfflineLicense(ctx context.Context, sess application.TCESession, store application.FileStore, level keys.SecurityLevel, origin, keySetID string) (*domlicense.License, domsession.Record, error) {
	rec, err := LoadOfflineLicenseRecord(store, level, origin, keySetID)
	if err != nil {
		return nil, rec, err
	}
	if rec.State == domsession.LicenseStateReleasing {
		return nil, rec, ErrLicenseReleased
	}
	lic, err := HandleKeyResponse(ctx, sess, &Request{Message: rec.KeyRequest}, rec.KeyResponse)
	if err != nil {
		return nil, rec, err
	}
	if lic.ID.Type != domlicense.IDTypeOffline {
		return nil, rec, ErrNotOfflineLicense
	}
	if rec.RenewalResponse != nil {
		if _, err := HandleKeyUpdateResponse(ctx, sess, &Request{Message: rec.RenewalRequest}, rec.RenewalResponse, 0); err != nil {
			return nil, rec, err
		}
	}
	return lic, rec, nil
}

// RestoreLicenseForRelease reloads a persisted offline license's original
// request message, for use building the RequestTypeRelease LicenseRequest
// that releases it without re-loading keys into the TCE.
func RestoreLicenseForRelease(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) ([]byte, error) {
	rec, err := LoadOfflineLicenseRecord(store, level, origin, keySetID)
	if err != nil {
		return nil, err
	}
	return rec.KeyRequest, nil
}

// MarkLicenseReleasing rewrites a stored offline license's state to
// Releasing, recording that a release request has been emitted and the
// license must no longer restore for playback.
func MarkLicenseReleasing(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) error {
	rec, err := LoadOfflineLicenseRecord(store, level, origin, keySetID)
	if err != nil {
		return err
	}
	rec.State = domsession.LicenseStateReleasing
	return PersistOfflineLicense(store, level, origin, keySetID, rec)
}

// RemoveOfflineLicense deletes a persisted offline license's record.
func RemoveOfflineLicense(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) error {
	return store.Remove(level, origin, filestore.LicenseBlobName(keySetID))
}

// ListOfflineLicenseIDs returns the key-set ids of every persisted offline
// license at (level, origin).
func ListOfflineLicenseIDs(store application.FileStore, level keys.SecurityLevel, origin string) ([]string, error) {
	names, err := store.List(level, origin)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		if strings.HasSuffix(n, licenseBlobSuffix) {
			ids = append(ids, strings.TrimSuffix(n, licenseBlobSuffix))
		}
	}
	return ids, nil
}

// LicenseState reads back the persisted state ({Active, Releasing, Unknown})
// of an offline license, without re-running HandleKeyResponse.
func LicenseState(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) (domsession.LicenseState, error) {
	rec, err := LoadOfflineLicenseRecord(store, level, origin, keySetID)
	if err != nil {
		return domsession.LicenseStateUnknown, err
	}
	return rec.State, nil
}

// StoreHLSAttributes persists an HLS license's per-segment cipher
// attributes (method + IV) alongside its offline record, under the
// "<key_set_id>.hls" blob.
func StoreHLSAttributes(store application.FileStore, level keys.SecurityLevel, origin, keySetID string, hls *HLSInitData) error {
	data, err := json.Marshal(hls)
	if err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	return store.Store(level, origin, filestore.HLSBlobName(keySetID), data)
}

// LoadHLSAttributes reads back a stored HLS attribute blob; ok is false
// when the license never carried one.
func LoadHLSAttributes(store application.FileStore, level keys.SecurityLevel, origin, keySetID string) (*HLSInitData, bool, error) {
	name := filestore.HLSBlobName(keySetID)
	if !store.Exists(level, origin, name) {
		return nil, false, nil
	}
	data, err := store.Retrieve(level, origin, name)
	if err != nil {
		return nil, false, err
	}
	var hls HLSInitData
	if err := json.Unmarshal(data, &hls); err != nil {
		return nil, false, cdmerror.New(cdmerror.StatusParseError, err)
	}
	return &hls, true, nil
}

// usageInfoRecords is the persisted shape of one app's streaming-usage-
// records blob: an array of UsageInfoRecord, one per still-open secure
// stop.
type usageInfoRecords struct {
	Records []domsession.UsageInfoRecord
}

// LoadUsageInfoRecords reads back every streaming-usage record stored for
// appID at (level, origin). A missing file is not an error; it reports an
// empty slice.
func LoadUsageInfoRecords(store application.FileStore, level keys.SecurityLevel, origin, appID string) ([]domsession.UsageInfoRecord, error) {
	name := filestore.UsageInfoBlobName(appID)
	if !store.Exists(level, origin, name) {
		return nil, nil
	}
	data, err := store.Retrieve(level, origin, name)
	if err != nil {
		return nil, err
	}
	var recs usageInfoRecords
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, cdmerror.New(cdmerror.StatusParseError, err)
	}
	return recs.Records, nil
}

func storeUsageInfoRecords(store application.FileStore, level keys.SecurityLevel, origin, appID string, recs []domsession.UsageInfoRecord) error {
	name := filestore.UsageInfoBlobName(appID)
	if len(recs) == 0 {
		return store.Remove(level, origin, name)
	}
	data, err := json.Marshal(usageInfoRecords{Records: recs})
	if err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	return store.Store(level, origin, name, data)
}

// StoreUsageInfoRecord upserts (by PST) one streaming-usage record into
// appID's usage-info blob.
func StoreUsageInfoRecord(store application.FileStore, level keys.SecurityLevel, origin, appID string, rec domsession.UsageInfoRecord) error {
	recs, err := LoadUsageInfoRecords(store, level, origin, appID)
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range recs {
		if r.ProviderSessionToken == rec.ProviderSessionToken {
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}
	return storeUsageInfoRecords(store, level, origin, appID, recs)
}

// RemoveUsageInfoRecord deletes the record matching pst from appID's
// usage-info blob, leaving the rest untouched.
func RemoveUsageInfoRecord(store application.FileStore, level keys.SecurityLevel, origin, appID, pst string) error {
	recs, err := LoadUsageInfoRecords(store, level, origin, appID)
	if err != nil {
		return err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.ProviderSessionToken != pst {
			out = append(out, r)
		}
	}
	return storeUsageInfoRecords(store, level, origin, appID, out)
}

// RemoveAllUsageInfoRecords deletes every streaming-usage record stored for
// appID, the whole-app form of remove_all_usage_info.
func RemoveAllUsageInfoRecords(store application.FileStore, level keys.SecurityLevel, origin, appID string) error {
	return store.Remove(level, origin, filestore.UsageInfoBlobName(appID))
}

// FindUsageInfoRecord looks up the record for pst within appID's usage-info
// blob.
func FindUsageInfoRecord(store application.FileStore, level keys.SecurityLevel, origin, appID, pst string) (domsession.UsageInfoRecord, bool, error) {
	recs, err := LoadUsageInfoRecords(store, level, origin, appID)
	if err != nil {
		return domsession.UsageInfoRecord{}, false, err
	}
	for _, r := range recs {
		if r.ProviderSessionToken == pst {
			return r, true, nil
		}
	}
	return domsession.UsageInfoRecord{}, false, nil
}

// ListUsageInfoIDs returns every PST with a stored streaming-usage record
// for appID.
func ListUsageInfoIDs(store application.FileStore, level keys.SecurityLevel, origin, appID string) ([]string, error) {
	recs, err := LoadUsageInfoRecords(store, level, origin, appID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ProviderSessionToken)
	}
	return ids, nil
}
