package engine

import (
	"context"
	"errors"
	"strconv"

	"tungo/application"
	"tungo/domain/cdmerror"
	domkeys "tungo/domain/keys"
	domsession "tungo/domain/session"
	"tungo/domain/wvproto"
	"tungo/infrastructure/license"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/usage"
)

// withTCESession opens a short-lived TCE session at level, runs fn, and
// closes it again, for the engine-level operations that are not bound to
// any open DRM session (usage-record maintenance, queries).
func (e *Engine) withTCESession(ctx context.Context, level domkeys.SecurityLevel, fn func(application.TCESession) error) error {
	handle, err := e.tce.OpenSession(ctx, level)
	if err != nil {
		return err
	}
	runErr := fn(handle)
	closeErr := handle.Close(ctx)
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// upgradeLegacyRecords migrates stored records written before the TCE
// supported usage entries: every PST-bearing license or usage-info record
// with no entry blob gets a fresh entry copied from the TCE's old usage
// information, and is rewritten to claim it.
func (e *Engine) upgradeLegacyRecords(ctx context.Context, level domkeys.SecurityLevel, origin string, handle application.TCESession, h *usage.Header) error {
	var legacyLicenses []domsession.Record
	ids, err := license.ListOfflineLicenseIDs(e.store, level, origin)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := license.LoadOfflineLicenseRecord(e.store, level, origin, id)
		if err != nil {
			return err
		}
		if rec.ProviderSessionToken != "" && rec.UsageEntry.Blob == nil {
			legacyLicenses = append(legacyLicenses, rec)
		}
	}

	recs, err := license.LoadUsageInfoRecords(e.store, level, origin, origin)
	if err != nil {
		return err
	}
	var legacyInfos []domsession.UsageInfoRecord
	for _, rec := range recs {
		if rec.ProviderSessionToken != "" && rec.UsageEntry.Blob == nil {
			legacyInfos = append(legacyInfos, rec)
		}
	}

	if len(legacyLicenses) == 0 && len(legacyInfos) == 0 {
		return nil
	}
	return h.UpgradeLegacyTable(ctx, handle, legacyLicenses, legacyInfos, filestore.UsageInfoBlobName(origin))
}

// ListStoredLicenses returns the key-set ids of every persisted offline
// license at level.
func (e *Engine) ListStoredLicenses(level domkeys.SecurityLevel, origin string) ([]string, error) {
	return license.ListOfflineLicenseIDs(e.store, level, origin)
}

// GetOfflineLicenseState reports a stored offline license's lifecycle
// state; a key-set id with no stored record reports Unknown.
func (e *Engine) GetOfflineLicenseState(level domkeys.SecurityLevel, origin, keySetID string) (domsession.LicenseState, error) {
	state, err := license.LicenseState(e.store, level, origin, keySetID)
	if err != nil {
		if errors.Is(err, filestore.ErrFileNotFound) {
			return domsession.LicenseStateUnknown, nil
		}
		return domsession.LicenseStateUnknown, err
	}
	return state, nil
}

// RemoveOfflineLicense deletes a stored offline license's record and, if it
// owned a usage-table entry, that entry as well.
func (e *Engine) RemoveOfflineLicense(ctx context.Context, level domkeys.SecurityLevel, origin, keySetID string) error {
	rec, err := license.LoadOfflineLicenseRecord(e.store, level, origin, keySetID)
	if err != nil {
		if errors.Is(err, filestore.ErrFileNotFound) {
			return cdmerror.New(cdmerror.StatusLicenseNotFound, err)
		}
		return err
	}
	if rec.UsageEntry.Blob != nil {
		err := e.withTCESession(ctx, level, func(handle application.TCESession) error {
			header, err := e.SharedUsageHeader(ctx, level, origin, handle)
			if err != nil {
				return err
			}
			return header.DeleteEntry(ctx, handle, rec.UsageEntry.Number)
		})
		if err != nil && e.logger != nil {
			e.logger.Printf("engine: deleting usage entry for %s failed: %v", keySetID, err)
		}
	}
	_ = e.store.Remove(level, origin, filestore.HLSBlobName(keySetID))
	return license.RemoveOfflineLicense(e.store, level, origin, keySetID)
}

// ListUsageIDs returns the provider session token of every stored
// streaming-usage record for appID at level.
func (e *Engine) ListUsageIDs(level domkeys.SecurityLevel, origin, appID string) ([]string, error) {
	return license.ListUsageInfoIDs(e.store, level, origin, appID)
}

// DeleteUsageRecord deletes the streaming-usage record whose key-set id is
// keySetID, along with its usage-table entry.
func (e *Engine) DeleteUsageRecord(ctx context.Context, level domkeys.SecurityLevel, origin, appID, keySetID string) error {
	recs, err := license.LoadUsageInfoRecords(e.store, level, origin, appID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.KeySetID != keySetID {
			continue
		}
		return e.releaseUsageRecord(ctx, level, origin, appID, rec, nil, nil)
	}
	return cdmerror.New(cdmerror.StatusUsageInfoNotFound, ErrUsageRecordNotFound)
}

// GetUsageInfo builds the signed release message for one of appID's secure
// stops: the record matching pst, or, with an empty pst, the first stored
// record. An appID with no stored records reports an empty message and no
// error.
func (e *Engine) GetUsageInfo(ctx context.Context, level domkeys.SecurityLevel, origin, appID, pst string) ([]byte, error) {
	recs, err := license.LoadUsageInfoRecords(e.store, level, origin, appID)
	if err != nil {
		return nil, err
	}
	var rec *domsession.UsageInfoRecord
	for i := range recs {
		if pst == "" || recs[i].ProviderSessionToken == pst {
			rec = &recs[i]
			break
		}
	}
	if rec == nil {
		if pst == "" {
			return nil, nil
		}
		return nil, cdmerror.New(cdmerror.StatusUsageInfoNotFound, ErrUsageRecordNotFound)
	}

	var out []byte
	err = e.withTCESession(ctx, level, func(handle application.TCESession) error {
		sig, err := handle.PrepareRenewalRequest(ctx, rec.KeyRequest)
		if err != nil {
			return err
		}
		out = (&wvproto.SignedMessage{
			Type:      wvproto.MessageTypeLicenseRequest,
			Msg:       rec.KeyRequest,
			Signature: sig,
		}).Marshal()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseUsageInfo consumes the server's release response for one of
// appID's secure stops: the matching usage-table entry and persistent
// record are both deleted, and the TCE is told the provider session token
// is released.
func (e *Engine) ReleaseUsageInfo(ctx context.Context, level domkeys.SecurityLevel, origin, appID string, respBytes []byte) error {
	var signed wvproto.SignedMessage
	if err := signed.Unmarshal(respBytes); err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	if signed.Type == wvproto.MessageTypeErrorResponse {
		return cdmerror.New(cdmerror.StatusInvalidLicenseResponse, nil)
	}
	var lic wvproto.License
	if err := lic.Unmarshal(signed.Msg); err != nil {
		return cdmerror.New(cdmerror.StatusParseError, err)
	}
	pst := string(lic.PST)
	rec, ok, err := license.FindUsageInfoRecord(e.store, level, origin, appID, pst)
	if err != nil {
		return err
	}
	if !ok {
		return cdmerror.New(cdmerror.StatusUsageInfoNotFound, ErrUsageRecordNotFound)
	}
	return e.releaseUsageRecord(ctx, level, origin, appID, rec, signed.Msg, signed.Signature)
}

// releaseUsageRecord deletes one secure stop: its live usage entry, its
// TCE-side usage information (when a signed server release message is
// available), and its persistent record.
func (e *Engine) releaseUsageRecord(ctx context.Context, level domkeys.SecurityLevel, origin, appID string, rec domsession.UsageInfoRecord, releaseMsg, releaseSig []byte) error {
	err := e.withTCESession(ctx, level, func(handle application.TCESession) error {
		if rec.UsageEntry.Blob != nil {
			header, err := e.SharedUsageHeader(ctx, level, origin, handle)
			if err != nil {
				return err
			}
			if err := header.DeleteEntry(ctx, handle, rec.UsageEntry.Number); err != nil {
				return err
			}
		}
		if releaseMsg != nil {
			return handle.ReleaseUsageInformation(ctx, releaseMsg, releaseSig, rec.ProviderSessionToken)
		}
		return handle.DeleteUsageInformation(ctx, rec.ProviderSessionToken)
	})
	if err != nil {
		return err
	}
	return license.RemoveUsageInfoRecord(e.store, level, origin, appID, rec.ProviderSessionToken)
}

// RemoveAllUsageInfo deletes every stored streaming-usage record for appID
// at level, together with their usage-table entries and TCE-side usage
// information.
func (e *Engine) RemoveAllUsageInfo(ctx context.Context, level domkeys.SecurityLevel, origin, appID string) error {
	recs, err := license.LoadUsageInfoRecords(e.store, level, origin, appID)
	if err != nil {
		return err
	}
	psts := make([]string, 0, len(recs))
	for _, rec := range recs {
		psts = append(psts, rec.ProviderSessionToken)
	}
	err = e.withTCESession(ctx, level, func(handle application.TCESession) error {
		for _, rec := range recs {
			if rec.UsageEntry.Blob == nil {
				continue
			}
			header, err := e.SharedUsageHeader(ctx, level, origin, handle)
			if err != nil {
				return err
			}
			if err := header.DeleteEntry(ctx, handle, rec.UsageEntry.Number); err != nil && e.logger != nil {
				e.logger.Printf("engine: deleting usage entry for pst %q failed: %v", rec.ProviderSessionToken, err)
			}
		}
		if len(psts) == 0 {
			return nil
		}
		return handle.DeleteMultipleUsageInformation(ctx, psts)
	})
	if err != nil {
		return err
	}
	return license.RemoveAllUsageInfoRecords(e.store, level, origin, appID)
}

// DeleteMultipleUsageInformation batch-releases several provider session
// tokens' usage records in one call.
func (e *Engine) DeleteMultipleUsageInformation(ctx context.Context, level domkeys.SecurityLevel, origin, appID string, psts []string) error {
	err := e.withTCESession(ctx, level, func(handle application.TCESession) error {
		return handle.DeleteMultipleUsageInformation(ctx, psts)
	})
	if err != nil {
		return err
	}
	for _, pst := range psts {
		if err := license.RemoveUsageInfoRecord(e.store, level, origin, appID, pst); err != nil {
			return err
		}
	}
	return nil
}

// QueryStatus answers the read-only device/property queries a host issues
// without an open session: security level capabilities, build information,
// version and patch-level reporting.
func (e *Engine) QueryStatus(level domkeys.SecurityLevel, key string) (string, error) {
	switch key {
	case "securityLevel":
		return "L" + strconv.Itoa(int(level)), nil
	case "buildInfo":
		return e.tce.GetBuildInformation()
	case "apiVersion":
		v, err := e.tce.APIVersion()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	case "securityPatchLevel":
		v, err := e.tce.SecurityPatchLevel()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	case "systemId":
		v, err := e.tce.GetSystemID()
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(v), 10), nil
	case "srmVersion":
		v, err := e.tce.GetSRMVersion()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	case "maxNumberOfSessions":
		v, err := e.tce.GetMaxNumberOfSessions()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	case "numberOfOpenSessions":
		v, err := e.tce.GetNumberOfOpenSessions()
		if err != nil {
			return "", err
		}
		return strconv.Itoa(v), nil
	case "provisioned":
		return strconv.FormatBool(e.IsProvisioned(level)), nil
	default:
		return "", cdmerror.New(cdmerror.StatusInvalidParameter, ErrUnknownQueryKey)
	}
}

// SetDecryptHash installs the per-session decrypt-output hash check.
func (e *Engine) SetDecryptHash(sessionID string, hash []byte) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	sess.SetDecryptHash(hash)
	return nil
}

// GetDecryptHashError reports the first decrypt-hash mismatch a session
// has observed since SetDecryptHash, nil when none occurred, or a
// session-not-found error for an unknown id.
func (e *Engine) GetDecryptHashError(sessionID string) error {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return cdmerror.New(cdmerror.StatusSessionNotFound, nil)
	}
	return sess.GetDecryptHashError()
}
