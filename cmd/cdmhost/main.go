// Command cdmhost is a minimal, non-interactive demonstration of the
// public Engine API: provision a device, open a session, emit a streaming
// license request, then tear down. It
// exists to give infrastructure/tce.Bus and infrastructure/platform a
// concrete place to be constructed together; a real deployment replaces
// the in-memory TCE with a binding to an actual trusted crypto engine and
// wires its own event-transport glue in place of the log lines below.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"tungo/domain/keys"
	"tungo/domain/wvproto"
	"tungo/infrastructure/engine"
	"tungo/infrastructure/persistence/filestore"
	"tungo/infrastructure/platform/clock"
	"tungo/infrastructure/platform/logging"
	"tungo/infrastructure/provisioning/servicecert"
	"tungo/infrastructure/session"
	"tungo/infrastructure/tce"
)

// noopListener discards every asynchronous event the engine raises. A real
// host forwards these to the media player through its own event-transport.
type noopListener struct{ log func(string, ...any) }

func (l noopListener) OnKeyStatusChange(sessionID string, statuses map[string]keys.KeyStatus) {
	l.log("session %s: key statuses changed: %v", sessionID, statuses)
}

func (l noopListener) OnRenewalNeeded(sessionID string) {
	l.log("session %s: renewal needed", sessionID)
}

func (l noopListener) OnExpirationUpdate(sessionID string, newExpiryUnix int64) {
	l.log("session %s: expiration update: %d", sessionID, newExpiryUnix)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "cdmhost:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()
	logger := logging.NewLogLogger()
	wallClock := clock.New()

	store, err := filestore.New(storePath())
	if err != nil {
		return err
	}

	eng := engine.New(tce.New(), store, wallClock, logger)

	if !eng.IsProvisioned(keys.SecurityLevelL1) {
		if err := provisionDemoDevice(ctx, eng); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		logger.Printf("device provisioned at L1")
	}

	listener := noopListener{log: logger.Printf}
	clientID := &wvproto.ClientIdentification{Type: 1, Token: []byte("demo-keybox-token")}

	sessionID, err := eng.OpenSession(ctx, "com.widevine.alpha", listener, clientID, keys.SecurityLevelL1, false, false)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	logger.Printf("opened session %s", sessionID)

	pssh := demoCENCInitData()
	now := time.Unix(wallClock.NowUnix(), 0)
	_, request, err := eng.GenerateKeyRequest(ctx, sessionID, "", pssh, session.LicenseTypeStreaming, now)
	if err != nil {
		return fmt.Errorf("generate key request: %w", err)
	}
	// A real host posts these bytes to its license server and feeds the
	// reply back through eng.AddKey.
	logger.Printf("emitted a %d-byte license request", len(request))

	if err := eng.CloseSession(ctx, sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	logger.Printf("closed session %s", sessionID)
	return nil
}

// provisionDemoDevice plays both ends of the provisioning round trip: the
// engine builds the request, and the simulated root authority answers it
// the way a provisioning server would.
func provisionDemoDevice(ctx context.Context, eng *engine.Engine) error {
	reqBytes, _, err := eng.GetProvisioningRequest(ctx, keys.SecurityLevelL1, wvproto.CertificateTypeWidevine, "", "demo-origin", "")
	if err != nil {
		return err
	}
	var envelope wvproto.SignedProvisioningMessage
	if err := envelope.Unmarshal(reqBytes); err != nil {
		return err
	}
	var req wvproto.ProvisioningRequest
	if err := req.Unmarshal(envelope.Message); err != nil {
		return err
	}

	deviceCert, err := servicecert.DefaultSignedCertificate()
	if err != nil {
		return err
	}
	respMsg := (&wvproto.ProvisioningResponse{
		DeviceCertificate:     deviceCert,
		Nonce:                 req.Nonce,
		EncryptedPrivateKey:   []byte("demo-wrapped-private-key"),
		EncryptedPrivateKeyIV: []byte("demo-iv-16-bytes"),
	}).Marshal()
	sig, err := servicecert.SignWithRootAuthority(respMsg)
	if err != nil {
		return err
	}
	respBytes := (&wvproto.SignedProvisioningMessage{
		Message:         respMsg,
		Signature:       sig,
		ProtocolVersion: wvproto.ProvisioningProtocolV2,
	}).Marshal()

	_, _, err = eng.HandleProvisioningResponse(ctx, keys.SecurityLevelL1, respBytes)
	return err
}

// demoCENCInitData is a single Widevine pssh box wrapping one key id, the
// same shape infrastructure/license.NormalizeInitData expects from a CENC
// container.
func demoCENCInitData() []byte {
	systemID := [16]byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}
	data := (&wvproto.WidevinePsshData{KeyIDs: [][]byte{[]byte("demo-key-id-0001")}}).Marshal()
	size := uint32(8 + 4 + 16 + 4 + len(data))
	box := make([]byte, 0, size)
	box = append(box, byte(size>>24), byte(size>>16), byte(size>>8), byte(size))
	box = append(box, 'p', 's', 's', 'h')
	box = append(box, 0, 0, 0, 0) // version 0, no flags
	box = append(box, systemID[:]...)
	dlen := uint32(len(data))
	box = append(box, byte(dlen>>24), byte(dlen>>16), byte(dlen>>8), byte(dlen))
	box = append(box, data...)
	return box
}

func storePath() string {
	if p := os.Getenv("CDMHOST_STORE"); p != "" {
		return p
	}
	return "./cdmhost-store"
}
