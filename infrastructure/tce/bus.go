// Package tce implements a deterministic, in-memory application.TCE/
// TCESession pair: a stand-in for a real trusted crypto engine, used by
// this core's own tests and by cmd/cdmhost. It honors large-subsample CTR
// chunking (the counter advances block-wise between chunks) and derives
// its session keys via X25519+HKDF from a simulated device key pair.
package tce

import (
	"context"
	"crypto/rand"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"

	"tungo/application"
	"tungo/domain/keys"
	"tungo/domain/usage"
)

// Bus is the process-wide TCE boundary: crypto-engine-wide state behind
// one readers-writer lock, constructed once via sync.Once rather than
// through package-level lazy globals.
type Bus struct {
	mu             sync.RWMutex
	sessions       map[int]*Session
	nextSessionNum int
	openCount      int

	usageSupport usage.SupportType

	// serverPublic is a stable simulated "server" ECDH public key every
	// PrepareRequest/derived-key call Diffie-Hellmans against, giving
	// deterministic session keys for a given request message.
	serverPrivate [32]byte
	serverPublic  []byte
}

var (
	busOnce sync.Once
	bus     *Bus
)

// New returns the process-wide FakeTCE bus, constructing it on first call.
func New() application.TCE {
	busOnce.Do(func() {
		bus = newBus()
	})
	return bus
}

func newBus() *Bus {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		panic(err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	return &Bus{
		sessions:      make(map[int]*Session),
		usageSupport:  usage.SupportEntry,
		serverPrivate: priv,
		serverPublic:  pub,
	}
}

func (b *Bus) APIVersion() (int, error)                { return 16, nil }
func (b *Bus) GetBuildInformation() (string, error)     { return "faketce-dev", nil }
func (b *Bus) SecurityPatchLevel() (int, error)         { return 1, nil }
func (b *Bus) GetProvisioningMethod() (application.ProvisioningMethod, error) {
	return application.ProvisioningMethodKeybox, nil
}
func (b *Bus) GetDeviceID() ([]byte, error) {
	sum := sha256.Sum256(b.serverPublic)
	return sum[:16], nil
}
func (b *Bus) GetSystemID() (uint32, error) { return 0x1234, nil }
func (b *Bus) GetProvisioningID() ([]byte, error) {
	return b.GetDeviceID()
}
func (b *Bus) GetProvisioningToken() ([]byte, error) {
	return append([]byte(nil), b.serverPublic...), nil
}
func (b *Bus) GetSupportedCertificateTypes() (application.SupportedCertificateTypes, error) {
	return application.SupportedCertificateTypes{RSA2048: true}, nil
}
func (b *Bus) GetAnalogOutputCapabilities(ctx context.Context) (application.AnalogOutputCapabilities, error) {
	return application.AnalogOutputCapabilities{Supported: false}, nil
}
func (b *Bus) GetMaxNumberOfSessions() (int, error) { return 64, nil }
func (b *Bus) GetNumberOfOpenSessions() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openCount, nil
}
func (b *Bus) GetResourceRatingTier() (int, error)    { return 1, nil }
func (b *Bus) GetSRMVersion() (int, error)            { return 1, nil }
func (b *Bus) IsSRMUpdateSupported() (bool, error)    { return true, nil }

func (b *Bus) OpenSession(ctx context.Context, level keys.SecurityLevel) (application.TCESession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSessionNum++
	s := &Session{
		bus:     b,
		num:     b.nextSessionNum,
		level:   level,
		keys:    make(map[string]*loadedKey),
		entries: make(map[int][]byte),
	}
	b.sessions[s.num] = s
	b.openCount++
	return s, nil
}

func (b *Bus) DeleteAllUsageReports(ctx context.Context) error {
	return nil
}

// SetUsageSupportType switches the usage-table support the simulated
// engine reports, so hosts and tests can model older devices: SupportNone,
// SupportLegacyTable, or the default SupportEntry.
func (b *Bus) SetUsageSupportType(t usage.SupportType) {
	b.mu.Lock()
	b.usageSupport = t
	b.mu.Unlock()
}

func (b *Bus) deriveSharedSecret(peerPublic []byte) ([]byte, error) {
	if peerPublic == nil {
		peerPublic = b.serverPublic
	}
	return curve25519.X25519(b.serverPrivate[:], peerPublic)
}

func hkdfExpand(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
