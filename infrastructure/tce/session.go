package tce

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"tungo/application"
	"tungo/domain/keys"
	"tungo/domain/usage"
)

type loadedKey struct {
	material []byte
	mode     keys.CipherMode
}

// Session is a deterministic, in-memory TCE session (application.TCESession).
type Session struct {
	bus   *Bus
	num   int
	level keys.SecurityLevel

	mu       sync.Mutex
	closed   bool
	keys     map[string]*loadedKey // keyID (string(bytes)) -> key
	sendKey  []byte                // derived request-signing key
	entries  map[int][]byte
	current  int
	hasCurrent bool

	// failCreateEntryTimes lets tests force CreateUsageEntry to report
	// ErrInsufficientCryptoResources a fixed number of times before
	// succeeding, exercising infrastructure/usage.Header's evict-and-retry
	// path deterministically.
	failCreateEntryTimes int

	// lastLoadKeyType records the KeyType of the most recent LoadKeys call,
	// for tests asserting the content-vs-entitlement load path.
	lastLoadKeyType keys.Kind
}

// LastLoadedKeyType reports the KeyType carried by the most recent LoadKeys
// call on this session.
func (s *Session) LastLoadedKeyType() keys.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLoadKeyType
}

// InjectInsufficientResources arranges for the next n calls to
// CreateUsageEntry/LoadUsageEntry to fail with
// ErrInsufficientCryptoResources, for deterministic retry-path tests.
func (s *Session) InjectInsufficientResources(n int) {
	s.mu.Lock()
	s.failCreateEntryTimes = n
	s.mu.Unlock()
}

func (s *Session) SecurityLevel() keys.SecurityLevel { return s.level }

// EntryCount reports the number of usage-table entries currently live on
// this session, for tests asserting on the TCE side of a delete/shrink.
func (s *Session) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Session) Close(ctx context.Context) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.bus.openCount--
	delete(s.bus.sessions, s.num)
	return nil
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) GetHDCPCapabilities(ctx context.Context) (application.HDCPCapabilities, error) {
	return application.HDCPCapabilities{Current: keys.HDCPV2_2, Max: keys.HDCPV2_2}, nil
}

func (s *Session) GenerateNonce(ctx context.Context) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (s *Session) GetRandom(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PrepareRequest HMAC-SHA256-signs message under a session-scoped signing
// key derived from the bus's simulated ECDH keypair, standing in for the
// TCE's device-private-key-backed signature.
func (s *Session) PrepareRequest(ctx context.Context, message []byte, isProvisioning bool) ([]byte, error) {
	key, err := s.signingKey()
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

func (s *Session) PrepareRenewalRequest(ctx context.Context, message []byte) ([]byte, error) {
	return s.PrepareRequest(ctx, message, false)
}

func (s *Session) signingKey() ([]byte, error) {
	secret, err := s.bus.deriveSharedSecret(nil)
	if err != nil {
		return nil, err
	}
	return hkdfExpand(secret, []byte("wvcdm-request-signing"), []byte{byte(s.num)}, 32)
}

// GenerateDerivedKeys derives (and stores) the per-session MAC/content-key
// wrapping key from the request message and the license response's session
// key.
func (s *Session) GenerateDerivedKeys(ctx context.Context, message []byte, sessionKey []byte) error {
	secret, err := s.bus.deriveSharedSecret(nil)
	if err != nil {
		return err
	}
	derived, err := hkdfExpand(secret, sessionKey, message, 32)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sendKey = derived
	s.mu.Unlock()
	return nil
}

func (s *Session) LoadCertificatePrivateKey(ctx context.Context, wrapped []byte) error {
	return nil
}

func (s *Session) RewrapCertificate(ctx context.Context, message, signature, nonce, encryptedPrivateKey, iv, wrappingKey []byte) ([]byte, error) {
	return append([]byte(nil), encryptedPrivateKey...), nil
}

func (s *Session) LoadKeys(ctx context.Context, p application.LoadKeysParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.lastLoadKeyType = p.KeyType
	for _, k := range p.Keys {
		s.keys[string(k.ID)] = &loadedKey{material: append([]byte(nil), k.Material...), mode: keys.CipherModeCTR}
	}
	return nil
}

func (s *Session) LoadEntitledContentKeys(ctx context.Context, entitled []keys.EntitledKey) error {
	return nil
}

func (s *Session) RefreshKeys(ctx context.Context, message, signature []byte, nonce uint32, ks []keys.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range ks {
		if existing, ok := s.keys[string(k.ID)]; ok {
			existing.material = append([]byte(nil), k.Material...)
		} else {
			s.keys[string(k.ID)] = &loadedKey{material: append([]byte(nil), k.Material...), mode: keys.CipherModeCTR}
		}
	}
	return nil
}

func (s *Session) SelectKey(ctx context.Context, keyID []byte, mode keys.CipherMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[string(keyID)]
	if !ok {
		return ErrNoSuchKey
	}
	k.mode = mode
	return nil
}

// Decrypt performs CTR (or CBC) decryption over the supplied input,
// splitting it at the device chunk boundary the way a real crypto engine
// would: the CTR counter advances by chunk/16 blocks between chunks. CBC
// never chunks.
const maxChunkBytes = 4096

func (s *Session) Decrypt(ctx context.Context, p application.DecryptParams) ([]byte, error) {
	if !p.IsEncrypted {
		return append([]byte(nil), p.Input...), nil
	}
	s.mu.Lock()
	k, ok := s.keys[string(p.KeyID)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchKey
	}

	block, err := aes.NewCipher(k.material)
	if err != nil {
		return nil, err
	}

	if p.CipherMode == keys.CipherModeCBC {
		if len(p.Input)%aes.BlockSize != 0 {
			return nil, ErrNoSuchKey
		}
		out := make([]byte, len(p.Input))
		cipher.NewCBCDecrypter(block, p.IV).CryptBlocks(out, p.Input)
		return out, nil
	}

	out := make([]byte, 0, len(p.Input))
	iv := append([]byte(nil), p.IV...)
	remaining := p.Input
	for len(remaining) > 0 {
		n := len(remaining)
		if n > maxChunkBytes {
			n = maxChunkBytes
		}
		chunk := remaining[:n]
		remaining = remaining[n:]

		stream := cipher.NewCTR(block, iv)
		dst := make([]byte, len(chunk))
		stream.XORKeyStream(dst, chunk)
		out = append(out, dst...)

		blocks := (n + aes.BlockSize - 1) / aes.BlockSize
		incrementCTR(iv, uint64(blocks))
	}
	return out, nil
}

// incrementCTR advances a 16-byte big-endian CTR IV by n blocks in place.
func incrementCTR(iv []byte, n uint64) {
	carry := n
	for i := len(iv) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(iv[i]) + carry
		iv[i] = byte(sum)
		carry = sum >> 8
	}
}

func (s *Session) GenericEncrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error) {
	s.mu.Lock()
	k, ok := s.keys[string(keyID)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchKey
	}
	block, err := aes.NewCipher(k.material)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

func (s *Session) GenericDecrypt(ctx context.Context, keyID, iv, in []byte) ([]byte, error) {
	return s.GenericEncrypt(ctx, keyID, iv, in)
}

func (s *Session) GenericSign(ctx context.Context, keyID, message []byte) ([]byte, error) {
	s.mu.Lock()
	k, ok := s.keys[string(keyID)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchKey
	}
	mac := hmac.New(sha256.New, k.material)
	mac.Write(message)
	return mac.Sum(nil), nil
}

func (s *Session) GenericVerify(ctx context.Context, keyID, message, signature []byte) (bool, error) {
	expect, err := s.GenericSign(ctx, keyID, message)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expect, signature), nil
}

func (s *Session) GetUsageSupportType(ctx context.Context) (usage.SupportType, error) {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.bus.usageSupport, nil
}

func encodeHeader(count int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(count))
	return b
}

func decodeHeader(blob []byte) int {
	if len(blob) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(blob))
}

func (s *Session) CreateUsageTableHeader(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int][]byte)
	return encodeHeader(0), nil
}

func (s *Session) LoadUsageTableHeader(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[int][]byte)
	}
	return nil
}

func (s *Session) CreateUsageEntry(ctx context.Context) (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreateEntryTimes > 0 {
		s.failCreateEntryTimes--
		return 0, nil, ErrInsufficientCryptoResources
	}
	n := len(s.entries)
	blob := make([]byte, 8)
	s.entries[n] = blob
	s.current = n
	s.hasCurrent = true
	return n, append([]byte(nil), blob...), nil
}

func (s *Session) LoadUsageEntry(ctx context.Context, n int, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[n] = append([]byte(nil), blob...)
	s.current = n
	s.hasCurrent = true
	return nil
}

func (s *Session) UpdateUsageEntry(ctx context.Context, n int) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.entries[n]
	if !ok {
		return nil, nil, ErrNoSuchEntry
	}
	counter := binary.BigEndian.Uint64(blob)
	counter++
	binary.BigEndian.PutUint64(blob, counter)
	s.current = n
	s.hasCurrent = true
	return encodeHeader(len(s.entries)), append([]byte(nil), blob...), nil
}

func (s *Session) MoveUsageEntry(ctx context.Context, newN int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasCurrent {
		return ErrNoSuchEntry
	}
	blob := s.entries[s.current]
	delete(s.entries, s.current)
	s.entries[newN] = blob
	s.current = newN
	return nil
}

func (s *Session) ShrinkUsageTableHeader(ctx context.Context, newCount int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.entries {
		if n >= newCount {
			delete(s.entries, n)
		}
	}
	return encodeHeader(newCount), nil
}

func (s *Session) CopyOldUsageEntry(ctx context.Context, pst string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	blob := make([]byte, 8)
	binary.BigEndian.PutUint64(blob, uint64(len(pst)))
	s.entries[n] = blob
	s.current = n
	s.hasCurrent = true
	return encodeHeader(len(s.entries)), append([]byte(nil), blob...), nil
}

func (s *Session) UpdateUsageInformation(ctx context.Context) error { return nil }

func (s *Session) DeactivateUsageEntry(ctx context.Context, pst string) error { return nil }

func (s *Session) GenerateUsageReport(ctx context.Context, pst string) (usage.LegacyReport, error) {
	return usage.LegacyReport{Report: []byte(pst)}, nil
}

func (s *Session) ReleaseUsageInformation(ctx context.Context, message, signature []byte, pst string) error {
	return nil
}

func (s *Session) DeleteUsageInformation(ctx context.Context, pst string) error { return nil }

func (s *Session) DeleteMultipleUsageInformation(ctx context.Context, psts []string) error {
	return nil
}
