// Package filestore implements application.FileStore as hashed blobs on
// disk, scoped by (security level, origin). Every blob is stored as a
// 32-byte SHA-256 prefix followed by the payload; Retrieve recomputes the
// hash and refuses a blob that fails to match.
package filestore

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"tungo/application"
	"tungo/domain/keys"
)

// Disk is a disk-backed application.FileStore rooted at basePath.
type Disk struct {
	basePath string
}

// New returns a Disk store rooted at basePath. basePath is created lazily
// on first write, not at construction time.
func New(basePath string) (application.FileStore, error) {
	if basePath == "" {
		return nil, ErrBasePathUnavailable
	}
	return &Disk{basePath: basePath}, nil
}

func (d *Disk) dir(level keys.SecurityLevel, origin string) string {
	return filepath.Join(d.basePath, fmt.Sprintf("level-%d", level), origin)
}

func (d *Disk) path(level keys.SecurityLevel, origin, name string) string {
	return filepath.Join(d.dir(level, origin), name)
}

func (d *Disk) Store(level keys.SecurityLevel, origin string, name string, data []byte) error {
	dir := d.dir(level, origin)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrBasePathUnavailable, err)
	}
	sum := sha256.Sum256(data)
	blob := make([]byte, 0, len(sum)+len(data))
	blob = append(blob, sum[:]...)
	blob = append(blob, data...)
	return os.WriteFile(d.path(level, origin, name), blob, 0o600)
}

func (d *Disk) Retrieve(level keys.SecurityLevel, origin string, name string) ([]byte, error) {
	blob, err := os.ReadFile(d.path(level, origin, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	if len(blob) < sha256.Size {
		return nil, ErrInvalidFileSize
	}
	want := blob[:sha256.Size]
	data := blob[sha256.Size:]
	got := sha256.Sum256(data)
	for i := range got {
		if want[i] != got[i] {
			return nil, ErrFileHashMismatch
		}
	}
	return data, nil
}

func (d *Disk) Exists(level keys.SecurityLevel, origin string, name string) bool {
	_, err := os.Stat(d.path(level, origin, name))
	return err == nil
}

func (d *Disk) Remove(level keys.SecurityLevel, origin string, name string) error {
	err := os.Remove(d.path(level, origin, name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *Disk) List(level keys.SecurityLevel, origin string) ([]string, error) {
	entries, err := os.ReadDir(d.dir(level, origin))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Disk) Size(level keys.SecurityLevel, origin string, name string) (int64, error) {
	info, err := os.Stat(d.path(level, origin, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrFileNotFound
		}
		return 0, err
	}
	size := info.Size() - sha256.Size
	if size < 0 {
		return 0, ErrInvalidFileSize
	}
	return size, nil
}

// Named blob helpers.

// CertificateBlobName is the device-certificate + wrapped-private-key blob.
const CertificateBlobName = "cert.bin"

// UsageTableBlobName is the per-level usage-table-header + entry-info blob.
const UsageTableBlobName = "usage_tbl.bin"

// LicenseBlobName returns the per-license blob name for a key-set id.
func LicenseBlobName(keySetID string) string {
	return keySetID + ".lic"
}

// HLSBlobName returns the optional HLS per-segment IV/method blob name.
func HLSBlobName(keySetID string) string {
	return keySetID + ".hls"
}

// UsageInfoBlobName returns the per-app streaming-usage-records blob name,
// named by the SHA-256 hash of the application id.
func UsageInfoBlobName(appID string) string {
	sum := sha256.Sum256([]byte(appID))
	return fmt.Sprintf("usage_info_%x", sum)
}
