// Package usage holds the plain value types for usage-table entries and
// their persistent entry-info records. The stateful
// header/index logic lives in infrastructure/usage.
package usage

// StorageType distinguishes what a usage-table-header entry is bound to.
type StorageType int

const (
	StorageUnknown StorageType = iota
	StorageOffline
	StorageStreaming
)

// EntryInfo is the persistent record that accompanies a live TCE usage
// entry: which license/usage-info file owns entry number N.
type EntryInfo struct {
	StorageType       StorageType
	KeySetID          string // set when StorageType == StorageOffline
	UsageInfoFileName string // set when StorageType == StorageStreaming
}

// Entry is an opaque TCE-produced usage record bound to an entry number.
type Entry struct {
	Number int
	Blob   []byte
}

// SupportType is the kind of usage-table support a TCE reports.
type SupportType int

const (
	SupportNone SupportType = iota
	SupportLegacyTable
	SupportEntry
)

// LegacyReport is what a legacy-era TCE returns from GenerateUsageReport.
type LegacyReport struct {
	Report               []byte
	DurationStatus       int
	SecondsSinceStarted  int64
	SecondsSinceLastPlayed int64
}

// HeaderRecord is the persisted shape of one security level's usage-table-
// header: the opaque TCE header blob plus one EntryInfo per live entry,
// indexed by entry number.
type HeaderRecord struct {
	HeaderBlob []byte
	Entries    []EntryInfo
	EntryBlobs [][]byte
}
