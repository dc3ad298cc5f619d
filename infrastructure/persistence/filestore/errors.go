package filestore

import "errors"

var (
	ErrFileHashMismatch     = errors.New("filestore: hash mismatch")
	ErrFileNotFound         = errors.New("filestore: file not found")
	ErrBasePathUnavailable  = errors.New("filestore: base path unavailable")
	ErrInvalidFileSize      = errors.New("filestore: invalid file size")
)
