package filestore

import (
	"io"
)

// FileStore keeps attachment blobs addressed by the hex SHA-256 of their content.
type FileStore interface {
	// Save stores content under hash. Saving a hash that exists is a no-op.
	Save(r io.Reader, hash string) error

	// Get opens the content for hash. Missing blobs yield models.ErrNotFound.
	Get(hash string) (io.ReadCloser, error)
}
