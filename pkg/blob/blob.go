// Package blob implements the StorageBlob port (spec §6): put/get/delete
// for opaque byte payloads, used only for thumbnails. LocalBlob is a disk
// fallback; S3Blob is grounded in snappyloop-stories' internal/storage/s3.go.
package blob

import "context"

// Store is the StorageBlob port.
type Store interface {
	Put(ctx context.Context, logicalPath string, data []byte, contentType string) (url string, err error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}
