// Package storage stores recording media blobs. Backends: a local
// directory tree, or any S3-compatible service (AWS S3, MinIO).
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vexa-ai/vexa/pkg/config"
	"log/slog"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("storage: object not found")

// Object is an opened blob. Close must always be called. The reader
// seeks, so HTTP handlers can serve Range requests from it directly.
type Object struct {
	io.ReadSeekCloser
	Size        int64
	ModTime     time.Time
	ContentType string
}

// Store reads and writes media blobs by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey is the canonical layout for recording media.
func ObjectKey(meetingID int64, sessionUID string, fileID int64, ext string) string {
	return fmt.Sprintf("recordings/%d/%s/%d.%s", meetingID, sessionUID, fileID, ext)
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case config.StorageLocal:
		return NewLocalStore(cfg.LocalDir)
	case config.StorageMinio, config.StorageS3:
		return NewS3Store(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
}
