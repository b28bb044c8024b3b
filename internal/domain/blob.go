package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BattleArchiver copies a finished battle's audit trail to cold storage.
type BattleArchiver interface {
	ArchiveBattle(ctx context.Context, battle Battle) (string, error)
}
