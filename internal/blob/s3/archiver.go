package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/alanyoungcy/duelengine/internal/domain"
)

const ndjson = "application/x-ndjson"

// multipartThreshold switches uploads to the multipart manager. Most
// battles produce a few kilobytes.
const multipartThreshold = 8 * 1024 * 1024

// BattleArchiver writes one JSONL object per finished battle. The first
// line is the battle, followed by its audit entries and then its
// reactions. Each line carries a "kind" field.
type BattleArchiver struct {
	writer    domain.BlobWriter
	audit     domain.AuditStore
	reactions domain.ReactionStore
	prefix    string
}

// NewBattleArchiver creates a BattleArchiver that stores objects under
// prefix.
func NewBattleArchiver(writer domain.BlobWriter, audit domain.AuditStore, reactions domain.ReactionStore, prefix string) *BattleArchiver {
	return &BattleArchiver{
		writer:    writer,
		audit:     audit,
		reactions: reactions,
		prefix:    prefix,
	}
}

type archiveLine struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// ArchiveBattle uploads b's audit trail and returns the object key.
func (a *BattleArchiver) ArchiveBattle(ctx context.Context, b domain.Battle) (string, error) {
	entries, err := a.audit.ListByBattle(ctx, b.ID, domain.ListOpts{})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s audit: %w", b.ID, err)
	}
	reactions, err := a.reactions.ListByBattle(ctx, b.ID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s reactions: %w", b.ID, err)
	}

	lines := make([]archiveLine, 0, 1+len(entries)+len(reactions))
	lines = append(lines, archiveLine{Kind: "battle", Data: b})
	for _, e := range entries {
		lines = append(lines, archiveLine{Kind: "audit", Data: e})
	}
	for _, r := range reactions {
		lines = append(lines, archiveLine{Kind: "reaction", Data: r})
	}

	buf, err := marshalJSONL(lines)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s marshal: %w", b.ID, err)
	}

	key := a.key(b)
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), ndjson)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s upload: %w", b.ID, err)
	}
	return key, nil
}

// key is <prefix>/YYYY/MM/<battle id>.jsonl, partitioned by creation time.
func (a *BattleArchiver) key(b domain.Battle) string {
	created := b.CreatedAt.UTC()
	return path.Join(a.prefix,
		fmt.Sprintf("%04d", created.Year()),
		fmt.Sprintf("%02d", int(created.Month())),
		b.ID+".jsonl",
	)
}

// marshalJSONL encodes each record as one JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(records[i]); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
