package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// Archiver moves aged receipts out of the journal into object storage.
// Each run serializes the batch to JSONL, uploads it, verifies the object
// landed, and only then deletes the archived rows. A crash between upload
// and delete re-archives the same receipts on the next run, which is
// harmless: objects are keyed by batch timestamp and receipts are
// immutable.
type Archiver struct {
	writer   domain.BlobWriter
	reader   domain.BlobReader
	receipts domain.ReceiptStore

	// batchLimit caps how many receipts one run drains.
	batchLimit int
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, receipts domain.ReceiptStore, batchLimit int) *Archiver {
	if batchLimit <= 0 {
		batchLimit = 10000
	}
	return &Archiver{
		writer:     writer,
		reader:     reader,
		receipts:   receipts,
		batchLimit: batchLimit,
	}
}

// ArchiveReceipts archives receipts applied before the cutoff and returns
// how many were moved. A zero return with nil error means the journal had
// nothing old enough.
func (a *Archiver) ArchiveReceipts(ctx context.Context, before time.Time) (int64, error) {
	receipts, err := a.receipts.ListBefore(ctx, before, a.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts query: %w", err)
	}
	if len(receipts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(receipts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts marshal: %w", err)
	}

	path := archivePath(receipts[len(receipts)-1].AppliedAt)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts upload: %w", err)
	}

	// Deleting unverified rows would lose the audit trail on a silent
	// upload failure.
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts verify %s: %w", path, err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive receipts verify %s: object missing after upload", path)
	}

	cutoff := receipts[len(receipts)-1].AppliedAt.Add(time.Nanosecond)
	deleted, err := a.receipts.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive receipts delete: %w", err)
	}
	return deleted, nil
}

// archivePath builds the object key for one archived batch, partitioned by
// year-month with the batch end timestamp for uniqueness.
//
//	archive/receipts/2026-08/20260830T120000Z.jsonl
func archivePath(end time.Time) string {
	return fmt.Sprintf("archive/receipts/%s/%s.jsonl",
		end.UTC().Format("2006-01"), end.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
