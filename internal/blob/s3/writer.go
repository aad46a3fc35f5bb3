package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// uploadPartSize is the part size for multipart uploads. Receipt archive
// batches are usually well under one part, in which case the manager falls
// back to a single PutObject.
const uploadPartSize int64 = 8 * 1024 * 1024

// Writer implements domain.BlobWriter. Uploads go through the SDK upload
// manager so an oversized archive batch splits into parts instead of
// failing.
type Writer struct {
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer targeting the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: c.Bucket(),
	}
}

// Put uploads data to path with the given content type.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
