// Package quarantine keeps evidence of dangerous files.
package quarantine

import (
	"bytes"
	"context"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/minio/minio-go/v7"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// ObjectPutter is the part of *minio.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader,
		objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioReporter uploads the fetched header of each dangerous file.
type MinioReporter struct {
	putter ObjectPutter
	bucket string
	prefix string
}

// NewMinioReporter builds a MinioReporter.
func NewMinioReporter(putter ObjectPutter, settings scan.QuarantineSettings) (*MinioReporter, error) {
	if putter == nil {
		return nil, errors.New("object storage client is required")
	}
	if settings.Bucket == "" {
		return nil, errors.New("quarantine bucket is required")
	}

	return &MinioReporter{
		putter: putter,
		bucket: settings.Bucket,
		prefix: strings.Trim(settings.Prefix, "/"),
	}, nil
}

// ObjectKey returns where the sample of event is stored.
func (r *MinioReporter) ObjectKey(event scan.DangerEvent) string {
	return path.Join(r.prefix, event.TenantID, event.Fingerprint)
}

// Report implements worker.DangerReporter.
func (r *MinioReporter) Report(ctx context.Context, event scan.DangerEvent) error {
	if len(event.Sample) == 0 {
		return nil
	}

	_, err := r.putter.PutObject(ctx, r.bucket, r.ObjectKey(event),
		bytes.NewReader(event.Sample), int64(len(event.Sample)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"file-name":  event.FileName,
				"kind":       event.Kind,
				"chat-id":    strconv.FormatInt(event.ChatID, 10),
				"message-id": strconv.Itoa(event.MessageID),
			},
		})
	if err != nil {
		return errors.Wrapf(err, "upload sample %s", r.ObjectKey(event))
	}

	return nil
}

// JournalAppender is the part of the redis wrapper used for the journal.
type JournalAppender interface {
	AppendDangerEvent(ctx context.Context, tenantID string, event any) error
}

// JournalReporter appends each dangerous file to its tenant's redis journal.
type JournalReporter struct {
	journal JournalAppender
}

// NewJournalReporter builds a JournalReporter.
func NewJournalReporter(journal JournalAppender) (*JournalReporter, error) {
	if journal == nil {
		return nil, errors.New("journal store is required")
	}

	return &JournalReporter{journal: journal}, nil
}

// Report implements worker.DangerReporter.
func (r *JournalReporter) Report(ctx context.Context, event scan.DangerEvent) error {
	return errors.Wrap(r.journal.AppendDangerEvent(ctx, event.TenantID, event), "append danger journal")
}
