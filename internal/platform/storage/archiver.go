// Package storage archives generated documents in Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"

	"github.com/bazaar-market/api/internal/services"
)

// objectWriter is the subset of *storage.Writer the archiver drives.
type objectWriter interface {
	io.WriteCloser
}

type writerFactory func(ctx context.Context, bucket, object, contentType string) objectWriter

// ReportArchiver stores sales reports as immutable objects.
type ReportArchiver struct {
	bucket    string
	newWriter writerFactory
}

var _ services.ReportArchiver = (*ReportArchiver)(nil)

// NewReportArchiver writes into bucket via the given client. Objects are
// created with a does-not-exist precondition so an archive is never replaced.
func NewReportArchiver(client *gcs.Client, bucket string) (*ReportArchiver, error) {
	if client == nil {
		return nil, errors.New("report archiver: storage client is required")
	}
	return newReportArchiver(bucket, func(ctx context.Context, bucket, object, contentType string) objectWriter {
		w := client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = "private, max-age=0"
		return w
	})
}

func newReportArchiver(bucket string, factory writerFactory) (*ReportArchiver, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("report archiver: bucket is required")
	}
	return &ReportArchiver{bucket: bucket, newWriter: factory}, nil
}

// ArchiveReport uploads payload under name and returns its gs:// URI.
func (a *ReportArchiver) ArchiveReport(ctx context.Context, name string, contentType string, payload []byte) (string, error) {
	if a == nil || a.newWriter == nil {
		return "", errors.New("report archiver: not initialised")
	}
	object := strings.TrimLeft(strings.TrimSpace(name), "/")
	if object == "" {
		return "", errors.New("report archiver: object name is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := a.newWriter(ctx, a.bucket, object, contentType)
	if _, err := w.Write(payload); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("report archiver: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("report archiver: finalize %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
