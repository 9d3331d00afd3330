package attachments

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/google/uuid"

	"oopsie/internal/store"
)

// Uploader validates and writes the files of one report. Either every file is
// stored or none is.
type Uploader struct {
	blobs    Blobs
	maxBytes int64
	logger   log.Interface
}

func NewUploader(blobs Blobs, maxBytes int64, logger log.Interface) *Uploader {
	if blobs == nil {
		blobs = NewNoopStore()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = log.Log
	}
	return &Uploader{blobs: blobs, maxBytes: maxBytes, logger: logger}
}

func (u *Uploader) Blobs() Blobs {
	return u.blobs
}

// ValidateAll checks every upload without writing anything.
func (u *Uploader) ValidateAll(uploads []Upload) ([]string, error) {
	mimeTypes := make([]string, 0, len(uploads))
	for _, upload := range uploads {
		mimeType, err := Validate(upload, u.maxBytes)
		if err != nil {
			return nil, err
		}
		mimeTypes = append(mimeTypes, mimeType)
	}
	return mimeTypes, nil
}

func (u *Uploader) StoreAll(ctx context.Context, reportID string, uploads []Upload) ([]store.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	mimeTypes, err := u.ValidateAll(uploads)
	if err != nil {
		return nil, err
	}

	stored := make([]store.Attachment, 0, len(uploads))
	for i, upload := range uploads {
		fileID := uuid.NewString()
		attachment := store.Attachment{
			ID:       fileID,
			ReportID: reportID,
			Filename: CleanFilename(upload.Filename),
			Path:     ObjectPath(reportID, fileID, upload.Filename),
			Size:     int64(len(upload.Data)),
			MimeType: mimeTypes[i],
		}

		if err := u.blobs.Put(ctx, attachment.Path, upload.Data, attachment.MimeType); err != nil {
			u.Remove(ctx, PathsOf(stored))
			return nil, fmt.Errorf("store attachment %s: %w", attachment.Filename, err)
		}
		stored = append(stored, attachment)
	}
	return stored, nil
}

// Remove deletes blobs best-effort; failures are logged.
func (u *Uploader) Remove(ctx context.Context, paths []string) int {
	removed := 0
	for _, objectPath := range paths {
		if err := u.blobs.Delete(ctx, objectPath); err != nil {
			u.logger.WithError(err).WithField("path", objectPath).Warn("attachment delete failed")
			continue
		}
		removed++
	}
	return removed
}

func PathsOf(attachments []store.Attachment) []string {
	paths := make([]string, 0, len(attachments))
	for _, attachment := range attachments {
		paths = append(paths, attachment.Path)
	}
	return paths
}
