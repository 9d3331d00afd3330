package attachments

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("attachment store not configured")

// Blobs stores attachment bodies under slash-separated object paths.
type Blobs interface {
	Put(ctx context.Context, objectPath string, body []byte, contentType string) error
	Get(ctx context.Context, objectPath string) ([]byte, string, error)
	Delete(ctx context.Context, objectPath string) error
	Close() error
}

// NoopStore rejects every write; reports without files still go through.
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Put(_ context.Context, _ string, _ []byte, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) Get(_ context.Context, _ string) ([]byte, string, error) {
	return nil, "", ErrNotConfigured
}

func (s *NoopStore) Delete(_ context.Context, _ string) error {
	return ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
