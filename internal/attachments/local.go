package attachments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/diskv/v3"
)

// LocalStore keeps blobs on disk below a base directory, one file per object
// path.
type LocalStore struct {
	disk *diskv.Diskv
}

func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	return &LocalStore{disk: diskv.New(diskv.Options{
		BasePath:          baseDir,
		AdvancedTransform: pathKey,
		InverseTransform: func(key *diskv.PathKey) string {
			return strings.Join(append(append([]string{}, key.Path...), key.FileName), "/")
		},
		FilePerm: 0o640,
		PathPerm: 0o750,
	})}, nil
}

func pathKey(objectPath string) *diskv.PathKey {
	parts := strings.Split(strings.Trim(objectPath, "/"), "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts[:len(parts)-1] {
		if part == "" || part == "." || part == ".." {
			continue
		}
		segments = append(segments, part)
	}
	return &diskv.PathKey{Path: segments, FileName: parts[len(parts)-1]}
}

func (s *LocalStore) Put(_ context.Context, objectPath string, body []byte, _ string) error {
	if err := s.disk.Write(objectPath, body); err != nil {
		return fmt.Errorf("write %s: %w", objectPath, err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, objectPath string) ([]byte, string, error) {
	body, err := s.disk.Read(objectPath)
	if err != nil {
		return nil, "", err
	}
	return body, "", nil
}

func (s *LocalStore) Delete(_ context.Context, objectPath string) error {
	err := s.disk.Erase(objectPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) Close() error {
	return nil
}
