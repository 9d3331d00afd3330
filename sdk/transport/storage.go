package transport

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/peterbourgon/diskv/v3"
	"github.com/redis/go-redis/v9"
)

const DefaultStorageKey = "oopsie_pending_reports"

// Storage holds the encoded retry queue under a single fixed key. Load returns
// (nil, nil) when nothing is stored.
type Storage interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Remove(ctx context.Context) error
}

type DiskStorage struct {
	store *diskv.Diskv
	key   string
}

func NewDiskStorage(dir, key string) *DiskStorage {
	if key == "" {
		key = DefaultStorageKey
	}
	return &DiskStorage{
		store: diskv.New(diskv.Options{
			BasePath:     dir,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: 1024 * 1024,
		}),
		key: key,
	}
}

func (s *DiskStorage) Load(_ context.Context) ([]byte, error) {
	if !s.store.Has(s.key) {
		return nil, nil
	}
	data, err := s.store.Read(s.key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *DiskStorage) Save(_ context.Context, data []byte) error {
	return s.store.Write(s.key, data)
}

func (s *DiskStorage) Remove(_ context.Context) error {
	if !s.store.Has(s.key) {
		return nil
	}
	return s.store.Erase(s.key)
}

type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(client *redis.Client, key string) *RedisStorage {
	if key == "" {
		key = DefaultStorageKey
	}
	return &RedisStorage{client: client, key: key}
}

func (s *RedisStorage) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (s *RedisStorage) Save(ctx context.Context, data []byte) error {
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStorage) Remove(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStorage) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.data = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Remove(_ context.Context) error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
