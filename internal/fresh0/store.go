package fresh0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by a Backend when the key has no value.
var ErrNotFound = errors.New("fresh0: record not found")

// Backend is a durable key/value store holding serialized records.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// OpenBackend opens the backend named in cfg.
func OpenBackend(cfg StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "leveldb":
		return openLevelBackend(cfg.Path)
	case "sqlite":
		return openSQLiteBackend(cfg.Path)
	case "memory":
		return newMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Store reads and writes whole records. It never fails loudly: unreadable
// records read as nil and rejected writes report false, so callers degrade
// to fetching instead of crashing.
type Store struct {
	backend   Backend
	maxRecord int64
	log       zerolog.Logger
	failLog   *rateLimitedLogger
	stats     *statsCollector
}

func NewStore(backend Backend, maxRecord int64, log zerolog.Logger) *Store {
	return &Store{
		backend:   backend,
		maxRecord: maxRecord,
		log:       log,
		failLog:   newRateLimitedLogger(log, time.Minute),
	}
}

func (s *Store) Read(ctx context.Context, key string) *Record {
	b, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Debug().Err(err).Str("key", key).Msg("store read failed")
		}
		return nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("discarding corrupt record")
		return nil
	}
	if !rec.usable() {
		return nil
	}
	return &rec
}

func (s *Store) Write(ctx context.Context, key string, rec Record) bool {
	if !rec.usable() {
		return false
	}
	b, err := encodeRecord(rec)
	if err == nil && s.maxRecord > 0 && int64(len(b)) > s.maxRecord {
		err = fmt.Errorf("record is %d bytes, limit %d", len(b), s.maxRecord)
	}
	if err == nil {
		err = s.backend.Put(ctx, key, b)
	}
	if err != nil {
		s.stats.observeWriteFailure()
		s.failLog.Warn().Err(err).Str("key", key).Msg("store write failed")
		return false
	}
	return true
}

// Clear drops the record for key. The engine never calls it; it exists for
// operators forcing a cold start.
func (s *Store) Clear(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear %q: %w", key, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.backend.Count(ctx)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// encodeRecord marshals without HTML escaping so a stored payload reads back
// byte-identical to what was written.
func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ---- memory backend ----

type memoryBackend struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{items: map[string][]byte{}}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(b), nil
}

func (m *memoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = bytes.Clone(value)
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryBackend) Count(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *memoryBackend) Close() error { return nil }
