package statuslist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrListNotFound = errors.New("statuslist: list not found")

// Purpose is what a set bit means for a list. Immutable after creation.
type Purpose string

const (
	PurposeRevocation Purpose = "revocation"
	PurposeSuspension Purpose = "suspension"
)

// StatusMetadata records who flipped an index and why.
type StatusMetadata struct {
	RevokedAt time.Time `json:"revoked_at"`
	RevokedBy string    `json:"revoked_by"`
	Reason    string    `json:"reason,omitempty"`
}

// ListRecord is the persisted form of a status list. The bitstring travels in
// its transport encoding; the metadata map is keyed by index.
type ListRecord struct {
	ID               string                 `json:"id"`
	Purpose          Purpose                `json:"purpose"`
	Issuer           string                 `json:"issuer"`
	BaseURL          string                 `json:"base_url"`
	Length           int                    `json:"length"`
	AllocationCursor int                    `json:"allocation_cursor"`
	EncodedList      string                 `json:"encoded_list"`
	Metadata         map[int]StatusMetadata `json:"metadata,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Storage is the pluggable persistence back end for status lists.
// Implementations must be safe for concurrent use; the Store guarantees at
// most one in-flight Save per list.
type Storage interface {
	Save(ctx context.Context, rec *ListRecord) error
	Load(ctx context.Context, id string) (*ListRecord, error)
	ListIDs(ctx context.Context) ([]string, error)
}

// --- in-memory storage ---

// MemoryStorage keeps list records in a map. Used in tests and for
// single-process deployments that accept loss on restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string]*ListRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*ListRecord)}
}

func (s *MemoryStorage) Save(ctx context.Context, rec *ListRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := *rec
	clone.Metadata = cloneMetadata(rec.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = &clone
	return nil
}

func (s *MemoryStorage) Load(ctx context.Context, id string) (*ListRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrListNotFound
	}
	clone := *rec
	clone.Metadata = cloneMetadata(rec.Metadata)
	return &clone, nil
}

func (s *MemoryStorage) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// --- file storage ---

// FileStorage persists one JSON file per list under a directory. Writes go
// through a temp file and rename so a crash never leaves a torn record.
type FileStorage struct {
	dir string
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("statuslist: create storage dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(id string) string {
	// List IDs may contain URL-ish characters; keep the filename flat.
	safe := strings.NewReplacer("/", "_", ":", "_", "#", "_").Replace(id)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStorage) Save(ctx context.Context, rec *ListRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("statuslist: marshal list: %w", err)
	}

	target := s.path(rec.ID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("statuslist: write list: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("statuslist: replace list: %w", err)
	}
	return nil
}

func (s *FileStorage) Load(ctx context.Context, id string) (*ListRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statuslist: read list: %w", err)
	}

	var rec ListRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("statuslist: parse list: %w", err)
	}
	return &rec, nil
}

func (s *FileStorage) ListIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("statuslist: read storage dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	return ids, nil
}

func cloneMetadata(m map[int]StatusMetadata) map[int]StatusMetadata {
	if m == nil {
		return nil
	}
	out := make(map[int]StatusMetadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
