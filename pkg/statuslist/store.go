package statuslist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
)

var (
	ErrListExhausted = errors.New("statuslist: allocation cursor reached list length")
	ErrListExists    = errors.New("statuslist: list already loaded with different parameters")
)

// StatusValue is the answer to a status check.
type StatusValue string

const (
	StatusActive    StatusValue = "active"
	StatusRevoked   StatusValue = "revoked"
	StatusSuspended StatusValue = "suspended"
)

// StatusResult pairs the status with the mutation metadata, if any.
type StatusResult struct {
	Status   StatusValue     `json:"status"`
	Metadata *StatusMetadata `json:"metadata,omitempty"`
}

// Entry is the StatusList2021Entry pointer embedded in an issued credential.
// It must be stored verbatim inside the issuer's credential.
type Entry struct {
	Type                 string  `json:"type"`
	StatusPurpose        Purpose `json:"statusPurpose"`
	StatusListCredential string  `json:"statusListCredential"`
	StatusListIndex      int     `json:"statusListIndex"`
}

// Params configures a new status list.
type Params struct {
	Purpose Purpose
	Length  int // default DefaultLength
	Issuer  string
	BaseURL string
}

// listState is one list plus its lock. AllocateIndex and SetStatus take the
// write lock and persist while still holding it, so readers never observe a
// mutation that has not been made durable. Distinct lists are independent.
type listState struct {
	mu       sync.RWMutex
	id       string
	purpose  Purpose
	issuer   string
	baseURL  string
	length   int
	cursor   int
	bits     *Bitstring
	metadata map[int]StatusMetadata
}

// Store owns the set of status lists, their persistence, and signed credential
// emission.
type Store struct {
	mu      sync.RWMutex
	lists   map[string]*listState
	storage Storage

	provider           kms.Provider
	signingKeyID       string
	verificationMethod string

	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSigner wires the KMS key used to sign emitted credentials.
// verificationMethod is the DID URL published in credential proofs.
func WithSigner(provider kms.Provider, keyID, verificationMethod string) StoreOption {
	return func(s *Store) {
		s.provider = provider
		s.signingKeyID = keyID
		s.verificationMethod = verificationMethod
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over the given storage back end.
func NewStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		lists:   make(map[string]*listState),
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeList loads the list from storage if it exists, otherwise creates
// it with all bits zero and cursor 0. Idempotent.
func (s *Store) InitializeList(ctx context.Context, id string, params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.Length == 0 {
		params.Length = DefaultLength
	}
	if err := ValidateLength(params.Length); err != nil {
		return err
	}

	if ls, ok := s.lists[id]; ok {
		if ls.length != params.Length || ls.purpose != params.Purpose {
			return ErrListExists
		}
		return nil
	}

	rec, err := s.storage.Load(ctx, id)
	switch {
	case err == nil:
		bits, err := DecodeBitstring(rec.EncodedList, rec.Length)
		if err != nil {
			return err
		}
		metadata := rec.Metadata
		if metadata == nil {
			metadata = make(map[int]StatusMetadata)
		}
		s.lists[id] = &listState{
			id:       id,
			purpose:  rec.Purpose,
			issuer:   rec.Issuer,
			baseURL:  rec.BaseURL,
			length:   rec.Length,
			cursor:   rec.AllocationCursor,
			bits:     bits,
			metadata: metadata,
		}
		return nil
	case errors.Is(err, ErrListNotFound):
		bits, err := NewBitstring(params.Length)
		if err != nil {
			return err
		}
		ls := &listState{
			id:       id,
			purpose:  params.Purpose,
			issuer:   params.Issuer,
			baseURL:  strings.TrimSuffix(params.BaseURL, "/"),
			length:   params.Length,
			bits:     bits,
			metadata: make(map[int]StatusMetadata),
		}
		if err := s.persistLocked(ctx, ls); err != nil {
			return err
		}
		s.lists[id] = ls
		return nil
	default:
		return err
	}
}

// AllocateIndex atomically returns the current cursor and advances it.
// Allocation does not set the bit.
func (s *Store) AllocateIndex(ctx context.Context, id string) (*Entry, error) {
	ls, err := s.list(id)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.cursor >= ls.length {
		return nil, ErrListExhausted
	}

	index := ls.cursor
	ls.cursor++
	if err := s.persistLocked(ctx, ls); err != nil {
		ls.cursor = index
		return nil, err
	}

	return &Entry{
		Type:                 "StatusList2021Entry",
		StatusPurpose:        ls.purpose,
		StatusListCredential: ls.credentialURL(),
		StatusListIndex:      index,
	}, nil
}

// SetStatus atomically mutates the bit at index. A 0→1 transition records the
// actor, time, and reason; a 1→0 transition clears that entry. Un-revoking an
// index that was never revoked is a no-op. The updated list is persisted
// before the lock is released; on storage failure the in-memory bit is rolled
// back so no acknowledgement ever claims an unpersisted mutation.
func (s *Store) SetStatus(ctx context.Context, id string, index int, revoked bool, actor, reason string) error {
	ls, err := s.list(id)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	prev, err := ls.bits.Get(index)
	if err != nil {
		return err
	}
	if prev == revoked {
		return nil
	}

	if err := ls.bits.Set(index, revoked); err != nil {
		return err
	}
	prevMeta, hadMeta := ls.metadata[index]
	if revoked {
		ls.metadata[index] = StatusMetadata{
			RevokedAt: s.now(),
			RevokedBy: actor,
			Reason:    reason,
		}
	} else {
		delete(ls.metadata, index)
	}

	if err := s.persistLocked(ctx, ls); err != nil {
		_ = ls.bits.Set(index, prev)
		if hadMeta {
			ls.metadata[index] = prevMeta
		} else {
			delete(ls.metadata, index)
		}
		return err
	}
	return nil
}

// CheckStatus is a pure O(1) read. Suspension-purpose lists report suspended
// rather than revoked for a set bit.
func (s *Store) CheckStatus(ctx context.Context, id string, index int) (*StatusResult, error) {
	ls, err := s.list(id)
	if err != nil {
		return nil, err
	}

	ls.mu.RLock()
	defer ls.mu.RUnlock()

	set, err := ls.bits.Get(index)
	if err != nil {
		return nil, err
	}
	if !set {
		return &StatusResult{Status: StatusActive}, nil
	}

	status := StatusRevoked
	if ls.purpose == PurposeSuspension {
		status = StatusSuspended
	}
	result := &StatusResult{Status: status}
	if meta, ok := ls.metadata[index]; ok {
		m := meta
		result.Metadata = &m
	}
	return result, nil
}

// PersistList forces a save of the list's current state.
func (s *Store) PersistList(ctx context.Context, id string) error {
	ls, err := s.list(id)
	if err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return s.persistLocked(ctx, ls)
}

// LoadList reloads the list from storage, replacing in-memory state.
func (s *Store) LoadList(ctx context.Context, id string) error {
	rec, err := s.storage.Load(ctx, id)
	if err != nil {
		return err
	}
	bits, err := DecodeBitstring(rec.EncodedList, rec.Length)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	metadata := rec.Metadata
	if metadata == nil {
		metadata = make(map[int]StatusMetadata)
	}
	s.lists[id] = &listState{
		id:       id,
		purpose:  rec.Purpose,
		issuer:   rec.Issuer,
		baseURL:  rec.BaseURL,
		length:   rec.Length,
		cursor:   rec.AllocationCursor,
		bits:     bits,
		metadata: metadata,
	}
	return nil
}

// ListIDs returns the ids of all loaded lists.
func (s *Store) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.lists))
	for id := range s.lists {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) list(id string) (*listState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.lists[id]
	if !ok {
		return nil, ErrListNotFound
	}
	return ls, nil
}

// persistLocked saves the list. Caller holds the list's write lock (or is
// initializing a list not yet visible to other goroutines).
func (s *Store) persistLocked(ctx context.Context, ls *listState) error {
	encoded, err := ls.bits.Encoded()
	if err != nil {
		return err
	}
	return s.storage.Save(ctx, &ListRecord{
		ID:               ls.id,
		Purpose:          ls.purpose,
		Issuer:           ls.issuer,
		BaseURL:          ls.baseURL,
		Length:           ls.length,
		AllocationCursor: ls.cursor,
		EncodedList:      encoded,
		Metadata:         cloneMetadata(ls.metadata),
		UpdatedAt:        s.now(),
	})
}

func (ls *listState) credentialURL() string {
	return strings.TrimSuffix(ls.baseURL, "/") + "/" + ls.id
}
