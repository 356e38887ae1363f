package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two document families sharing the lifecycle.
type Kind string

const (
	KindGoods   Kind = "goods"
	KindService Kind = "service"
)

// Document is the persisted view of one fiscal document.
type Document struct {
	ID     uuid.UUID
	Kind   Kind
	Series string
	Number int64
	State  State

	// AccessKey identifies goods invoices; VerificationCode confirmed
	// service invoices. Protocol is the authority's identifier for the
	// authorization (or the confirmed invoice number, for service
	// documents). Receipt tracks a lot accepted for asynchronous
	// processing until it is reconciled.
	AccessKey        string
	VerificationCode string
	Protocol         string
	Receipt          string

	StatusCode    string
	StatusMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransmissionRecord is one attempt against the authority. Append-only;
// never mutated after insertion.
type TransmissionRecord struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	Operation  string
	Request    []byte
	Response   []byte
	Success    bool
	StatusCode string
	Message    string
	Elapsed    time.Duration
	At         time.Time
}

// SequenceStore hands out document numbers per series. Peek returns the
// next unconsumed number without advancing; Commit consumes exactly that
// number. The split lets a rejected or failed attempt retry the same
// number.
type SequenceStore interface {
	Peek(ctx context.Context, series string) (int64, error)
	Commit(ctx context.Context, series string, number int64) error
}

// DocumentStore persists document state.
type DocumentStore interface {
	Save(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
}

// TransmissionStore is the append-only audit log.
type TransmissionStore interface {
	Append(ctx context.Context, rec *TransmissionRecord) error
	ByDocument(ctx context.Context, docID uuid.UUID) ([]TransmissionRecord, error)
}

// ---- in-memory implementations ----

type MemorySequenceStore struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{next: map[string]int64{}}
}

func (s *MemorySequenceStore) Peek(_ context.Context, series string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.next[series]
	if !ok {
		n = 1
		s.next[series] = n
	}
	return n, nil
}

func (s *MemorySequenceStore) Commit(_ context.Context, series string, number int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[series]
	if n == 0 {
		n = 1
	}
	if number != n {
		return fmt.Errorf("sequence %s: commit of %d but next is %d", series, number, n)
	}
	s.next[series] = n + 1
	return nil
}

type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: map[uuid.UUID]Document{}}
}

func (s *MemoryDocumentStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = *doc
	return nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, id uuid.UUID) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	return &doc, nil
}

type MemoryTransmissionStore struct {
	mu   sync.RWMutex
	recs []TransmissionRecord
}

func NewMemoryTransmissionStore() *MemoryTransmissionStore {
	return &MemoryTransmissionStore{}
}

func (s *MemoryTransmissionStore) Append(_ context.Context, rec *TransmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, *rec)
	return nil
}

func (s *MemoryTransmissionStore) ByDocument(_ context.Context, docID uuid.UUID) ([]TransmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransmissionRecord
	for _, r := range s.recs {
		if r.DocumentID == docID {
			out = append(out, r)
		}
	}
	return out, nil
}
