package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/mutex"
)

var logger = logrus.WithField("component", "fiscal.lifecycle")

// Resolution is what one transmission attempt concluded about the
// document.
type Resolution int

const (
	// ResolutionProcessing: the authority queued the document. The state
	// stays Transmitting and the number stays allocated but uncommitted.
	ResolutionProcessing Resolution = iota
	ResolutionAuthorized
	ResolutionRejected
	// ResolutionError covers transport failures and anything that never
	// produced an authority verdict.
	ResolutionError
)

// Attempt is the outcome of one call against the authority, as reported
// by the submit/cancel callback.
type Attempt struct {
	Operation string
	Request   []byte
	Response  []byte
	Elapsed   time.Duration

	Resolution Resolution

	// Verbatim authority code and message when one was returned.
	StatusCode string
	Message    string

	AccessKey        string
	Protocol         string
	VerificationCode string
	Receipt          string
}

// SubmitFunc builds, signs and transmits one document under the number
// the coordinator allocated. It must report what happened even when it
// also returns an error.
type SubmitFunc func(ctx context.Context, number int64) (*Attempt, error)

// Coordinator serializes submissions per series and is the only writer
// of the sequence counters.
type Coordinator struct {
	seq   SequenceStore
	docs  DocumentStore
	audit TransmissionStore
	locks mutex.KeyedMutex[string]
}

func NewCoordinator(seq SequenceStore, docs DocumentStore, audit TransmissionStore) *Coordinator {
	return &Coordinator{seq: seq, docs: docs, audit: audit}
}

func seriesKey(kind Kind, series string) string {
	return string(kind) + "/" + series
}

// Submit allocates the next number for the series, runs fn under the
// series lock and settles the document. The counter advances only when
// the attempt resolved to Authorized; a Rejected or Error outcome leaves
// it untouched so the same number can be retried.
func (c *Coordinator) Submit(ctx context.Context, kind Kind, series string, fn SubmitFunc) (*Document, error) {
	key := seriesKey(kind, series)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	number, err := c.seq.Peek(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	doc := &Document{
		ID:        uuid.New(),
		Kind:      kind,
		Series:    series,
		Number:    number,
		State:     StateDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.docs.Save(ctx, doc); err != nil {
		return nil, err
	}
	if err := c.transition(ctx, doc, StateTransmitting); err != nil {
		return nil, err
	}

	att, callErr := fn(ctx, number)
	if att == nil {
		att = &Attempt{Operation: "submit", Resolution: ResolutionError}
	}
	c.record(ctx, doc, att)

	doc.StatusCode = att.StatusCode
	doc.StatusMessage = att.Message
	doc.AccessKey = att.AccessKey
	doc.Protocol = att.Protocol
	doc.VerificationCode = att.VerificationCode
	doc.Receipt = att.Receipt

	switch att.Resolution {
	case ResolutionAuthorized:
		if err := c.seq.Commit(ctx, key, number); err != nil {
			return doc, err
		}
		if err := c.transition(ctx, doc, StateAuthorized); err != nil {
			return doc, err
		}
	case ResolutionRejected:
		if err := c.transition(ctx, doc, StateRejected); err != nil {
			return doc, err
		}
	case ResolutionProcessing:
		// stays Transmitting; caller re-queries via Reconcile
		doc.UpdatedAt = time.Now()
		if err := c.docs.Save(ctx, doc); err != nil {
			return doc, err
		}
	default:
		if err := c.transition(ctx, doc, StateError); err != nil {
			return doc, err
		}
	}

	logger.WithFields(logrus.Fields{
		"document": doc.ID,
		"series":   series,
		"number":   number,
		"state":    doc.State.String(),
	}).Debug("submission settled")

	return doc, callErr
}

// Reconcile settles a document that was left Transmitting after an
// asynchronous acceptance, using a fresh query attempt.
func (c *Coordinator) Reconcile(ctx context.Context, docID uuid.UUID, fn SubmitFunc) (*Document, error) {
	doc, err := c.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.State != StateTransmitting && doc.State != StateError {
		return doc, &InvalidTransitionError{From: doc.State, To: StateTransmitting}
	}

	key := seriesKey(doc.Kind, doc.Series)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if doc.State == StateError {
		if err := c.transition(ctx, doc, StateTransmitting); err != nil {
			return doc, err
		}
	}

	att, callErr := fn(ctx, doc.Number)
	if att == nil {
		att = &Attempt{Operation: "reconcile", Resolution: ResolutionError}
	}
	c.record(ctx, doc, att)

	if att.StatusCode != "" {
		doc.StatusCode = att.StatusCode
		doc.StatusMessage = att.Message
	}
	if att.Protocol != "" {
		doc.Protocol = att.Protocol
	}
	if att.VerificationCode != "" {
		doc.VerificationCode = att.VerificationCode
	}
	if att.Receipt != "" {
		doc.Receipt = att.Receipt
	}

	switch att.Resolution {
	case ResolutionAuthorized:
		if err := c.seq.Commit(ctx, key, doc.Number); err != nil {
			return doc, err
		}
		if err := c.transition(ctx, doc, StateAuthorized); err != nil {
			return doc, err
		}
	case ResolutionRejected:
		if err := c.transition(ctx, doc, StateRejected); err != nil {
			return doc, err
		}
	case ResolutionProcessing:
		doc.UpdatedAt = time.Now()
		if err := c.docs.Save(ctx, doc); err != nil {
			return doc, err
		}
		if callErr == nil {
			callErr = fiscal.ErrStillProcessing
		}
	default:
		if err := c.transition(ctx, doc, StateError); err != nil {
			return doc, err
		}
	}

	return doc, callErr
}

// CancelFunc transmits the cancellation request for an authorized
// document.
type CancelFunc func(ctx context.Context, doc *Document) (*Attempt, error)

// Cancel moves an authorized document through the cancellation workflow.
// A cancellation that never reached the authority leaves the document in
// CancellationRequested for retry.
func (c *Coordinator) Cancel(ctx context.Context, docID uuid.UUID, fn CancelFunc) (*Document, error) {
	doc, err := c.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}

	key := seriesKey(doc.Kind, doc.Series)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	if doc.State != StateCancellationRequested {
		if err := c.transition(ctx, doc, StateCancellationRequested); err != nil {
			return doc, err
		}
	}

	att, callErr := fn(ctx, doc)
	if att == nil {
		att = &Attempt{Operation: "cancel", Resolution: ResolutionError}
	}
	c.record(ctx, doc, att)

	if att.StatusCode != "" {
		doc.StatusCode = att.StatusCode
		doc.StatusMessage = att.Message
	}
	if att.Protocol != "" {
		doc.Protocol = att.Protocol
	}

	switch att.Resolution {
	case ResolutionAuthorized:
		if err := c.transition(ctx, doc, StateCancelled); err != nil {
			return doc, err
		}
	case ResolutionRejected:
		if err := c.transition(ctx, doc, StateCancellationDenied); err != nil {
			return doc, err
		}
	default:
		// transport failure: stay in CancellationRequested for retry
		doc.UpdatedAt = time.Now()
		if err := c.docs.Save(ctx, doc); err != nil {
			return doc, err
		}
	}

	return doc, callErr
}

// Get returns the persisted view of one document.
func (c *Coordinator) Get(ctx context.Context, docID uuid.UUID) (*Document, error) {
	return c.docs.Get(ctx, docID)
}

// History returns the append-only transmission log of one document.
func (c *Coordinator) History(ctx context.Context, docID uuid.UUID) ([]TransmissionRecord, error) {
	return c.audit.ByDocument(ctx, docID)
}

func (c *Coordinator) transition(ctx context.Context, doc *Document, to State) error {
	if !CanTransition(doc.State, to) {
		return &InvalidTransitionError{From: doc.State, To: to}
	}
	doc.State = to
	doc.UpdatedAt = time.Now()
	return c.docs.Save(ctx, doc)
}

func (c *Coordinator) record(ctx context.Context, doc *Document, att *Attempt) {
	rec := &TransmissionRecord{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		Operation:  att.Operation,
		Request:    att.Request,
		Response:   att.Response,
		Success:    att.Resolution == ResolutionAuthorized,
		StatusCode: att.StatusCode,
		Message:    att.Message,
		Elapsed:    att.Elapsed,
		At:         time.Now(),
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		logger.WithError(err).Warn("failed to append transmission record")
	}
}
