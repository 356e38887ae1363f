package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schema for the durable stores. Applied by the operator, not by the
// engine.
const Schema = `
CREATE TABLE IF NOT EXISTS fiscal_sequences (
    series      text PRIMARY KEY,
    next_number bigint NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS fiscal_documents (
    id                uuid PRIMARY KEY,
    kind              text NOT NULL,
    series            text NOT NULL,
    number            bigint NOT NULL,
    state             text NOT NULL,
    access_key        text,
    verification_code text,
    protocol          text,
    receipt           text,
    status_code       text,
    status_message    text,
    created_at        timestamptz NOT NULL,
    updated_at        timestamptz NOT NULL
);

-- at most one authorized document per number; retries of failed attempts
-- may reuse the number
CREATE UNIQUE INDEX IF NOT EXISTS fiscal_documents_number_once
    ON fiscal_documents (kind, series, number)
    WHERE state = 'authorized';

CREATE TABLE IF NOT EXISTS fiscal_transmissions (
    id          uuid PRIMARY KEY,
    document_id uuid NOT NULL,
    operation   text NOT NULL,
    request     bytea,
    response    bytea,
    success     boolean NOT NULL,
    status_code text,
    message     text,
    elapsed_ms  bigint NOT NULL,
    at          timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS fiscal_transmissions_document
    ON fiscal_transmissions (document_id, at);
`

// PostgresSequenceStore allocates numbers with a transactional
// increment-and-read so concurrent committers on different processes
// cannot issue duplicates.
type PostgresSequenceStore struct {
	db *sql.DB
}

func NewPostgresSequenceStore(db *sql.DB) *PostgresSequenceStore {
	return &PostgresSequenceStore{db: db}
}

func (s *PostgresSequenceStore) Peek(ctx context.Context, series string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO fiscal_sequences (series) VALUES ($1)
		 ON CONFLICT (series) DO UPDATE SET next_number = fiscal_sequences.next_number
		 RETURNING next_number`, series).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("peek sequence %s: %w", series, err)
	}
	return n, nil
}

func (s *PostgresSequenceStore) Commit(ctx context.Context, series string, number int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fiscal_sequences SET next_number = next_number + 1
		 WHERE series = $1 AND next_number = $2`, series, number)
	if err != nil {
		return fmt.Errorf("commit sequence %s: %w", series, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows != 1 {
		return fmt.Errorf("sequence %s: commit of %d lost the race", series, number)
	}
	return nil
}

type PostgresDocumentStore struct {
	db *sql.DB
}

func NewPostgresDocumentStore(db *sql.DB) *PostgresDocumentStore {
	return &PostgresDocumentStore{db: db}
}

func (s *PostgresDocumentStore) Save(ctx context.Context, doc *Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fiscal_documents
		   (id, kind, series, number, state, access_key, verification_code,
		    protocol, receipt, status_code, status_message, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO UPDATE SET
		   state = EXCLUDED.state,
		   access_key = EXCLUDED.access_key,
		   verification_code = EXCLUDED.verification_code,
		   protocol = EXCLUDED.protocol,
		   receipt = EXCLUDED.receipt,
		   status_code = EXCLUDED.status_code,
		   status_message = EXCLUDED.status_message,
		   updated_at = EXCLUDED.updated_at`,
		doc.ID, string(doc.Kind), doc.Series, doc.Number, doc.State.String(),
		doc.AccessKey, doc.VerificationCode, doc.Protocol, doc.Receipt,
		doc.StatusCode, doc.StatusMessage, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("document %s/%s/%d already persisted: %w",
				doc.Kind, doc.Series, doc.Number, err)
		}
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresDocumentStore) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	var doc Document
	var kind, state string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, series, number, state, access_key, verification_code,
		        protocol, receipt, status_code, status_message, created_at, updated_at
		   FROM fiscal_documents WHERE id = $1`, id).
		Scan(&doc.ID, &kind, &doc.Series, &doc.Number, &state,
			&doc.AccessKey, &doc.VerificationCode, &doc.Protocol, &doc.Receipt,
			&doc.StatusCode, &doc.StatusMessage, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	doc.Kind = Kind(kind)
	doc.State = parseState(state)
	return &doc, nil
}

func parseState(s string) State {
	for st := StateDraft; st <= StateCancellationDenied; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateDraft
}

type PostgresTransmissionStore struct {
	db *sql.DB
}

func NewPostgresTransmissionStore(db *sql.DB) *PostgresTransmissionStore {
	return &PostgresTransmissionStore{db: db}
}

func (s *PostgresTransmissionStore) Append(ctx context.Context, rec *TransmissionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fiscal_transmissions
		   (id, document_id, operation, request, response, success,
		    status_code, message, elapsed_ms, at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.DocumentID, rec.Operation, rec.Request, rec.Response,
		rec.Success, rec.StatusCode, rec.Message,
		rec.Elapsed.Milliseconds(), rec.At)
	if err != nil {
		return fmt.Errorf("append transmission %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresTransmissionStore) ByDocument(ctx context.Context, docID uuid.UUID) ([]TransmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, operation, request, response, success,
		        status_code, message, elapsed_ms, at
		   FROM fiscal_transmissions WHERE document_id = $1 ORDER BY at`, docID)
	if err != nil {
		return nil, fmt.Errorf("list transmissions for %s: %w", docID, err)
	}
	defer rows.Close()

	var out []TransmissionRecord
	for rows.Next() {
		var rec TransmissionRecord
		var elapsedMs int64
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Operation,
			&rec.Request, &rec.Response, &rec.Success,
			&rec.StatusCode, &rec.Message, &elapsedMs, &rec.At); err != nil {
			return nil, err
		}
		rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
