package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle state of a job record. Transitions only move
// uploaded → processing → {processed, error}; the two terminal states never
// transition out under normal operation.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusError      Status = "error"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusError
}

// ErrTerminal is returned by ClaimJob and FinishJob when the record has
// already reached a terminal state. Consumers treat a redelivered message
// against a terminal record as a duplicate: acknowledge and skip.
var ErrTerminal = errors.New("job record already terminal")

// JobRecord is one file submitted for processing. The row is created by the
// upload-intake service; this service owns it from claim to terminal write.
type JobRecord struct {
	ID             string
	Filename       string
	SourceLocation string // object-store reference (s3_path)
	WorkLocation   string // filesystem reference used for processing (nfs_path)
	Status         Status
	UploadedAt     time.Time
	ProcessedAt    *time.Time
	Result         json.RawMessage
}

const jobColumns = `id, filename, s3_path, nfs_path, status, uploaded_at, processed_at, processing_result`

func scanJob(row pgx.Row) (*JobRecord, error) {
	var rec JobRecord
	err := row.Scan(
		&rec.ID,
		&rec.Filename,
		&rec.SourceLocation,
		&rec.WorkLocation,
		&rec.Status,
		&rec.UploadedAt,
		&rec.ProcessedAt,
		&rec.Result,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetJob returns the job record for id, or (nil, nil) if it does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM file_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

// ClaimJob transitions the record to 'processing' and returns it. The update
// is conditional on the record not being terminal, so a redelivered message
// for a finished job surfaces as ErrTerminal instead of reprocessing.
// Returns (nil, nil) when no record exists for id.
func (s *Store) ClaimJob(ctx context.Context, id string) (*JobRecord, error) {
	rec, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE file_records
		    SET status = 'processing'
		  WHERE id = $1 AND status IN ('uploaded', 'processing')
		RETURNING `+jobColumns, id))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}

	// No claimable row: distinguish missing from terminal.
	existing, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	return nil, fmt.Errorf("claim job %s: %w", id, ErrTerminal)
}

// FinishJob writes the terminal state and the corresponding outbox event in
// one transaction. status must be StatusProcessed or StatusError; result is
// the JSON payload stored in processing_result and carried by the event.
// Returns ErrTerminal if the record already reached a terminal state.
func (s *Store) FinishJob(ctx context.Context, id string, status Status, result json.RawMessage) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job %s: non-terminal status %q", id, status)
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE file_records
			    SET status = $2, processed_at = now(), processing_result = $3
			  WHERE id = $1 AND status IN ('uploaded', 'processing')`,
			id, status, result)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Distinguish an already-terminal row from one that does not
			// exist: only the former is a duplicate the caller may skip.
			var st Status
			err := tx.QueryRow(ctx,
				`SELECT status FROM file_records WHERE id = $1`, id).Scan(&st)
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.New("record does not exist")
			}
			if err != nil {
				return err
			}
			return ErrTerminal
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO event_outbox (job_id, status, result) VALUES ($1, $2, $3)`,
			id, status, result)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return fmt.Errorf("finish job %s: %w", id, ErrTerminal)
		}
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// InsertUploadedJob inserts a fresh 'uploaded' record. The upload-intake
// service owns this insert in production; it exists here for tests and for
// local seeding.
func (s *Store) InsertUploadedJob(ctx context.Context, rec *JobRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO file_records (id, filename, s3_path, nfs_path, status, uploaded_at)
		 VALUES ($1, $2, $3, $4, 'uploaded', $5)`,
		rec.ID, rec.Filename, rec.SourceLocation, rec.WorkLocation, rec.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", rec.ID, err)
	}
	return nil
}
