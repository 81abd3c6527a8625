package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/cardscan/internal/domain"
	_ "github.com/lib/pq"
)

var ErrArchiveNotFound = errors.New("archive not found")

const archiveSchemaSQL = `
CREATE TABLE IF NOT EXISTS batch_archives (
	batch_id TEXT PRIMARY KEY,
	object_key TEXT NOT NULL,
	succeeded INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recognition_usage (
	batch_id TEXT NOT NULL REFERENCES batch_archives (batch_id) ON DELETE CASCADE,
	job_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	state TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (batch_id, job_id)
);
`

// ArchiveStore records finished batches.
type ArchiveStore interface {
	CreateArchive(ctx context.Context, archive domain.Archive) error
	GetArchive(ctx context.Context, batchID string) (domain.Archive, error)
}

type PostgresArchiveStore struct {
	db *sql.DB
}

func NewPostgresArchiveStore(ctx context.Context, dsn string) (*PostgresArchiveStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresArchiveStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresArchiveStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, archiveSchemaSQL); err != nil {
		return fmt.Errorf("ensure archive schema: %w", err)
	}
	return nil
}

func (s *PostgresArchiveStore) Close() error {
	return s.db.Close()
}

// CreateArchive writes the batch row and one usage row per job in a single
// transaction. Re-archiving the same batch replaces its rows.
func (s *PostgresArchiveStore) CreateArchive(ctx context.Context, archive domain.Archive) error {
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO batch_archives (batch_id, object_key, succeeded, failed, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (batch_id) DO UPDATE
		 SET object_key = EXCLUDED.object_key,
		     succeeded = EXCLUDED.succeeded,
		     failed = EXCLUDED.failed,
		     completed_at = EXCLUDED.completed_at`,
		archive.BatchID,
		archive.ObjectKey,
		archive.Succeeded,
		archive.Failed,
		archive.CompletedAt,
		archive.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch archive: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM recognition_usage WHERE batch_id = $1`, archive.BatchID); err != nil {
		return fmt.Errorf("reset recognition usage: %w", err)
	}

	for _, row := range archive.Rows {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO recognition_usage (batch_id, job_id, file_name, state, error_kind, attempts, duration_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			archive.BatchID,
			row.JobID,
			row.FileName,
			string(row.State),
			row.ErrorKind,
			row.Attempts,
			row.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("insert recognition usage for %s: %w", row.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// GetArchive loads the batch row and its usage rows. Usage rows carry no
// card record; the XLSX object holds the extracted fields.
func (s *PostgresArchiveStore) GetArchive(ctx context.Context, batchID string) (domain.Archive, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT batch_id, object_key, succeeded, failed, completed_at, created_at
		 FROM batch_archives
		 WHERE batch_id = $1`,
		batchID,
	)

	var archive domain.Archive
	if err := row.Scan(
		&archive.BatchID,
		&archive.ObjectKey,
		&archive.Succeeded,
		&archive.Failed,
		&archive.CompletedAt,
		&archive.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Archive{}, ErrArchiveNotFound
		}
		return domain.Archive{}, fmt.Errorf("query batch archive: %w", err)
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, file_name, state, error_kind, attempts, duration_ms
		 FROM recognition_usage
		 WHERE batch_id = $1
		 ORDER BY file_name, job_id`,
		batchID,
	)
	if err != nil {
		return domain.Archive{}, fmt.Errorf("query recognition usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			usage domain.ArchiveRow
			state string
		)
		if err := rows.Scan(&usage.JobID, &usage.FileName, &state, &usage.ErrorKind, &usage.Attempts, &usage.DurationMS); err != nil {
			return domain.Archive{}, fmt.Errorf("scan recognition usage: %w", err)
		}
		usage.State = domain.JobState(state)
		archive.Rows = append(archive.Rows, usage)
	}
	if err := rows.Err(); err != nil {
		return domain.Archive{}, fmt.Errorf("iterate recognition usage: %w", err)
	}

	return archive, nil
}
