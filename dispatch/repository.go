package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchflow/auth"
)

const dispatchColumns = `id::text, request_location, destination, status, requestor_id::text, contractor_id::text, created_at, updated_at`

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wires a pgxpool-backed dispatch store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get fetches a dispatch by its primary key.
func (s *PGStore) Get(ctx context.Context, id string) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}
	const query = `SELECT ` + dispatchColumns + ` FROM dispatches WHERE id = $1`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispatch: get: %w", err)
	}
	return rec, nil
}

// Create inserts the record as given; the caller assigns id and timestamps.
func (s *PGStore) Create(ctx context.Context, rec Record) (Record, error) {
	const insertSQL = `
		INSERT INTO dispatches (id, request_location, destination, status, requestor_id, contractor_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + dispatchColumns

	created, err := scanRecord(s.pool.QueryRow(ctx, insertSQL,
		rec.ID,
		rec.RequestLocation,
		rec.Destination,
		rec.Status,
		rec.RequestorID,
		rec.ContractorID,
		rec.CreatedAt,
		rec.UpdatedAt,
	))
	if err != nil {
		return Record{}, fmt.Errorf("dispatch: insert: %w", err)
	}
	return created, nil
}

// Update locks the row, lets mutate validate and change it, and writes it
// back in the same transaction.
func (s *PGStore) Update(ctx context.Context, id string, mutate func(*Record) error) (Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Record{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispatch: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockSQL = `SELECT ` + dispatchColumns + ` FROM dispatches WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, lockSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispatch: lock: %w", err)
	}

	if err := mutate(&rec); err != nil {
		return Record{}, err
	}

	const updateSQL = `
		UPDATE dispatches
		SET request_location = $2,
		    destination = $3,
		    status = $4,
		    contractor_id = $5,
		    updated_at = $6
		WHERE id = $1
		RETURNING ` + dispatchColumns

	updated, err := scanRecord(tx.QueryRow(ctx, updateSQL,
		id,
		rec.RequestLocation,
		rec.Destination,
		rec.Status,
		rec.ContractorID,
		rec.UpdatedAt,
	))
	if err != nil {
		return Record{}, fmt.Errorf("dispatch: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispatch: commit update: %w", err)
	}
	return updated, nil
}

// ListActiveFor returns the non-completed dispatches the user takes part in.
// Contractors are matched on the contractor relation, everyone else on the
// requestor relation.
func (s *PGStore) ListActiveFor(ctx context.Context, userID string, role auth.Role) ([]Record, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil
	}

	column := "requestor_id"
	if role == auth.RoleContractor {
		column = "contractor_id"
	}
	query := `SELECT ` + dispatchColumns + ` FROM dispatches WHERE ` + column + ` = $1 AND status <> 'COMPLETED' ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list active: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispatch: scan active: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: iterate active: %w", err)
	}
	return out, nil
}

// List pages through the dispatches visible under filters, newest first.
func (s *PGStore) List(ctx context.Context, filters ListFilters) ([]Record, int, error) {
	filters.normalize()

	where := []string{}
	args := []any{}
	if filters.UserID != "" {
		if _, err := uuid.Parse(filters.UserID); err != nil {
			return []Record{}, 0, nil
		}
		args = append(args, filters.UserID)
		clause := fmt.Sprintf("requestor_id = $%d", len(args))
		if filters.Contractor {
			clause = fmt.Sprintf("contractor_id = $%d", len(args))
		}
		if filters.IncludeOpen {
			clause = fmt.Sprintf("(%s OR (status = 'REQUESTED' AND contractor_id IS NULL))", clause)
		}
		where = append(where, clause)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatches`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispatch: count: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM dispatches%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		dispatchColumns, whereSQL, len(args)+1, len(args)+2)
	args = append(args, filters.PageSize, filters.offset())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispatch: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispatch: scan: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispatch: iterate: %w", err)
	}
	return records, total, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		requestorID *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.RequestLocation,
		&rec.Destination,
		&rec.Status,
		&requestorID,
		&rec.ContractorID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if requestorID != nil {
		rec.RequestorID = *requestorID
	}
	return rec, nil
}
