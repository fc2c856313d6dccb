package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// ========== Session Methods ==========

const sessionColumns = `id, created_at, updated_at, owner_id, device_id, kind,
	options, status, progress_percent, phase, counters, result_summary,
	error_code, error_message, started_at, ended_at`

// CreateSession creates a session record
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	query := `
		INSERT INTO sessions (
			id, created_at, updated_at, owner_id, device_id, kind,
			options, status, progress_percent, phase, counters,
			result_summary, error_code, error_message, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	var errCode, errMessage *string
	if session.ErrorInfo != nil {
		errCode = &session.ErrorInfo.Code
		errMessage = &session.ErrorInfo.Message
	}

	_, err := s.getDB().ExecContext(ctx, query,
		session.ID, session.CreatedAt, session.UpdatedAt,
		session.OwnerID, session.DeviceID, session.Kind,
		session.Options, session.Status, session.ProgressPercent,
		session.Phase, session.Counters, session.ResultSummary,
		errCode, errMessage, session.StartedAt, session.EndedAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetSession gets a session by id
func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE id = $1"
	return s.scanSession(s.getDB().QueryRowContext(ctx, query, id))
}

// UpdateSession applies the mutator inside a transaction holding a row lock
// on the session, so concurrent updates to the same id are serialized.
func (s *PostgresStore) UpdateSession(ctx context.Context, id uuid.UUID, mutate SessionMutator) (*models.Session, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.rollback()

	query := "SELECT " + sessionColumns + " FROM sessions WHERE id = $1 FOR UPDATE"
	session, err := tx.scanSession(tx.getDB().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := mutate(session); err != nil {
		return nil, err
	}

	session.UpdatedAt = time.Now()

	var errCode, errMessage *string
	if session.ErrorInfo != nil {
		errCode = &session.ErrorInfo.Code
		errMessage = &session.ErrorInfo.Message
	}

	update := `
		UPDATE sessions SET
			updated_at = $2, status = $3, progress_percent = $4, phase = $5,
			counters = $6, result_summary = $7, error_code = $8,
			error_message = $9, started_at = $10, ended_at = $11
		WHERE id = $1`

	if _, err := tx.getDB().ExecContext(ctx, update,
		session.ID, session.UpdatedAt, session.Status,
		session.ProgressPercent, session.Phase, session.Counters,
		session.ResultSummary, errCode, errMessage,
		session.StartedAt, session.EndedAt,
	); err != nil {
		return nil, err
	}

	if err := tx.commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}

	return session, nil
}

// ListSessions lists sessions for an owner with optional filters
func (s *PostgresStore) ListSessions(ctx context.Context, ownerID uuid.UUID, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	query := "SELECT COUNT(*) FROM sessions WHERE owner_id = $1"
	args := []interface{}{ownerID}
	argCount := 1

	if filters.Kind != nil {
		argCount++
		query += fmt.Sprintf(" AND kind = $%d", argCount)
		args = append(args, *filters.Kind)
	}

	if filters.Status != nil {
		argCount++
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filters.Status)
	}

	if filters.DeviceID != nil {
		argCount++
		query += fmt.Sprintf(" AND device_id = $%d", argCount)
		args = append(args, *filters.DeviceID)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery := strings.Replace(query, "SELECT COUNT(*)", "SELECT "+sessionColumns, 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := s.scanSessionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, session)
	}

	return sessions, count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanSession(row *sql.Row) (*models.Session, error) {
	session, err := s.scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return session, err
}

func (s *PostgresStore) scanSessionRow(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var errCode, errMessage sql.NullString

	err := row.Scan(
		&session.ID, &session.CreatedAt, &session.UpdatedAt,
		&session.OwnerID, &session.DeviceID, &session.Kind,
		&session.Options, &session.Status, &session.ProgressPercent,
		&session.Phase, &session.Counters, &session.ResultSummary,
		&errCode, &errMessage, &session.StartedAt, &session.EndedAt,
	)
	if err != nil {
		return nil, err
	}

	if errCode.Valid || errMessage.Valid {
		session.ErrorInfo = &models.ErrorInfo{
			Code:    errCode.String,
			Message: errMessage.String,
		}
	}

	return session, nil
}
