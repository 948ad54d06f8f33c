// ABOUTME: Command audit trail persistence
// ABOUTME: Records dispatched commands and their terminal results with result truncation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// maxResultChars bounds how much of a command result is persisted. Results
// past the cap are truncated with a marker, never rejected.
const maxResultChars = 50000

const truncationMarker = "\n... [truncated]"

// truncateResult caps a result string at maxResultChars.
func truncateResult(result string) string {
	if len(result) <= maxResultChars {
		return result
	}
	return result[:maxResultChars-len(truncationMarker)] + truncationMarker
}

// InsertCommand records a dispatched command in the audit trail.
func (s *SQLiteStore) InsertCommand(ctx context.Context, rec *CommandRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = CommandStatusSent
	}

	var paramsJSON any
	if rec.Params != nil {
		data, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
		paramsJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_audit (command_id, agent_id, text, params_json, requester, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.CommandID,
		rec.AgentID,
		rec.Text,
		paramsJSON,
		nullString(rec.Requester),
		rec.Status,
		nullString(truncateResult(rec.Result)),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("command %q already recorded", rec.CommandID)
		}
		return fmt.Errorf("inserting command record: %w", err)
	}
	return nil
}

// UpdateCommandResult stores the terminal status and result for a command.
// Returns ErrNotFound if the command was never recorded.
func (s *SQLiteStore) UpdateCommandResult(ctx context.Context, commandID, status, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_audit
		SET status = ?, result = ?, updated_at = ?
		WHERE command_id = ?
	`, status, nullString(truncateResult(result)), formatTime(time.Now()), commandID)
	if err != nil {
		return fmt.Errorf("updating command result: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCommand retrieves a command audit record by ID.
func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*CommandRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT command_id, agent_id, text, params_json, requester, status, result, created_at, updated_at
		FROM command_audit
		WHERE command_id = ?
	`, commandID)

	var rec CommandRecord
	var paramsJSON, requester, result sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&rec.CommandID,
		&rec.AgentID,
		&rec.Text,
		&paramsJSON,
		&requester,
		&rec.Status,
		&result,
		&createdAt,
		&updatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning command record: %w", err)
	}

	if paramsJSON.Valid {
		if err := json.Unmarshal([]byte(paramsJSON.String), &rec.Params); err != nil {
			return nil, fmt.Errorf("unmarshaling params: %w", err)
		}
	}
	if requester.Valid {
		rec.Requester = requester.String
	}
	if result.Valid {
		rec.Result = result.String
	}

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &rec, nil
}
