// ABOUTME: Delivery item store methods with atomic status transitions
// ABOUTME: Status flips are guarded UPDATEs so concurrent sweeps cannot double-claim rows

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const deliveryColumns = `id, account_id, recipient, platform, content, content_type, options_json,
	status, retry_count, max_retries, last_error, next_retry_at,
	created_at, updated_at, sent_at, dead_at,
	conversation_id, message_id, agent_id, user_id`

// InsertDelivery persists a new delivery item. The caller is expected to
// write the row before any send attempt (write-ahead).
func (s *SQLiteStore) InsertDelivery(ctx context.Context, item *DeliveryItem) error {
	if item.Status == "" {
		item.Status = StatusPending
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	if item.ContentType == "" {
		item.ContentType = "text"
	}

	var optionsJSON any
	if item.Options != nil {
		data, err := json.Marshal(item.Options)
		if err != nil {
			return fmt.Errorf("marshaling options: %w", err)
		}
		optionsJSON = string(data)
	}

	query := `
		INSERT INTO delivery_items (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.AccountID,
		item.Recipient,
		item.Platform,
		item.Content,
		item.ContentType,
		optionsJSON,
		string(item.Status),
		item.RetryCount,
		item.MaxRetries,
		nullString(item.LastError),
		nullTime(item.NextRetryAt),
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
		nullTime(item.SentAt),
		nullTime(item.DeadAt),
		nullString(item.ConversationID),
		nullString(item.MessageID),
		nullString(item.AgentID),
		nullString(item.UserID),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("delivery item %q already exists", item.ID)
		}
		return fmt.Errorf("inserting delivery item: %w", err)
	}

	s.logger.Debug("persisted delivery item", "id", item.ID, "platform", item.Platform, "recipient", item.Recipient)
	return nil
}

// scanDeliveryItem scans a row into a DeliveryItem.
func scanDeliveryItem(scanner interface{ Scan(dest ...any) error }) (*DeliveryItem, error) {
	var item DeliveryItem
	var statusStr, createdAt, updatedAt string
	var optionsJSON, lastError, nextRetryAt, sentAt, deadAt sql.NullString
	var conversationID, messageID, agentID, userID sql.NullString

	if err := scanner.Scan(
		&item.ID,
		&item.AccountID,
		&item.Recipient,
		&item.Platform,
		&item.Content,
		&item.ContentType,
		&optionsJSON,
		&statusStr,
		&item.RetryCount,
		&item.MaxRetries,
		&lastError,
		&nextRetryAt,
		&createdAt,
		&updatedAt,
		&sentAt,
		&deadAt,
		&conversationID,
		&messageID,
		&agentID,
		&userID,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning delivery item: %w", err)
	}

	item.Status = DeliveryStatus(statusStr)

	var err error
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if optionsJSON.Valid {
		if err := json.Unmarshal([]byte(optionsJSON.String), &item.Options); err != nil {
			return nil, fmt.Errorf("unmarshaling options: %w", err)
		}
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	for _, opt := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{nextRetryAt, &item.NextRetryAt},
		{sentAt, &item.SentAt},
		{deadAt, &item.DeadAt},
	} {
		if opt.src.Valid {
			t, err := parseTime(opt.src.String)
			if err != nil {
				return nil, err
			}
			*opt.dst = &t
		}
	}
	if conversationID.Valid {
		item.ConversationID = conversationID.String
	}
	if messageID.Valid {
		item.MessageID = messageID.String
	}
	if agentID.Valid {
		item.AgentID = agentID.String
	}
	if userID.Valid {
		item.UserID = userID.String
	}

	return &item, nil
}

// GetDelivery retrieves a delivery item by ID.
// Returns ErrNotFound if the item doesn't exist.
func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*DeliveryItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_items WHERE id = ?`, id)
	return scanDeliveryItem(row)
}

// ClaimSending atomically flips a pending/retrying item to sending and
// returns it. The guarded UPDATE is the claim: if zero rows change, the item
// is already sent, dead, or claimed by a concurrent attempt and
// ErrNotClaimable is returned (ErrNotFound if it doesn't exist at all).
func (s *SQLiteStore) ClaimSending(ctx context.Context, id string) (*DeliveryItem, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_items
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(StatusSending), formatTime(time.Now()), id, string(StatusPending), string(StatusRetrying))
	if err != nil {
		return nil, fmt.Errorf("claiming delivery item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := s.GetDelivery(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}

	return s.GetDelivery(ctx, id)
}

// MarkSent records a successful delivery. Only a sending item can become
// sent; anything else indicates a lifecycle bug.
func (s *SQLiteStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.guardedUpdate(ctx, id, StatusSending, `
		UPDATE delivery_items
		SET status = ?, sent_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusSent), formatTime(at), formatTime(time.Now()), id, string(StatusSending))
}

// MarkRetrying records a failed attempt and schedules the next one.
func (s *SQLiteStore) MarkRetrying(ctx context.Context, id string, retryCount int, lastError string, nextRetryAt time.Time) error {
	return s.guardedUpdate(ctx, id, StatusSending, `
		UPDATE delivery_items
		SET status = ?, retry_count = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusRetrying), retryCount, lastError, formatTime(nextRetryAt), formatTime(time.Now()), id, string(StatusSending))
}

// MarkDead records retry exhaustion. Dead is terminal until an operator
// replay.
func (s *SQLiteStore) MarkDead(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error {
	return s.guardedUpdate(ctx, id, StatusSending, `
		UPDATE delivery_items
		SET status = ?, retry_count = ?, last_error = ?, dead_at = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusDead), retryCount, lastError, formatTime(at), formatTime(time.Now()), id, string(StatusSending))
}

// guardedUpdate executes a status transition and maps zero affected rows to
// ErrNotFound.
func (s *SQLiteStore) guardedUpdate(ctx context.Context, id string, _ DeliveryStatus, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating delivery item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DueRetries returns up to limit retrying items due at or before now,
// oldest due first.
func (s *SQLiteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*DeliveryItem, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_items
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, string(StatusRetrying), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due retries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveryItems(rows)
}

// ResetInFlight moves every pending/sending item to retrying due now.
// Run once at startup: items caught mid-flight by a crash are re-attempted
// rather than silently lost (at-least-once, not exactly-once).
func (s *SQLiteStore) ResetInFlight(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_items
		SET status = ?, next_retry_at = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, string(StatusRetrying), formatTime(now), formatTime(now), string(StatusPending), string(StatusSending))
	if err != nil {
		return 0, fmt.Errorf("resetting in-flight items: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// ResetForReplay resets a dead item: retry count back to zero, retrying,
// due immediately. Returns ErrNotDead if the item exists but is not dead.
func (s *SQLiteStore) ResetForReplay(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE delivery_items
		SET status = ?, retry_count = 0, dead_at = NULL, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusRetrying), formatTime(now), formatTime(now), id, string(StatusDead))
	if err != nil {
		return fmt.Errorf("resetting item for replay: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := s.GetDelivery(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotDead
	}

	s.logger.Info("reset dead letter for replay", "id", id)
	return nil
}

// PurgeSent deletes sent items older than the cutoff. Dead items are never
// purged automatically.
func (s *SQLiteStore) PurgeSent(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_items WHERE status = ? AND sent_at <= ?
	`, string(StatusSent), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purging sent items: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("purged sent delivery items", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// DeliveryStats returns item counts per status, optionally scoped to an
// owner. An empty ownerID aggregates across all owners.
func (s *SQLiteStore) DeliveryStats(ctx context.Context, ownerID string) (*DeliveryStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_items
		WHERE (? = '' OR user_id = ?)
		GROUP BY status
	`, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &DeliveryStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		switch DeliveryStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSending:
			stats.Sending = count
		case StatusRetrying:
			stats.Retrying = count
		case StatusSent:
			stats.Sent = count
		case StatusDead:
			stats.Dead = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stats rows: %w", err)
	}

	return stats, nil
}

// DeadLetters returns dead items, newest first, optionally owner-scoped.
func (s *SQLiteStore) DeadLetters(ctx context.Context, ownerID string, limit int) ([]*DeliveryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM delivery_items
		WHERE status = ? AND (? = '' OR user_id = ?)
		ORDER BY dead_at DESC
		LIMIT ?
	`, string(StatusDead), ownerID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectDeliveryItems(rows)
}

// collectDeliveryItems scans all rows into delivery items.
func collectDeliveryItems(rows *sql.Rows) ([]*DeliveryItem, error) {
	var items []*DeliveryItem
	for rows.Next() {
		item, err := scanDeliveryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery rows: %w", err)
	}
	return items, nil
}
