// ABOUTME: Store interfaces and data types for relay-gateway persistence
// ABOUTME: Defines DeliveryItem, CommandRecord and the store interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrNotDead is returned when replaying an item that is not dead-lettered
var ErrNotDead = errors.New("item is not dead-lettered")

// ErrNotClaimable is returned when an item cannot be flipped to sending
// because it is already sent, dead, or claimed by a concurrent attempt
var ErrNotClaimable = errors.New("item not claimable")

// DeliveryStatus is the lifecycle state of a DeliveryItem.
// Transitions are monotonic: pending → sending → sent, or
// sending → retrying → sending → … → dead. Only an explicit operator
// replay moves dead back to retrying.
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSending  DeliveryStatus = "sending"
	StatusSent     DeliveryStatus = "sent"
	StatusRetrying DeliveryStatus = "retrying"
	StatusDead     DeliveryStatus = "dead"
)

// DeliveryItem is a persisted outbound work item. The delivery queue
// exclusively owns these rows; no other component mutates status directly.
type DeliveryItem struct {
	ID string `json:"id"`

	// Destination
	AccountID string `json:"account_id"`
	Recipient string `json:"recipient"`
	Platform  string `json:"platform"`

	// Payload
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	Options     map[string]any `json:"options,omitempty"`

	Status      DeliveryStatus `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	DeadAt    *time.Time `json:"dead_at,omitempty"`

	// Traceability links to higher-level records
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// DeliveryStats aggregates item counts per status.
type DeliveryStats struct {
	Pending  int `json:"pending"`
	Sending  int `json:"sending"`
	Retrying int `json:"retrying"`
	Sent     int `json:"sent"`
	Dead     int `json:"dead"`
	Total    int `json:"total"`
}

// CommandStatus values for the command audit trail.
const (
	CommandStatusSent             = "sent"
	CommandStatusSuccess          = "success"
	CommandStatusFailed           = "failed"
	CommandStatusTimeout          = "timeout"
	CommandStatusApprovalRequired = "approval_required"
)

// CommandRecord is the durable audit record for a dispatched command. For
// fire-and-forget commands it is the authoritative record until a terminal
// update lands.
type CommandRecord struct {
	CommandID string         `json:"command_id"`
	AgentID   string         `json:"agent_id"`
	Text      string         `json:"text"`
	Params    map[string]any `json:"params,omitempty"`
	Requester string         `json:"requester,omitempty"`
	Status    string         `json:"status"`
	Result    string         `json:"result,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DeliveryStore defines persistence for the delivery queue.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, item *DeliveryItem) error
	GetDelivery(ctx context.Context, id string) (*DeliveryItem, error)

	// ClaimSending atomically flips a pending/retrying item to sending and
	// returns it. Returns ErrNotClaimable if the item is in any other state,
	// so concurrent sweep cycles cannot double-pick a row.
	ClaimSending(ctx context.Context, id string) (*DeliveryItem, error)

	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetrying(ctx context.Context, id string, retryCount int, lastError string, nextRetryAt time.Time) error
	MarkDead(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error

	// DueRetries returns up to limit retrying items with nextRetryAt <= now,
	// oldest due first.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*DeliveryItem, error)

	// ResetInFlight moves all pending/sending items to retrying due
	// immediately. Run once at startup for crash recovery.
	ResetInFlight(ctx context.Context, now time.Time) (int, error)

	// ResetForReplay resets a dead item for another retry cycle.
	ResetForReplay(ctx context.Context, id string, now time.Time) error

	PurgeSent(ctx context.Context, olderThan time.Time) (int, error)

	DeliveryStats(ctx context.Context, ownerID string) (*DeliveryStats, error)
	DeadLetters(ctx context.Context, ownerID string, limit int) ([]*DeliveryItem, error)
}

// CommandAuditStore defines fire-and-forget persistence for the command
// audit trail. Write failures never block dispatch.
type CommandAuditStore interface {
	InsertCommand(ctx context.Context, rec *CommandRecord) error
	UpdateCommandResult(ctx context.Context, commandID, status, result string) error
	GetCommand(ctx context.Context, commandID string) (*CommandRecord, error)
}
