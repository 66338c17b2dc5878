package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event routing keys published to the result exchange. The messaging
// gateway consumes the redemption/deposit keys to push chat replies;
// the ops keys feed the alerting channel.
const (
	EventRedemptionCompleted = "redemption.completed"
	EventRedemptionFailed    = "redemption.failed"
	EventRedemptionStuck     = "redemption.stuck"
	EventDepositCredited     = "deposit.credited"
	EventDepositUnmatched    = "deposit.unmatched"
)

// RedemptionResultEvent is the message emitted when a redemption reaches a
// terminal state, for delivery back to the originating chat context.
type RedemptionResultEvent struct {
	EventID           string    `json:"event_id"`
	RedemptionID      uuid.UUID `json:"redemption_id"`
	PlatformGroupID   string    `json:"platform_group_id"`
	PlatformUserID    string    `json:"platform_user_id"`
	Status            string    `json:"status"`
	TokenCost         int64     `json:"token_cost"`
	NewBalance        *int64    `json:"new_balance,omitempty"`
	ExternalReference *string   `json:"external_reference,omitempty"`
	ErrorDetail       *string   `json:"error_detail,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// DepositCreditedEvent is the message emitted after an email deposit is
// credited to a group, for a confirmation push into the chat.
type DepositCreditedEvent struct {
	EventID         string    `json:"event_id"`
	RecordID        uuid.UUID `json:"record_id"`
	PlatformGroupID string    `json:"platform_group_id"`
	TransferID      string    `json:"transfer_id"`
	Amount          int64     `json:"amount"`
	NewBalance      int64     `json:"new_balance"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// DepositUnmatchedEvent alerts operators that an inbound transfer could not
// be attributed to a group and needs manual assignment.
type DepositUnmatchedEvent struct {
	EventID    string    `json:"event_id"`
	RecordID   uuid.UUID `json:"record_id"`
	TransferID string    `json:"transfer_id"`
	Amount     int64     `json:"amount"`
	GroupToken *string   `json:"group_token,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RedemptionStuckEvent alerts operators that a redemption has been
// in_progress past the staleness threshold and needs manual reconciliation.
type RedemptionStuckEvent struct {
	EventID         string    `json:"event_id"`
	RedemptionID    uuid.UUID `json:"redemption_id"`
	PlatformGroupID string    `json:"platform_group_id"`
	TokenCost       int64     `json:"token_cost"`
	RetryCount      int       `json:"retry_count"`
	StartedAt       time.Time `json:"started_at"`
	OccurredAt      time.Time `json:"occurred_at"`
}
