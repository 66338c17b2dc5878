/**
 * @description
 * This file defines the core domain models for the ledger-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Token amounts are stored as `int64` whole tokens, which keeps the
 *   balance-before/balance-after prefix-sum chain on the ledger exact and
 *   avoids floating-point drift with financial-adjacent data.
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind is the closed set of reasons a group balance may change.
// Every ledger consumer switches exhaustively on these values.
type TransactionKind string

const (
	KindDeposit         TransactionKind = "deposit"
	KindRedemptionDebit TransactionKind = "redemption_debit"
	KindManualCredit    TransactionKind = "manual_credit"
	KindManualDebit     TransactionKind = "manual_debit"
)

// IsCredit reports whether entries of this kind carry a positive amount.
func (k TransactionKind) IsCredit() bool {
	return k == KindDeposit || k == KindManualCredit
}

// Valid reports whether k is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindRedemptionDebit, KindManualCredit, KindManualDebit:
		return true
	}
	return false
}

// Group represents one chat-group binding and its shared token balance.
// This struct maps directly to the `groups` table in the database.
// The balance column is only ever written through the atomic ledger
// mutation in the store; no other code path updates it.
type Group struct {
	ID              uuid.UUID `json:"id"`
	PlatformGroupID string    `json:"platform_group_id"`
	GroupCode       string    `json:"group_code"` // short code members put in transfer memos
	Title           string    `json:"title"`
	Balance         int64     `json:"balance"` // whole tokens
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Member represents one external chat user, independent of any group.
type Member struct {
	ID             uuid.UUID `json:"id"`
	PlatformUserID string    `json:"platform_user_id"`
	DisplayName    string    `json:"display_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership joins a Member to a Group. At most one row exists per
// (group, member) pair; the first member to bind a group is admin.
type Membership struct {
	ID        uuid.UUID `json:"id"`
	GroupID   uuid.UUID `json:"group_id"`
	MemberID  uuid.UUID `json:"member_id"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is the append-only record of a single balance mutation.
// Invariant: BalanceAfter = BalanceBefore + Amount, and entries for a
// group ordered by creation time form a prefix-sum chain ending at the
// group's current balance. Entries are never updated or deleted.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id"`
	GroupID       uuid.UUID       `json:"group_id"`
	MemberID      *uuid.UUID      `json:"member_id,omitempty"`
	Kind          TransactionKind `json:"kind"`
	Amount        int64           `json:"amount"` // signed; negative for debits
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Reference     *string         `json:"reference,omitempty"` // idempotency key, unique when present
	Description   string          `json:"description"`
	Operator      string          `json:"operator"` // e.g. 'email_pipeline', 'redemption_worker', 'ops_api'
	CreatedAt     time.Time       `json:"created_at"`
}

// EmailStatus tracks how far an inbound notification email got through the
// reconciliation pipeline.
type EmailStatus string

const (
	EmailStatusPending   EmailStatus = "pending"
	EmailStatusSuccess   EmailStatus = "success"
	EmailStatusFailed    EmailStatus = "failed"
	EmailStatusUnmatched EmailStatus = "unmatched"
	EmailStatusDuplicate EmailStatus = "duplicate"
)

// EmailReconciliationRecord is one considered inbound notification email.
// TransferID is globally unique: a second email carrying the same id is
// recorded as a duplicate, never credited twice.
type EmailReconciliationRecord struct {
	ID            uuid.UUID   `json:"id"`
	MessageID     string      `json:"message_id"`
	Subject       string      `json:"subject"`
	Sender        string      `json:"sender"`
	TransferID    string      `json:"transfer_id"`
	Amount        int64       `json:"amount"` // tokens credited (or attempted)
	GroupToken    *string     `json:"group_token,omitempty"`
	GroupID       *uuid.UUID  `json:"group_id,omitempty"` // nil until matched
	Status        EmailStatus `json:"status"`
	ErrorDetail   *string     `json:"error_detail,omitempty"`
	LedgerEntryID *uuid.UUID  `json:"ledger_entry_id,omitempty"`
	TransferredAt *time.Time  `json:"transferred_at,omitempty"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RedemptionStatus tracks a redemption attempt's lifecycle:
// pending -> in_progress -> completed | failed. An attempt that times out
// or crashes mid-automation stays in_progress for manual reconciliation.
type RedemptionStatus string

const (
	RedemptionStatusPending    RedemptionStatus = "pending"
	RedemptionStatusInProgress RedemptionStatus = "in_progress"
	RedemptionStatusCompleted  RedemptionStatus = "completed"
	RedemptionStatusFailed     RedemptionStatus = "failed"
)

// RedemptionRecord is one redemption attempt. A debit LedgerEntry exists
// for a record if and only if its status is completed.
type RedemptionRecord struct {
	ID                uuid.UUID         `json:"id"`
	GroupID           uuid.UUID         `json:"group_id"`
	MemberID          uuid.UUID         `json:"member_id"`
	TargetAccount     string            `json:"target_account"`
	TokenCost         int64             `json:"token_cost"`
	Status            RedemptionStatus  `json:"status"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	RetryCount        int               `json:"retry_count"`
	ErrorDetail       *string           `json:"error_detail,omitempty"`
	Params            map[string]string `json:"params,omitempty"` // opaque, passed through to the executor
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SystemConfig is one row of the read-only operator key/value store
// (bank account text, minimum deposit, exchange rate, ...).
type SystemConfig struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Well-known system_config keys.
const (
	ConfigKeyBankAccountInfo = "bank_account_info"
	ConfigKeyMinDeposit      = "min_deposit_tokens"
	ConfigKeyExchangeRate    = "exchange_rate"
)

// ManualAdjustRequest is the DTO for the ops manual-adjustment endpoint.
type ManualAdjustRequest struct {
	Amount   int64  `json:"amount"` // signed; positive credits, negative debits
	Reason   string `json:"reason"`
	ActorRef string `json:"actor_ref"` // platform user id of the operator, optional
}

// AssignEmailRequest is the DTO for manually attaching an unmatched email
// record to a group via the ops API.
type AssignEmailRequest struct {
	PlatformGroupID string `json:"platform_group_id"`
}

// LedgerEntryListOptions controls pagination for ledger history queries.
type LedgerEntryListOptions struct {
	Limit  int
	Offset int
}
