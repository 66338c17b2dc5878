/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/grouptoken/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Group and membership methods
	CreateGroupWithAdmin(ctx context.Context, group *domain.Group, platformUserID, displayName string) (*domain.Group, error)
	FindGroupByPlatformID(ctx context.Context, platformGroupID string) (*domain.Group, error)
	FindGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.Group, error)
	FindActiveGroupsMatchingToken(ctx context.Context, token string) ([]domain.Group, error)
	SetGroupActive(ctx context.Context, groupID uuid.UUID, active bool) error
	UpsertMember(ctx context.Context, platformUserID, displayName string) (*domain.Member, error)
	FindMemberByPlatformID(ctx context.Context, platformUserID string) (*domain.Member, error)
	FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error)
	CreateMembership(ctx context.Context, groupID, memberID uuid.UUID, isAdmin bool) (*domain.Membership, error)
	FindMembership(ctx context.Context, groupID, memberID uuid.UUID) (*domain.Membership, error)
	SetMembershipAdmin(ctx context.Context, groupID, memberID uuid.UUID, isAdmin bool) error
	CountGroupAdmins(ctx context.Context, groupID uuid.UUID) (int, error)

	// Ledger methods. ApplyLedgerMutation is the only balance writer in the
	// system: read-lock group row, check idempotency reference and
	// non-negativity, update balance, and append the entry in one transaction.
	ApplyLedgerMutation(ctx context.Context, params ApplyLedgerMutationParams) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, groupID uuid.UUID, opts domain.LedgerEntryListOptions) ([]domain.LedgerEntry, error)
	FindLedgerEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error)

	// Email reconciliation record methods
	CreateEmailRecord(ctx context.Context, record *domain.EmailReconciliationRecord) (*domain.EmailReconciliationRecord, error)
	FindEmailRecordByID(ctx context.Context, recordID uuid.UUID) (*domain.EmailReconciliationRecord, error)
	FindEmailRecordByTransferID(ctx context.Context, transferID string) (*domain.EmailReconciliationRecord, error)
	UpdateEmailRecordOutcome(ctx context.Context, recordID uuid.UUID, outcome EmailOutcomeParams) error
	ListUnmatchedEmailRecords(ctx context.Context, limit int) ([]domain.EmailReconciliationRecord, error)

	// Redemption record methods
	CreateRedemptionRecord(ctx context.Context, record *domain.RedemptionRecord) (*domain.RedemptionRecord, error)
	FindRedemptionByID(ctx context.Context, redemptionID uuid.UUID) (*domain.RedemptionRecord, error)
	MarkRedemptionInProgress(ctx context.Context, redemptionID uuid.UUID) error
	MarkRedemptionCompleted(ctx context.Context, redemptionID uuid.UUID, externalReference string) error
	MarkRedemptionFailed(ctx context.Context, redemptionID uuid.UUID, errorDetail string) error
	RecordRedemptionAttemptError(ctx context.Context, redemptionID uuid.UUID, errorDetail string) error
	FindStaleInProgressRedemptions(ctx context.Context, olderThan time.Time) ([]domain.RedemptionRecord, error)

	// System config methods
	GetSystemConfigValue(ctx context.Context, key string) (string, error)
}

// ApplyLedgerMutationParams carries one balance mutation request.
// Amount is signed: positive credits, negative debits. Reference, when set,
// is the idempotency key; a second mutation bearing the same reference
// returns ErrDuplicateReference without touching the balance.
type ApplyLedgerMutationParams struct {
	PlatformGroupID string
	Amount          int64
	Kind            domain.TransactionKind
	Reference       *string
	Description     string
	Operator        string
	MemberID        *uuid.UUID
}

// EmailOutcomeParams records the terminal state of one email record.
type EmailOutcomeParams struct {
	Status        domain.EmailStatus
	GroupID       *uuid.UUID
	LedgerEntryID *uuid.UUID
	ErrorDetail   *string
}
