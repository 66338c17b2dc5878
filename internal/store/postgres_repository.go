/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * for groups, memberships, the token ledger, email reconciliation records,
 * redemption records, and the operator config store.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/grouptoken/ledger-service/internal/domain"
)

var (
	ErrGroupNotFound        = errors.New("group not found")
	ErrGroupInactive        = errors.New("group is inactive")
	ErrGroupAlreadyBound    = errors.New("group is already bound")
	ErrGroupCodeCollision   = errors.New("group code already taken")
	ErrMemberNotFound       = errors.New("member not found")
	ErrMembershipNotFound   = errors.New("membership not found")
	ErrLastAdmin            = errors.New("cannot demote the last admin")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrDuplicateReference   = errors.New("duplicate ledger reference")
	ErrDuplicateTransferID  = errors.New("duplicate transfer id")
	ErrEmailRecordNotFound  = errors.New("email record not found")
	ErrLedgerEntryNotFound  = errors.New("ledger entry not found")
	ErrRedemptionNotFound   = errors.New("redemption record not found")
	ErrConfigKeyNotFound    = errors.New("config key not found")
	ErrInvalidMutationKind  = errors.New("invalid mutation kind")
)

// InsufficientBalanceError reports the balance and shortfall of a rejected
// debit. It unwraps to ErrInsufficientBalance so callers can match with
// errors.Is without losing the numbers.
type InsufficientBalanceError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d, need %d", e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall returns how many tokens the group was missing.
func (e *InsufficientBalanceError) Shortfall() int64 { return e.Requested - e.Balance }

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateGroupWithAdmin inserts a new group binding with a zero balance and
// makes the binding member its admin. Group, member upsert and membership
// run in one transaction so a half-bound group (active but adminless) can
// never be observed.
func (r *PostgresRepository) CreateGroupWithAdmin(ctx context.Context, group *domain.Group, platformUserID, displayName string) (*domain.Group, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	var created domain.Group
	err = tx.QueryRow(ctx, `
		INSERT INTO groups (id, platform_group_id, group_code, title, balance, is_active)
		VALUES ($1, $2, $3, $4, 0, TRUE)
		RETURNING id, platform_group_id, group_code, title, balance, is_active, created_at, updated_at
	`, group.ID, group.PlatformGroupID, group.GroupCode, group.Title).Scan(
		&created.ID, &created.PlatformGroupID, &created.GroupCode, &created.Title,
		&created.Balance, &created.IsActive, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "group_code") {
				return nil, ErrGroupCodeCollision
			}
			return nil, ErrGroupAlreadyBound
		}
		return nil, err
	}

	var memberID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO members (id, platform_user_id, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform_user_id)
		DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id
	`, uuid.New(), platformUserID, displayName).Scan(&memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert binding member: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memberships (id, group_id, member_id, is_admin)
		VALUES ($1, $2, $3, TRUE)
	`, uuid.New(), created.ID, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &created, nil
}

// FindGroupByPlatformID retrieves a group by its external chat-platform id.
func (r *PostgresRepository) FindGroupByPlatformID(ctx context.Context, platformGroupID string) (*domain.Group, error) {
	query := `
		SELECT id, platform_group_id, group_code, title, balance, is_active, created_at, updated_at
		FROM groups WHERE platform_group_id = $1
	`
	var group domain.Group
	err := r.db.QueryRow(ctx, query, platformGroupID).Scan(
		&group.ID, &group.PlatformGroupID, &group.GroupCode, &group.Title, &group.Balance,
		&group.IsActive, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindGroupByID retrieves a group by its internal id.
func (r *PostgresRepository) FindGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	query := `
		SELECT id, platform_group_id, group_code, title, balance, is_active, created_at, updated_at
		FROM groups WHERE id = $1
	`
	var group domain.Group
	err := r.db.QueryRow(ctx, query, groupID).Scan(
		&group.ID, &group.PlatformGroupID, &group.GroupCode, &group.Title, &group.Balance,
		&group.IsActive, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindActiveGroupsMatchingToken returns active groups whose deposit code
// equals the token embedded in a transfer memo, case-insensitively. Callers
// require exactly one match; zero or several means the deposit stays
// unmatched.
func (r *PostgresRepository) FindActiveGroupsMatchingToken(ctx context.Context, token string) ([]domain.Group, error) {
	query := `
		SELECT id, platform_group_id, group_code, title, balance, is_active, created_at, updated_at
		FROM groups
		WHERE is_active = TRUE AND UPPER(group_code) = UPPER($1)
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		var g domain.Group
		err := rows.Scan(&g.ID, &g.PlatformGroupID, &g.GroupCode, &g.Title, &g.Balance,
			&g.IsActive, &g.CreatedAt, &g.UpdatedAt)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetGroupActive soft-activates or soft-deactivates a group. Groups are
// never hard-deleted; their ledger entries outlive deactivation.
func (r *PostgresRepository) SetGroupActive(ctx context.Context, groupID uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE groups SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// UpsertMember creates a member on first sight or refreshes the display name.
func (r *PostgresRepository) UpsertMember(ctx context.Context, platformUserID, displayName string) (*domain.Member, error) {
	query := `
		INSERT INTO members (id, platform_user_id, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform_user_id)
		DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, platform_user_id, display_name, created_at
	`
	var member domain.Member
	err := r.db.QueryRow(ctx, query, uuid.New(), platformUserID, displayName).Scan(
		&member.ID, &member.PlatformUserID, &member.DisplayName, &member.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &member, nil
}

// FindMemberByPlatformID retrieves a member by external user id.
func (r *PostgresRepository) FindMemberByPlatformID(ctx context.Context, platformUserID string) (*domain.Member, error) {
	query := `SELECT id, platform_user_id, display_name, created_at FROM members WHERE platform_user_id = $1`
	var member domain.Member
	err := r.db.QueryRow(ctx, query, platformUserID).Scan(
		&member.ID, &member.PlatformUserID, &member.DisplayName, &member.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

// FindMemberByID retrieves a member by internal id.
func (r *PostgresRepository) FindMemberByID(ctx context.Context, memberID uuid.UUID) (*domain.Member, error) {
	query := `SELECT id, platform_user_id, display_name, created_at FROM members WHERE id = $1`
	var member domain.Member
	err := r.db.QueryRow(ctx, query, memberID).Scan(
		&member.ID, &member.PlatformUserID, &member.DisplayName, &member.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &member, nil
}

// CreateMembership joins a member to a group. The (group, member) pair is
// unique; re-joining is a no-op that returns the existing row.
func (r *PostgresRepository) CreateMembership(ctx context.Context, groupID, memberID uuid.UUID, isAdmin bool) (*domain.Membership, error) {
	query := `
		INSERT INTO memberships (id, group_id, member_id, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, member_id) DO UPDATE SET updated_at = NOW()
		RETURNING id, group_id, member_id, is_admin, created_at, updated_at
	`
	var m domain.Membership
	err := r.db.QueryRow(ctx, query, uuid.New(), groupID, memberID, isAdmin).Scan(
		&m.ID, &m.GroupID, &m.MemberID, &m.IsAdmin, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMembership retrieves one (group, member) join row.
func (r *PostgresRepository) FindMembership(ctx context.Context, groupID, memberID uuid.UUID) (*domain.Membership, error) {
	query := `
		SELECT id, group_id, member_id, is_admin, created_at, updated_at
		FROM memberships WHERE group_id = $1 AND member_id = $2
	`
	var m domain.Membership
	err := r.db.QueryRow(ctx, query, groupID, memberID).Scan(
		&m.ID, &m.GroupID, &m.MemberID, &m.IsAdmin, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMembershipNotFound
		}
		return nil, err
	}
	return &m, nil
}

// SetMembershipAdmin flips the admin flag. Demoting the last remaining admin
// of a group is rejected so every active group keeps at least one admin.
func (r *PostgresRepository) SetMembershipAdmin(ctx context.Context, groupID, memberID uuid.UUID, isAdmin bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if !isAdmin {
		// Postgres rejects FOR UPDATE combined with an aggregate, so the
		// admin rows are locked individually and counted client-side.
		rows, err := tx.Query(ctx,
			`SELECT id FROM memberships WHERE group_id = $1 AND is_admin = TRUE FOR UPDATE`,
			groupID)
		if err != nil {
			return fmt.Errorf("failed to lock admin memberships: %w", err)
		}
		admins := 0
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan admin membership: %w", err)
			}
			admins++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to count admins: %w", err)
		}
		var targetIsAdmin bool
		err = tx.QueryRow(ctx,
			`SELECT is_admin FROM memberships WHERE group_id = $1 AND member_id = $2`,
			groupID, memberID).Scan(&targetIsAdmin)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrMembershipNotFound
			}
			return err
		}
		if targetIsAdmin && admins <= 1 {
			return ErrLastAdmin
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE memberships SET is_admin = $1, updated_at = NOW() WHERE group_id = $2 AND member_id = $3`,
		isAdmin, groupID, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMembershipNotFound
	}
	return tx.Commit(ctx)
}

// CountGroupAdmins returns the number of admin memberships in a group.
func (r *PostgresRepository) CountGroupAdmins(ctx context.Context, groupID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND is_admin = TRUE`, groupID).Scan(&count)
	return count, err
}

// ApplyLedgerMutation performs one atomic balance mutation. The group row is
// locked for the whole sequence so concurrent mutations on one group
// serialize: lock -> reference pre-check -> non-negativity check -> balance
// update -> entry append, committed or rolled back as a unit.
func (r *PostgresRepository) ApplyLedgerMutation(ctx context.Context, params ApplyLedgerMutationParams) (*domain.LedgerEntry, error) {
	if !params.Kind.Valid() {
		return nil, ErrInvalidMutationKind
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the group row and validate the group state
	var groupID uuid.UUID
	var balance int64
	var isActive bool
	query := `
		SELECT id, balance, is_active
		FROM groups
		WHERE platform_group_id = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, query, params.PlatformGroupID).Scan(&groupID, &balance, &isActive)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to get and lock group: %w", err)
	}
	if !isActive {
		return nil, ErrGroupInactive
	}

	// 2. Idempotency: a reference already on the ledger means the event was
	//    applied before; return without touching the balance.
	if params.Reference != nil && *params.Reference != "" {
		var existing int
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE reference = $1`, *params.Reference).Scan(&existing)
		if err != nil {
			return nil, fmt.Errorf("failed to check ledger reference: %w", err)
		}
		if existing > 0 {
			return nil, ErrDuplicateReference
		}
	}

	// 3. Non-negativity check for debits
	newBalance := balance + params.Amount
	if newBalance < 0 {
		return nil, &InsufficientBalanceError{Balance: balance, Requested: -params.Amount}
	}

	// 4. Update the group balance
	_, err = tx.Exec(ctx,
		`UPDATE groups SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to update group balance: %w", err)
	}

	// 5. Append the ledger entry within the same DB transaction
	entry := domain.LedgerEntry{
		ID:            uuid.New(),
		GroupID:       groupID,
		MemberID:      params.MemberID,
		Kind:          params.Kind,
		Amount:        params.Amount,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		Reference:     params.Reference,
		Description:   params.Description,
		Operator:      params.Operator,
	}
	insertQuery := `
		INSERT INTO ledger_entries (
			id, group_id, member_id, kind, amount,
			balance_before, balance_after, reference, description, operator
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		entry.ID, entry.GroupID, entry.MemberID, entry.Kind, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.Reference, entry.Description,
		entry.Operator).Scan(&entry.CreatedAt)
	if err != nil {
		// Backstop for a reference race between two pool connections; the
		// unique index makes the loser a benign duplicate.
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger mutation: %w", err)
	}
	return &entry, nil
}

// ListLedgerEntries returns a group's entries, newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, groupID uuid.UUID, opts domain.LedgerEntryListOptions) ([]domain.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, group_id, member_id, kind, amount, balance_before, balance_after,
		       reference, description, operator, created_at
		FROM ledger_entries
		WHERE group_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, groupID, limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		err := rows.Scan(&e.ID, &e.GroupID, &e.MemberID, &e.Kind, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.Reference, &e.Description,
			&e.Operator, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindLedgerEntryByReference retrieves the entry carrying an idempotency key.
func (r *PostgresRepository) FindLedgerEntryByReference(ctx context.Context, reference string) (*domain.LedgerEntry, error) {
	query := `
		SELECT id, group_id, member_id, kind, amount, balance_before, balance_after,
		       reference, description, operator, created_at
		FROM ledger_entries WHERE reference = $1
	`
	var e domain.LedgerEntry
	err := r.db.QueryRow(ctx, query, reference).Scan(
		&e.ID, &e.GroupID, &e.MemberID, &e.Kind, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.Reference, &e.Description,
		&e.Operator, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEmailRecord inserts a pending email reconciliation record. A
// transfer id already on file returns ErrDuplicateTransferID.
func (r *PostgresRepository) CreateEmailRecord(ctx context.Context, record *domain.EmailReconciliationRecord) (*domain.EmailReconciliationRecord, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Status == "" {
		record.Status = domain.EmailStatusPending
	}
	query := `
		INSERT INTO email_reconciliation_records (
			id, message_id, subject, sender, transfer_id, amount,
			group_token, group_id, status, transferred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		record.ID, record.MessageID, record.Subject, record.Sender,
		record.TransferID, record.Amount, record.GroupToken, record.GroupID,
		record.Status, record.TransferredAt).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateTransferID
		}
		return nil, err
	}
	return record, nil
}

func scanEmailRecord(row pgx.Row, rec *domain.EmailReconciliationRecord) error {
	return row.Scan(
		&rec.ID, &rec.MessageID, &rec.Subject, &rec.Sender, &rec.TransferID,
		&rec.Amount, &rec.GroupToken, &rec.GroupID, &rec.Status, &rec.ErrorDetail,
		&rec.LedgerEntryID, &rec.TransferredAt, &rec.ProcessedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
}

const emailRecordColumns = `
	id, message_id, subject, sender, transfer_id, amount, group_token, group_id,
	status, error_detail, ledger_entry_id, transferred_at, processed_at,
	created_at, updated_at
`

// FindEmailRecordByID retrieves one email record.
func (r *PostgresRepository) FindEmailRecordByID(ctx context.Context, recordID uuid.UUID) (*domain.EmailReconciliationRecord, error) {
	var rec domain.EmailReconciliationRecord
	err := scanEmailRecord(r.db.QueryRow(ctx,
		`SELECT `+emailRecordColumns+` FROM email_reconciliation_records WHERE id = $1`, recordID), &rec)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEmailRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindEmailRecordByTransferID retrieves a record by its bank transfer id.
func (r *PostgresRepository) FindEmailRecordByTransferID(ctx context.Context, transferID string) (*domain.EmailReconciliationRecord, error) {
	var rec domain.EmailReconciliationRecord
	err := scanEmailRecord(r.db.QueryRow(ctx,
		`SELECT `+emailRecordColumns+` FROM email_reconciliation_records WHERE transfer_id = $1`, transferID), &rec)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEmailRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateEmailRecordOutcome stamps a record with its processing outcome.
func (r *PostgresRepository) UpdateEmailRecordOutcome(ctx context.Context, recordID uuid.UUID, outcome EmailOutcomeParams) error {
	query := `
		UPDATE email_reconciliation_records
		SET status = $1,
		    group_id = COALESCE($2, group_id),
		    ledger_entry_id = COALESCE($3, ledger_entry_id),
		    error_detail = $4,
		    processed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $5
	`
	tag, err := r.db.Exec(ctx, query,
		outcome.Status, outcome.GroupID, outcome.LedgerEntryID, outcome.ErrorDetail, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEmailRecordNotFound
	}
	return nil
}

// ListUnmatchedEmailRecords returns records awaiting manual group assignment.
func (r *PostgresRepository) ListUnmatchedEmailRecords(ctx context.Context, limit int) ([]domain.EmailReconciliationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + emailRecordColumns + `
		FROM email_reconciliation_records
		WHERE status = 'unmatched'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.EmailReconciliationRecord
	for rows.Next() {
		var rec domain.EmailReconciliationRecord
		if err := scanEmailRecord(rows, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateRedemptionRecord inserts a pending redemption attempt.
func (r *PostgresRepository) CreateRedemptionRecord(ctx context.Context, record *domain.RedemptionRecord) (*domain.RedemptionRecord, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	paramsJSON, err := json.Marshal(record.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode redemption params: %w", err)
	}
	query := `
		INSERT INTO redemption_records (
			id, group_id, member_id, target_account, token_cost, status, params
		)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		record.ID, record.GroupID, record.MemberID, record.TargetAccount,
		record.TokenCost, paramsJSON).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, err
	}
	record.Status = domain.RedemptionStatusPending
	return record, nil
}

// FindRedemptionByID retrieves one redemption record.
func (r *PostgresRepository) FindRedemptionByID(ctx context.Context, redemptionID uuid.UUID) (*domain.RedemptionRecord, error) {
	query := `
		SELECT id, group_id, member_id, target_account, token_cost, status,
		       external_reference, retry_count, error_detail, params,
		       created_at, updated_at
		FROM redemption_records WHERE id = $1
	`
	var rec domain.RedemptionRecord
	var paramsJSON []byte
	err := r.db.QueryRow(ctx, query, redemptionID).Scan(
		&rec.ID, &rec.GroupID, &rec.MemberID, &rec.TargetAccount, &rec.TokenCost,
		&rec.Status, &rec.ExternalReference, &rec.RetryCount, &rec.ErrorDetail,
		&paramsJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRedemptionNotFound
		}
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode redemption params: %w", err)
		}
	}
	return &rec, nil
}

// MarkRedemptionInProgress transitions pending -> in_progress. The status
// guard makes the transition idempotent against double dispatch.
func (r *PostgresRepository) MarkRedemptionInProgress(ctx context.Context, redemptionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE redemption_records
		SET status = 'in_progress', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, redemptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRedemptionNotFound
	}
	return nil
}

// MarkRedemptionCompleted stamps a record as completed with the executor's
// external reference. Already-terminal records are left untouched.
func (r *PostgresRepository) MarkRedemptionCompleted(ctx context.Context, redemptionID uuid.UUID, externalReference string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE redemption_records
		SET status = 'completed', external_reference = $1, error_detail = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'in_progress')
	`, externalReference, redemptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRedemptionNotFound
	}
	return nil
}

// MarkRedemptionFailed stamps a record as failed with the reported reason.
func (r *PostgresRepository) MarkRedemptionFailed(ctx context.Context, redemptionID uuid.UUID, errorDetail string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE redemption_records
		SET status = 'failed', error_detail = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'in_progress')
	`, errorDetail, redemptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRedemptionNotFound
	}
	return nil
}

// RecordRedemptionAttemptError bumps the retry count and stores the error
// without changing status — used for ambiguous outcomes that stay
// in_progress pending manual reconciliation.
func (r *PostgresRepository) RecordRedemptionAttemptError(ctx context.Context, redemptionID uuid.UUID, errorDetail string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE redemption_records
		SET retry_count = retry_count + 1, error_detail = $1, updated_at = NOW()
		WHERE id = $2
	`, errorDetail, redemptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRedemptionNotFound
	}
	return nil
}

// FindStaleInProgressRedemptions returns in_progress records older than the
// cutoff, for the operational stuck-redemption alert.
func (r *PostgresRepository) FindStaleInProgressRedemptions(ctx context.Context, olderThan time.Time) ([]domain.RedemptionRecord, error) {
	query := `
		SELECT id, group_id, member_id, target_account, token_cost, status,
		       external_reference, retry_count, error_detail, params,
		       created_at, updated_at
		FROM redemption_records
		WHERE status = 'in_progress' AND updated_at <= $1
		ORDER BY updated_at ASC
	`
	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.RedemptionRecord
	for rows.Next() {
		var rec domain.RedemptionRecord
		var paramsJSON []byte
		err := rows.Scan(
			&rec.ID, &rec.GroupID, &rec.MemberID, &rec.TargetAccount, &rec.TokenCost,
			&rec.Status, &rec.ExternalReference, &rec.RetryCount, &rec.ErrorDetail,
			&paramsJSON, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &rec.Params); err != nil {
				return nil, fmt.Errorf("failed to decode redemption params: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetSystemConfigValue reads one operator config value.
func (r *PostgresRepository) GetSystemConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrConfigKeyNotFound
		}
		return "", err
	}
	return value, nil
}
