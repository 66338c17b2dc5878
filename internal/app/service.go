/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct orchestrates group binding and membership administration,
 * balance and history queries, manual balance adjustments, and manual
 * assignment of unmatched deposits — coordinating between the database
 * repository and the message broker.
 *
 * Key features:
 * - Group lifecycle: bind on first command, soft-deactivate on unbind, the
 *   first binder is automatically admin.
 * - Every balance change funnels through the repository's atomic ledger
 *   mutation; the service never writes balances directly.
 * - Admin privilege checks live here (and in the bot layer that fronts it),
 *   not in the mutator.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For result event publishing.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
	"github.com/grouptoken/ledger-service/pkg/rabbitmq"
)

var (
	ErrNotAdmin           = errors.New("requester is not a group admin")
	ErrZeroAdjustment     = errors.New("adjustment amount must be non-zero")
	ErrEmailNotAssignable = errors.New("email record is not awaiting assignment")
)

// DepositInfo is the operator-configured payment instructions shown to groups.
type DepositInfo struct {
	BankAccountInfo  string
	MinDepositTokens int64
	ExchangeRate     string
}

// Service provides the core business logic for the token ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	exchange      string
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, exchange string) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		exchange:      exchange,
	}
}

// groupCodeAlphabet omits 0/O/1/I so the code survives being retyped from
// a chat screen into a bank transfer memo.
const groupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const groupCodeLength = 6

func newGroupCode() (string, error) {
	buf := make([]byte, groupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate group code: %w", err)
	}
	for i, b := range buf {
		buf[i] = groupCodeAlphabet[int(b)%len(groupCodeAlphabet)]
	}
	return string(buf), nil
}

// BindGroup creates the group on first bind and makes the binder admin, in
// one store transaction. Each group gets a unique deposit code that members
// write as GROUP_<code> in their transfer memos; email reconciliation
// matches on it. Rebinding an existing group returns ErrGroupAlreadyBound.
func (s *Service) BindGroup(ctx context.Context, platformGroupID, title, platformUserID, displayName string) (*domain.Group, error) {
	var group *domain.Group
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newGroupCode()
		if err != nil {
			return nil, err
		}
		group, err = s.repo.CreateGroupWithAdmin(ctx, &domain.Group{
			PlatformGroupID: platformGroupID,
			GroupCode:       code,
			Title:           title,
		}, platformUserID, displayName)
		if errors.Is(err, store.ErrGroupCodeCollision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if group == nil {
		return nil, store.ErrGroupCodeCollision
	}

	log.Printf("level=info component=ledger_service msg=\"group bound\" group=%s code=%s admin=%s", platformGroupID, group.GroupCode, platformUserID)
	return group, nil
}

// UnbindGroup soft-deactivates a group. Admin only. The ledger and all
// records survive; only new mutations are refused.
func (s *Service) UnbindGroup(ctx context.Context, platformGroupID, platformUserID string) error {
	group, membership, err := s.resolveMembership(ctx, platformGroupID, platformUserID)
	if err != nil {
		return err
	}
	if !membership.IsAdmin {
		return ErrNotAdmin
	}
	if err := s.repo.SetGroupActive(ctx, group.ID, false); err != nil {
		return err
	}
	log.Printf("level=info component=ledger_service msg=\"group unbound\" group=%s by=%s", platformGroupID, platformUserID)
	return nil
}

// JoinGroup registers a member in an existing group (non-admin).
func (s *Service) JoinGroup(ctx context.Context, platformGroupID, platformUserID, displayName string) (*domain.Membership, error) {
	group, err := s.repo.FindGroupByPlatformID(ctx, platformGroupID)
	if err != nil {
		return nil, err
	}
	member, err := s.repo.UpsertMember(ctx, platformUserID, displayName)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert member: %w", err)
	}
	return s.repo.CreateMembership(ctx, group.ID, member.ID, false)
}

// SetAdmin promotes or demotes a member. Only admins may change the flag,
// and the store refuses to demote the last admin.
func (s *Service) SetAdmin(ctx context.Context, platformGroupID, actorPlatformUserID, targetPlatformUserID string, isAdmin bool) error {
	group, actorMembership, err := s.resolveMembership(ctx, platformGroupID, actorPlatformUserID)
	if err != nil {
		return err
	}
	if !actorMembership.IsAdmin {
		return ErrNotAdmin
	}
	target, err := s.repo.FindMemberByPlatformID(ctx, targetPlatformUserID)
	if err != nil {
		return err
	}
	if err := s.repo.SetMembershipAdmin(ctx, group.ID, target.ID, isAdmin); err != nil {
		return err
	}
	log.Printf("level=info component=ledger_service msg=\"admin flag changed\" group=%s target=%s is_admin=%t by=%s",
		platformGroupID, targetPlatformUserID, isAdmin, actorPlatformUserID)
	return nil
}

// GroupBalance returns the group's current state.
func (s *Service) GroupBalance(ctx context.Context, platformGroupID string) (*domain.Group, error) {
	return s.repo.FindGroupByPlatformID(ctx, platformGroupID)
}

// LedgerHistory returns the group's most recent ledger entries.
func (s *Service) LedgerHistory(ctx context.Context, platformGroupID string, limit, offset int) ([]domain.LedgerEntry, error) {
	group, err := s.repo.FindGroupByPlatformID(ctx, platformGroupID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLedgerEntries(ctx, group.ID, domain.LedgerEntryListOptions{Limit: limit, Offset: offset})
}

// ManualAdjust applies an administrative credit or debit through the ledger
// mutator. The caller is responsible for having verified admin privilege;
// the idempotency key is derived from actor and timestamp to stop an
// accidental double-submission from applying twice.
func (s *Service) ManualAdjust(ctx context.Context, platformGroupID, actorRef string, amount int64, reason string) (*domain.LedgerEntry, error) {
	if amount == 0 {
		return nil, ErrZeroAdjustment
	}
	kind := domain.KindManualCredit
	if amount < 0 {
		kind = domain.KindManualDebit
	}

	var memberID *uuid.UUID
	actor := strings.TrimSpace(actorRef)
	if actor != "" {
		if member, err := s.repo.FindMemberByPlatformID(ctx, actor); err == nil {
			memberID = &member.ID
		}
	}
	if actor == "" {
		actor = "ops"
	}

	reference := fmt.Sprintf("manual_%s_%s_%d", platformGroupID, actor, time.Now().Unix())
	entry, err := s.repo.ApplyLedgerMutation(ctx, store.ApplyLedgerMutationParams{
		PlatformGroupID: platformGroupID,
		Amount:          amount,
		Kind:            kind,
		Reference:       &reference,
		Description:     reason,
		Operator:        "manual_adjust",
		MemberID:        memberID,
	})
	if errors.Is(err, store.ErrDuplicateReference) {
		// Double-submission within the same second: the adjustment already
		// applied, so return the existing entry as a no-op success.
		existing, findErr := s.repo.FindLedgerEntryByReference(ctx, reference)
		if findErr != nil {
			return nil, findErr
		}
		log.Printf("level=info component=ledger_service msg=\"manual adjustment replayed; returning existing entry\" group=%s reference=%s", platformGroupID, reference)
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=ledger_service msg=\"manual adjustment applied\" group=%s actor=%s amount=%d balance=%d",
		platformGroupID, actor, amount, entry.BalanceAfter)
	return entry, nil
}

// RequireAdmin verifies that the actor is an admin member of the group.
// The bot layer calls this before admin-only commands.
func (s *Service) RequireAdmin(ctx context.Context, platformGroupID, platformUserID string) error {
	_, membership, err := s.resolveMembership(ctx, platformGroupID, platformUserID)
	if err != nil {
		return err
	}
	if !membership.IsAdmin {
		return ErrNotAdmin
	}
	return nil
}

// GetDepositInfo reads the operator payment instructions from system_config.
// Missing keys fall back to sensible zero values rather than an error.
func (s *Service) GetDepositInfo(ctx context.Context) (*DepositInfo, error) {
	info := &DepositInfo{}

	bankInfo, err := s.repo.GetSystemConfigValue(ctx, domain.ConfigKeyBankAccountInfo)
	if err != nil && !errors.Is(err, store.ErrConfigKeyNotFound) {
		return nil, err
	}
	info.BankAccountInfo = bankInfo

	if raw, err := s.repo.GetSystemConfigValue(ctx, domain.ConfigKeyMinDeposit); err == nil {
		if parsed, parseErr := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); parseErr == nil {
			info.MinDepositTokens = parsed
		}
	} else if !errors.Is(err, store.ErrConfigKeyNotFound) {
		return nil, err
	}

	if rate, err := s.repo.GetSystemConfigValue(ctx, domain.ConfigKeyExchangeRate); err == nil {
		info.ExchangeRate = rate
	} else if !errors.Is(err, store.ErrConfigKeyNotFound) {
		return nil, err
	}

	return info, nil
}

// ListUnmatchedDeposits returns email records awaiting manual assignment.
func (s *Service) ListUnmatchedDeposits(ctx context.Context, limit int) ([]domain.EmailReconciliationRecord, error) {
	return s.repo.ListUnmatchedEmailRecords(ctx, limit)
}

// ListStuckRedemptions returns in_progress redemptions that have not been
// touched for at least staleAfter. These need operator reconciliation before
// any balance can be settled.
func (s *Service) ListStuckRedemptions(ctx context.Context, staleAfter time.Duration) ([]domain.RedemptionRecord, error) {
	return s.repo.FindStaleInProgressRedemptions(ctx, time.Now().Add(-staleAfter))
}

// AssignUnmatchedDeposit manually attaches an unmatched email record to a
// group and credits it through the same mutator path the pipeline uses,
// keyed by the record's transfer id so the credit stays at-most-once.
func (s *Service) AssignUnmatchedDeposit(ctx context.Context, recordID uuid.UUID, platformGroupID string) (*domain.LedgerEntry, error) {
	record, err := s.repo.FindEmailRecordByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.EmailStatusUnmatched {
		return nil, ErrEmailNotAssignable
	}
	group, err := s.repo.FindGroupByPlatformID(ctx, platformGroupID)
	if err != nil {
		return nil, err
	}

	reference := record.TransferID
	entry, err := s.repo.ApplyLedgerMutation(ctx, store.ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          record.Amount,
		Kind:            domain.KindDeposit,
		Reference:       &reference,
		Description:     fmt.Sprintf("Bank transfer %s (manual assignment)", record.TransferID),
		Operator:        "ops_api",
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			// Credited before (e.g. retried assignment); converge the record.
			if updateErr := s.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
				Status:  domain.EmailStatusDuplicate,
				GroupID: &group.ID,
			}); updateErr != nil {
				return nil, updateErr
			}
			return nil, nil
		}
		return nil, err
	}

	if err := s.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
		Status:        domain.EmailStatusSuccess,
		GroupID:       &group.ID,
		LedgerEntryID: &entry.ID,
	}); err != nil {
		return nil, fmt.Errorf("credited but failed to update record: %w", err)
	}
	log.Printf("level=info component=ledger_service msg=\"unmatched deposit assigned\" record=%s group=%s amount=%d", recordID, platformGroupID, record.Amount)
	s.publishDepositCredited(record, group, entry)
	return entry, nil
}

// publishDepositCredited lets the gateway announce the credit in the group
// chat, same as an automatically matched deposit.
func (s *Service) publishDepositCredited(record *domain.EmailReconciliationRecord, group *domain.Group, entry *domain.LedgerEntry) {
	if s.eventProducer == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := domain.DepositCreditedEvent{
		EventID:         uuid.NewString(),
		RecordID:        record.ID,
		PlatformGroupID: group.PlatformGroupID,
		TransferID:      record.TransferID,
		Amount:          record.Amount,
		NewBalance:      entry.BalanceAfter,
		OccurredAt:      time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(publishCtx, s.exchange, domain.EventDepositCredited, event); err != nil {
		log.Printf("level=warn component=ledger_service msg=\"failed to publish deposit event\" transfer_id=%s err=%v", record.TransferID, err)
	}
}

func (s *Service) resolveMembership(ctx context.Context, platformGroupID, platformUserID string) (*domain.Group, *domain.Membership, error) {
	group, err := s.repo.FindGroupByPlatformID(ctx, platformGroupID)
	if err != nil {
		return nil, nil, err
	}
	member, err := s.repo.FindMemberByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, nil, err
	}
	membership, err := s.repo.FindMembership(ctx, group.ID, member.ID)
	if err != nil {
		return nil, nil, err
	}
	return group, membership, nil
}
