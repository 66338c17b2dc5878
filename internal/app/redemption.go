/**
 * @description
 * This file implements the redemption orchestrator. A redemption spends group
 * tokens to trigger an external automated purchase through the Automation
 * Executor. The interactive caller gets an immediate acknowledgment; the
 * automation run and the debit happen on background workers because driving
 * the third-party storefront can take minutes.
 *
 * Debit-follows-success is the core rule: the ledger is debited only after
 * the executor reports a completed purchase, with an idempotency key unique
 * to the redemption attempt so a crash-and-retry cannot double-debit. A clean
 * executor failure marks the record failed with no ledger write. A timeout or
 * transport loss is ambiguous — the real-world purchase may have happened —
 * so the record stays in_progress and surfaces through the stale-redemption
 * alert for manual reconciliation. No automatic compensation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
	"github.com/grouptoken/ledger-service/pkg/executorclient"
	"github.com/grouptoken/ledger-service/pkg/rabbitmq"
)

var (
	ErrInvalidTokenCost    = errors.New("token cost must be positive")
	ErrNotGroupMember      = errors.New("requester is not a member of the group")
	ErrRedemptionQueueFull = errors.New("redemption queue is full")
)

// RateLimitedError is returned when a group exceeds its redemption request
// budget for the current window.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("redemption rate limit exceeded; retry after %ds", e.RetryAfterSeconds)
}

// AutomationExecutor is the slice of the executor client the orchestrator
// depends on.
type AutomationExecutor interface {
	Run(ctx context.Context, req executorclient.RunRequest) (*executorclient.RunResult, error)
}

// RedemptionRateLimiter limits how fast a group may submit redemptions.
type RedemptionRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedemptionOrchestratorConfig carries the orchestrator's tunables.
type RedemptionOrchestratorConfig struct {
	Workers            int
	QueueSize          int
	RateLimitPerMinute int
	ExecutorTimeout    time.Duration
}

// RedemptionOrchestrator owns the redemption state machine and its worker pool.
type RedemptionOrchestrator struct {
	repo          store.Repository
	executor      AutomationExecutor
	eventProducer rabbitmq.Publisher
	exchange      string
	rateLimiter   RedemptionRateLimiter
	cfg           RedemptionOrchestratorConfig

	queue chan uuid.UUID
	wg    sync.WaitGroup
}

// NewRedemptionOrchestrator creates the orchestrator. Workers are not
// started until Start is called.
func NewRedemptionOrchestrator(repo store.Repository, executor AutomationExecutor, producer rabbitmq.Publisher, exchange string, limiter RedemptionRateLimiter, cfg RedemptionOrchestratorConfig) *RedemptionOrchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = 5 * time.Minute
	}
	return &RedemptionOrchestrator{
		repo:          repo,
		executor:      executor,
		eventProducer: producer,
		exchange:      exchange,
		rateLimiter:   limiter,
		cfg:           cfg,
		queue:         make(chan uuid.UUID, cfg.QueueSize),
	}
}

// Start launches the background workers. They drain until ctx is cancelled.
func (o *RedemptionOrchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func(workerID int) {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case redemptionID := <-o.queue:
					o.Execute(ctx, redemptionID)
				}
			}
		}(i)
	}
	log.Printf("level=info component=redemption_orchestrator msg=\"workers started\" workers=%d queue_size=%d", o.cfg.Workers, o.cfg.QueueSize)
}

// Wait blocks until all workers have exited after ctx cancellation.
func (o *RedemptionOrchestrator) Wait() {
	o.wg.Wait()
}

// RequestRedemption validates the request, persists a pending record, and
// hands it to the worker pool. The caller gets the record back immediately;
// the outcome arrives later as a result event.
func (o *RedemptionOrchestrator) RequestRedemption(ctx context.Context, platformGroupID, platformUserID, targetAccount string, tokenCost int64, params map[string]string) (*domain.RedemptionRecord, error) {
	if tokenCost <= 0 {
		return nil, ErrInvalidTokenCost
	}

	group, err := o.repo.FindGroupByPlatformID(ctx, platformGroupID)
	if err != nil {
		return nil, err
	}
	if !group.IsActive {
		return nil, store.ErrGroupInactive
	}

	member, err := o.repo.FindMemberByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, err
	}
	if _, err := o.repo.FindMembership(ctx, group.ID, member.ID); err != nil {
		if errors.Is(err, store.ErrMembershipNotFound) {
			return nil, ErrNotGroupMember
		}
		return nil, err
	}

	if o.rateLimiter != nil && o.cfg.RateLimitPerMinute > 0 {
		count, retryAfter, limitErr := o.rateLimiter.ConsumeRateLimit(ctx, "redemption", platformGroupID, o.cfg.RateLimitPerMinute, time.Minute)
		if limitErr != nil {
			log.Printf("level=warn component=redemption_orchestrator msg=\"rate limiter unavailable; allowing request\" group=%s err=%v", platformGroupID, limitErr)
		} else if count > o.cfg.RateLimitPerMinute {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	// Read-only pre-check. The authoritative non-negativity check happens
	// inside the debit transaction after the automation succeeds.
	if group.Balance < tokenCost {
		return nil, &store.InsufficientBalanceError{Balance: group.Balance, Requested: tokenCost}
	}

	record, err := o.repo.CreateRedemptionRecord(ctx, &domain.RedemptionRecord{
		GroupID:       group.ID,
		MemberID:      member.ID,
		TargetAccount: targetAccount,
		TokenCost:     tokenCost,
		Params:        params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redemption record: %w", err)
	}

	select {
	case o.queue <- record.ID:
	default:
		if failErr := o.repo.MarkRedemptionFailed(ctx, record.ID, "worker queue full"); failErr != nil {
			log.Printf("level=error component=redemption_orchestrator msg=\"failed to mark overflow redemption failed\" redemption_id=%s err=%v", record.ID, failErr)
		}
		return nil, ErrRedemptionQueueFull
	}

	log.Printf("level=info component=redemption_orchestrator msg=\"redemption accepted\" redemption_id=%s group=%s cost=%d", record.ID, platformGroupID, tokenCost)
	return record, nil
}

// Execute drives one redemption attempt to an outcome. Exported so a
// crash-recovery sweep or ops tooling can re-drive a specific record.
func (o *RedemptionOrchestrator) Execute(ctx context.Context, redemptionID uuid.UUID) {
	record, err := o.repo.FindRedemptionByID(ctx, redemptionID)
	if err != nil {
		log.Printf("level=error component=redemption_orchestrator msg=\"failed to load redemption\" redemption_id=%s err=%v", redemptionID, err)
		return
	}
	if record.Status == domain.RedemptionStatusPending {
		if err := o.repo.MarkRedemptionInProgress(ctx, record.ID); err != nil {
			log.Printf("level=warn component=redemption_orchestrator msg=\"could not claim redemption; skipping\" redemption_id=%s err=%v", record.ID, err)
			return
		}
	} else if record.Status != domain.RedemptionStatusInProgress {
		log.Printf("level=info component=redemption_orchestrator msg=\"redemption already terminal; skipping\" redemption_id=%s status=%s", record.ID, record.Status)
		return
	}

	group, err := o.repo.FindGroupByID(ctx, record.GroupID)
	if err != nil {
		o.recordAmbiguous(ctx, record, fmt.Errorf("failed to load group: %w", err))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutorTimeout)
	defer cancel()
	result, runErr := o.executor.Run(runCtx, executorclient.RunRequest{
		RedemptionID:  record.ID.String(),
		TargetAccount: record.TargetAccount,
		TokenCost:     record.TokenCost,
		Params:        record.Params,
	})

	var execErr *executorclient.ExecutionError
	switch {
	case runErr == nil:
		o.settleSuccess(ctx, record, group, result.ExternalReference)
	case errors.As(runErr, &execErr):
		// Clean failure: the executor ran and bought nothing. The balance
		// stays untouched.
		if err := o.repo.MarkRedemptionFailed(ctx, record.ID, execErr.Reason); err != nil {
			log.Printf("level=error component=redemption_orchestrator msg=\"failed to mark redemption failed\" redemption_id=%s err=%v", record.ID, err)
			return
		}
		log.Printf("level=info component=redemption_orchestrator msg=\"redemption failed cleanly\" redemption_id=%s reason=%q", record.ID, execErr.Reason)
		o.publishResult(record, group, domain.RedemptionStatusFailed, nil, nil, &execErr.Reason)
	default:
		o.recordAmbiguous(ctx, record, runErr)
	}
}

// settleSuccess debits the group and marks the record completed. The debit
// reference is derived from the record id, so a retry after a crash between
// debit and status update hits ErrDuplicateReference and converges.
func (o *RedemptionOrchestrator) settleSuccess(ctx context.Context, record *domain.RedemptionRecord, group *domain.Group, externalReference string) {
	reference := DebitReference(record.ID)
	entry, err := o.repo.ApplyLedgerMutation(ctx, store.ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          -record.TokenCost,
		Kind:            domain.KindRedemptionDebit,
		Reference:       &reference,
		Description:     fmt.Sprintf("Redemption %s", record.ID),
		Operator:        "redemption_worker",
		MemberID:        &record.MemberID,
	})

	var newBalance *int64
	switch {
	case err == nil:
		newBalance = &entry.BalanceAfter
	case errors.Is(err, store.ErrDuplicateReference):
		// Already debited by a previous attempt of this same redemption.
	default:
		// The purchase happened but the debit did not stick. Leave the
		// record in_progress so the stale alert drags an operator in; the
		// reference keeps a later re-drive from double-debiting.
		log.Printf("level=error component=redemption_orchestrator msg=\"automation succeeded but debit failed; manual reconciliation required\" redemption_id=%s err=%v", record.ID, err)
		o.recordAmbiguous(ctx, record, fmt.Errorf("debit after automation success failed: %w", err))
		return
	}

	if err := o.repo.MarkRedemptionCompleted(ctx, record.ID, externalReference); err != nil {
		log.Printf("level=error component=redemption_orchestrator msg=\"debited but failed to mark completed\" redemption_id=%s err=%v", record.ID, err)
		return
	}
	log.Printf("level=info component=redemption_orchestrator msg=\"redemption completed\" redemption_id=%s external_ref=%s", record.ID, externalReference)
	o.publishResult(record, group, domain.RedemptionStatusCompleted, newBalance, &externalReference, nil)
}

// recordAmbiguous stores the attempt error without resolving the record.
// The status stays in_progress: the external purchase may have completed
// despite the local error, and that cannot be safely undone or assumed.
func (o *RedemptionOrchestrator) recordAmbiguous(ctx context.Context, record *domain.RedemptionRecord, cause error) {
	log.Printf("level=error component=redemption_orchestrator msg=\"ambiguous automation outcome; redemption stays in_progress\" redemption_id=%s err=%v", record.ID, cause)
	if err := o.repo.RecordRedemptionAttemptError(ctx, record.ID, cause.Error()); err != nil {
		log.Printf("level=error component=redemption_orchestrator msg=\"failed to record attempt error\" redemption_id=%s err=%v", record.ID, err)
	}
}

// AlertStaleRedemptions publishes an operational alert for every redemption
// stuck in_progress past the cutoff. Invoked on a schedule.
func (o *RedemptionOrchestrator) AlertStaleRedemptions(ctx context.Context, staleAfter time.Duration) error {
	cutoff := time.Now().Add(-staleAfter)
	records, err := o.repo.FindStaleInProgressRedemptions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find stale redemptions: %w", err)
	}
	for _, record := range records {
		group, err := o.repo.FindGroupByID(ctx, record.GroupID)
		if err != nil {
			log.Printf("level=error component=redemption_orchestrator msg=\"failed to load group for stale alert\" redemption_id=%s err=%v", record.ID, err)
			continue
		}
		log.Printf("level=warn component=redemption_orchestrator msg=\"stale in_progress redemption\" redemption_id=%s group=%s retry_count=%d started_at=%s",
			record.ID, group.PlatformGroupID, record.RetryCount, record.CreatedAt.Format(time.RFC3339))
		if o.eventProducer == nil {
			continue
		}
		event := domain.RedemptionStuckEvent{
			EventID:         uuid.NewString(),
			RedemptionID:    record.ID,
			PlatformGroupID: group.PlatformGroupID,
			TokenCost:       record.TokenCost,
			RetryCount:      record.RetryCount,
			StartedAt:       record.CreatedAt,
			OccurredAt:      time.Now().UTC(),
		}
		if err := o.eventProducer.Publish(ctx, o.exchange, domain.EventRedemptionStuck, event); err != nil {
			log.Printf("level=warn component=redemption_orchestrator msg=\"failed to publish stale alert\" redemption_id=%s err=%v", record.ID, err)
		}
	}
	return nil
}

func (o *RedemptionOrchestrator) publishResult(record *domain.RedemptionRecord, group *domain.Group, status domain.RedemptionStatus, newBalance *int64, externalReference, errorDetail *string) {
	if o.eventProducer == nil {
		return
	}
	platformUserID := ""
	lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if member, err := o.repo.FindMemberByID(lookupCtx, record.MemberID); err == nil {
		platformUserID = member.PlatformUserID
	}
	event := domain.RedemptionResultEvent{
		EventID:           uuid.NewString(),
		RedemptionID:      record.ID,
		PlatformGroupID:   group.PlatformGroupID,
		PlatformUserID:    platformUserID,
		Status:            string(status),
		TokenCost:         record.TokenCost,
		NewBalance:        newBalance,
		ExternalReference: externalReference,
		ErrorDetail:       errorDetail,
		OccurredAt:        time.Now().UTC(),
	}
	routingKey := domain.EventRedemptionCompleted
	if status == domain.RedemptionStatusFailed {
		routingKey = domain.EventRedemptionFailed
	}
	if err := o.eventProducer.Publish(lookupCtx, o.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=redemption_orchestrator msg=\"failed to publish result event\" redemption_id=%s err=%v", record.ID, err)
	}
}

// DebitReference derives the idempotency key for a redemption's debit.
func DebitReference(redemptionID uuid.UUID) string {
	return "redeem_" + redemptionID.String()
}
