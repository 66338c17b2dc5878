/**
 * @description
 * This file implements the email reconciliation pipeline: fetch unread bank
 * notification emails, parse them into transfer details, resolve the target
 * group from the embedded token, and credit the group's balance through the
 * atomic ledger mutation. Each stage records a durable outcome on the email's
 * reconciliation record so every considered email ends in an inspectable state.
 *
 * Consumption rules:
 * - non-notification or unparsable emails are consumed with no credit, so the
 *   mailbox does not reprocess them forever;
 * - emails whose credit attempt finished (success, duplicate, unmatched,
 *   failed) are consumed;
 * - emails whose credit attempt hit an unexpected store error stay unconsumed
 *   so the next poll retries them — the transfer-id idempotency key makes the
 *   retry side-effect free.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
	"github.com/grouptoken/ledger-service/pkg/rabbitmq"
)

// MailboxMessage is one email as seen by the pipeline.
type MailboxMessage struct {
	ID         string
	Subject    string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// MailboxReader abstracts the mailbox protocol (IMAP or otherwise) behind
// the three operations the pipeline needs.
type MailboxReader interface {
	ListUnread(ctx context.Context) ([]MailboxMessage, error)
	MarkConsumed(ctx context.Context, messageID string) error
}

// EmailPipeline reconciles inbound transfer notification emails against the
// token ledger.
type EmailPipeline struct {
	repo          store.Repository
	mailbox       MailboxReader
	eventProducer rabbitmq.Publisher
	exchange      string
}

// NewEmailPipeline creates a new pipeline instance.
func NewEmailPipeline(repo store.Repository, mailbox MailboxReader, producer rabbitmq.Publisher, exchange string) *EmailPipeline {
	return &EmailPipeline{
		repo:          repo,
		mailbox:       mailbox,
		eventProducer: producer,
		exchange:      exchange,
	}
}

// Poll runs one fetch-and-reconcile cycle. Per-message failures are logged
// and skipped; the cycle keeps going so one bad email cannot block the rest.
func (p *EmailPipeline) Poll(ctx context.Context) error {
	messages, err := p.mailbox.ListUnread(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unread emails: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	log.Printf("level=info component=email_pipeline msg=\"processing unread emails\" count=%d", len(messages))

	for _, msg := range messages {
		if err := p.ProcessMessage(ctx, msg); err != nil {
			log.Printf("level=error component=email_pipeline msg=\"message processing failed; left unconsumed for retry\" message_id=%s err=%v", msg.ID, err)
		}
	}
	return nil
}

// ProcessMessage takes one email through the full state machine:
// fetched -> parsed|rejected -> (unmatched | matched) -> (success | failed | duplicate).
func (p *EmailPipeline) ProcessMessage(ctx context.Context, msg MailboxMessage) error {
	if !IsTransferNotification(msg.Subject, msg.Body) {
		return p.consume(ctx, msg.ID)
	}

	parsed, ok := ParseTransferEmail(msg.Subject, msg.Body)
	if !ok {
		// Looked bank-ish but carries no usable amount. Consume without a
		// record; it is not a transfer notification.
		log.Printf("level=info component=email_pipeline msg=\"no valid amount found; rejecting\" message_id=%s", msg.ID)
		return p.consume(ctx, msg.ID)
	}

	// A transfer id already on file means this email (or one carrying the
	// same bank transaction) was considered before.
	existing, err := p.repo.FindEmailRecordByTransferID(ctx, parsed.TransferID)
	if err != nil && !errors.Is(err, store.ErrEmailRecordNotFound) {
		return fmt.Errorf("failed to look up transfer id %s: %w", parsed.TransferID, err)
	}
	if existing != nil && existing.Status != domain.EmailStatusPending {
		log.Printf("level=info component=email_pipeline msg=\"duplicate transfer id; skipping\" transfer_id=%s status=%s", parsed.TransferID, existing.Status)
		return p.consume(ctx, msg.ID)
	}

	record := existing
	if record == nil {
		record = &domain.EmailReconciliationRecord{
			MessageID:     msg.ID,
			Subject:       msg.Subject,
			Sender:        msg.Sender,
			TransferID:    parsed.TransferID,
			Amount:        parsed.Amount,
			TransferredAt: parsed.TransferredAt,
		}
		if parsed.GroupToken != "" {
			token := parsed.GroupToken
			record.GroupToken = &token
		}
		record, err = p.repo.CreateEmailRecord(ctx, record)
		if err != nil {
			if errors.Is(err, store.ErrDuplicateTransferID) {
				// Lost a race with a concurrent poll; the winner owns it.
				return p.consume(ctx, msg.ID)
			}
			return fmt.Errorf("failed to create email record: %w", err)
		}
	}

	group, matchErr := p.resolveGroup(ctx, parsed.GroupToken)
	if matchErr != nil {
		return p.finishUnmatched(ctx, msg.ID, record, matchErr.Error())
	}

	return p.credit(ctx, msg.ID, record, group)
}

// resolveGroup maps the embedded token to exactly one active group. No
// token, no match, or several matches all leave the deposit unmatched for
// manual assignment — the pipeline never guesses.
func (p *EmailPipeline) resolveGroup(ctx context.Context, token string) (*domain.Group, error) {
	if token == "" {
		return nil, errors.New("no group token in email")
	}
	groups, err := p.repo.FindActiveGroupsMatchingToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("group token lookup failed: %w", err)
	}
	switch len(groups) {
	case 1:
		return &groups[0], nil
	case 0:
		return nil, fmt.Errorf("group token %s matched no active group", token)
	default:
		return nil, fmt.Errorf("group token %s matched %d active groups", token, len(groups))
	}
}

func (p *EmailPipeline) credit(ctx context.Context, messageID string, record *domain.EmailReconciliationRecord, group *domain.Group) error {
	reference := record.TransferID
	entry, err := p.repo.ApplyLedgerMutation(ctx, store.ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          record.Amount,
		Kind:            domain.KindDeposit,
		Reference:       &reference,
		Description:     fmt.Sprintf("Bank transfer %s", record.TransferID),
		Operator:        "email_pipeline",
	})

	switch {
	case err == nil:
		if updateErr := p.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
			Status:        domain.EmailStatusSuccess,
			GroupID:       &group.ID,
			LedgerEntryID: &entry.ID,
		}); updateErr != nil {
			// The credit is committed and protected by the transfer-id
			// reference; a failed status write is recoverable on retry.
			return fmt.Errorf("credited but failed to update record: %w", updateErr)
		}
		log.Printf("level=info component=email_pipeline msg=\"deposit credited\" transfer_id=%s group=%s amount=%d balance=%d",
			record.TransferID, group.PlatformGroupID, record.Amount, entry.BalanceAfter)
		p.publishCredited(record, group, entry)
		return p.consume(ctx, messageID)

	case errors.Is(err, store.ErrDuplicateReference):
		if updateErr := p.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
			Status:  domain.EmailStatusDuplicate,
			GroupID: &group.ID,
		}); updateErr != nil {
			return fmt.Errorf("failed to mark record duplicate: %w", updateErr)
		}
		log.Printf("level=info component=email_pipeline msg=\"duplicate ledger reference; no credit\" transfer_id=%s group=%s", record.TransferID, group.PlatformGroupID)
		return p.consume(ctx, messageID)

	case errors.Is(err, store.ErrGroupNotFound), errors.Is(err, store.ErrGroupInactive):
		detail := err.Error()
		if updateErr := p.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
			Status:      domain.EmailStatusFailed,
			ErrorDetail: &detail,
		}); updateErr != nil {
			return fmt.Errorf("failed to mark record failed: %w", updateErr)
		}
		log.Printf("level=warn component=email_pipeline msg=\"credit rejected\" transfer_id=%s err=%v", record.TransferID, err)
		return p.consume(ctx, messageID)

	default:
		// Unexpected store failure: leave the record pending and the email
		// unconsumed so the next poll retries the whole credit.
		return fmt.Errorf("credit attempt failed: %w", err)
	}
}

func (p *EmailPipeline) finishUnmatched(ctx context.Context, messageID string, record *domain.EmailReconciliationRecord, detail string) error {
	if err := p.repo.UpdateEmailRecordOutcome(ctx, record.ID, store.EmailOutcomeParams{
		Status:      domain.EmailStatusUnmatched,
		ErrorDetail: &detail,
	}); err != nil {
		return fmt.Errorf("failed to mark record unmatched: %w", err)
	}
	log.Printf("level=warn component=email_pipeline msg=\"deposit unmatched; needs manual assignment\" transfer_id=%s detail=%q", record.TransferID, detail)
	p.publishUnmatched(record)
	return p.consume(ctx, messageID)
}

func (p *EmailPipeline) consume(ctx context.Context, messageID string) error {
	if err := p.mailbox.MarkConsumed(ctx, messageID); err != nil {
		return fmt.Errorf("failed to mark email consumed: %w", err)
	}
	return nil
}

func (p *EmailPipeline) publishCredited(record *domain.EmailReconciliationRecord, group *domain.Group, entry *domain.LedgerEntry) {
	if p.eventProducer == nil {
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
	if err := p.eventProducer.Publish(publishCtx, p.exchange, domain.EventDepositCredited, event); err != nil {
		log.Printf("level=warn component=email_pipeline msg=\"failed to publish deposit event\" transfer_id=%s err=%v", record.TransferID, err)
	}
}

func (p *EmailPipeline) publishUnmatched(record *domain.EmailReconciliationRecord) {
	if p.eventProducer == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := domain.DepositUnmatchedEvent{
		EventID:    uuid.NewString(),
		RecordID:   record.ID,
		TransferID: record.TransferID,
		Amount:     record.Amount,
		GroupToken: record.GroupToken,
		OccurredAt: time.Now().UTC(),
	}
	if err := p.eventProducer.Publish(publishCtx, p.exchange, domain.EventDepositUnmatched, event); err != nil {
		log.Printf("level=warn component=email_pipeline msg=\"failed to publish unmatched alert\" transfer_id=%s err=%v", record.TransferID, err)
	}
}
