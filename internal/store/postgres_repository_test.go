package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/grouptoken/ledger-service/internal/domain"
)

func TestInsufficientBalanceError(t *testing.T) {
	err := error(&InsufficientBalanceError{Balance: 30, Requested: 100})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatal("expected errors.Is match on ErrInsufficientBalance")
	}
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) || detail.Shortfall() != 70 {
		t.Fatalf("expected shortfall 70, got %+v", detail)
	}
	if !strings.Contains(err.Error(), "have 30") || !strings.Contains(err.Error(), "need 100") {
		t.Errorf("error text should carry the numbers, got %q", err.Error())
	}
}

// The tests below run against a real database because the mutator's
// guarantees (row lock, reference uniqueness, non-negative balance) live in
// SQL. Set TEST_DATABASE_URL to a disposable Postgres to enable them.
func setupTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database-backed tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../db/schema.sql")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return NewPostgresRepository(pool)
}

func testGroupCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:10]
}

func bindTestGroup(t *testing.T, repo *PostgresRepository, binderUserID string) *domain.Group {
	t.Helper()
	group, err := repo.CreateGroupWithAdmin(context.Background(), &domain.Group{
		PlatformGroupID: "grp-" + uuid.New().String(),
		GroupCode:       testGroupCode(),
		Title:           "test group",
	}, binderUserID, "Binder")
	if err != nil {
		t.Fatalf("failed to bind test group: %v", err)
	}
	return group
}

func TestApplyLedgerMutation_CreditThenDebitChain(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	creditRef := "tx-" + uuid.New().String()
	credit, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          500,
		Kind:            domain.KindDeposit,
		Reference:       &creditRef,
		Operator:        "email_pipeline",
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if credit.BalanceBefore != 0 || credit.BalanceAfter != 500 {
		t.Fatalf("expected 0 -> 500, got %d -> %d", credit.BalanceBefore, credit.BalanceAfter)
	}

	debitRef := "redeem_" + uuid.New().String()
	debit, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          -200,
		Kind:            domain.KindRedemptionDebit,
		Reference:       &debitRef,
		Operator:        "redemption_worker",
	})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if debit.BalanceBefore != 500 || debit.BalanceAfter != 300 {
		t.Fatalf("expected 500 -> 300, got %d -> %d", debit.BalanceBefore, debit.BalanceAfter)
	}

	fresh, err := repo.FindGroupByPlatformID(ctx, group.PlatformGroupID)
	if err != nil {
		t.Fatalf("failed to reload group: %v", err)
	}
	if fresh.Balance != 300 {
		t.Fatalf("expected stored balance 300, got %d", fresh.Balance)
	}
}

func TestApplyLedgerMutation_DuplicateReference(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	ref := "tx-" + uuid.New().String()
	params := ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          100,
		Kind:            domain.KindDeposit,
		Reference:       &ref,
		Operator:        "email_pipeline",
	}
	if _, err := repo.ApplyLedgerMutation(ctx, params); err != nil {
		t.Fatalf("first application failed: %v", err)
	}
	if _, err := repo.ApplyLedgerMutation(ctx, params); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference on replay, got %v", err)
	}

	fresh, err := repo.FindGroupByPlatformID(ctx, group.PlatformGroupID)
	if err != nil {
		t.Fatalf("failed to reload group: %v", err)
	}
	if fresh.Balance != 100 {
		t.Fatalf("replayed reference must not change the balance, got %d", fresh.Balance)
	}
}

func TestApplyLedgerMutation_InsufficientBalance(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	_, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          -50,
		Kind:            domain.KindManualDebit,
		Operator:        "manual_adjust",
	})
	var detail *InsufficientBalanceError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if detail.Balance != 0 || detail.Requested != 50 {
		t.Fatalf("expected balance 0 / requested 50, got %+v", detail)
	}
}

func TestApplyLedgerMutation_InactiveGroupRefused(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	if err := repo.SetGroupActive(ctx, group.ID, false); err != nil {
		t.Fatalf("failed to deactivate group: %v", err)
	}
	_, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          100,
		Kind:            domain.KindDeposit,
		Operator:        "email_pipeline",
	})
	if !errors.Is(err, ErrGroupInactive) {
		t.Fatalf("expected ErrGroupInactive, got %v", err)
	}
}

// Ten workers race to debit 300 from a balance of 1000. The row lock must
// let exactly three through and leave 100 behind regardless of ordering.
func TestApplyLedgerMutation_ConcurrentDebits(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	seedRef := "tx-" + uuid.New().String()
	if _, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
		PlatformGroupID: group.PlatformGroupID,
		Amount:          1000,
		Kind:            domain.KindDeposit,
		Reference:       &seedRef,
		Operator:        "email_pipeline",
	}); err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("redeem_%s_%d", group.ID, i)
			_, err := repo.ApplyLedgerMutation(ctx, ApplyLedgerMutationParams{
				PlatformGroupID: group.PlatformGroupID,
				Amount:          -300,
				Kind:            domain.KindRedemptionDebit,
				Reference:       &ref,
				Operator:        "redemption_worker",
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, insufficient := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 3 || insufficient != 7 {
		t.Fatalf("expected 3 debits to win and 7 to be refused, got %d/%d", succeeded, insufficient)
	}

	fresh, err := repo.FindGroupByPlatformID(ctx, group.PlatformGroupID)
	if err != nil {
		t.Fatalf("failed to reload group: %v", err)
	}
	if fresh.Balance != 100 {
		t.Fatalf("expected final balance 100, got %d", fresh.Balance)
	}
}

func TestSetMembershipAdmin_LastAdminGuard(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	binderID := "user-" + uuid.New().String()
	group := bindTestGroup(t, repo, binderID)

	binder, err := repo.FindMemberByPlatformID(ctx, binderID)
	if err != nil {
		t.Fatalf("failed to find binder: %v", err)
	}
	if err := repo.SetMembershipAdmin(ctx, group.ID, binder.ID, false); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected ErrLastAdmin when demoting the only admin, got %v", err)
	}

	second, err := repo.UpsertMember(ctx, "user-"+uuid.New().String(), "Second")
	if err != nil {
		t.Fatalf("failed to create second member: %v", err)
	}
	if _, err := repo.CreateMembership(ctx, group.ID, second.ID, false); err != nil {
		t.Fatalf("failed to create second membership: %v", err)
	}
	if err := repo.SetMembershipAdmin(ctx, group.ID, second.ID, true); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if err := repo.SetMembershipAdmin(ctx, group.ID, binder.ID, false); err != nil {
		t.Fatalf("demote with a second admin present failed: %v", err)
	}

	admins, err := repo.CountGroupAdmins(ctx, group.ID)
	if err != nil {
		t.Fatalf("failed to count admins: %v", err)
	}
	if admins != 1 {
		t.Fatalf("expected exactly one admin left, got %d", admins)
	}
}

func TestFindActiveGroupsMatchingToken_ExactCode(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	group := bindTestGroup(t, repo, "user-"+uuid.New().String())

	matches, err := repo.FindActiveGroupsMatchingToken(ctx, strings.ToLower(group.GroupCode))
	if err != nil {
		t.Fatalf("token lookup failed: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != group.ID {
		t.Fatalf("expected exactly the bound group, got %+v", matches)
	}

	matches, err = repo.FindActiveGroupsMatchingToken(ctx, group.GroupCode[:4])
	if err != nil {
		t.Fatalf("token lookup failed: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("a partial code must not match, got %+v", matches)
	}
}
