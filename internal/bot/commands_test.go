package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/grouptoken/ledger-service/internal/app"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
)

type serviceStub struct {
	LedgerService

	bindGroup    *domain.Group
	bindErr      error
	unbindErr    error
	requireErr   error
	adjustEntry  *domain.LedgerEntry
	adjustErr    error
	setAdminErr  error
	balanceGroup *domain.Group
	balanceErr   error
	history      []domain.LedgerEntry
	depositInfo  *app.DepositInfo

	adjustedAmount int64
	adjustedReason string
	setAdminTarget string
	setAdminFlag   bool
}

func (s *serviceStub) BindGroup(_ context.Context, _, _, _, _ string) (*domain.Group, error) {
	return s.bindGroup, s.bindErr
}

func (s *serviceStub) UnbindGroup(_ context.Context, _, _ string) error { return s.unbindErr }

func (s *serviceStub) JoinGroup(_ context.Context, _, _, _ string) (*domain.Membership, error) {
	return &domain.Membership{}, nil
}

func (s *serviceStub) SetAdmin(_ context.Context, _, _, target string, isAdmin bool) error {
	s.setAdminTarget = target
	s.setAdminFlag = isAdmin
	return s.setAdminErr
}

func (s *serviceStub) GroupBalance(_ context.Context, _ string) (*domain.Group, error) {
	return s.balanceGroup, s.balanceErr
}

func (s *serviceStub) LedgerHistory(_ context.Context, _ string, limit, _ int) ([]domain.LedgerEntry, error) {
	if limit < len(s.history) {
		return s.history[:limit], nil
	}
	return s.history, nil
}

func (s *serviceStub) ManualAdjust(_ context.Context, _, _ string, amount int64, reason string) (*domain.LedgerEntry, error) {
	s.adjustedAmount = amount
	s.adjustedReason = reason
	return s.adjustEntry, s.adjustErr
}

func (s *serviceStub) RequireAdmin(_ context.Context, _, _ string) error { return s.requireErr }

func (s *serviceStub) GetDepositInfo(_ context.Context) (*app.DepositInfo, error) {
	return s.depositInfo, nil
}

type redeemerStub struct {
	record *domain.RedemptionRecord
	err    error

	gotAccount string
	gotCost    int64
}

func (r *redeemerStub) RequestRedemption(_ context.Context, _, _, targetAccount string, tokenCost int64, _ map[string]string) (*domain.RedemptionRecord, error) {
	r.gotAccount = targetAccount
	r.gotCost = tokenCost
	return r.record, r.err
}

func groupMsg(text string) IncomingMessage {
	return IncomingMessage{
		PlatformGroupID: "grp-1",
		PlatformUserID:  "user-1",
		DisplayName:     "Alice",
		Text:            text,
	}
}

func TestHandleMessageIgnoresNonCommands(t *testing.T) {
	h := NewHandler(&serviceStub{}, &redeemerStub{}, 0)

	for _, text := range []string{"hello there", "", "   ", "/unknowncommand"} {
		if reply := h.HandleMessage(context.Background(), groupMsg(text)); reply != "" {
			t.Errorf("expected no reply for %q, got %q", text, reply)
		}
	}
}

func TestHandleMessageDirectMessageGetsUsageHint(t *testing.T) {
	h := NewHandler(&serviceStub{}, &redeemerStub{}, 0)

	msg := IncomingMessage{PlatformUserID: "user-1", Text: "/balance"}
	reply := h.HandleMessage(context.Background(), msg)
	if !strings.Contains(reply, "/bind") {
		t.Errorf("expected usage hint mentioning /bind, got %q", reply)
	}
}

func TestBindReportsNewAccount(t *testing.T) {
	svc := &serviceStub{bindGroup: &domain.Group{Balance: 0, GroupCode: "7F3K2Q"}}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/bind"))
	if !strings.Contains(reply, "admin") || !strings.Contains(reply, "Balance: 0") {
		t.Errorf("unexpected bind reply: %q", reply)
	}
	if !strings.Contains(reply, "GROUP_7F3K2Q") {
		t.Errorf("bind reply must show the group's deposit code, got %q", reply)
	}
}

func TestBindOnBoundGroup(t *testing.T) {
	svc := &serviceStub{bindErr: store.ErrGroupAlreadyBound}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/bind"))
	if !strings.Contains(reply, "already") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestUnbindRequiresAdmin(t *testing.T) {
	svc := &serviceStub{unbindErr: app.ErrNotAdmin}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/unbind"))
	if !strings.Contains(reply, "admin") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestBalanceOnUnboundGroup(t *testing.T) {
	svc := &serviceStub{balanceErr: store.ErrGroupNotFound}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/balance"))
	if !strings.Contains(reply, "/bind") {
		t.Errorf("expected not-bound hint, got %q", reply)
	}
}

func TestHistoryFormatsEntries(t *testing.T) {
	ref := "TX1"
	svc := &serviceStub{history: []domain.LedgerEntry{
		{Kind: domain.KindDeposit, Amount: 500, BalanceAfter: 500, Reference: &ref, CreatedAt: time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)},
		{Kind: domain.KindRedemptionDebit, Amount: -200, BalanceAfter: 300, CreatedAt: time.Date(2026, 3, 5, 11, 0, 0, 0, time.UTC)},
	}}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/history"))
	if !strings.Contains(reply, "deposit +500 -> 500") {
		t.Errorf("missing deposit line in %q", reply)
	}
	if !strings.Contains(reply, "redemption_debit -200 -> 300") {
		t.Errorf("missing debit line in %q", reply)
	}
}

func TestHistoryHonorsLimitArgument(t *testing.T) {
	svc := &serviceStub{history: []domain.LedgerEntry{
		{Kind: domain.KindDeposit, Amount: 1, BalanceAfter: 1},
		{Kind: domain.KindDeposit, Amount: 2, BalanceAfter: 3},
	}}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/history 1"))
	if strings.Count(reply, "deposit") != 1 {
		t.Errorf("expected a single entry, got %q", reply)
	}
}

func TestDepositShowsBankDetailsAndGroupCode(t *testing.T) {
	svc := &serviceStub{
		balanceGroup: &domain.Group{PlatformGroupID: "grp-1", GroupCode: "7F3K2Q", IsActive: true},
		depositInfo: &app.DepositInfo{
			BankAccountInfo:  "First Bank 123-456-789",
			MinDepositTokens: 100,
			ExchangeRate:     "1 NT$ = 1 token",
		},
	}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/deposit"))
	for _, want := range []string{"First Bank 123-456-789", "100", "GROUP_7F3K2Q"} {
		if !strings.Contains(reply, want) {
			t.Errorf("deposit reply missing %q: %q", want, reply)
		}
	}
}

func TestDepositOnUnboundGroup(t *testing.T) {
	svc := &serviceStub{balanceErr: store.ErrGroupNotFound}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/deposit"))
	if !strings.Contains(reply, "/bind") {
		t.Errorf("expected not-bound reply mentioning /bind, got %q", reply)
	}
}

func TestRedeemQueuesRequest(t *testing.T) {
	red := &redeemerStub{record: &domain.RedemptionRecord{
		ID:            uuid.New(),
		TargetAccount: "player42",
		TokenCost:     500,
		Status:        domain.RedemptionStatusPending,
	}}
	h := NewHandler(&serviceStub{}, red, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/redeem 500 player42"))
	if red.gotCost != 500 || red.gotAccount != "player42" {
		t.Fatalf("request not forwarded, got cost=%d account=%q", red.gotCost, red.gotAccount)
	}
	if !strings.Contains(reply, "queued") || !strings.Contains(reply, "deducted only after") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestRedeemUsageAndBadAmount(t *testing.T) {
	h := NewHandler(&serviceStub{}, &redeemerStub{}, 0)

	if reply := h.HandleMessage(context.Background(), groupMsg("/redeem 500")); !strings.Contains(reply, "Usage") {
		t.Errorf("expected usage reply, got %q", reply)
	}
	if reply := h.HandleMessage(context.Background(), groupMsg("/redeem abc player42")); !strings.Contains(reply, "whole number") {
		t.Errorf("expected number format reply, got %q", reply)
	}
}

func TestRedeemInsufficientBalance(t *testing.T) {
	red := &redeemerStub{err: &store.InsufficientBalanceError{Balance: 120, Requested: 500}}
	h := NewHandler(&serviceStub{}, red, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/redeem 500 player42"))
	if !strings.Contains(reply, "Balance: 120") || !strings.Contains(reply, "Required: 500") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestRedeemRateLimited(t *testing.T) {
	red := &redeemerStub{err: &app.RateLimitedError{RetryAfterSeconds: 30}}
	h := NewHandler(&serviceStub{}, red, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/redeem 500 player42"))
	if !strings.Contains(reply, "30 seconds") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestAdjustRequiresAdmin(t *testing.T) {
	svc := &serviceStub{requireErr: app.ErrNotAdmin}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/adjust +100 promo credit"))
	if !strings.Contains(reply, "admin") {
		t.Errorf("unexpected reply: %q", reply)
	}
	if svc.adjustedAmount != 0 {
		t.Error("adjustment must not reach the service for non-admins")
	}
}

func TestAdjustForwardsSignedAmountAndReason(t *testing.T) {
	svc := &serviceStub{adjustEntry: &domain.LedgerEntry{Amount: -50, BalanceAfter: 950}}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/adjust -50 refund correction"))
	if svc.adjustedAmount != -50 {
		t.Errorf("expected amount -50, got %d", svc.adjustedAmount)
	}
	if svc.adjustedReason != "refund correction" {
		t.Errorf("expected joined reason, got %q", svc.adjustedReason)
	}
	if !strings.Contains(reply, "New balance: 950") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestPromoteAndDemote(t *testing.T) {
	svc := &serviceStub{}
	h := NewHandler(svc, &redeemerStub{}, 0)

	h.HandleMessage(context.Background(), groupMsg("/promote @bob"))
	if svc.setAdminTarget != "bob" || !svc.setAdminFlag {
		t.Errorf("promote not forwarded: target=%q admin=%v", svc.setAdminTarget, svc.setAdminFlag)
	}

	h.HandleMessage(context.Background(), groupMsg("/demote bob"))
	if svc.setAdminTarget != "bob" || svc.setAdminFlag {
		t.Errorf("demote not forwarded: target=%q admin=%v", svc.setAdminTarget, svc.setAdminFlag)
	}
}

func TestDemoteLastAdmin(t *testing.T) {
	svc := &serviceStub{setAdminErr: store.ErrLastAdmin}
	h := NewHandler(svc, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/demote bob"))
	if !strings.Contains(reply, "last remaining admin") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	h := NewHandler(&serviceStub{}, &redeemerStub{}, 0)

	reply := h.HandleMessage(context.Background(), groupMsg("/help"))
	for _, cmd := range []string{"/bind", "/unbind", "/balance", "/history", "/deposit", "/redeem", "/adjust", "/promote", "/demote"} {
		if !strings.Contains(reply, cmd) {
			t.Errorf("help missing %s: %q", cmd, reply)
		}
	}
}
