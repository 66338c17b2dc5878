/**
 * @description
 * This file implements the chat command surface for the ledger-service. The
 * messaging gateway forwards group messages to the webhook endpoint; this
 * package parses the leading slash command and dispatches it to the
 * application service or the redemption orchestrator, returning a plain-text
 * reply for the gateway to deliver.
 *
 * Key features:
 * - Exact-prefix command parsing over a fixed registry (no NLU).
 * - Non-command group messages produce no reply at all.
 * - Messages outside a group context get a usage hint.
 * - Service errors are mapped to short operator-friendly replies; unexpected
 *   errors are logged and surfaced as a generic failure message.
 *
 * @dependencies
 * - context, errors, fmt, log, strconv, strings: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: Business logic, models, errors.
 */

package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/grouptoken/ledger-service/internal/app"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
)

const defaultHistoryLimit = 10

// LedgerService is the subset of the application service the command
// dispatcher needs.
type LedgerService interface {
	BindGroup(ctx context.Context, platformGroupID, title, platformUserID, displayName string) (*domain.Group, error)
	UnbindGroup(ctx context.Context, platformGroupID, platformUserID string) error
	JoinGroup(ctx context.Context, platformGroupID, platformUserID, displayName string) (*domain.Membership, error)
	SetAdmin(ctx context.Context, platformGroupID, actorPlatformUserID, targetPlatformUserID string, isAdmin bool) error
	GroupBalance(ctx context.Context, platformGroupID string) (*domain.Group, error)
	LedgerHistory(ctx context.Context, platformGroupID string, limit, offset int) ([]domain.LedgerEntry, error)
	ManualAdjust(ctx context.Context, platformGroupID, actorRef string, amount int64, reason string) (*domain.LedgerEntry, error)
	RequireAdmin(ctx context.Context, platformGroupID, platformUserID string) error
	GetDepositInfo(ctx context.Context) (*app.DepositInfo, error)
}

// RedemptionRequester accepts redemption requests for asynchronous execution.
type RedemptionRequester interface {
	RequestRedemption(ctx context.Context, platformGroupID, platformUserID, targetAccount string, tokenCost int64, params map[string]string) (*domain.RedemptionRecord, error)
}

// IncomingMessage is a gateway message normalized by the webhook handler.
type IncomingMessage struct {
	PlatformGroupID string // empty for direct messages
	PlatformUserID  string
	DisplayName     string
	Text            string
}

type commandFunc func(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string

type command struct {
	name    string
	usage   string
	summary string
	run     commandFunc
}

// Handler parses incoming gateway messages and dispatches slash commands.
type Handler struct {
	service   LedgerService
	redeemer  RedemptionRequester
	registry  []command
	byName    map[string]*command
	histLimit int
}

// NewHandler builds the command registry. historyLimit bounds /history output;
// zero selects the default.
func NewHandler(service LedgerService, redeemer RedemptionRequester, historyLimit int) *Handler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	h := &Handler{service: service, redeemer: redeemer, histLimit: historyLimit}
	h.registry = []command{
		{"/bind", "/bind", "bind this group to a shared token account", cmdBind},
		{"/unbind", "/unbind", "deactivate this group's account (admin)", cmdUnbind},
		{"/join", "/join", "register yourself as a group member", cmdJoin},
		{"/balance", "/balance", "show the group token balance", cmdBalance},
		{"/history", "/history [n]", "show the latest ledger entries", cmdHistory},
		{"/deposit", "/deposit", "show how to top up tokens", cmdDeposit},
		{"/redeem", "/redeem <cost> <account>", "run an automated redemption", cmdRedeem},
		{"/adjust", "/adjust <±amount> <reason>", "manually adjust the balance (admin)", cmdAdjust},
		{"/promote", "/promote <user>", "grant admin rights (admin)", cmdPromote},
		{"/demote", "/demote <user>", "revoke admin rights (admin)", cmdDemote},
		{"/help", "/help", "show this help", cmdHelp},
	}
	h.byName = make(map[string]*command, len(h.registry))
	for i := range h.registry {
		h.byName[h.registry[i].name] = &h.registry[i]
	}
	return h
}

// HandleMessage returns the reply text for a gateway message. An empty string
// means no reply should be sent.
func (h *Handler) HandleMessage(ctx context.Context, msg IncomingMessage) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return ""
	}

	if msg.PlatformGroupID == "" {
		return "Add me to a group to manage a shared token balance. Inside the group, send /bind to get started and /help to list commands."
	}

	fields := strings.Fields(text)
	cmd, ok := h.byName[fields[0]]
	if !ok {
		// Unknown slash commands are ignored so other bots can share the chat.
		return ""
	}
	return cmd.run(ctx, h, msg, fields[1:])
}

func cmdBind(ctx context.Context, h *Handler, msg IncomingMessage, _ []string) string {
	group, err := h.service.BindGroup(ctx, msg.PlatformGroupID, msg.DisplayName+"'s group", msg.PlatformUserID, msg.DisplayName)
	if err != nil {
		if errors.Is(err, store.ErrGroupAlreadyBound) {
			return "This group already has a token account."
		}
		return replyError("bind", msg, err)
	}
	return fmt.Sprintf("Token account created. You are the group admin.\nBalance: %d tokens\nDeposit code: GROUP_%s\nSend /deposit for top-up instructions and /help for all commands.", group.Balance, group.GroupCode)
}

func cmdUnbind(ctx context.Context, h *Handler, msg IncomingMessage, _ []string) string {
	if err := h.service.UnbindGroup(ctx, msg.PlatformGroupID, msg.PlatformUserID); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			return replyNotBound()
		case errors.Is(err, app.ErrNotAdmin):
			return "Only a group admin can unbind the account."
		}
		return replyError("unbind", msg, err)
	}
	return "Token account deactivated. The ledger is retained; contact the operator to reactivate."
}

func cmdJoin(ctx context.Context, h *Handler, msg IncomingMessage, _ []string) string {
	if _, err := h.service.JoinGroup(ctx, msg.PlatformGroupID, msg.PlatformUserID, msg.DisplayName); err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return replyNotBound()
		}
		return replyError("join", msg, err)
	}
	return "You are registered as a member of this group."
}

func cmdBalance(ctx context.Context, h *Handler, msg IncomingMessage, _ []string) string {
	group, err := h.service.GroupBalance(ctx, msg.PlatformGroupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return replyNotBound()
		}
		return replyError("balance", msg, err)
	}
	return fmt.Sprintf("Group balance: %d tokens", group.Balance)
}

func cmdHistory(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string {
	limit := h.histLimit
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n < 100 {
			limit = n
		}
	}
	entries, err := h.service.LedgerHistory(ctx, msg.PlatformGroupID, limit, 0)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return replyNotBound()
		}
		return replyError("history", msg, err)
	}
	if len(entries) == 0 {
		return "No ledger entries yet."
	}
	var b strings.Builder
	b.WriteString("Latest ledger entries:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %+d -> %d\n", e.CreatedAt.Format("01/02 15:04"), e.Kind, e.Amount, e.BalanceAfter)
	}
	return strings.TrimRight(b.String(), "\n")
}

func cmdDeposit(ctx context.Context, h *Handler, msg IncomingMessage, _ []string) string {
	group, err := h.service.GroupBalance(ctx, msg.PlatformGroupID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return replyNotBound()
		}
		return replyError("deposit", msg, err)
	}
	info, err := h.service.GetDepositInfo(ctx)
	if err != nil {
		return replyError("deposit", msg, err)
	}
	var b strings.Builder
	b.WriteString("Token top-up\n")
	fmt.Fprintf(&b, "Rate: %s\n", info.ExchangeRate)
	fmt.Fprintf(&b, "Minimum deposit: %d tokens\n", info.MinDepositTokens)
	fmt.Fprintf(&b, "Transfer details:\n%s\n\n", info.BankAccountInfo)
	b.WriteString("Transfers are matched automatically from bank notification emails. ")
	fmt.Fprintf(&b, "Write GROUP_%s in the transfer memo so the deposit lands in this group.", group.GroupCode)
	return b.String()
}

func cmdRedeem(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string {
	if len(args) != 2 {
		return "Usage: /redeem <cost> <account>"
	}
	cost, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "The cost must be a whole number of tokens."
	}

	record, err := h.redeemer.RequestRedemption(ctx, msg.PlatformGroupID, msg.PlatformUserID, args[1], cost, nil)
	if err != nil {
		var insufficient *store.InsufficientBalanceError
		var rateLimited *app.RateLimitedError
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			return replyNotBound()
		case errors.Is(err, store.ErrGroupInactive):
			return "This group's token account is deactivated."
		case errors.Is(err, app.ErrInvalidTokenCost):
			return "The cost must be a positive number of tokens."
		case errors.Is(err, app.ErrNotGroupMember):
			return "You are not registered in this group yet. Send /join first."
		case errors.As(err, &insufficient):
			return fmt.Sprintf("Not enough tokens.\nBalance: %d\nRequired: %d\nSend /deposit for top-up instructions.", insufficient.Balance, insufficient.Requested)
		case errors.As(err, &rateLimited):
			return fmt.Sprintf("Too many redemption requests. Try again in %d seconds.", rateLimited.RetryAfterSeconds)
		case errors.Is(err, app.ErrRedemptionQueueFull):
			return "The redemption queue is full right now. Please try again shortly."
		}
		return replyError("redeem", msg, err)
	}
	return fmt.Sprintf("Redemption %s queued.\nAccount: %s\nCost: %d tokens\nTokens are deducted only after the redemption completes; you will get a result notification.", record.ID, record.TargetAccount, record.TokenCost)
}

func cmdAdjust(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string {
	if len(args) < 2 {
		return "Usage: /adjust <±amount> <reason>"
	}
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "The amount must be a whole number, e.g. /adjust +100 promo credit"
	}

	if err := h.service.RequireAdmin(ctx, msg.PlatformGroupID, msg.PlatformUserID); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			return replyNotBound()
		case errors.Is(err, app.ErrNotAdmin), errors.Is(err, store.ErrMembershipNotFound), errors.Is(err, store.ErrMemberNotFound):
			return "Only a group admin can adjust the balance."
		}
		return replyError("adjust", msg, err)
	}

	reason := strings.Join(args[1:], " ")
	entry, err := h.service.ManualAdjust(ctx, msg.PlatformGroupID, msg.PlatformUserID, amount, reason)
	if err != nil {
		var insufficient *store.InsufficientBalanceError
		switch {
		case errors.Is(err, app.ErrZeroAdjustment):
			return "The adjustment amount must be non-zero."
		case errors.As(err, &insufficient):
			return fmt.Sprintf("Cannot debit below zero.\nBalance: %d\nRequested: %d", insufficient.Balance, insufficient.Requested)
		}
		return replyError("adjust", msg, err)
	}
	return fmt.Sprintf("Balance adjusted by %+d (%s).\nNew balance: %d tokens", entry.Amount, reason, entry.BalanceAfter)
}

func cmdPromote(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string {
	return setAdmin(ctx, h, msg, args, true)
}

func cmdDemote(ctx context.Context, h *Handler, msg IncomingMessage, args []string) string {
	return setAdmin(ctx, h, msg, args, false)
}

func setAdmin(ctx context.Context, h *Handler, msg IncomingMessage, args []string, isAdmin bool) string {
	verb := "promote"
	if !isAdmin {
		verb = "demote"
	}
	if len(args) != 1 {
		return fmt.Sprintf("Usage: /%s <user>", verb)
	}
	target := strings.TrimPrefix(args[0], "@")

	if err := h.service.SetAdmin(ctx, msg.PlatformGroupID, msg.PlatformUserID, target, isAdmin); err != nil {
		switch {
		case errors.Is(err, store.ErrGroupNotFound):
			return replyNotBound()
		case errors.Is(err, app.ErrNotAdmin):
			return fmt.Sprintf("Only a group admin can %s members.", verb)
		case errors.Is(err, store.ErrMemberNotFound), errors.Is(err, store.ErrMembershipNotFound):
			return "That user is not a registered member of this group."
		case errors.Is(err, store.ErrLastAdmin):
			return "Cannot demote the last remaining admin."
		}
		return replyError(verb, msg, err)
	}
	if isAdmin {
		return fmt.Sprintf("%s is now a group admin.", target)
	}
	return fmt.Sprintf("%s is no longer a group admin.", target)
}

func cmdHelp(_ context.Context, h *Handler, _ IncomingMessage, _ []string) string {
	var b strings.Builder
	b.WriteString("Group token ledger commands:\n")
	for _, c := range h.registry {
		fmt.Fprintf(&b, "%s - %s\n", c.usage, c.summary)
	}
	b.WriteString("\nDeposits are matched automatically from bank emails; redemption results arrive as separate notifications.")
	return b.String()
}

func replyNotBound() string {
	return "This group has no token account yet. Send /bind to create one."
}

func replyError(cmd string, msg IncomingMessage, err error) string {
	log.Printf("level=error component=bot msg=\"command failed\" command=%s group=%s user=%s err=%v", cmd, msg.PlatformGroupID, msg.PlatformUserID, err)
	return "Something went wrong, please try again later."
}
