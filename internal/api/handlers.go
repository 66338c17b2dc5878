/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service or the bot dispatcher, and writing the HTTP
 * response. They act as the bridge between the web layer and the business logic
 * layer.
 *
 * The surface has two halves:
 * - the gateway webhook, which forwards chat messages and relays the bot reply;
 * - the ops endpoints, used by internal tooling to inspect unmatched deposits,
 *   stuck redemptions and ledgers, and to apply manual corrections.
 *
 * @dependencies
 * - context, encoding/json, errors, log, net/http, strconv, time: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/google/uuid: Record ID parsing.
 * - internal/app, internal/bot, internal/domain, internal/store: Service logic, models, errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/grouptoken/ledger-service/internal/app"
	"github.com/grouptoken/ledger-service/internal/bot"
	"github.com/grouptoken/ledger-service/internal/domain"
	"github.com/grouptoken/ledger-service/internal/store"
)

// OpsService is the slice of the application service the ops endpoints need.
type OpsService interface {
	ListUnmatchedDeposits(ctx context.Context, limit int) ([]domain.EmailReconciliationRecord, error)
	AssignUnmatchedDeposit(ctx context.Context, recordID uuid.UUID, platformGroupID string) (*domain.LedgerEntry, error)
	ListStuckRedemptions(ctx context.Context, staleAfter time.Duration) ([]domain.RedemptionRecord, error)
	ManualAdjust(ctx context.Context, platformGroupID, actorRef string, amount int64, reason string) (*domain.LedgerEntry, error)
	LedgerHistory(ctx context.Context, platformGroupID string, limit, offset int) ([]domain.LedgerEntry, error)
}

// MessageDispatcher turns a normalized gateway message into a reply string.
type MessageDispatcher interface {
	HandleMessage(ctx context.Context, msg bot.IncomingMessage) string
}

// Handlers holds the collaborators the HTTP handlers use.
type Handlers struct {
	service    OpsService
	dispatcher MessageDispatcher
	staleAfter time.Duration
}

// NewHandlers creates a new instance of Handlers. staleAfter is the default
// age threshold for the stuck-redemptions report.
func NewHandlers(service OpsService, dispatcher MessageDispatcher, staleAfter time.Duration) *Handlers {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Handlers{service: service, dispatcher: dispatcher, staleAfter: staleAfter}
}

// webhookMessageRequest is the gateway's normalized chat message.
type webhookMessageRequest struct {
	PlatformGroupID string `json:"platform_group_id"`
	PlatformUserID  string `json:"platform_user_id"`
	DisplayName     string `json:"display_name"`
	Text            string `json:"text"`
}

type webhookMessageResponse struct {
	Reply string `json:"reply,omitempty"`
}

// WebhookMessageHandler receives a chat message from the messaging gateway,
// dispatches it through the bot command registry, and returns the reply the
// gateway should post back into the chat. An empty reply means stay silent.
func (h *Handlers) WebhookMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req webhookMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlatformUserID == "" {
		h.writeError(w, http.StatusBadRequest, "platform_user_id is required")
		return
	}

	reply := h.dispatcher.HandleMessage(r.Context(), bot.IncomingMessage{
		PlatformGroupID: req.PlatformGroupID,
		PlatformUserID:  req.PlatformUserID,
		DisplayName:     req.DisplayName,
		Text:            req.Text,
	})
	h.writeJSON(w, http.StatusOK, webhookMessageResponse{Reply: reply})
}

// ListUnmatchedEmailsHandler returns deposit emails awaiting manual assignment.
func (h *Handlers) ListUnmatchedEmailsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	records, err := h.service.ListUnmatchedDeposits(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list unmatched emails\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type assignEmailRequest struct {
	PlatformGroupID string `json:"platform_group_id"`
}

// AssignEmailHandler attaches an unmatched deposit email to a group and
// credits it through the same ledger mutation as the automatic pipeline.
func (h *Handlers) AssignEmailHandler(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid email record ID")
		return
	}

	var req assignEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlatformGroupID == "" {
		h.writeError(w, http.StatusBadRequest, "platform_group_id is required")
		return
	}

	entry, err := h.service.AssignUnmatchedDeposit(r.Context(), recordID, req.PlatformGroupID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEmailRecordNotFound):
			h.writeError(w, http.StatusNotFound, "Email record not found")
		case errors.Is(err, app.ErrEmailNotAssignable):
			h.writeError(w, http.StatusConflict, "Email record is not awaiting assignment")
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		case errors.Is(err, store.ErrGroupInactive):
			h.writeError(w, http.StatusConflict, "Group is deactivated")
		default:
			log.Printf("level=error component=api msg=\"failed to assign unmatched email\" record_id=%s err=%v", recordID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	// A nil entry means the transfer had already been credited; the record is
	// now marked duplicate and the balance is untouched.
	if entry == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "credited", "ledger_entry": entry})
}

// ListStuckRedemptionsHandler reports in_progress redemptions older than the
// staleness threshold.
func (h *Handlers) ListStuckRedemptionsHandler(w http.ResponseWriter, r *http.Request) {
	staleAfter := h.staleAfter
	if mins := queryInt(r, "older_than_minutes", 0); mins > 0 {
		staleAfter = time.Duration(mins) * time.Minute
	}

	records, err := h.service.ListStuckRedemptions(r.Context(), staleAfter)
	if err != nil {
		log.Printf("level=error component=api msg=\"failed to list stuck redemptions\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

type manualAdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ManualAdjustHandler applies a signed manual correction to a group balance.
func (h *Handlers) ManualAdjustHandler(w http.ResponseWriter, r *http.Request) {
	platformGroupID := chi.URLParam(r, "ref")

	var req manualAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entry, err := h.service.ManualAdjust(r.Context(), platformGroupID, req.Actor, req.Amount, req.Reason)
	if err != nil {
		var insufficient *store.InsufficientBalanceError
		switch {
		case errors.Is(err, app.ErrZeroAdjustment):
			h.writeError(w, http.StatusBadRequest, "Adjustment amount must be non-zero")
		case errors.Is(err, store.ErrGroupNotFound):
			h.writeError(w, http.StatusNotFound, "Group not found")
		case errors.Is(err, store.ErrGroupInactive):
			h.writeError(w, http.StatusConflict, "Group is deactivated")
		case errors.As(err, &insufficient):
			h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":     "Insufficient balance",
				"balance":   insufficient.Balance,
				"requested": insufficient.Requested,
			})
		default:
			log.Printf("level=error component=api msg=\"manual adjustment failed\" group=%s err=%v", platformGroupID, err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// LedgerHistoryHandler returns a page of a group's ledger, newest first.
func (h *Handlers) LedgerHistoryHandler(w http.ResponseWriter, r *http.Request) {
	platformGroupID := chi.URLParam(r, "ref")
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	entries, err := h.service.LedgerHistory(r.Context(), platformGroupID, limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			h.writeError(w, http.StatusNotFound, "Group not found")
			return
		}
		log.Printf("level=error component=api msg=\"failed to load ledger history\" group=%s err=%v", platformGroupID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
