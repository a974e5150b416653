/**
 * @description
 * This file contains the HTTP handlers for the custody service's API
 * endpoints. Handlers are responsible for parsing incoming requests,
 * calling the appropriate methods on the application service, and writing
 * the HTTP response. Amounts arrive as decimal strings and are converted
 * to atomic units at this boundary; the service layer only ever sees
 * atomic int64 values.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - github.com/skip2/go-qrcode: PNG rendering for deposit addresses.
 * - internal/app, internal/money: Service logic and amount conversion.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/xmrtipbot/custody-service/internal/app"
	"github.com/xmrtipbot/custody-service/internal/money"
	"github.com/xmrtipbot/custody-service/pkg/walletrpc"
)

// CustodyHandlers holds the application service that handlers will use.
type CustodyHandlers struct {
	service *app.Service
}

// NewCustodyHandlers creates a new instance of CustodyHandlers.
func NewCustodyHandlers(service *app.Service) *CustodyHandlers {
	return &CustodyHandlers{service: service}
}

func (h *CustodyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *CustodyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service and wallet failure classes onto HTTP
// responses the bot frontend can relay directly.
func (h *CustodyHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotRegistered):
		h.writeError(w, http.StatusNotFound, "Identity has no account. Use the start command first.")
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Invalid amount.")
	case errors.Is(err, app.ErrInvalidRecipientCount):
		h.writeError(w, http.StatusBadRequest, "Invalid recipient count.")
	case errors.Is(err, app.ErrSelfTip):
		h.writeError(w, http.StatusBadRequest, "You cannot tip yourself.")
	case errors.Is(err, app.ErrGroupChatOnly):
		h.writeError(w, http.StatusBadRequest, "This command only works in group chats.")
	case errors.Is(err, app.ErrNoEligibleRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "Nobody in this chat is eligible right now.")
	case errors.Is(err, walletrpc.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "Insufficient unlocked balance.")
	case errors.Is(err, walletrpc.ErrInvalidDestination):
		h.writeError(w, http.StatusBadRequest, "Invalid destination address.")
	case errors.Is(err, app.ErrWithdrawalNotFound):
		h.writeError(w, http.StatusNotFound, "No pending withdrawal with that id.")
	case errors.Is(err, app.ErrWithdrawalExpired):
		h.writeError(w, http.StatusGone, "Pending withdrawal expired. Prepare a new one.")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Rate limited. Slow down.")
	default:
		log.Printf("level=error component=api msg=\"request failed\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal error.")
	}
}

func (h *CustodyHandlers) identityParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "identity")
	identity, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || identity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid identity.")
		return 0, false
	}
	return identity, true
}

// parseAmount converts a user-typed decimal amount into atomic units.
func (h *CustodyHandlers) parseAmount(w http.ResponseWriter, raw string) (int64, bool) {
	atomic, err := money.ParseAmount(raw)
	if err != nil || atomic <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid amount.")
		return 0, false
	}
	return atomic, true
}

// GetOrCreateAccountHandler provisions the identity's account on first
// contact and returns the existing one afterwards.
func (h *CustodyHandlers) GetOrCreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetOrCreateAccount(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// BalanceHandler returns the live wallet balance for an identity.
func (h *CustodyHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		*app.AccountBalance
		TotalDisplay    string `json:"total_display"`
		UnlockedDisplay string `json:"unlocked_display"`
	}{
		AccountBalance:  balance,
		TotalDisplay:    money.FormatAmount(balance.TotalAtomic),
		UnlockedDisplay: money.FormatAmount(balance.UnlockedAtomic),
	})
}

// DepositAddressHandler returns the identity's current receiving address.
func (h *CustodyHandlers) DepositAddressHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	address, err := h.service.DepositAddress(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

// NewDepositAddressHandler rotates the identity's receiving address.
func (h *CustodyHandlers) NewDepositAddressHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	address, err := h.service.NewDepositAddress(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"address": address})
}

// DepositQRHandler renders the current receiving address as a QR PNG.
func (h *CustodyHandlers) DepositQRHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	address, err := h.service.DepositAddress(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	png, err := qrcode.Encode(address, qrcode.Medium, 256)
	if err != nil {
		log.Printf("level=error component=api msg=\"qr encode failed\" identity=%d err=%v", identity, err)
		h.writeError(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		return 0
	}
	return page
}

// TransferHistoryHandler returns one page of the identity's transfer
// history. Omitting page continues from the stored cursor.
func (h *CustodyHandlers) TransferHistoryHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	history, err := h.service.TransferHistory(r.Context(), identity, pageParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// AddressesHandler returns one page of the identity's receiving addresses.
func (h *CustodyHandlers) AddressesHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	addresses, err := h.service.Addresses(r.Context(), identity, pageParam(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, addresses)
}

// GetTipAddressHandler returns the identity's tip-address override, empty
// when unset.
func (h *CustodyHandlers) GetTipAddressHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	address, err := h.service.TipAddress(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

// SetTipAddressHandler sets the override destination for incoming tips.
func (h *CustodyHandlers) SetTipAddressHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if err := h.service.SetTipAddress(r.Context(), identity, req.Address); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

// ClearTipAddressHandler removes the tip-address override.
func (h *CustodyHandlers) ClearTipAddressHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identityParam(w, r)
	if !ok {
		return
	}
	if err := h.service.ClearTipAddress(r.Context(), identity); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PrepareWithdrawalHandler constructs a withdrawal quote for confirmation.
func (h *CustodyHandlers) PrepareWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity int64  `json:"identity"`
		Address  string `json:"address"`
		Amount   string `json:"amount"`
		Sweep    bool   `json:"sweep"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	var amountAtomic int64
	if !req.Sweep {
		var ok bool
		if amountAtomic, ok = h.parseAmount(w, req.Amount); !ok {
			return
		}
	}
	quote, err := h.service.PrepareWithdrawal(r.Context(), req.Identity, req.Address, amountAtomic, req.Sweep)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, struct {
		*app.WithdrawalQuote
		AmountDisplay string `json:"amount_display"`
		FeeDisplay    string `json:"fee_display"`
	}{
		WithdrawalQuote: quote,
		AmountDisplay:   money.FormatAmount(quote.AmountAtomic),
		FeeDisplay:      money.FormatAmount(quote.FeeAtomic),
	})
}

func (h *CustodyHandlers) withdrawalParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, int64, bool) {
	quoteID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid withdrawal id.")
		return uuid.Nil, 0, false
	}
	var req struct {
		Identity int64 `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return uuid.Nil, 0, false
	}
	return quoteID, req.Identity, true
}

// ConfirmWithdrawalHandler relays a prepared withdrawal.
func (h *CustodyHandlers) ConfirmWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	quoteID, identity, ok := h.withdrawalParams(w, r)
	if !ok {
		return
	}
	receipt, err := h.service.ConfirmWithdrawal(r.Context(), identity, quoteID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

// CancelWithdrawalHandler discards a prepared withdrawal.
func (h *CustodyHandlers) CancelWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	quoteID, identity, ok := h.withdrawalParams(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelWithdrawal(r.Context(), identity, quoteID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TipHandler executes a single-recipient tip.
func (h *CustodyHandlers) TipHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chat              app.ChatContext `json:"chat"`
		SenderIdentity    int64           `json:"sender_identity"`
		RecipientIdentity int64           `json:"recipient_identity"`
		Amount            string          `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderIdentity == 0 || req.RecipientIdentity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	amountAtomic, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	receipt, err := h.service.Tip(r.Context(), app.TipRequest{
		Chat:              req.Chat,
		SenderIdentity:    req.SenderIdentity,
		RecipientIdentity: req.RecipientIdentity,
		AmountAtomic:      amountAtomic,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, receipt)
}

// RainHandler splits an amount across recently active chat members.
func (h *CustodyHandlers) RainHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chat           app.ChatContext `json:"chat"`
		SenderIdentity int64           `json:"sender_identity"`
		Amount         string          `json:"amount"`
		RecipientCount int             `json:"recipient_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderIdentity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	amountAtomic, ok := h.parseAmount(w, req.Amount)
	if !ok {
		return
	}
	receipt, err := h.service.Rain(r.Context(), app.RainRequest{
		Chat:           req.Chat,
		SenderIdentity: req.SenderIdentity,
		AmountAtomic:   amountAtomic,
		RecipientCount: req.RecipientCount,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, receipt)
}

// RecordActivityHandler notes chat activity for rain eligibility.
func (h *CustodyHandlers) RecordActivityHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chat        app.ChatContext `json:"chat"`
		Identity    int64           `json:"identity"`
		MessageID   int64           `json:"message_id"`
		DisplayName string          `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if err := h.service.RecordActivity(r.Context(), req.Chat, req.Identity, req.MessageID, req.DisplayName); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// LookupTransactionHandler returns the wallet engine's view of a
// transaction by id.
func (h *CustodyHandlers) LookupTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txid")
	if txID == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id.")
		return
	}
	detail, err := h.service.LookupTransaction(r.Context(), txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}
