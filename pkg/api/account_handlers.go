package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
)

// selfAlias addresses the calling account in account paths
const selfAlias = "me"

// BalanceResponse is the balance query result
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// accountFromPath resolves the {id} path variable against the caller. An
// account may only address itself.
func accountFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := httputil.PathParam(w, r, "id")
	if !ok {
		return "", false
	}
	caller := middleware.AccountID(r)
	if id == selfAlias {
		return caller, true
	}
	if id != caller {
		httputil.WriteErrorCode(w, http.StatusForbidden, CodeForbidden, "cannot access another account")
		return "", false
	}
	return id, true
}

// openAccount creates the caller's account with the signup grant
func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.service.OpenAccount(r.Context(), middleware.AccountID(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).WithField("credits", acct.CreditBalance).Info("account opened")
	httputil.WriteCreated(w, acct)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountFromPath(w, r)
	if !ok {
		return
	}

	balance, err := s.service.Balance(r.Context(), accountID)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, BalanceResponse{AccountID: accountID, Balance: balance})
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountFromPath(w, r)
	if !ok {
		return
	}

	view, err := s.service.Credits(r.Context(), accountID)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountFromPath(w, r)
	if !ok {
		return
	}

	status, err := s.service.SubscriptionStatus(r.Context(), accountID)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// EventsResponse is the billing history query result
type EventsResponse struct {
	AccountID string                    `json:"account_id"`
	Events    []accounts.ProcessedEvent `json:"events"`
}

// getEvents lists the billing events applied to the account, newest first.
// ?limit= bounds the page.
func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountFromPath(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httputil.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.service.History(r.Context(), accountID, limit)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EventsResponse{AccountID: accountID, Events: events})
}

// deactivateAccount disables the account; records are kept
func (s *Server) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountFromPath(w, r)
	if !ok {
		return
	}

	if err := s.service.DeactivateAccount(r.Context(), accountID); err != nil {
		writeAccountError(w, r, err)
		return
	}

	observability.FromContext(r.Context()).Info("account deactivated")
	httputil.WriteNoContent(w)
}
