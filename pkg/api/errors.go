package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
	"github.com/platinummonkey/creditd/pkg/usage"
)

// Error codes carried in the error envelope
const (
	CodeInvalidSignature    = "invalid_signature"
	CodeMalformed           = "malformed_payload"
	CodeUnresolvedAccount   = "unresolved_account"
	CodePreconditionFailed  = "precondition_failed"
	CodeInsufficientCredit  = "insufficient_credit"
	CodeDailyLimitExceeded  = "daily_limit_exceeded"
	CodeAccountDisabled     = "account_disabled"
	CodeAccountNotFound     = "account_not_found"
	CodeAccountExists       = "account_exists"
	CodeReservationNotFound = "reservation_not_found"
	CodeForbidden           = "forbidden"
)

// writeWebhookError answers a failed webhook delivery. Status codes decide
// whether the provider redelivers: 4xx stops retries, 409 and 5xx trigger them.
func writeWebhookError(w http.ResponseWriter, err error) {
	var werr *billing.WebhookError
	if !errors.As(err, &werr) {
		httputil.WriteServiceUnavailable(w, "webhook could not be processed")
		return
	}

	switch werr.Kind {
	case billing.KindInvalidSignature:
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeInvalidSignature, "invalid signature")
	case billing.KindMalformed:
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeMalformed, werr.Err.Error())
	case billing.KindUnresolvedAccount:
		httputil.WriteErrorCode(w, http.StatusUnprocessableEntity, CodeUnresolvedAccount, "account could not be resolved")
	case billing.KindPreconditionFailed:
		httputil.WriteErrorCode(w, http.StatusConflict, CodePreconditionFailed, werr.Err.Error())
	default:
		httputil.WriteServiceUnavailable(w, "webhook could not be processed")
	}
}

// writeAccountError maps ledger, admission and store outcomes for the
// account-facing endpoints
func writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *usage.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		httputil.WriteTooManyRequests(w, rateErr.RetryAfter, CodeDailyLimitExceeded, "daily usage limit reached")
	case ledger.IsInsufficientCredit(err):
		httputil.WriteErrorCode(w, http.StatusPaymentRequired, CodeInsufficientCredit, "not enough credits, purchase more to continue")
	case errors.Is(err, usage.ErrAccountDisabled):
		httputil.WriteErrorCode(w, http.StatusForbidden, CodeAccountDisabled, "account is disabled")
	case errors.Is(err, storage.ErrAccountNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, CodeAccountNotFound, "account not found")
	case errors.Is(err, storage.ErrAccountExists):
		httputil.WriteErrorCode(w, http.StatusConflict, CodeAccountExists, "account already exists")
	case errors.Is(err, usage.ErrReservationNotFound):
		httputil.WriteErrorCode(w, http.StatusNotFound, CodeReservationNotFound, "reservation not found")
	case errors.Is(err, ledger.ErrInvalidAmount):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable, retry later")
	}
}
