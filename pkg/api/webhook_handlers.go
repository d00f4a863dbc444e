package api

import (
	"net/http"

	"github.com/platinummonkey/creditd/pkg/billing"
	"github.com/platinummonkey/creditd/pkg/httputil"
)

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Received bool `json:"received"`
	*billing.Ack
}

// handleWebhook verifies and applies a billing-provider notification.
// Duplicates are acknowledged with 200 so the provider stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := httputil.ReadBody(w, r, s.maxWebhook)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, CodeMalformed, err.Error())
		return
	}

	ack, err := s.processor.Handle(r.Context(), payload, r.Header.Get(billing.SignatureHeader))
	if err != nil && !billing.IsDuplicate(err) {
		writeWebhookError(w, err)
		return
	}

	httputil.WriteSuccess(w, WebhookResponse{Received: true, Ack: ack})
}

// PlansResponse lists the purchasable plans
type PlansResponse struct {
	Plans []billing.Plan `json:"plans"`
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, PlansResponse{Plans: s.catalog.Plans()})
}
