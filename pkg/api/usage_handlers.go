package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/creditd/pkg/httputil"
	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/usage"
)

// ReservationResponse is returned by a successful admission. The caller runs
// the metered action and settles the reservation before ExpiresAt, after
// which the sweeper refunds it.
type ReservationResponse struct {
	ReservationID string    `json:"reservation_id"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// SettleRequest reports how the metered action ended
type SettleRequest struct {
	// Outcome is "success" or "failure"
	Outcome string `json:"outcome"`
}

// SettleResponse reports whether this call settled the reservation. false
// means it had already been settled or swept.
type SettleResponse struct {
	ReservationID string `json:"reservation_id"`
	Outcome       string `json:"outcome"`
	Settled       bool   `json:"settled"`
}

// admit reserves one credit for the caller
func (s *Server) admit(w http.ResponseWriter, r *http.Request) {
	res, err := s.usage.Admit(r.Context(), middleware.AccountID(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}

	httputil.WriteCreated(w, ReservationResponse{
		ReservationID: res.ID,
		AccountID:     res.AccountID,
		Amount:        res.Amount,
		ExpiresAt:     res.ExpiresAt,
	})
}

// settle commits or refunds one of the caller's reservations
func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	reservationID, ok := httputil.PathParam(w, r, "id")
	if !ok {
		return
	}

	var req SettleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Outcome, "outcome") {
		return
	}
	outcome, err := usage.ParseOutcome(req.Outcome)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	settled, err := s.usage.SettleByID(r.Context(), middleware.AccountID(r), reservationID, outcome)
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	if !settled {
		observability.FromContext(r.Context()).WithField(observability.FieldReservationID, reservationID).Debug("reservation already settled")
	}

	httputil.WriteSuccess(w, SettleResponse{
		ReservationID: reservationID,
		Outcome:       outcome.String(),
		Settled:       settled,
	})
}
