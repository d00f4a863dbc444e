package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/creditd/pkg/contextkeys"
	"github.com/platinummonkey/creditd/pkg/httputil"
)

// AccountHeader carries the authenticated account id, set by the gateway
// in front of the service after it has verified the caller's token
const AccountHeader = "X-Account-ID"

// AccountIdentity copies the gateway-asserted account id into the request
// context. Requests without one are rejected with 401.
type AccountIdentity struct {
	header string
}

// NewAccountIdentity creates the identity middleware. An empty header means
// AccountHeader.
func NewAccountIdentity(header string) *AccountIdentity {
	if header == "" {
		header = AccountHeader
	}
	return &AccountIdentity{header: header}
}

// Handler wraps an HTTP handler with account identity extraction
func (m *AccountIdentity) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := strings.TrimSpace(r.Header.Get(m.header))
		if accountID == "" {
			httputil.WriteUnauthorized(w, "missing account identity")
			return
		}

		ctx := contextkeys.WithAccountID(r.Context(), accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountID returns the calling account id, or "" when none was asserted
func AccountID(r *http.Request) string {
	return contextkeys.GetAccountID(r.Context())
}
