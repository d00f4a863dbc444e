package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Provider event types handled by the processor
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

// Invoice billing reasons
const (
	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionCycle  = "subscription_cycle"
)

// ErrMalformedEvent is returned for payloads that cannot be decoded into an event
var ErrMalformedEvent = errors.New("malformed billing event")

// Event is one decoded billing-provider event. The concrete type selects the
// state transition: *CheckoutCompleted, *OneTimeCreditsPurchased,
// *InvoicePaymentSucceeded, *SubscriptionCancelled or *UnknownEvent.
type Event interface {
	Meta() *EventMeta
}

// EventMeta is carried by every event variant
type EventMeta struct {
	ID       string
	Type     string
	Created  time.Time
	Customer string
	Metadata Metadata
}

// Meta returns the common event fields
func (m *EventMeta) Meta() *EventMeta { return m }

// AccountHints returns candidate account ids named by the event, most
// specific first
func (m *EventMeta) AccountHints() []string {
	return compact(m.Metadata["accountId"], m.Metadata["userId"])
}

// CheckoutCompleted is a completed subscription checkout
type CheckoutCompleted struct {
	EventMeta
	SessionID         string
	ClientReferenceID string
	PlanID            string
	AmountPaid        int64
	// Credits overrides the plan's credit grant when positive
	Credits int64
}

// AccountHints includes the checkout's client reference
func (e *CheckoutCompleted) AccountHints() []string {
	return compact(append(e.EventMeta.AccountHints(), e.ClientReferenceID)...)
}

// OneTimeCreditsPurchased is a completed checkout that bought a fixed number
// of credits without a plan
type OneTimeCreditsPurchased struct {
	EventMeta
	SessionID         string
	ClientReferenceID string
	Amount            int64
	AmountPaid        int64
}

// AccountHints includes the checkout's client reference
func (e *OneTimeCreditsPurchased) AccountHints() []string {
	return compact(append(e.EventMeta.AccountHints(), e.ClientReferenceID)...)
}

// InvoicePaymentSucceeded is a paid subscription invoice
type InvoicePaymentSucceeded struct {
	EventMeta
	InvoiceID      string
	SubscriptionID string
	PlanID         string
	BillingReason  string
	AmountPaid     int64
}

// Renewal reports whether the invoice pays for a period after the first one
func (e *InvoicePaymentSucceeded) Renewal() bool {
	return e.BillingReason != BillingReasonSubscriptionCreate
}

// SubscriptionCancelled is a deleted subscription
type SubscriptionCancelled struct {
	EventMeta
	SubscriptionID string
}

// UnknownEvent is any event type the processor does not act on
type UnknownEvent struct {
	EventMeta
}

// Metadata is the provider's string map. Numbers and booleans in the payload
// are kept in their JSON text form.
type Metadata map[string]string

// UnmarshalJSON accepts any scalar values
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Metadata, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = strings.TrimSpace(string(v))
	}
	*m = out
	return nil
}

// Int returns the metadata value as a whole number, or 0 when absent or blank.
// Values that are not whole numbers or do not fit in an int64 are malformed.
func (m Metadata) Int(key string) (int64, error) {
	v := strings.TrimSpace(m[key])
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}

	// providers may send numbers as 25.0 or 2.5e1
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: metadata %s=%q is not a whole number in range", ErrMalformedEvent, key, v)
	}
	return int64(f), nil
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutObject struct {
	ID                string   `json:"id"`
	Customer          string   `json:"customer"`
	ClientReferenceID string   `json:"client_reference_id"`
	AmountTotal       int64    `json:"amount_total"`
	Metadata          Metadata `json:"metadata"`
}

type invoiceObject struct {
	ID                  string   `json:"id"`
	Customer            string   `json:"customer"`
	Subscription        string   `json:"subscription"`
	BillingReason       string   `json:"billing_reason"`
	AmountPaid          int64    `json:"amount_paid"`
	Metadata            Metadata `json:"metadata"`
	SubscriptionDetails struct {
		Metadata Metadata `json:"metadata"`
	} `json:"subscription_details"`
}

type subscriptionObject struct {
	ID       string   `json:"id"`
	Customer string   `json:"customer"`
	Metadata Metadata `json:"metadata"`
}

// DecodeEvent decodes a provider payload into its event variant. Unknown
// event types decode to *UnknownEvent rather than failing.
func DecodeEvent(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}

	meta := EventMeta{ID: env.ID, Type: env.Type}
	if env.Created > 0 {
		meta.Created = time.Unix(env.Created, 0).UTC()
	}

	switch env.Type {
	case EventCheckoutCompleted:
		var obj checkoutObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		meta.Customer = obj.Customer
		meta.Metadata = obj.Metadata

		if planID := obj.Metadata["planId"]; planID != "" {
			credits, err := obj.Metadata.Int("credits")
			if err != nil {
				return nil, err
			}
			return &CheckoutCompleted{
				EventMeta:         meta,
				SessionID:         obj.ID,
				ClientReferenceID: obj.ClientReferenceID,
				PlanID:            planID,
				AmountPaid:        obj.AmountTotal,
				Credits:           credits,
			}, nil
		}
		credits, err := obj.Metadata.Int("creditsAmount")
		if err != nil {
			return nil, err
		}
		if credits > 0 {
			return &OneTimeCreditsPurchased{
				EventMeta:         meta,
				SessionID:         obj.ID,
				ClientReferenceID: obj.ClientReferenceID,
				Amount:            credits,
				AmountPaid:        obj.AmountTotal,
			}, nil
		}
		return nil, fmt.Errorf("%w: checkout %s has neither planId nor creditsAmount", ErrMalformedEvent, obj.ID)

	case EventInvoicePaymentSucceeded:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		meta.Customer = obj.Customer
		meta.Metadata = mergeMetadata(obj.SubscriptionDetails.Metadata, obj.Metadata)

		return &InvoicePaymentSucceeded{
			EventMeta:      meta,
			InvoiceID:      obj.ID,
			SubscriptionID: obj.Subscription,
			PlanID:         meta.Metadata["planId"],
			BillingReason:  obj.BillingReason,
			AmountPaid:     obj.AmountPaid,
		}, nil

	case EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		meta.Customer = obj.Customer
		meta.Metadata = obj.Metadata

		return &SubscriptionCancelled{EventMeta: meta, SubscriptionID: obj.ID}, nil

	default:
		return &UnknownEvent{EventMeta: meta}, nil
	}
}

func decodeObject(env envelope, v interface{}) error {
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("%w: %s event %s has no data object", ErrMalformedEvent, env.Type, env.ID)
	}
	if err := json.Unmarshal(env.Data.Object, v); err != nil {
		return fmt.Errorf("%w: %s event %s: %v", ErrMalformedEvent, env.Type, env.ID, err)
	}
	return nil
}

// mergeMetadata overlays maps left to right
func mergeMetadata(maps ...Metadata) Metadata {
	out := make(Metadata)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func compact(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
