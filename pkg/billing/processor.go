package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/creditd/pkg/accounts"
	"github.com/platinummonkey/creditd/pkg/ledger"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

const (
	DefaultSeenCacheSize = 10000
	DefaultSeenCacheTTL  = 24 * time.Hour
)

// Ack is returned for every event the provider should stop redelivering
type Ack struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	AccountID string `json:"account_id,omitempty"`
	Granted   int64  `json:"granted,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

// ProcessorConfig configures a Processor
type ProcessorConfig struct {
	Store    storage.Store
	Ledger   *ledger.Ledger
	Machine  *Machine
	Verifier *Verifier

	// SeenCacheSize bounds the in-process cache of applied event ids that
	// short-circuits obvious redeliveries. The store stays authoritative.
	SeenCacheSize int
	SeenCacheTTL  time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Processor verifies, deduplicates and applies billing-provider webhooks.
// An event's business effects and its processed-event record are written in
// one store transaction, so an event is either fully applied and recorded or
// neither.
type Processor struct {
	store    storage.Store
	ledger   *ledger.Ledger
	machine  *Machine
	verifier *Verifier
	seen     *lru.LRU[string, string]
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewProcessor creates a webhook processor
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Verifier == nil {
		return nil, fmt.Errorf("store, ledger and verifier are required")
	}
	if cfg.Machine == nil {
		cfg.Machine = NewMachine(nil, nil)
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = DefaultSeenCacheSize
	}
	if cfg.SeenCacheTTL <= 0 {
		cfg.SeenCacheTTL = DefaultSeenCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	return &Processor{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		machine:  cfg.Machine,
		verifier: cfg.Verifier,
		seen:     lru.NewLRU[string, string](cfg.SeenCacheSize, nil, cfg.SeenCacheTTL),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

// Handle processes one webhook delivery. Duplicate deliveries fail with
// KindDuplicate and also return an Ack, since the provider should stop
// retrying them.
func (p *Processor) Handle(ctx context.Context, payload []byte, signatureHeader string) (*Ack, error) {
	ctx, span := observability.StartSpan(ctx, "billing.HandleWebhook")
	ack, err := p.handle(ctx, payload, signatureHeader)
	if ack != nil {
		span.SetAttributes(
			observability.AttrEventID.String(ack.EventID),
			observability.AttrEventType.String(ack.EventType),
			observability.AttrAccountID.String(ack.AccountID),
		)
	}

	outcome, failed := "applied", error(nil)
	switch {
	case err != nil:
		outcome = string(KindOf(err))
		if IsRetryable(err) {
			failed = err
		}
	case ack.Ignored:
		outcome = "ignored"
	}
	observability.EndSpanWithOutcome(span, outcome, failed)
	return ack, err
}

func (p *Processor) handle(ctx context.Context, payload []byte, signatureHeader string) (*Ack, error) {
	start := p.now()

	if err := p.verifier.Verify(payload, signatureHeader); err != nil {
		p.logger.WithError(err).Warn("rejected webhook with invalid signature")
		p.metrics.RecordWebhook("", string(KindInvalidSignature), time.Since(start))
		return nil, &WebhookError{Kind: KindInvalidSignature, Err: err}
	}

	evt, err := DecodeEvent(payload)
	if err != nil {
		p.logger.WithError(err).Warn("rejected malformed webhook")
		p.metrics.RecordWebhook("", string(KindMalformed), time.Since(start))
		return nil, &WebhookError{Kind: KindMalformed, Err: err}
	}

	meta := evt.Meta()
	log := p.logger.ForEvent(meta.ID, meta.Type)
	ack := &Ack{EventID: meta.ID, EventType: meta.Type}

	fail := func(kind ErrorKind, err error) (*Ack, error) {
		p.metrics.RecordWebhook(meta.Type, string(kind), time.Since(start))
		werr := &WebhookError{Kind: kind, EventID: meta.ID, EventType: meta.Type, Err: err}
		switch kind {
		case KindDuplicate:
			ack.Duplicate = true
			log.Info("duplicate webhook acknowledged")
			return ack, werr
		case KindTransient:
			log.WithError(err).Error("webhook failed transiently; provider will retry")
		default:
			log.WithField("outcome", string(kind)).WithError(err).Warn("webhook not applied")
		}
		return nil, werr
	}

	if _, ok := evt.(*UnknownEvent); ok {
		ack.Ignored = true
		log.Debug("ignoring unhandled webhook event type")
		p.metrics.RecordWebhook(meta.Type, "ignored", time.Since(start))
		return ack, nil
	}

	if accountID, ok := p.seen.Get(meta.ID); ok {
		ack.AccountID = accountID
		return fail(KindDuplicate, storage.ErrEventExists)
	}

	accountID, err := p.resolveAccount(ctx, evt)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return fail(KindUnresolvedAccount, err)
		}
		return fail(KindTransient, err)
	}
	ack.AccountID = accountID
	log = log.ForAccount(accountID)

	var transition *Transition
	record := accounts.ProcessedEvent{
		EventID:   meta.ID,
		EventType: meta.Type,
		AccountID: accountID,
	}
	err = p.store.ApplyEvent(ctx, record, func(ctx context.Context, tx storage.AccountStore) error {
		var err error
		transition, err = p.machine.Apply(ctx, tx, p.ledger.Within(tx), accountID, evt)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrEventExists):
		p.seen.Add(meta.ID, accountID)
		return fail(KindDuplicate, err)
	case errors.Is(err, ErrPreconditionFailed):
		return fail(KindPreconditionFailed, err)
	case errors.Is(err, ErrUnknownPlan):
		return fail(KindMalformed, err)
	case errors.Is(err, storage.ErrAccountNotFound):
		return fail(KindUnresolvedAccount, err)
	default:
		return fail(KindTransient, err)
	}

	p.seen.Add(meta.ID, accountID)
	ack.Granted = transition.Granted

	outcome := "applied"
	if transition.Recorded {
		outcome = "recorded"
	}
	p.metrics.RecordWebhook(meta.Type, outcome, time.Since(start))
	log.WithFields(map[string]interface{}{
		"from":    transition.From.String(),
		"to":      transition.To.String(),
		"granted": transition.Granted,
		"outcome": outcome,
	}).Info("webhook applied")

	return ack, nil
}

type accountHinter interface {
	AccountHints() []string
}

// resolveAccount finds the account an event refers to: an explicit account
// id in the event first, then the provider customer reference.
func (p *Processor) resolveAccount(ctx context.Context, evt Event) (string, error) {
	if h, ok := evt.(accountHinter); ok {
		for _, id := range h.AccountHints() {
			acct, err := p.store.GetAccount(ctx, id)
			if err == nil {
				return acct.ID, nil
			}
			if !errors.Is(err, storage.ErrAccountNotFound) {
				return "", err
			}
		}
	}

	if customer := evt.Meta().Customer; customer != "" {
		acct, err := p.store.FindAccountByCustomerRef(ctx, customer)
		if err != nil {
			return "", err
		}
		return acct.ID, nil
	}

	return "", fmt.Errorf("event names no known account: %w", storage.ErrAccountNotFound)
}
