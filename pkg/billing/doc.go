// Package billing turns billing-provider webhooks into subscription state
// transitions and credit grants.
//
// # Overview
//
// A webhook delivery passes through the Processor:
//
//  1. The Stripe-Signature header is verified against the raw payload.
//  2. The payload is decoded into a tagged variant (CheckoutCompleted,
//     OneTimeCreditsPurchased, InvoicePaymentSucceeded,
//     SubscriptionCancelled or UnknownEvent).
//  3. The account is resolved from the event metadata, the checkout client
//     reference or the provider customer id.
//  4. The processed-event record and the Machine's transition are written in
//     one store transaction. A second delivery of the same event id fails
//     the record insert and changes nothing.
//
// # Subscription States
//
// The Machine derives Free, ActiveTier(tier), Expired and Cancelled from
// the stored tier, active flag and validUntil. Transitions never shorten
// validUntil: a renewal extends from the later of now and the current
// validUntil.
//
// # Plans
//
//	monthly -> basic,   100 credits,  30 days
//	yearly  -> premium, 500 credits,  365 days
//	family  -> family,  1000 credits, 365 days
//
// The table can be replaced with LoadCatalogFile.
//
// # Usage Example
//
//	proc, err := billing.NewProcessor(billing.ProcessorConfig{
//		Store:    store,
//		Ledger:   credits,
//		Verifier: billing.NewVerifier(secret, billing.DefaultSignatureTolerance),
//	})
//	ack, err := proc.Handle(ctx, body, r.Header.Get(billing.SignatureHeader))
//	if billing.IsDuplicate(err) {
//		// acknowledge, the provider must stop retrying
//	}
//
// # Related Packages
//
//   - pkg/ledger: Credit grants
//   - pkg/storage: Transactional event application
package billing
