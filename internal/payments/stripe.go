// Package payments wraps stripe for the optional cost-share flow: hold the
// responder's contribution when a match is confirmed, capture it on
// completion, release it on cancellation. Everything here is best-effort and
// driven by lifecycle events after commit; a stripe failure never touches
// ride state.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// CostShare is the hold/capture/cancel surface the notifier drives.
type CostShare interface {
	Hold(ctx context.Context, rideID string, amountCents int64, currency string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient implements CostShare with manual-capture PaymentIntents.
type StripeClient struct{}

// NewStripeClient sets the package-level stripe key and returns a client,
// or nil when no key is configured (cost sharing disabled).
func NewStripeClient(apiKey string) *StripeClient {
	if apiKey == "" {
		return nil
	}
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual so the amount is
// reserved but not taken until the ride completes.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amountCents int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
