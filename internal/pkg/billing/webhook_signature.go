package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeVerifier verifies Stripe-Signature headers with stripe-go.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for a webhook signing secret. A zero
// tolerance uses the library default of five minutes.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (RawEvent, error) {
	if v.secret == "" {
		return RawEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return RawEvent{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return RawEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return RawEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.Data == nil {
		return RawEvent{}, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	return RawEvent{
		ID:                 event.ID,
		Type:               string(event.Type),
		Created:            event.Created,
		Object:             event.Data.Raw,
		PreviousAttributes: event.Data.PreviousAttributes,
	}, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
