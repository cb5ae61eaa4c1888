package stripe

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the HTTP header carrying the webhook signature
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance is how old a signed timestamp may be
const DefaultTolerance = webhook.DefaultTolerance

var (
	// ErrSignatureInvalid is returned when the header is missing, malformed
	// or carries no matching signature
	ErrSignatureInvalid = errors.New("webhook signature is invalid")

	// ErrSignatureExpired is returned when the signed timestamp is older
	// than the tolerance window
	ErrSignatureExpired = errors.New("webhook signature timestamp is outside the tolerance window")
)

// SignHeader builds a signature header for payload. Used by tests and local
// tooling that replays events.
func SignHeader(secret string, timestamp time.Time, payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: timestamp,
	})
	return signed.Header
}

// classifySignatureError maps SDK verification failures onto the package
// sentinels. It returns nil for errors that are not about the signature.
func classifySignatureError(err error) error {
	switch {
	case errors.Is(err, webhook.ErrTooOld):
		return ErrSignatureExpired
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature):
		return ErrSignatureInvalid
	}
	return nil
}
