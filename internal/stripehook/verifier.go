// Package stripehook receives payment processor webhooks: it verifies the
// signature, decodes the event, and dispatches it through the idempotency
// ledger to the purchase lifecycle handlers.
package stripehook

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultTolerance bounds how old a signed timestamp may be.
const DefaultTolerance = 5 * time.Minute

// SignatureHeader carries the processor's signature.
const SignatureHeader = "Stripe-Signature"

// Verifier checks webhook signatures against the shared endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. A non-positive tolerance uses
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// WithClock replaces the time source used for the tolerance check.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify reports whether header is an authentic signature of payload.
// Malformed input is never an error, only "not authentic".
func (v *Verifier) Verify(payload []byte, header string) bool {
	if v == nil || v.secret == "" || header == "" {
		return false
	}
	ts, ok := parseHeader(header)
	if !ok {
		return false
	}
	if v.now().Sub(ts) > v.tolerance {
		return false
	}
	// Digest comparison is constant-time inside the library.
	return webhook.ValidatePayloadIgnoringTolerance(payload, header, v.secret) == nil
}

// parseHeader checks the t=<unix>,v1=<hex>[,v1=<hex>...] shape and returns
// the signed timestamp. Unknown schemes are tolerated alongside v1.
func parseHeader(header string) (time.Time, bool) {
	var (
		ts     time.Time
		haveTS bool
		haveV1 bool
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || value == "" {
			return time.Time{}, false
		}
		switch key {
		case "t":
			if haveTS {
				return time.Time{}, false
			}
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil || secs <= 0 {
				return time.Time{}, false
			}
			ts, haveTS = time.Unix(secs, 0), true
		case "v1":
			if _, err := hex.DecodeString(value); err != nil {
				return time.Time{}, false
			}
			haveV1 = true
		}
	}
	return ts, haveTS && haveV1
}
