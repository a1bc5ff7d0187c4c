// Package webhook authenticates provider callbacks and folds them back
// into job state. Signature math, timestamp bounds, and replay protection
// live in this file; state reconciliation lives in reconcile.go.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
)

// TimestampMaxAge bounds how old a signed webhook may be. Mirrors the
// replay guard's retention so the two checks cover each other.
const TimestampMaxAge = 5 * time.Minute

// VerifySignature checks a generic HMAC-SHA256 hex signature over the raw
// payload. Comparison is constant time; a length mismatch is just invalid.
func VerifySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	computed := hex.EncodeToString(mac.Sum(nil))

	if len(signature) != len(computed) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(computed)) == 1
}

// VerifyTwilioSignature checks Twilio's scheme: HMAC-SHA1 over the full
// callback URL followed by every form field, keys sorted, key directly
// concatenated with value, digest base64 encoded.
func VerifyTwilioSignature(url string, params map[string]string, signature, authToken string) bool {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(url))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if len(signature) != len(computed) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(computed)) == 1
}

// Verifier runs the full admission sequence for one webhook request.
type Verifier struct {
	replay *redis.ReplayGuard
	logger *zap.Logger
	now    func() time.Time
}

// NewVerifier creates a webhook verifier.
func NewVerifier(replay *redis.ReplayGuard, logger *zap.Logger) *Verifier {
	return &Verifier{replay: replay, logger: logger, now: time.Now}
}

// VerifyTimestamp rejects timestamps from the future or older than
// TimestampMaxAge. Unix seconds.
func (v *Verifier) VerifyTimestamp(ts int64) bool {
	age := v.now().Unix() - ts
	return age >= 0 && age <= int64(TimestampMaxAge/time.Second)
}

// Request carries everything needed to authenticate one webhook.
type Request struct {
	Payload   []byte
	Signature string
	Secret    string

	// EventID enables replay protection when non-empty.
	EventID string

	// Timestamp in Unix seconds; zero skips the freshness check.
	Timestamp int64

	// Twilio switches to Twilio's signature scheme using URL and Params
	// instead of Payload.
	Twilio    bool
	TwilioURL string
	Params    map[string]string
}

// Verify runs signature, timestamp, then replay checks in that order and
// returns the first failure reason. A Redis outage during the replay check
// lets the event through: processing a duplicate is recoverable, dropping
// a delivery receipt is not.
func (v *Verifier) Verify(ctx context.Context, req Request) (bool, string) {
	var ok bool
	if req.Twilio {
		ok = VerifyTwilioSignature(req.TwilioURL, req.Params, req.Signature, req.Secret)
	} else {
		ok = VerifySignature(req.Payload, req.Signature, req.Secret)
	}
	if !ok {
		return false, "invalid signature"
	}

	if req.Timestamp != 0 && !v.VerifyTimestamp(req.Timestamp) {
		return false, "timestamp out of acceptable range"
	}

	if req.EventID != "" {
		if err := v.replay.Claim(ctx, req.EventID); err != nil {
			if errors.Is(err, redis.ErrDuplicateEvent) {
				return false, "duplicate event"
			}
			v.logger.Error("replay check failed, allowing webhook",
				zap.Error(err),
				zap.String("event_id", req.EventID),
			)
		}
	}

	return true, ""
}

// Release gives the event id back to the replay guard. Called when
// processing fails after admission, so the provider's retry is not
// mistaken for a replay and acknowledged without ever being applied.
func (v *Verifier) Release(ctx context.Context, eventID string) {
	if eventID == "" {
		return
	}
	if err := v.replay.Release(ctx, eventID); err != nil {
		v.logger.Error("replay release failed",
			zap.Error(err),
			zap.String("event_id", eventID),
		)
	}
}
