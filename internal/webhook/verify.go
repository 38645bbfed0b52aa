package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Required headers on every provider delivery.
const (
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

var (
	ErrMissingHeader    = errors.New("webhook: missing required header")
	ErrStaleTimestamp   = errors.New("webhook: timestamp outside tolerance window")
	ErrBadSignature     = errors.New("webhook: signature mismatch")
	ErrMalformedPayload = errors.New("webhook: malformed payload")
)

// Event is the verified envelope of an inbound delivery.
type Event struct {
	EventID   string
	Type      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time
}

// Verify authenticates a raw delivery. The signature is an HMAC-SHA256 over
// "<timestamp>.<raw body>", hex encoded. Verification operates on the exact
// request bytes; only a verified body is parsed.
func Verify(rawBody []byte, hdr http.Header, secret string, tolerance time.Duration) (Event, error) {
	return verifyAt(rawBody, hdr, secret, tolerance, time.Now())
}

func verifyAt(rawBody []byte, hdr http.Header, secret string, tolerance time.Duration, now time.Time) (Event, error) {
	eventID := hdr.Get(HeaderEventID)
	ts := hdr.Get(HeaderTimestamp)
	sig := hdr.Get(HeaderSignature)
	if eventID == "" || ts == "" || sig == "" {
		return Event{}, ErrMissingHeader
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: bad timestamp %q: %w", ts, err)
	}
	sent := time.Unix(unix, 0)
	if sent.Before(now.Add(-tolerance)) || sent.After(now.Add(tolerance)) {
		return Event{}, ErrStaleTimestamp
	}

	expected := Sign(rawBody, ts, secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Event{}, ErrBadSignature
	}

	var ev Event
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ev.EventID = eventID
	ev.Timestamp = sent
	return ev, nil
}

// Sign computes the hex HMAC-SHA256 signature for a body and timestamp.
func Sign(rawBody []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
