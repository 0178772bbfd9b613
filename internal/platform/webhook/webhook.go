// Package webhook posts notifications to external HTTP endpoints, signed
// with HMAC-SHA256 so receivers can verify where they came from.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clinic/clinic/internal/platform/notification"
)

const (
	HeaderID        = "X-Webhook-ID"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

// Event is the body posted to every endpoint.
type Event struct {
	ID           string                     `json:"id"`
	Type         string                     `json:"type"`
	Timestamp    time.Time                  `json:"timestamp"`
	Notification *notification.Notification `json:"notification"`
}

// EventType is "<ROLE>.<ACTION>", e.g. "PATIENT.BOOKING_CANCELLED".
func EventType(n *notification.Notification) string {
	return string(n.RecipientRole) + "." + string(n.ActionType)
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(payload []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value of the form "sha256=<hex>".
func Verify(payload []byte, timestamp, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(Sign(payload, timestamp, secret)), []byte(sig))
}

// eventMatches supports exact types and the wildcards "*", "*.ACTION" and
// "ROLE.*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sink
// ---------------------------------------------------------------------------

// Option configures a Sink.
type Option func(*Sink)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.client = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Sink is a notification.Sink posting to a fixed list of endpoints. It does
// not retry; the dispatcher in front of it does, and receivers dedupe on
// the X-Webhook-ID header.
type Sink struct {
	urls   []string
	events []string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewSink(urls []string, secret string, events []string, opts ...Option) (*Sink, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	for _, u := range urls {
		if err := validateURL(u); err != nil {
			return nil, err
		}
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	s := &Sink{
		urls:   urls,
		events: events,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Subscribed reports whether eventType matches any configured pattern.
func (s *Sink) Subscribed(eventType string) bool {
	for _, p := range s.events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

func (s *Sink) Deliver(ctx context.Context, n *notification.Notification) error {
	eventType := EventType(n)
	if !s.Subscribed(eventType) {
		return nil
	}
	now := s.now().UTC()
	payload, err := json.Marshal(Event{ID: n.ID.String(), Type: eventType, Timestamp: now, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := "sha256=" + Sign(payload, ts, s.secret)

	var errs []error
	for _, u := range s.urls {
		if err := s.post(ctx, u, n.ID.String(), eventType, ts, sig, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) post(ctx context.Context, target, id, eventType, ts, sig string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, id)
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", target, resp.StatusCode)
	}
	return nil
}
