// ABOUTME: Webhook sink: HMAC-signed POST per event, safeurl client, response body discard.
// ABOUTME: The http.Client is injected (constructed once at startup via BuildSafeClient).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookSink POSTs each notification as JSON to a fixed endpoint, signing
// the payload with HMAC-SHA256. A non-2xx response is a delivery failure.
type WebhookSink struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhookSink creates a WebhookSink. client should be the safeurl-wrapped
// client from BuildSafeClient.
func NewWebhookSink(client *http.Client, url, secret string) *WebhookSink {
	return &WebhookSink{client: client, url: url, secret: secret}
}

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, jobID, status string, result json.RawMessage) error {
	payload, err := json.Marshal(Event{JobID: jobID, Status: status, Result: result})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// HMAC-SHA256 over "timestamp.body" so recipients can verify integrity
	// and reject stale replays.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(ts + "." + string(payload)))
	req.Header.Set("X-Filepipe-Timestamp", ts)
	req.Header.Set("X-Filepipe-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
