package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"chainsettle/services/reconciled/signing"
)

// SignatureHeader carries the hex HMAC-SHA256 of the notification body.
const SignatureHeader = "X-Reconciled-Signature"

// ErrNoEndpoint is returned when a webhook notifier is built without a URL.
var ErrNoEndpoint = errors.New("notifier: webhook url required")

// WebhookNotifier POSTs settlements as signed JSON.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
}

// WebhookOption customises a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		if client != nil {
			w.client = client
		}
	}
}

// WithRateLimit paces deliveries to perSecond requests with the given burst.
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(w *WebhookNotifier) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewWebhookNotifier constructs a notifier posting to url.
func NewWebhookNotifier(url, secret string, opts ...WebhookOption) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrNoEndpoint
	}
	w := &WebhookNotifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

type webhookPayload struct {
	TargetKind    string `json:"targetKind"`
	TargetID      string `json:"targetId"`
	Amount        string `json:"amount"`
	DisplayAmount string `json:"displayAmount"`
	Symbol        string `json:"symbol,omitempty"`
	Network       string `json:"network"`
	TxHash        string `json:"txHash"`
	Channel       string `json:"channel"`
	SettledAt     string `json:"settledAt"`
}

// NotifySettled delivers one settlement. Non-2xx responses are errors.
func (w *WebhookNotifier) NotifySettled(ctx context.Context, s Settlement) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(webhookPayload{
		TargetKind:    s.TargetKind,
		TargetID:      s.TargetID.String(),
		Amount:        s.Amount,
		DisplayAmount: s.DisplayAmount().String(),
		Symbol:        s.Symbol,
		Network:       s.Network,
		TxHash:        s.TxHash,
		Channel:       s.Channel,
		SettledAt:     s.SettledAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("notifier: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, signing.Sign(w.secret, payload))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifier: deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: deliver: unexpected status %s", resp.Status)
	}
	return nil
}
