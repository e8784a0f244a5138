package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when the
// channel config has a "secret".
const SignatureHeader = "X-Officebus-Signature"

// webhookPayload is the JSON body posted to webhook channels.
type webhookPayload struct {
	Channel  string            `json:"channel"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	ActionID string            `json:"action_id,omitempty"`
	RiskTier string            `json:"risk_tier,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// WebhookSender posts confirmation requests to an HTTP endpoint.
// Private and loopback targets are refused unless the channel sets
// allow_private to "true".
type WebhookSender struct {
	httpClient *http.Client
	logger     *slog.Logger
	validate   func(rawURL string, allowPrivate bool) error
}

// NewWebhookSender creates a webhook notification sender.
func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// A redirect could reach an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger,
		validate: validateWebhookURL,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	target := ch.Config["url"]
	if target == "" {
		return fmt.Errorf("webhook channel %q missing 'url' in config", ch.Name)
	}
	if err := s.validate(target, ch.Config["allow_private"] == "true"); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	payload := webhookPayload{
		Channel:  ch.Name,
		Subject:  msg.Subject,
		Body:     msg.Body,
		ActionID: msg.Metadata["action_id"],
		RiskTier: msg.Metadata["risk_tier"],
		Metadata: msg.Metadata,
		SentAt:   time.Now().UTC(),
	}
	header := http.Header{"User-Agent": {"officebus-webhook/1.0"}}
	if secret := ch.Config["secret"]; secret != "" {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		header.Set(SignatureHeader, Sign(secret, body))
		// Send the exact bytes that were signed.
		return s.post(ctx, target, header, json.RawMessage(body))
	}
	return s.post(ctx, target, header, payload)
}

func (s *WebhookSender) post(ctx context.Context, target string, header http.Header, v any) error {
	status, respBody, err := postJSON(ctx, s.httpClient, target, header, v, 512)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook returned %d: %s", status, string(respBody))
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" + hex HMAC.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// validateWebhookURL requires an http(s) URL whose host resolves only to
// public addresses, unless allowPrivate is set.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL has no host")
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = append(addrs, a)
	} else {
		ips, err := net.LookupHost(host)
		if err != nil {
			return fmt.Errorf("DNS lookup failed for %q: %w", host, err)
		}
		for _, ip := range ips {
			if a, err := netip.ParseAddr(ip); err == nil {
				addrs = append(addrs, a)
			}
		}
	}
	for _, a := range addrs {
		a = a.Unmap()
		if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() || a.IsUnspecified() {
			return fmt.Errorf("internal address %s not allowed", a)
		}
	}
	return nil
}
