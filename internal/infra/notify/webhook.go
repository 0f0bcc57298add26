// Package notify delivers owner notices when a disclosure embargo is armed.
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
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 10 * time.Second
	DefaultTimeout    = 15 * time.Second

	// SignatureHeader carries hex HMAC-SHA256 of the body when a key is set.
	SignatureHeader = "X-Audit-Signature"
)

var retryable = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Webhook POSTs each notice as JSON, retrying transient failures with
// exponential backoff and full jitter.
type Webhook struct {
	URL        string
	Key        []byte
	HTTP       *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewWebhook(url string, key []byte) *Webhook {
	return &Webhook{
		URL:        url,
		Key:        key,
		HTTP:       &http.Client{Timeout: DefaultTimeout},
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

type payload struct {
	Event string `json:"event"`
	domain.OwnerNotice
}

func (w *Webhook) NotifyOwner(ctx context.Context, n domain.OwnerNotice) error {
	body, err := json.Marshal(payload{Event: "audit.owner_notified", OwnerNotice: n})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= w.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff(attempt)):
			}
		}
		status, err := w.post(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 200 && status < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned HTTP %d", status)
		if !retryable[status] {
			return lastErr
		}
	}
	return fmt.Errorf("%w (after %d retries)", lastErr, w.MaxRetries)
}

func (w *Webhook) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.Key) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Key, body))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// backoff is 2^(attempt-1) * BaseDelay capped at MaxDelay, then jittered.
func (w *Webhook) backoff(attempt int) time.Duration {
	delay := w.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > w.MaxDelay {
			delay = w.MaxDelay
			break
		}
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay)))
	}
	return delay
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(key, body []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// Log only records notices; used when no webhook is configured.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) NotifyOwner(_ context.Context, n domain.OwnerNotice) error {
	l.Logger.Info().
		Str("audit_id", string(n.AuditID)).
		Str("project", n.ProjectName).
		Str("max_severity", string(n.MaxSeverity)).
		Time("publishable_after", n.PublishableAfter).
		Msg("owner notice (no webhook configured)")
	return nil
}

var (
	_ domain.Notifier = (*Webhook)(nil)
	_ domain.Notifier = Log{}
)
