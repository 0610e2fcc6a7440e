// Package alert forwards server handler failures to a Discord channel.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/server"
)

const (
	// maxContent is Discord's message length limit.
	maxContent = 2000

	sendTimeout = 10 * time.Second
)

type Option func(*Discord)

// WithInterval sets the minimum time between two failure alerts. Failures
// inside the window are counted and reported with the next alert.
func WithInterval(d time.Duration) Option {
	return func(n *Discord) {
		n.interval = d
	}
}

// WithHTTPClient replaces the client used to post to the webhook.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Discord) {
		n.client = c
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(l logger.Logger) Option {
	return func(n *Discord) {
		n.logger = l
	}
}

// Discord posts messages to a webhook URL.
type Discord struct {
	webhook  string
	client   *http.Client
	interval time.Duration
	logger   logger.Logger

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

// NewDiscord returns a notifier for webhook.
func NewDiscord(webhook string, opts ...Option) *Discord {
	d := &Discord{
		webhook:  webhook,
		client:   &http.Client{Timeout: sendTimeout},
		interval: time.Minute,
		logger:   logger.Nop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Notify posts content to the webhook and waits for the reply.
//
// Parameters:
//   - ctx: Bounds the HTTP request
//   - content: Message text; truncated to Discord's limit
//
// Returns:
//   - An error if the request fails or the webhook answers with a non-2xx status
func (d *Discord) Notify(ctx context.Context, content string) error {
	if r := []rune(content); len(r) > maxContent {
		content = string(r[:maxContent])
	}

	data, err := json.Marshal(struct {
		Content string `json:"content"`
	}{content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhook, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert: webhook answered %s", resp.Status)
	}

	return nil
}

// FailureHandler returns a server.FailureHandler that posts each failure
// in the background, at most once per interval.
func (d *Discord) FailureHandler(serverName string) server.FailureHandler {
	return func(s *server.Session, err error) {
		content, ok := d.admit(serverName, s, err)
		if !ok {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			if err := d.Notify(ctx, content); err != nil {
				d.logger.Warn("failure alert not delivered", logger.Err(err))
			}
		}()
	}
}

// admit applies the rate limit and formats the alert.
func (d *Discord) admit(serverName string, s *server.Session, err error) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if !d.last.IsZero() && now.Sub(d.last) < d.interval {
		d.suppressed++
		return "", false
	}

	content := fmt.Sprintf("**%s** handler failure: %v", serverName, err)
	if s != nil {
		content = fmt.Sprintf("**%s** handler failure in session %d (%s): %v", serverName, s.ID(), s.RemoteAddr(), err)
	}

	if d.suppressed > 0 {
		content += fmt.Sprintf(" (+%d suppressed)", d.suppressed)
	}

	d.last = now
	d.suppressed = 0
	return content, true
}
