package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/example/carpool-assignment/internal/models"
)

// Sink delivers a notification over one channel.
type Sink interface {
	Deliver(ctx context.Context, n models.Notification) error
}

const (
	ChannelPush = "push"
	ChannelMail = "mail"
)

// HTTPRelay posts notifications to a push or mail provider endpoint.
// Transport failures and 5xx answers are retried with exponential backoff;
// other non-2xx answers are permanent.
type HTTPRelay struct {
	Channel  string
	Endpoint string
	Key      string
	Client   *http.Client
	Attempts uint64
	Delay    time.Duration
}

func NewHTTPRelay(channel, endpoint, key string) *HTTPRelay {
	return &HTTPRelay{
		Channel:  channel,
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Attempts: 3,
		Delay:    200 * time.Millisecond,
	}
}

type relayEnvelope struct {
	Message relayMessage `json:"message"`
}

type relayMessage struct {
	Channel   string              `json:"channel"`
	UserID    int64               `json:"user_id,omitempty"`
	Email     string              `json:"email,omitempty"`
	Broadcast bool                `json:"broadcast"`
	Data      models.Notification `json:"data"`
}

func (r *HTTPRelay) Deliver(ctx context.Context, n models.Notification) error {
	if r.Channel == ChannelMail && n.Email == "" && !n.Broadcast() {
		return nil
	}
	body, err := json.Marshal(relayEnvelope{Message: relayMessage{
		Channel:   r.Channel,
		UserID:    n.UserID,
		Email:     n.Email,
		Broadcast: n.Broadcast(),
		Data:      n,
	}})
	if err != nil {
		return fmt.Errorf("dispatch.HTTPRelay.Deliver: encode: %w", err)
	}

	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := r.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(delay))
	if err := retry.Do(ctx, backoff, func(ctx context.Context) error { return r.post(ctx, body) }); err != nil {
		return fmt.Errorf("dispatch.HTTPRelay.Deliver %s %s: %w", r.Channel, n.ID, err)
	}
	return nil
}

func (r *HTTPRelay) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Key != "" {
		req.Header.Set("Authorization", "Bearer "+r.Key)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
