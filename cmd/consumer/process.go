package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/example/carpool-assignment/internal/dispatch"
	"github.com/example/carpool-assignment/internal/models"
)

const (
	seenPrefix  = "carpool:notify:seen:"
	inboxPrefix = "carpool:inbox:"
)

// InboxStore is the small subset of redis operations the worker needs, so
// tests can swap in a fake.
type InboxStore interface {
	// Seen reports whether a delivery marker exists at key.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records a delivery marker at key for ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) error
	// Push prepends payload to the list at key and trims it to keep entries.
	Push(ctx context.Context, key string, payload []byte, keep int64, ttl time.Duration) error
}

type redisAdapter struct{ c redis.UniversalClient }

func (r *redisAdapter) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *redisAdapter) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Set(ctx, key, 1, ttl).Err()
}

func (r *redisAdapter) Push(ctx context.Context, key string, payload []byte, keep int64, ttl time.Duration) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, payload)
		p.LTrim(ctx, key, 0, keep-1)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

type result string

const (
	resultDelivered result = "delivered"
	resultDuplicate result = "duplicate"
	resultPartial   result = "partial"
)

// processor handles one outbox notification: suppress repeats, record it in
// the recipient's inbox, then relay it to the push and mail providers. The
// delivery marker is only written once every step succeeded, so a partial or
// interrupted delivery is attempted again when the record is redelivered.
//
// Records are keyed by recipient, so copies of one notification land on the
// same partition and are never handled concurrently.
type processor struct {
	inbox     InboxStore
	sinks     []dispatch.Sink
	inboxLen  int64
	inboxTTL  time.Duration
	dedupeTTL time.Duration
	attempts  int
	delay     time.Duration
	logger    *slog.Logger
}

func (p *processor) handle(ctx context.Context, n models.Notification) result {
	log := p.logger.With("notification_id", n.ID, "kind", n.Kind, "user_id", n.UserID)

	marker := seenPrefix + strconv.FormatUint(n.Fingerprint(), 16)
	seen, err := p.inbox.Seen(ctx, marker)
	switch {
	case err != nil:
		// Redis trouble must not swallow notifications; deliver without dedupe.
		log.Warn("dedupe lookup failed", "error", err)
	case seen:
		return resultDuplicate
	}

	out := resultDelivered
	payload, err := json.Marshal(n)
	if err != nil {
		log.Error("encode inbox entry", "error", err)
		out = resultPartial
	} else if err := pushWithRetry(ctx, p.inbox, inboxKey(n), payload, p.inboxLen, p.inboxTTL, p.attempts, p.delay); err != nil {
		log.Error("inbox append failed", "error", err)
		out = resultPartial
	}

	for _, s := range p.sinks {
		if err := s.Deliver(ctx, n); err != nil {
			log.Error("relay failed", "error", err)
			out = resultPartial
		}
	}
	if out != resultDelivered {
		return out
	}
	if err := p.inbox.Mark(ctx, marker, p.dedupeTTL); err != nil {
		log.Warn("dedupe mark failed", "error", err)
	}
	return out
}

func inboxKey(n models.Notification) string {
	if n.Broadcast() {
		return inboxPrefix + "broadcast"
	}
	return inboxPrefix + strconv.FormatInt(n.UserID, 10)
}

// pushWithRetry appends to an inbox list, backing off exponentially between
// attempts.
func pushWithRetry(ctx context.Context, rc InboxStore, key string, payload []byte, keep int64, ttl time.Duration, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(delay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := rc.Push(ctx, key, payload, keep, ttl); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}
