package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
)

// fakeInbox implements InboxStore for tests.
type fakeInbox struct {
	mu        sync.Mutex
	failPush  int // number of times to fail Push before succeeding
	failSeen  bool
	marked    map[string]bool
	lists     map[string][][]byte
	pushCalls int
}

func (f *fakeInbox) Seen(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSeen {
		return false, errors.New("seen fail")
	}
	return f.marked[key], nil
}

func (f *fakeInbox) Mark(_ context.Context, key string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marked == nil {
		f.marked = map[string]bool{}
	}
	f.marked[key] = true
	return nil
}

func (f *fakeInbox) Push(_ context.Context, key string, payload []byte, _ int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	if f.pushCalls <= f.failPush {
		return errors.New("push fail")
	}
	if f.lists == nil {
		f.lists = map[string][][]byte{}
	}
	f.lists[key] = append([][]byte{payload}, f.lists[key]...)
	return nil
}

type fakeSink struct {
	got []models.Notification
	err error
}

func (s *fakeSink) Deliver(_ context.Context, n models.Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func newProcessor(inbox InboxStore, sinks ...*fakeSink) *processor {
	p := &processor{inbox: inbox, inboxLen: 10, inboxTTL: time.Hour, dedupeTTL: time.Minute, attempts: 3, delay: time.Millisecond, logger: logging.Discard()}
	for _, s := range sinks {
		p.sinks = append(p.sinks, s)
	}
	return p
}

func TestPushWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeInbox{failPush: 2}

	err := pushWithRetry(context.Background(), f, "k", []byte("x"), 10, time.Hour, 3, time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 3, f.pushCalls)
	assert.Len(t, f.lists["k"], 1)
}

func TestPushWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeInbox{failPush: 5}

	err := pushWithRetry(context.Background(), f, "k", []byte("x"), 10, time.Hour, 3, time.Millisecond)

	require.Error(t, err)
	assert.Equal(t, 3, f.pushCalls)
}

func TestHandle_StoresAndRelaysOnce(t *testing.T) {
	inbox := &fakeInbox{}
	push := &fakeSink{}
	p := newProcessor(inbox, push)
	n := models.Notification{ID: "a", Kind: models.KindDriverAssigned, UserID: 4, Title: "You are assigned as driver"}

	assert.Equal(t, resultDelivered, p.handle(context.Background(), n))

	n.ID = "b"
	assert.Equal(t, resultDuplicate, p.handle(context.Background(), n))

	assert.Len(t, inbox.lists["carpool:inbox:4"], 1)
	assert.Len(t, push.got, 1)
}

func TestHandle_BroadcastInbox(t *testing.T) {
	inbox := &fakeInbox{}
	p := newProcessor(inbox)

	p.handle(context.Background(), models.Notification{ID: "a", Kind: models.KindNewEvent, Title: "New event: Picnic"})

	assert.Len(t, inbox.lists["carpool:inbox:broadcast"], 1)
}

func TestHandle_DeliversWhenDedupeUnavailable(t *testing.T) {
	inbox := &fakeInbox{failSeen: true}
	push := &fakeSink{}
	p := newProcessor(inbox, push)
	n := models.Notification{ID: "a", Kind: models.KindRideCancelled, UserID: 2}

	p.handle(context.Background(), n)
	p.handle(context.Background(), n)

	assert.Len(t, push.got, 2)
}

func TestHandle_PartialWhenRelayFails(t *testing.T) {
	inbox := &fakeInbox{}
	broken := &fakeSink{err: errors.New("503")}
	mail := &fakeSink{}
	p := newProcessor(inbox, broken, mail)

	got := p.handle(context.Background(), models.Notification{ID: "a", Kind: models.KindRideCancelled, UserID: 2})

	assert.Equal(t, resultPartial, got)
	assert.Len(t, mail.got, 1)
	assert.Empty(t, inbox.marked)
}

func TestHandle_RedeliveryAfterFailedRelayGoesThrough(t *testing.T) {
	inbox := &fakeInbox{}
	push := &fakeSink{err: errors.New("503")}
	p := newProcessor(inbox, push)
	n := models.Notification{ID: "a", Kind: models.KindPassengersAssigned, UserID: 3}

	require.Equal(t, resultPartial, p.handle(context.Background(), n))

	push.err = nil
	assert.Equal(t, resultDelivered, p.handle(context.Background(), n))
	assert.Equal(t, resultDuplicate, p.handle(context.Background(), n))
	assert.Len(t, push.got, 2)
}
