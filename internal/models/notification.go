package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

type NotificationKind string

const (
	KindDriverAssigned           NotificationKind = "driver_assigned"
	KindPassengersAssigned       NotificationKind = "passengers_assigned"
	KindRideCancelled            NotificationKind = "ride_cancelled"
	KindEventDeadlineApproaching NotificationKind = "event_deadline_approaching"
	KindNewEvent                 NotificationKind = "new_event"
)

type ActionType string

const (
	ActionViewRide  ActionType = "VIEW_RIDE"
	ActionViewEvent ActionType = "VIEW_EVENT"
)

type NotificationAction struct {
	Type     ActionType `json:"type"`
	ObjectID int64      `json:"object_id"`
}

// Notification is the payload handed to delivery channels. UserID zero means
// broadcast to every connected user.
type Notification struct {
	ID          string               `json:"id"`
	Kind        NotificationKind     `json:"kind"`
	UserID      int64                `json:"user_id,omitempty"`
	Email       string               `json:"email,omitempty"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Actions     []NotificationAction `json:"actions,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

func (n Notification) Broadcast() bool { return n.UserID == 0 }

// Fingerprint hashes what the recipient sees, ignoring ID and CreatedAt, so
// the same message emitted twice in a row can be suppressed downstream.
func (n Notification) Fingerprint() uint64 {
	var b strings.Builder
	b.WriteString(string(n.Kind))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(n.UserID, 10))
	b.WriteByte('|')
	b.WriteString(n.Title)
	b.WriteByte('|')
	b.WriteString(n.Description)
	for _, a := range n.Actions {
		b.WriteByte('|')
		b.WriteString(string(a.Type))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(a.ObjectID, 10))
	}
	return xxh3.HashString(b.String())
}
