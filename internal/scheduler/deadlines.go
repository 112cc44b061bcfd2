package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/storage"
)

type Assigner interface {
	AssignForEvent(ctx context.Context, eventID int64) ([]models.Ride, error)
}

type Reminder interface {
	NotifyEventDeadlineApproaching(ctx context.Context, eventID int64)
}

type DeadlinesConfig struct {
	// ReminderLead schedules a deadline-approaching notification this long
	// before each deadline. Zero disables reminders.
	ReminderLead time.Duration
	// CatchUp fires deadlines that elapsed while the process was down,
	// provided the ledger has no record of them firing.
	CatchUp bool
}

type eventJobs struct {
	at       time.Time
	deadline Handle
	reminder Handle
}

// Deadlines owns the one-shot batch-assignment trigger of every event.
type Deadlines struct {
	sched    *Scheduler
	events   storage.EventStore
	assigner Assigner
	reminder Reminder
	ledger   FiredLedger
	cfg      DeadlinesConfig
	jobs     *xsync.Map[int64, eventJobs]
	now      func() time.Time
	logger   *slog.Logger
}

// NewDeadlines wires the deadline triggers. reminder may be nil; a nil ledger
// falls back to an in-process one.
func NewDeadlines(sched *Scheduler, events storage.EventStore, assigner Assigner, reminder Reminder, ledger FiredLedger, cfg DeadlinesConfig, logger *slog.Logger) *Deadlines {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &Deadlines{
		sched:    sched,
		events:   events,
		assigner: assigner,
		reminder: reminder,
		ledger:   ledger,
		cfg:      cfg,
		jobs:     xsync.NewMap[int64, eventJobs](),
		now:      time.Now,
		logger:   logging.Component(logger, "deadlines"),
	}
}

// RescheduleAll schedules every non-archived event and returns how many got
// a pending trigger.
func (d *Deadlines) RescheduleAll(ctx context.Context) (int, error) {
	events, err := d.events.ListActiveEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler.Deadlines.RescheduleAll: %w", err)
	}
	n := 0
	for _, ev := range events {
		if d.ScheduleEvent(ctx, ev) {
			n++
		}
	}
	d.logger.Info("deadlines rescheduled", "events", len(events), "scheduled", n)
	return n, nil
}

// ScheduleEventByID loads the event and schedules it.
func (d *Deadlines) ScheduleEventByID(ctx context.Context, eventID int64) (bool, error) {
	ev, err := d.events.GetEvent(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("scheduler.Deadlines.ScheduleEventByID: %w", err)
	}
	return d.ScheduleEvent(ctx, ev), nil
}

// ScheduleEvent replaces any pending trigger for the event with one at its
// current registration deadline. It reports whether a trigger is pending
// afterwards. Events without a deadline are skipped with a warning.
func (d *Deadlines) ScheduleEvent(ctx context.Context, ev models.Event) bool {
	log := d.logger.With("event_id", ev.ID)
	schedule := true
	var at time.Time

	switch {
	case ev.IsArchived:
		schedule = false
	case ev.RegisterDeadline == nil:
		log.Warn("event has no registration deadline; not scheduling")
		schedule = false
	default:
		at = *ev.RegisterDeadline
		if !at.After(d.now()) {
			schedule = d.shouldCatchUp(ctx, log, ev.ID, at)
		}
	}

	_, pending := d.jobs.Compute(ev.ID, func(old eventJobs, loaded bool) (eventJobs, xsync.ComputeOp) {
		if loaded {
			d.sched.Cancel(old.deadline)
			if old.reminder != 0 {
				d.sched.Cancel(old.reminder)
			}
		}
		if !schedule {
			return eventJobs{}, xsync.DeleteOp
		}
		return d.scheduleJobs(ev.ID, at), xsync.UpdateOp
	})
	if pending {
		log.Info("registration deadline scheduled", "at", at)
	}
	return pending
}

// Unschedule drops the event's pending trigger and reminder.
func (d *Deadlines) Unschedule(eventID int64) bool {
	old, ok := d.jobs.LoadAndDelete(eventID)
	if !ok {
		return false
	}
	d.sched.Cancel(old.deadline)
	if old.reminder != 0 {
		d.sched.Cancel(old.reminder)
	}
	return true
}

func (d *Deadlines) shouldCatchUp(ctx context.Context, log *slog.Logger, eventID int64, at time.Time) bool {
	if !d.cfg.CatchUp {
		log.Info("registration deadline already elapsed; not firing", "deadline", at)
		return false
	}
	fired, err := d.ledger.Fired(ctx, deadlineKey(eventID, at))
	if err != nil {
		log.Error("checking fired ledger", "error", err)
		return false
	}
	if fired {
		return false
	}
	log.Warn("registration deadline elapsed without firing; catching up", "deadline", at)
	return true
}

func (d *Deadlines) scheduleJobs(eventID int64, at time.Time) eventJobs {
	id := strconv.FormatInt(eventID, 10)
	jobs := eventJobs{at: at}
	jobs.deadline = d.sched.ScheduleOnce(at, "deadline:"+id, func(ctx context.Context) {
		d.fireDeadline(ctx, eventID, at)
	})
	if d.reminder != nil && d.cfg.ReminderLead > 0 {
		if rat := at.Add(-d.cfg.ReminderLead); rat.After(d.now()) {
			jobs.reminder = d.sched.ScheduleOnce(rat, "reminder:"+id, func(ctx context.Context) {
				d.fireReminder(ctx, eventID, at)
			})
		}
	}
	return jobs
}

func (d *Deadlines) fireDeadline(ctx context.Context, eventID int64, at time.Time) {
	log := d.logger.With("event_id", eventID, "deadline", at)
	d.jobs.Compute(eventID, func(old eventJobs, loaded bool) (eventJobs, xsync.ComputeOp) {
		if loaded && old.at.Equal(at) {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})

	first, err := d.ledger.MarkFired(ctx, deadlineKey(eventID, at))
	if err != nil {
		log.Error("claiming deadline marker; not firing", "error", err)
		return
	}
	if !first {
		log.Info("deadline already fired elsewhere")
		return
	}

	rides, err := d.assigner.AssignForEvent(ctx, eventID)
	if err != nil {
		log.Error("batch assignment at deadline failed", "error", err)
		return
	}
	log.Info("batch assignment at deadline done", "rides", len(rides))
}

func (d *Deadlines) fireReminder(ctx context.Context, eventID int64, at time.Time) {
	first, err := d.ledger.MarkFired(ctx, "reminder:"+deadlineKey(eventID, at))
	if err != nil || !first {
		return
	}
	d.reminder.NotifyEventDeadlineApproaching(ctx, eventID)
}

// deadlineKey changes with the deadline so an edited deadline fires again.
func deadlineKey(eventID int64, at time.Time) string {
	return strconv.FormatInt(eventID, 10) + ":" + strconv.FormatInt(at.Unix(), 10)
}
