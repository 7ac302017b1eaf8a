package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurcal/internal/instances"
	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/rules"
	"recurcal/internal/store"
)

const (
	DefaultPageSize = 100
	DefaultWorkers  = 4
)

// Options carries the orchestrator's collaborators. Store and Generator are
// required; Loader is needed for events delivered without schedules and
// Catalog for full refresh passes.
type Options struct {
	Generator *instances.Generator
	Store     store.Instances
	Loader    store.ScheduleLoader
	Catalog   store.Catalog
	Metrics   *Metrics

	PageSize int
	Workers  int
}

// Orchestrator keeps materialized instances in line with event schedules.
type Orchestrator struct {
	gen     *instances.Generator
	store   store.Instances
	loader  store.ScheduleLoader
	catalog store.Catalog
	metrics *Metrics

	pageSize int
	workers  int
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, errors.New("refresh: generator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("refresh: store is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Orchestrator{
		gen:      opts.Generator,
		store:    opts.Store,
		loader:   opts.Loader,
		catalog:  opts.Catalog,
		metrics:  opts.Metrics,
		pageSize: opts.PageSize,
		workers:  opts.Workers,
	}, nil
}

// OnEventChanged rebuilds the instances of ev from its schedules, loading
// them first when ev carries none. A schedule that fails to compile leaves
// the previously materialized instances untouched.
func (o *Orchestrator) OnEventChanged(ctx context.Context, ev model.Event) error {
	if ev.ID == "" {
		return errors.New("refresh: event id is empty")
	}

	if ev.CalendarID == "" && o.catalog != nil {
		stored, err := o.catalog.GetEvent(ctx, ev.ID)
		if err != nil {
			o.metrics.rebuild(resultError)
			return fmt.Errorf("refresh: resolve calendar of %s: %w", ev.ID, err)
		}
		ev.CalendarID = stored.CalendarID
	}

	schedules := ev.Schedules
	if schedules == nil {
		if o.loader == nil {
			o.metrics.rebuild(resultError)
			return fmt.Errorf("refresh: event %s has no schedules loaded and no loader is configured", ev.ID)
		}
		loaded, err := o.loader.LoadSchedules(ctx, ev.ID)
		if err != nil {
			o.metrics.rebuild(resultError)
			return fmt.Errorf("refresh: load schedules of %s: %w", ev.ID, err)
		}
		schedules = loaded
	}

	rs, err := rules.Compile(schedules)
	if err != nil {
		o.metrics.rebuild(resultInvalid)
		appLog.Error("refresh: schedules do not compile; keeping previous instances", err, "event_id", ev.ID)
		return fmt.Errorf("refresh: compile %s: %w", ev.ID, err)
	}

	res := o.gen.Generate(ev, rs)
	if err := o.store.Replace(ctx, ev.ID, res.Instances); err != nil {
		o.metrics.rebuild(resultError)
		return fmt.Errorf("refresh: replace instances of %s: %w", ev.ID, err)
	}

	o.metrics.rebuild(resultOK)
	o.metrics.materialized(len(res.Instances))
	appLog.Debug("event rebuilt",
		"event_id", ev.ID,
		"calendar_id", ev.CalendarID,
		"schedules", len(schedules),
		"instances", len(res.Instances),
		"truncated", res.Truncated,
	)
	return nil
}

// OnEventDeleted purges every instance of a deleted event.
func (o *Orchestrator) OnEventDeleted(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("refresh: event id is empty")
	}
	if err := o.store.RemoveAll(ctx, eventID); err != nil {
		return fmt.Errorf("refresh: remove instances of %s: %w", eventID, err)
	}
	o.metrics.removal()
	appLog.Debug("event instances removed", "event_id", eventID)
	return nil
}

// Rebuild looks an event up in the catalog and rebuilds it.
func (o *Orchestrator) Rebuild(ctx context.Context, eventID string) error {
	if o.catalog == nil {
		return errors.New("refresh: no catalog configured")
	}
	ev, err := o.catalog.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	return o.OnEventChanged(ctx, ev)
}

// RefreshAll rebuilds every event of every local calendar.
func (o *Orchestrator) RefreshAll(ctx context.Context) (Report, error) {
	return o.RefreshFrom(ctx, Cursor{})
}

// RefreshFrom runs a full pass starting at from. Calendars and events are
// read page by page; each page of events is rebuilt by at most Workers
// goroutines and drained before the next page is read.
//
// A failing event is recorded in the report and the pass moves on. When ctx
// is cancelled or the catalog cannot be read the pass stops and
// Report.Resume holds the position to continue from.
func (o *Orchestrator) RefreshFrom(ctx context.Context, from Cursor) (Report, error) {
	if o.catalog == nil {
		return Report{}, errors.New("refresh: no catalog configured")
	}

	started := time.Now()
	p := newPass(from)

	appLog.Info("refresh pass started", "from_calendar", from.CalendarID, "from_event", from.EventID,
		"page_size", o.pageSize, "workers", o.workers)

	err := o.runPass(ctx, from, p)

	rep := p.report()
	rep.Duration = time.Since(started)
	o.metrics.pass(err == nil, rep.Duration)

	if err != nil {
		resume := p.position()
		rep.Resume = &resume
		appLog.Error("refresh pass interrupted", err,
			"resume_calendar", resume.CalendarID,
			"resume_event", resume.EventID,
			"rebuilt", rep.Rebuilt,
			"failed", rep.Failed,
		)
		return rep, err
	}

	appLog.Info("refresh pass completed",
		"calendars", rep.Calendars,
		"events", rep.Events,
		"rebuilt", rep.Rebuilt,
		"failed", rep.Failed,
		"duration", rep.Duration.String(),
	)
	return rep, nil
}

func (o *Orchestrator) runPass(ctx context.Context, from Cursor, p *pass) error {
	after := ""
	if from.CalendarID != "" {
		if err := o.refreshCalendar(ctx, from.CalendarID, from.EventID, p); err != nil {
			return err
		}
		after = from.CalendarID
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cals, err := o.catalog.LocalCalendars(ctx, after, o.pageSize)
		if err != nil {
			return fmt.Errorf("refresh: list calendars after %q: %w", after, err)
		}
		for _, cal := range cals {
			if err := o.refreshCalendar(ctx, cal.ID, "", p); err != nil {
				return err
			}
		}
		if len(cals) < o.pageSize {
			return nil
		}
		after = cals[len(cals)-1].ID
	}
}

func (o *Orchestrator) refreshCalendar(ctx context.Context, calendarID, afterEvent string, p *pass) error {
	p.calendarVisited()
	after := afterEvent
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := o.catalog.CalendarEvents(ctx, calendarID, after, o.pageSize)
		if err != nil {
			return fmt.Errorf("refresh: list events of %s after %q: %w", calendarID, after, err)
		}
		if err := o.refreshPage(ctx, calendarID, events, p); err != nil {
			return err
		}
		if len(events) > 0 {
			after = events[len(events)-1].ID
		}
		p.advance(Cursor{CalendarID: calendarID, EventID: after})
		if len(events) < o.pageSize {
			return nil
		}
	}
}
