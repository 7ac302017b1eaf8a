package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

// maxReportedFailures caps Report.Failures; Report.Failed keeps counting.
const maxReportedFailures = 100

// Cursor is a position in a full pass: everything up to and including
// EventID in CalendarID has been processed. The zero Cursor is the start.
type Cursor struct {
	CalendarID string `json:"calendar_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
}

// Failure records one event that could not be rebuilt.
type Failure struct {
	CalendarID string `json:"calendar_id"`
	EventID    string `json:"event_id"`
	Error      string `json:"error"`
}

// Report summarizes a full pass.
type Report struct {
	Calendars int           `json:"calendars"`
	Events    int           `json:"events"`
	Rebuilt   int           `json:"rebuilt"`
	Failed    int           `json:"failed"`
	Failures  []Failure     `json:"failures,omitempty"`
	Resume    *Cursor       `json:"resume,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

type pass struct {
	mu  sync.Mutex
	rep Report
	at  Cursor
}

func newPass(from Cursor) *pass {
	return &pass{at: from}
}

func (p *pass) calendarVisited() {
	p.mu.Lock()
	p.rep.Calendars++
	p.mu.Unlock()
}

func (p *pass) succeeded() {
	p.mu.Lock()
	p.rep.Events++
	p.rep.Rebuilt++
	p.mu.Unlock()
}

func (p *pass) failed(calendarID, eventID string, err error) {
	p.mu.Lock()
	p.rep.Events++
	p.rep.Failed++
	if len(p.rep.Failures) < maxReportedFailures {
		p.rep.Failures = append(p.rep.Failures, Failure{CalendarID: calendarID, EventID: eventID, Error: err.Error()})
	}
	p.mu.Unlock()
}

func (p *pass) advance(c Cursor) {
	p.mu.Lock()
	p.at = c
	p.mu.Unlock()
}

func (p *pass) position() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.at
}

func (p *pass) report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep := p.rep
	rep.Failures = append([]Failure(nil), p.rep.Failures...)
	return rep
}

// refreshPage rebuilds one page of events with at most o.workers running at
// once. Go blocks while the group is full, which throttles dispatch to the
// pace of the store.
func (o *Orchestrator) refreshPage(ctx context.Context, calendarID string, events []model.Event, p *pass) error {
	var g errgroup.Group
	g.SetLimit(o.workers)

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if ev.CalendarID == "" {
			ev.CalendarID = calendarID
		}
		g.Go(func() error {
			err := o.OnEventChanged(ctx, ev)
			switch {
			case err == nil:
				p.succeeded()
			case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
				// The page is redone on resume; not an event failure.
			default:
				p.failed(calendarID, ev.ID, err)
				appLog.Error("refresh: event rebuild failed; continuing", err,
					"calendar_id", calendarID, "event_id", ev.ID)
			}
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}
