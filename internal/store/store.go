package store

import (
	"context"
	"errors"
	"fmt"

	"recurcal/internal/model"
)

var (
	// ErrInstanceNotFound is matched by every *InstanceNotFoundError.
	ErrInstanceNotFound = errors.New("instance not found")
	ErrEventNotFound    = errors.New("event not found")
)

// InstanceNotFoundError is returned by GetByID on a miss.
type InstanceNotFoundError struct {
	ID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("store: instance %q not found", e.ID)
}

func (e *InstanceNotFoundError) Is(target error) bool {
	return target == ErrInstanceNotFound
}

// Instances is the materialization store. Only the refresh orchestrator
// writes to it.
type Instances interface {
	// Replace deletes every instance of eventID and inserts the given set
	// atomically. Readers never observe the intermediate empty state.
	Replace(ctx context.Context, eventID string, instances []model.Instance) error
	RemoveAll(ctx context.Context, eventID string) error

	ListByEvent(ctx context.Context, eventID string) ([]model.Instance, error)
	ListByCalendar(ctx context.Context, calendarID string) ([]model.Instance, error)
	GetByID(ctx context.Context, id string) (model.Instance, error)
}

// ScheduleLoader fetches the schedules of an event when they were not
// delivered with it.
type ScheduleLoader interface {
	LoadSchedules(ctx context.Context, eventID string) ([]model.Schedule, error)
}

// Catalog pages through calendars and events by ascending id. An empty
// afterID starts from the beginning.
type Catalog interface {
	LocalCalendars(ctx context.Context, afterID string, limit int) ([]model.Calendar, error)
	CalendarEvents(ctx context.Context, calendarID, afterID string, limit int) ([]model.Event, error)
	GetEvent(ctx context.Context, eventID string) (model.Event, error)
}
