// Package notify turns event lifecycle notifications into orchestrator calls.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

type Kind string

const (
	KindCreated Kind = "event.created"
	KindUpdated Kind = "event.updated"
	KindDeleted Kind = "event.deleted"
)

var (
	ErrUnknownKind = errors.New("notify: unknown notification kind")

	errEventMismatch = errors.New("event body id does not match event_id")
)

// Notification reports that an event was created, updated or deleted. Event
// is optional; without it the handler loads the event's schedules itself.
type Notification struct {
	Kind       Kind         `json:"kind" validate:"required"`
	CalendarID string       `json:"calendar_id,omitempty"`
	EventID    string       `json:"event_id" validate:"required"`
	Event      *model.Event `json:"event,omitempty"`
}

// Handler receives dispatched notifications. *refresh.Orchestrator
// satisfies it.
type Handler interface {
	OnEventChanged(ctx context.Context, ev model.Event) error
	OnEventDeleted(ctx context.Context, eventID string) error
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that n carries the fields every kind needs.
func (n Notification) Validate() error {
	if err := validatorInstance().Struct(n); err != nil {
		return fmt.Errorf("notify: invalid notification: %w", err)
	}
	if n.Event != nil && n.Event.ID != "" && n.Event.ID != n.EventID {
		return fmt.Errorf("notify: invalid notification: %w (%q vs %q)", errEventMismatch, n.Event.ID, n.EventID)
	}
	return nil
}

// Dispatch routes n to h.
func Dispatch(ctx context.Context, h Handler, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	switch n.Kind {
	case KindCreated, KindUpdated:
		ev := model.Event{ID: n.EventID, CalendarID: n.CalendarID}
		if n.Event != nil {
			ev = *n.Event
			ev.ID = n.EventID
			if ev.CalendarID == "" {
				ev.CalendarID = n.CalendarID
			}
		}
		return h.OnEventChanged(ctx, ev)
	case KindDeleted:
		return h.OnEventDeleted(ctx, n.EventID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, n.Kind)
	}
}

// Bus delivers notifications synchronously to a handler, for callers that
// embed the service in-process.
type Bus struct {
	handler Handler
}

func NewBus(h Handler) *Bus {
	return &Bus{handler: h}
}

func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if err := Dispatch(ctx, b.handler, n); err != nil {
		appLog.Error("notification failed", err, "kind", string(n.Kind), "event_id", n.EventID)
		return err
	}
	appLog.Debug("notification handled", "kind", string(n.Kind), "event_id", n.EventID)
	return nil
}
