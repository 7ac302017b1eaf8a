package model

import "time"

// Frequency is the repeat unit of a recurring Schedule. The empty value means
// the Schedule describes exactly one date.
type Frequency string

const (
	FrequencyNone    Frequency = ""
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
	FrequencyYearly  Frequency = "YEARLY"
)

// Calendar is a container of events. Only Local calendars are visited by the
// full-catalog refresh; remote (federated) calendars are materialized by
// their owning instance.
type Calendar struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Local bool   `json:"local" db:"local"`
}

// Event is the owner of a set of Schedules.
//
// A nil Schedules slice means the schedules were not loaded with the event;
// an empty, non-nil slice means the event has none.
type Event struct {
	ID         string     `json:"id" db:"id"`
	CalendarID string     `json:"calendar_id" db:"calendar_id"`
	Title      string     `json:"title" db:"title"`
	Schedules  []Schedule `json:"schedules,omitempty" db:"-"`
}

// Schedule is one recurrence directive: a repeating rule when Frequency is
// set, a single date otherwise. Exclusion schedules remove their dates from
// the union of the inclusion schedules.
type Schedule struct {
	ID        string     `json:"id"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	Frequency Frequency `json:"frequency,omitempty"`
	Interval  int       `json:"interval,omitempty"`
	Count     int       `json:"count,omitempty"`
	ByDay     []string  `json:"by_day,omitempty"`

	// Duration is the length of every occurrence generated by a repeating
	// rule. Zero means occurrences have no end.
	Duration time.Duration `json:"duration,omitempty"`

	IsExclusion bool `json:"is_exclusion"`
}

// Repeating reports whether the schedule is a rule rather than a single date.
func (s Schedule) Repeating() bool {
	return s.Frequency != FrequencyNone
}

// Instance is one materialized occurrence of an event.
type Instance struct {
	ID         string     `json:"id"`
	EventID    string     `json:"event_id"`
	CalendarID string     `json:"calendar_id"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
}
