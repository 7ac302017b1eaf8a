package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"recurcal/internal/model"
)

const productID = "-//recurcal//Materialized Instances//EN"

// relatedTo links a VEVENT back to the event it was materialized from.
const relatedTo = ical.ComponentProperty("RELATED-TO")

// RenderFeed serializes the instances of a calendar as an iCalendar feed.
// Every instance becomes a single, non-recurring VEVENT; recurrence has
// already been expanded, so the feed carries no RRULE.
func RenderFeed(calendarID string, instances []model.Instance, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(calendarID)

	stamp := now.UTC()
	for _, inst := range instances {
		ev := cal.AddEvent(inst.ID)
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(inst.Start.UTC())
		if inst.End != nil {
			ev.SetEndAt(inst.End.UTC())
		}
		ev.AddProperty(relatedTo, inst.EventID)
	}

	return cal.Serialize()
}
