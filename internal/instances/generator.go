package instances

import (
	"time"

	"github.com/google/uuid"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
	"recurcal/internal/rules"
)

// DefaultCap bounds the occurrences materialized per event. Unbounded and
// far-future rules are cut off here.
const DefaultCap = 10

// Generator expands compiled rule sets into concrete instances.
type Generator struct {
	cap   int
	newID func() string
}

// Result wraps the generated instances and whether the cap cut the expansion
// short.
type Result struct {
	Instances []model.Instance
	Truncated bool
}

// New returns a Generator capped at n occurrences per event. n <= 0 selects
// DefaultCap.
func New(n int) *Generator {
	if n <= 0 {
		n = DefaultCap
	}
	return &Generator{
		cap:   n,
		newID: func() string { return uuid.NewString() },
	}
}

// Cap returns the per-event occurrence limit.
func (g *Generator) Cap() int {
	return g.cap
}

// Generate expands rs for ev. Instances come out in non-decreasing start
// order and each receives a fresh id.
func (g *Generator) Generate(ev model.Event, rs *rules.RuleSet) Result {
	var res Result
	if rs == nil || rs.Empty() {
		res.Instances = []model.Instance{}
		return res
	}

	singles, repeating := pairingSources(rs)

	next := rs.Iterator()
	out := make([]model.Instance, 0, g.cap)
	for {
		start, ok := next()
		if !ok {
			break
		}
		if len(out) == g.cap {
			res.Truncated = true
			break
		}
		out = append(out, model.Instance{
			ID:         g.newID(),
			EventID:    ev.ID,
			CalendarID: ev.CalendarID,
			Start:      start,
			End:        endFor(start, singles, repeating),
		})
	}

	if res.Truncated {
		appLog.Debug("instances: expansion hit cap", "event_id", ev.ID, "cap", g.cap)
	}

	res.Instances = out
	return res
}

// pairingSources splits the inclusion side into the directives that can
// supply an end time.
func pairingSources(rs *rules.RuleSet) ([]*rules.SingleDate, []*rules.RepeatingRule) {
	var singles []*rules.SingleDate
	var repeating []*rules.RepeatingRule
	for _, d := range rs.Include {
		switch v := d.(type) {
		case *rules.SingleDate:
			if v.End != nil {
				singles = append(singles, v)
			}
		case *rules.RepeatingRule:
			if v.Duration > 0 {
				repeating = append(repeating, v)
			}
		}
	}
	return singles, repeating
}

// endFor pairs an occurrence start with an end. A single date whose own start
// equals the occurrence start wins; otherwise the first rule with a duration
// that generates this start applies it.
func endFor(start time.Time, singles []*rules.SingleDate, repeating []*rules.RepeatingRule) *time.Time {
	for _, sd := range singles {
		if sd.Date.Equal(start) {
			end := *sd.End
			return &end
		}
	}
	for _, r := range repeating {
		if r.Generates(start) {
			end := start.Add(r.Duration)
			return &end
		}
	}
	return nil
}
