package rules

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"recurcal/internal/model"
)

// Directive is one compiled schedule: either a *RepeatingRule or a *SingleDate.
type Directive interface {
	directive()
}

// Bound limits a RepeatingRule. A nil Bound means the rule is unbounded and
// only the generator cap stops it.
type Bound interface {
	bound()
}

// CountBound stops a rule after N occurrences.
type CountBound struct {
	N int
}

// UntilBound stops a rule at (and including) Until.
type UntilBound struct {
	Until time.Time
}

func (CountBound) bound() {}
func (UntilBound) bound() {}

// RepeatingRule is a schedule with a frequency.
type RepeatingRule struct {
	ScheduleID string
	Frequency  model.Frequency
	Interval   int
	Bound      Bound
	ByDay      []rrule.Weekday
	Start      time.Time
	Duration   time.Duration

	rule *rrule.RRule
}

// SingleDate is a schedule without a frequency. End is only meaningful on the
// inclusion side.
type SingleDate struct {
	ScheduleID string
	Date       time.Time
	End        *time.Time
}

func (*RepeatingRule) directive() {}
func (*SingleDate) directive()    {}

// Generates reports whether the rule itself (ignoring exclusions and other
// schedules) produces an occurrence starting exactly at t.
func (r *RepeatingRule) Generates(t time.Time) bool {
	return len(r.rule.Between(t, t, true)) > 0
}

// RuleSet is the union of an event's inclusion directives minus its
// exclusion directives.
type RuleSet struct {
	Include []Directive
	Exclude []Directive
}

// maxSkipped bounds how many consecutive excluded candidates an iterator
// walks past before it reports exhaustion. Without it an unbounded rule
// cancelled by an unbounded exclusion would spin forever.
const maxSkipped = 1 << 16

// Empty reports whether the set has nothing to expand.
func (rs *RuleSet) Empty() bool {
	return len(rs.Include) == 0
}

// Iterator returns a lazy iterator over occurrence starts in ascending order,
// de-duplicated and with exclusions removed. Unbounded rules never exhaust it,
// so callers must stop on their own.
func (rs *RuleSet) Iterator() func() (time.Time, bool) {
	var sources []*stream
	var singles []time.Time
	for _, d := range rs.Include {
		switch v := d.(type) {
		case *RepeatingRule:
			sources = append(sources, newStream(v.rule.Iterator()))
		case *SingleDate:
			singles = append(singles, v.Date)
		}
	}
	if len(singles) > 0 {
		sort.Slice(singles, func(i, j int) bool { return singles[i].Before(singles[j]) })
		sources = append(sources, newStream(sliceNext(singles)))
	}

	exDates := make(map[int64]struct{})
	var exRules []*stream
	for _, d := range rs.Exclude {
		switch v := d.(type) {
		case *RepeatingRule:
			exRules = append(exRules, newStream(v.rule.Iterator()))
		case *SingleDate:
			exDates[v.Date.UnixNano()] = struct{}{}
		}
	}

	excluded := func(t time.Time) bool {
		if _, ok := exDates[t.UnixNano()]; ok {
			return true
		}
		// Candidates arrive in ascending order, so each exclusion stream only
		// ever moves forward.
		for _, ex := range exRules {
			for ex.ok && ex.head.Before(t) {
				ex.advance()
			}
			if ex.ok && ex.head.Equal(t) {
				return true
			}
		}
		return false
	}

	var last time.Time
	emitted := false
	return func() (time.Time, bool) {
		for skipped := 0; skipped < maxSkipped; {
			var best *stream
			for _, s := range sources {
				if s.ok && (best == nil || s.head.Before(best.head)) {
					best = s
				}
			}
			if best == nil {
				return time.Time{}, false
			}
			t := best.head
			best.advance()

			if emitted && t.Equal(last) {
				continue
			}
			last, emitted = t, true
			if excluded(t) {
				skipped++
				continue
			}
			return t, true
		}
		return time.Time{}, false
	}
}

// stream is a peekable occurrence source.
type stream struct {
	next func() (time.Time, bool)
	head time.Time
	ok   bool
}

func newStream(next func() (time.Time, bool)) *stream {
	s := &stream{next: next}
	s.advance()
	return s
}

func (s *stream) advance() {
	s.head, s.ok = s.next()
}

func sliceNext(ts []time.Time) func() (time.Time, bool) {
	i := 0
	return func() (time.Time, bool) {
		if i >= len(ts) {
			return time.Time{}, false
		}
		i++
		return ts[i-1], true
	}
}

// Compile translates every schedule of one event into a RuleSet. The first
// schedule that cannot be translated aborts the whole compilation.
func Compile(schedules []model.Schedule) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, s := range schedules {
		d, err := Translate(s)
		if err != nil {
			return nil, err
		}
		if s.IsExclusion {
			rs.Exclude = append(rs.Exclude, d)
		} else {
			rs.Include = append(rs.Include, d)
		}
	}
	return rs, nil
}

// Translate compiles a single schedule into its directive.
//
// When a repeating schedule carries both Count and EndDate, Count wins.
func Translate(s model.Schedule) (Directive, error) {
	if s.StartDate.IsZero() {
		return nil, &ScheduleIncompleteError{ScheduleID: s.ID}
	}

	if !s.Repeating() {
		d := &SingleDate{ScheduleID: s.ID, Date: s.StartDate}
		if s.EndDate != nil {
			end := *s.EndDate
			d.End = &end
		}
		return d, nil
	}

	freq, err := toFrequency(s.Frequency)
	if err != nil {
		return nil, &ScheduleInvalidError{ScheduleID: s.ID, Field: "frequency", Value: string(s.Frequency)}
	}
	if s.Count < 0 {
		return nil, &ScheduleInvalidError{ScheduleID: s.ID, Field: "count", Value: strconv.Itoa(s.Count)}
	}

	days := make([]rrule.Weekday, 0, len(s.ByDay))
	for _, code := range s.ByDay {
		wd, ok := weekdays[strings.ToUpper(strings.TrimSpace(code))]
		if !ok {
			return nil, &ScheduleInvalidError{ScheduleID: s.ID, Field: "by_day", Value: code}
		}
		days = append(days, wd)
	}

	interval := s.Interval
	if interval <= 0 {
		interval = 1
	}

	r := &RepeatingRule{
		ScheduleID: s.ID,
		Frequency:  s.Frequency,
		Interval:   interval,
		ByDay:      days,
		Start:      s.StartDate,
		Duration:   s.Duration,
	}

	opt := rrule.ROption{
		Freq:      freq,
		Dtstart:   s.StartDate,
		Interval:  interval,
		Byweekday: days,
	}
	switch {
	case s.Count > 0:
		r.Bound = CountBound{N: s.Count}
		opt.Count = s.Count
	case s.EndDate != nil:
		r.Bound = UntilBound{Until: *s.EndDate}
		opt.Until = *s.EndDate
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &ScheduleInvalidError{ScheduleID: s.ID, Field: "rule", Value: string(s.Frequency), Err: err}
	}
	r.rule = rule
	return r, nil
}

var weekdays = map[string]rrule.Weekday{
	"MO": rrule.MO,
	"TU": rrule.TU,
	"WE": rrule.WE,
	"TH": rrule.TH,
	"FR": rrule.FR,
	"SA": rrule.SA,
	"SU": rrule.SU,
}

func toFrequency(f model.Frequency) (rrule.Frequency, error) {
	switch model.Frequency(strings.ToUpper(string(f))) {
	case model.FrequencyDaily:
		return rrule.DAILY, nil
	case model.FrequencyWeekly:
		return rrule.WEEKLY, nil
	case model.FrequencyMonthly:
		return rrule.MONTHLY, nil
	case model.FrequencyYearly:
		return rrule.YEARLY, nil
	}
	return 0, errUnknownFrequency
}
