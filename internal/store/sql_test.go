package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurcal/internal/model"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "recurcal.db") + "?_foreign_keys=on"
	s, err := Open(context.Background(), DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(d int, h int) time.Time {
	return time.Date(2025, 1, d, h, 0, 0, 0, time.UTC)
}

func inst(id, eventID, calID string, start time.Time, end *time.Time) model.Instance {
	return model.Instance{ID: id, EventID: eventID, CalendarID: calID, Start: start, End: end}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.Error(t, err)

	_, err = Open(context.Background(), DriverSQLite, "")
	assert.Error(t, err)
}

func TestReplaceAndList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	end := ts(2, 11)
	require.NoError(t, s.Replace(ctx, "ev-1", []model.Instance{
		inst("i2", "ev-1", "cal-1", ts(3, 9), nil),
		inst("i1", "ev-1", "cal-1", ts(2, 9), &end),
	}))
	require.NoError(t, s.Replace(ctx, "ev-2", []model.Instance{
		inst("i3", "ev-2", "cal-1", ts(2, 12), nil),
	}))

	byEvent, err := s.ListByEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, byEvent, 2)
	assert.Equal(t, "i1", byEvent[0].ID)
	assert.True(t, byEvent[0].Start.Equal(ts(2, 9)))
	require.NotNil(t, byEvent[0].End)
	assert.True(t, byEvent[0].End.Equal(end))
	assert.Nil(t, byEvent[1].End)

	byCal, err := s.ListByCalendar(ctx, "cal-1")
	require.NoError(t, err)
	ids := make([]string, 0, len(byCal))
	for _, i := range byCal {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"i1", "i3", "i2"}, ids)

	empty, err := s.ListByCalendar(ctx, "nope")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestReplaceIsTotal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Replace(ctx, "ev-1", []model.Instance{
		inst("a", "ev-1", "cal-1", ts(1, 9), nil),
		inst("b", "ev-1", "cal-1", ts(2, 9), nil),
	}))
	require.NoError(t, s.Replace(ctx, "ev-1", []model.Instance{
		inst("c", "ev-1", "cal-1", ts(5, 9), nil),
	}))

	got, err := s.ListByEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	require.NoError(t, s.Replace(ctx, "ev-1", nil))
	got, err = s.ListByEvent(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaceRollsBackOnInsertFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Replace(ctx, "ev-1", []model.Instance{inst("keep", "ev-1", "cal-1", ts(1, 9), nil)}))
	require.NoError(t, s.Replace(ctx, "ev-2", []model.Instance{inst("taken", "ev-2", "cal-1", ts(1, 9), nil)}))

	// "taken" collides with ev-2's primary key, so the insert half fails
	// after the delete half already ran inside the transaction.
	err := s.Replace(ctx, "ev-1", []model.Instance{
		inst("fresh", "ev-1", "cal-1", ts(2, 9), nil),
		inst("taken", "ev-1", "cal-1", ts(3, 9), nil),
	})
	require.Error(t, err)

	got, err := s.ListByEvent(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].ID)
}

func TestReplaceRejectsForeignInstances(t *testing.T) {
	s := openTestStore(t)
	err := s.Replace(context.Background(), "ev-1", []model.Instance{inst("x", "ev-2", "cal-1", ts(1, 9), nil)})
	assert.Error(t, err)
}

func TestRemoveAllAndGetByID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Replace(ctx, "ev-1", []model.Instance{inst("i1", "ev-1", "cal-1", ts(1, 9), nil)}))

	got, err := s.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", got.EventID)
	assert.Equal(t, "cal-1", got.CalendarID)

	require.NoError(t, s.RemoveAll(ctx, "ev-1"))
	require.NoError(t, s.RemoveAll(ctx, "ev-1"))

	_, err = s.GetByID(ctx, "i1")
	assert.True(t, errors.Is(err, ErrInstanceNotFound))
	var nf *InstanceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "i1", nf.ID)
}

func TestConcurrentReadersNeverSeeEmptyGap(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	build := func(round int) []model.Instance {
		out := make([]model.Instance, 0, 5)
		for i := 0; i < 5; i++ {
			out = append(out, inst(fmt.Sprintf("r%d-%d", round, i), "ev-1", "cal-1", ts(i+1, 9), nil))
		}
		return out
	}
	require.NoError(t, s.Replace(ctx, "ev-1", build(0)))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got, err := s.ListByEvent(ctx, "ev-1")
			if assert.NoError(t, err) {
				assert.Len(t, got, 5)
			}
		}
	}()

	for round := 1; round <= 20; round++ {
		require.NoError(t, s.Replace(ctx, "ev-1", build(round)))
	}
	close(done)
	wg.Wait()
}

func TestCatalogPaging(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.UpsertCalendar(ctx, model.Calendar{ID: "c1", Name: "one", Local: true}))
	require.NoError(t, s.UpsertCalendar(ctx, model.Calendar{ID: "c2", Name: "remote", Local: false}))
	require.NoError(t, s.UpsertCalendar(ctx, model.Calendar{ID: "c3", Name: "three", Local: true}))
	require.NoError(t, s.UpsertCalendar(ctx, model.Calendar{ID: "c3", Name: "three renamed", Local: true}))

	page, err := s.LocalCalendars(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c1", page[0].ID)

	page, err = s.LocalCalendars(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, model.Calendar{ID: "c3", Name: "three renamed", Local: true}, page[0])

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.UpsertEvent(ctx, model.Event{ID: id, CalendarID: "c1", Title: id}))
	}
	events, err := s.CalendarEvents(ctx, "c1", "e1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e2", events[0].ID)
	assert.Nil(t, events[0].Schedules)

	ev, err := s.GetEvent(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.CalendarID)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestUpsertEventRoundTripsSchedules(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	until := ts(20, 0)
	in := model.Event{ID: "ev-1", CalendarID: "c1", Title: "standup", Schedules: []model.Schedule{
		{ID: "s1", StartDate: ts(6, 9), EndDate: &until, Frequency: model.FrequencyWeekly, Interval: 2, ByDay: []string{"MO", "WE"}, Duration: 15 * time.Minute},
		{ID: "s2", StartDate: ts(8, 9), IsExclusion: true},
		{ID: "s3", Frequency: model.FrequencyDaily, Count: 3},
	}}
	require.NoError(t, s.UpsertEvent(ctx, in))

	got, err := s.LoadSchedules(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "s1", got[0].ID)
	assert.True(t, got[0].StartDate.Equal(ts(6, 9)))
	require.NotNil(t, got[0].EndDate)
	assert.True(t, got[0].EndDate.Equal(until))
	assert.Equal(t, model.FrequencyWeekly, got[0].Frequency)
	assert.Equal(t, 2, got[0].Interval)
	assert.Equal(t, []string{"MO", "WE"}, got[0].ByDay)
	assert.Equal(t, 15*time.Minute, got[0].Duration)

	assert.True(t, got[1].IsExclusion)
	assert.False(t, got[1].Repeating())

	assert.True(t, got[2].StartDate.IsZero())
	assert.Equal(t, 3, got[2].Count)

	// Upserting again replaces the schedule list.
	in.Schedules = []model.Schedule{{StartDate: ts(9, 9)}}
	require.NoError(t, s.UpsertEvent(ctx, in))
	got, err = s.LoadSchedules(ctx, "ev-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)

	require.NoError(t, s.DeleteEvent(ctx, "ev-1"))
	got, err = s.LoadSchedules(ctx, "ev-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadSchedulesKeepsZone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	// 20:00 Monday in Los Angeles is already Tuesday in UTC.
	start := time.Date(2025, 1, 6, 20, 0, 0, 0, la)
	until := time.Date(2025, 1, 27, 20, 0, 0, 0, la)
	require.NoError(t, s.UpsertEvent(ctx, model.Event{ID: "ev-la", CalendarID: "c1", Schedules: []model.Schedule{
		{ID: "mon", StartDate: start, EndDate: &until, Frequency: model.FrequencyWeekly, ByDay: []string{"MO"}},
	}}))

	got, err := s.LoadSchedules(ctx, "ev-la")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "America/Los_Angeles", got[0].StartDate.Location().String())
	assert.True(t, got[0].StartDate.Equal(start))
	assert.Equal(t, time.Monday, got[0].StartDate.Weekday())
	assert.Equal(t, 20, got[0].StartDate.Hour())
	require.NotNil(t, got[0].EndDate)
	assert.Equal(t, "America/Los_Angeles", got[0].EndDate.Location().String())
}

func TestLoadSchedulesFallsBackToDefaultLocation(t *testing.T) {
	ctx := context.Background()
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	dsn := filepath.Join(t.TempDir(), "recurcal.db")
	s, err := Open(ctx, DriverSQLite, dsn, WithDefaultLocation(berlin))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (id, event_id, position, start_date, frequency) VALUES (?, ?, 0, ?, ?)`,
		"legacy", "ev-old", ts(6, 9), string(model.FrequencyDaily))
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (id, event_id, position, start_date, tzid) VALUES (?, ?, 1, ?, ?)`,
		"bogus", "ev-old", ts(7, 9), "Not/AZone")
	require.NoError(t, err)

	got, err := s.LoadSchedules(ctx, "ev-old")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, sc := range got {
		assert.Equal(t, "Europe/Berlin", sc.StartDate.Location().String(), sc.ID)
	}
	assert.True(t, got[0].StartDate.Equal(ts(6, 9)))
	assert.Equal(t, 10, got[0].StartDate.Hour())
}
