package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

// SQLStore keeps materialized instances, and reads the upstream catalog,
// through database/sql. It serves sqlite3 and pgx with the same queries.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	loc    *time.Location
}

// Option configures an SQLStore at Open.
type Option func(*SQLStore)

// WithDefaultLocation sets the zone schedules are read back in when their
// row carries no zone name, or one that cannot be loaded. UTC otherwise.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *SQLStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

var (
	_ Instances      = (*SQLStore)(nil)
	_ ScheduleLoader = (*SQLStore)(nil)
	_ Catalog        = (*SQLStore)(nil)
)

type instanceRow struct {
	ID         string       `db:"id"`
	EventID    string       `db:"event_id"`
	CalendarID string       `db:"calendar_id"`
	StartAt    time.Time    `db:"start_at"`
	EndAt      sql.NullTime `db:"end_at"`
}

type scheduleRow struct {
	ID              string       `db:"id"`
	EventID         string       `db:"event_id"`
	Position        int          `db:"position"`
	StartDate       sql.NullTime `db:"start_date"`
	EndDate         sql.NullTime `db:"end_date"`
	Frequency       string       `db:"frequency"`
	IntervalN       int          `db:"interval_n"`
	CountN          int          `db:"count_n"`
	ByDay           string       `db:"by_day"`
	DurationSeconds int64        `db:"duration_seconds"`
	IsExclusion     bool         `db:"is_exclusion"`
	Tzid            string       `db:"tzid"`
}

const (
	instanceColumns = `id, event_id, calendar_id, start_at, end_at`
	scheduleColumns = `id, event_id, position, start_date, end_date, frequency, interval_n, count_n, by_day, duration_seconds, is_exclusion, tzid`
)

// Open connects to the database, verifies the connection and applies the
// schema.
//
// SQLite allows a single writer; the pool is pinned to one connection so
// concurrent rebuilds queue instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("store: dsn is empty")
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	appLog.Info("store opened", "driver", driver)
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range statements(schemaFor(s.driver)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error or panic.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				appLog.Error("store: rollback failed", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// --- materialized instances ---

func (s *SQLStore) Replace(ctx context.Context, eventID string, instances []model.Instance) error {
	rows := make([]instanceRow, 0, len(instances))
	for _, inst := range instances {
		if inst.EventID != eventID {
			return fmt.Errorf("store: instance %q belongs to event %q, not %q", inst.ID, inst.EventID, eventID)
		}
		rows = append(rows, toInstanceRow(inst))
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM instances WHERE event_id = ?`), eventID); err != nil {
			return fmt.Errorf("store: delete instances of %s: %w", eventID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO instances (`+instanceColumns+`) VALUES (:id, :event_id, :calendar_id, :start_at, :end_at)`,
			rows)
		if err != nil {
			return fmt.Errorf("store: insert instances of %s: %w", eventID, err)
		}
		return nil
	})
}

func (s *SQLStore) RemoveAll(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM instances WHERE event_id = ?`), eventID); err != nil {
		return fmt.Errorf("store: remove instances of %s: %w", eventID, err)
	}
	return nil
}

func (s *SQLStore) ListByEvent(ctx context.Context, eventID string) ([]model.Instance, error) {
	return s.listInstances(ctx, `event_id = ?`, eventID)
}

func (s *SQLStore) ListByCalendar(ctx context.Context, calendarID string) ([]model.Instance, error) {
	return s.listInstances(ctx, `calendar_id = ?`, calendarID)
}

func (s *SQLStore) listInstances(ctx context.Context, where string, arg string) ([]model.Instance, error) {
	var rows []instanceRow
	query := s.db.Rebind(`SELECT ` + instanceColumns + ` FROM instances WHERE ` + where + ` ORDER BY start_at, id`)
	if err := s.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	out := make([]model.Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (model.Instance, error) {
	var row instanceRow
	query := s.db.Rebind(`SELECT ` + instanceColumns + ` FROM instances WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Instance{}, &InstanceNotFoundError{ID: id}
		}
		return model.Instance{}, fmt.Errorf("store: get instance %s: %w", id, err)
	}
	return row.toModel(), nil
}

// --- catalog (event-management side) ---

func (s *SQLStore) LocalCalendars(ctx context.Context, afterID string, limit int) ([]model.Calendar, error) {
	var out []model.Calendar
	query := s.db.Rebind(`SELECT id, name, local FROM calendars WHERE local = ? AND id > ? ORDER BY id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, true, afterID, limit); err != nil {
		return nil, fmt.Errorf("store: list calendars: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CalendarEvents(ctx context.Context, calendarID, afterID string, limit int) ([]model.Event, error) {
	var out []model.Event
	query := s.db.Rebind(`SELECT id, calendar_id, title FROM events WHERE calendar_id = ? AND id > ? ORDER BY id LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, calendarID, afterID, limit); err != nil {
		return nil, fmt.Errorf("store: list events of %s: %w", calendarID, err)
	}
	return out, nil
}

func (s *SQLStore) GetEvent(ctx context.Context, eventID string) (model.Event, error) {
	var ev model.Event
	query := s.db.Rebind(`SELECT id, calendar_id, title FROM events WHERE id = ?`)
	if err := s.db.GetContext(ctx, &ev, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, fmt.Errorf("store: event %q: %w", eventID, ErrEventNotFound)
		}
		return model.Event{}, fmt.Errorf("store: get event %s: %w", eventID, err)
	}
	return ev, nil
}

func (s *SQLStore) LoadSchedules(ctx context.Context, eventID string) ([]model.Schedule, error) {
	var rows []scheduleRow
	query := s.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE event_id = ? ORDER BY position, id`)
	if err := s.db.SelectContext(ctx, &rows, query, eventID); err != nil {
		return nil, fmt.Errorf("store: load schedules of %s: %w", eventID, err)
	}
	out := make([]model.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel(s.loc))
	}
	return out, nil
}

// UpsertCalendar creates or updates a calendar row.
func (s *SQLStore) UpsertCalendar(ctx context.Context, cal model.Calendar) error {
	query := s.db.Rebind(`INSERT INTO calendars (id, name, local) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, local = excluded.local`)
	if _, err := s.db.ExecContext(ctx, query, cal.ID, cal.Name, cal.Local); err != nil {
		return fmt.Errorf("store: upsert calendar %s: %w", cal.ID, err)
	}
	return nil
}

// UpsertEvent writes the event row and replaces its schedules in one
// transaction. Schedules without an id are assigned one.
func (s *SQLStore) UpsertEvent(ctx context.Context, ev model.Event) error {
	rows := make([]scheduleRow, 0, len(ev.Schedules))
	for i, sc := range ev.Schedules {
		if sc.ID == "" {
			sc.ID = uuid.NewString()
		}
		rows = append(rows, toScheduleRow(ev.ID, i, sc))
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO events (id, calendar_id, title) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET calendar_id = excluded.calendar_id, title = excluded.title`)
		if _, err := tx.ExecContext(ctx, query, ev.ID, ev.CalendarID, ev.Title); err != nil {
			return fmt.Errorf("store: upsert event %s: %w", ev.ID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM schedules WHERE event_id = ?`), ev.ID); err != nil {
			return fmt.Errorf("store: clear schedules of %s: %w", ev.ID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NamedExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`) VALUES
			(:id, :event_id, :position, :start_date, :end_date, :frequency, :interval_n, :count_n, :by_day, :duration_seconds, :is_exclusion, :tzid)`,
			rows)
		if err != nil {
			return fmt.Errorf("store: insert schedules of %s: %w", ev.ID, err)
		}
		return nil
	})
}

// DeleteEvent removes an event row and its schedules. Materialized instances
// are purged separately through the orchestrator.
func (s *SQLStore) DeleteEvent(ctx context.Context, eventID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM schedules WHERE event_id = ?`), eventID); err != nil {
			return fmt.Errorf("store: delete schedules of %s: %w", eventID, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM events WHERE id = ?`), eventID); err != nil {
			return fmt.Errorf("store: delete event %s: %w", eventID, err)
		}
		return nil
	})
}

// --- row mapping ---

func toInstanceRow(inst model.Instance) instanceRow {
	r := instanceRow{
		ID:         inst.ID,
		EventID:    inst.EventID,
		CalendarID: inst.CalendarID,
		StartAt:    inst.Start.UTC(),
	}
	if inst.End != nil {
		r.EndAt = sql.NullTime{Time: inst.End.UTC(), Valid: true}
	}
	return r
}

func (r instanceRow) toModel() model.Instance {
	inst := model.Instance{
		ID:         r.ID,
		EventID:    r.EventID,
		CalendarID: r.CalendarID,
		Start:      r.StartAt.UTC(),
	}
	if r.EndAt.Valid {
		end := r.EndAt.Time.UTC()
		inst.End = &end
	}
	return inst
}

// toScheduleRow stores instants in UTC next to the zone name of StartDate, so
// weekday and wall-clock expansion survive the round trip.
func toScheduleRow(eventID string, pos int, sc model.Schedule) scheduleRow {
	r := scheduleRow{
		ID:              sc.ID,
		EventID:         eventID,
		Position:        pos,
		Frequency:       string(sc.Frequency),
		IntervalN:       sc.Interval,
		CountN:          sc.Count,
		ByDay:           strings.Join(sc.ByDay, ","),
		DurationSeconds: int64(sc.Duration / time.Second),
		IsExclusion:     sc.IsExclusion,
	}
	if !sc.StartDate.IsZero() {
		r.StartDate = sql.NullTime{Time: sc.StartDate.UTC(), Valid: true}
		r.Tzid = sc.StartDate.Location().String()
	}
	if sc.EndDate != nil {
		r.EndDate = sql.NullTime{Time: sc.EndDate.UTC(), Valid: true}
	}
	return r
}

func (r scheduleRow) toModel(fallback *time.Location) model.Schedule {
	loc := fallback
	if r.Tzid != "" {
		if l, err := time.LoadLocation(r.Tzid); err == nil {
			loc = l
		} else {
			appLog.Debug("store: unknown schedule zone, using default", "schedule_id", r.ID, "tzid", r.Tzid)
		}
	}

	sc := model.Schedule{
		ID:          r.ID,
		Frequency:   model.Frequency(r.Frequency),
		Interval:    r.IntervalN,
		Count:       r.CountN,
		Duration:    time.Duration(r.DurationSeconds) * time.Second,
		IsExclusion: r.IsExclusion,
	}
	if r.StartDate.Valid {
		sc.StartDate = r.StartDate.Time.In(loc)
	}
	if r.EndDate.Valid {
		end := r.EndDate.Time.In(loc)
		sc.EndDate = &end
	}
	if r.ByDay != "" {
		sc.ByDay = strings.Split(r.ByDay, ",")
	}
	return sc
}
