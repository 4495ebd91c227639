package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tempohq/tempo/internal/xerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	subject    TEXT    NOT NULL,
	title      TEXT    NOT NULL,
	notes      TEXT    NOT NULL DEFAULT '',
	zone       TEXT    NOT NULL,
	priority   INTEGER NOT NULL,
	done       INTEGER NOT NULL DEFAULT 0,
	due_at     INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_subject_zone ON tasks(subject, zone, done);
`

const taskColumns = `id, title, notes, zone, priority, done, due_at, created_at, updated_at`

// SQLite is a Repository on a single-writer SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

type SQLiteOption func(*SQLite)

func WithClock(now func() time.Time) SQLiteOption { return func(s *SQLite) { s.now = now } }

func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	if path == "" {
		return nil, xerrors.New("tasks: db path is empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open task database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(err, "init task schema")
	}
	s := &SQLite{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t                Task
		done             int
		due              sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(&t.ID, &t.Title, &t.Notes, &t.Zone, &t.Priority, &done, &due, &created, &updated); err != nil {
		return Task{}, err
	}
	t.Done = done != 0
	if due.Valid {
		d := time.UnixMilli(due.Int64).UTC()
		t.DueAt = &d
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

func dueValue(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) List(ctx context.Context, subject string, f ListFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE subject = ?`
	args := []any{subject}
	if f.Zone != "" {
		q += ` AND zone = ?`
		args = append(args, f.Zone)
	}
	if !f.IncludeDone {
		q += ` AND done = 0`
	}
	q += ` ORDER BY done ASC, priority DESC, COALESCE(due_at, 9223372036854775807) ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, xerrors.Wrap(err, "list tasks")
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "list tasks")
	}
	return out, nil
}

func (s *SQLite) Get(ctx context.Context, subject string, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE subject = ? AND id = ?`, subject, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, xerrors.Wrapf(err, "get task %d", id)
	}
	return t, nil
}

func (s *SQLite) Create(ctx context.Context, subject string, t Task) (Task, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (subject, title, notes, zone, priority, done, due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subject, t.Title, t.Notes, t.Zone, t.Priority, boolInt(t.Done), dueValue(t.DueAt), now, now)
	if err != nil {
		return Task{}, xerrors.Wrap(err, "create task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, xerrors.Wrap(err, "create task")
	}
	return s.Get(ctx, subject, id)
}

func (s *SQLite) Update(ctx context.Context, subject string, id int64, p Patch) (Task, error) {
	if p.Empty() {
		return s.Get(ctx, subject, id)
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Notes != nil {
		set("notes", *p.Notes)
	}
	if p.Zone != nil {
		set("zone", *p.Zone)
	}
	if p.Priority != nil {
		set("priority", *p.Priority)
	}
	if p.Done != nil {
		set("done", boolInt(*p.Done))
	}
	if p.DueAt != nil {
		set("due_at", p.DueAt.UnixMilli())
	}
	set("updated_at", s.now().UnixMilli())
	args = append(args, subject, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE subject = ? AND id = ?`, args...)
	if err != nil {
		return Task{}, xerrors.Wrapf(err, "update task %d", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Task{}, ErrNotFound
	}
	return s.Get(ctx, subject, id)
}

func (s *SQLite) Delete(ctx context.Context, subject string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE subject = ? AND id = ?`, subject, id)
	if err != nil {
		return xerrors.Wrapf(err, "delete task %d", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPriorities applies all priorities in one transaction. Ids the
// subject does not own are skipped.
func (s *SQLite) SetPriorities(ctx context.Context, subject string, prio map[int64]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin priority update")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET priority = ?, updated_at = ? WHERE subject = ? AND id = ?`)
	if err != nil {
		return xerrors.Wrap(err, "prepare priority update")
	}
	defer stmt.Close()

	now := s.now().UnixMilli()
	for id, p := range prio {
		if _, err := stmt.ExecContext(ctx, p, now, subject, id); err != nil {
			return xerrors.Wrapf(err, "set priority of task %d", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit priority update")
	}
	return nil
}
