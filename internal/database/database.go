package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"shiftwatch/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// TaskRecord represents a processing task stored in the database
type TaskRecord struct {
	ID         string
	Status     string
	VideoPath  string
	OutDir     string
	Message    string
	Frames     int
	Events     int
	Saved      int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// EventRecord represents a violation event stored in the database
type EventRecord struct {
	ID            int64
	TaskID        string
	EventID       int
	Classes       []string
	Confidences   []float64
	BBox          pipeline.BBox
	FrameIndex    int
	TimeSec       float64
	WallTimeFirst time.Time
	Status        string
	LastUpdate    string // Kind of the most recent lifecycle update
	ClipPath      string
	UpdatedAt     time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Store times in a sortable layout instead of time.Time.String()
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			video_path TEXT NOT NULL,
			out_dir TEXT NOT NULL,
			message TEXT DEFAULT '',
			frames INTEGER DEFAULT 0,
			events INTEGER DEFAULT 0,
			saved INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			class_names TEXT NOT NULL,
			confs TEXT NOT NULL,
			bbox TEXT NOT NULL,
			frame_idx INTEGER NOT NULL,
			time_s REAL NOT NULL,
			wall_time_first DATETIME,
			status TEXT NOT NULL,
			last_update TEXT NOT NULL,
			clip_path TEXT DEFAULT '',
			updated_at DATETIME NOT NULL,
			UNIQUE (task_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_updated ON events(updated_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveTask saves or updates a task
func (d *Database) SaveTask(t *TaskRecord) error {
	query := `INSERT INTO tasks
		(id, status, video_path, out_dir, message, frames, events, saved, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			frames = excluded.frames,
			events = excluded.events,
			saved = excluded.saved,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`

	_, err := d.db.Exec(query, t.ID, t.Status, t.VideoPath, t.OutDir, t.Message,
		t.Frames, t.Events, t.Saved, t.CreatedAt.UTC(), nullTime(t.StartedAt), nullTime(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

const taskColumns = `id, status, video_path, out_dir, message, frames, events, saved, created_at, started_at, finished_at`

// GetTask retrieves a task by ID. Returns nil when the task does not exist.
func (d *Database) GetTask(id string) (*TaskRecord, error) {
	t, err := scanTask(d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns the most recent tasks first
func (d *Database) ListTasks(limit int) ([]*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveEvent inserts or refreshes the ledger row for an event
func (d *Database) SaveEvent(e *EventRecord) error {
	classes, err := json.Marshal(e.Classes)
	if err != nil {
		return fmt.Errorf("failed to marshal classes: %w", err)
	}
	confs, err := json.Marshal(e.Confidences)
	if err != nil {
		return fmt.Errorf("failed to marshal confidences: %w", err)
	}
	bbox, err := json.Marshal(e.BBox.Values())
	if err != nil {
		return fmt.Errorf("failed to marshal bbox: %w", err)
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}

	query := `INSERT INTO events
		(task_id, event_id, class_names, confs, bbox, frame_idx, time_s, wall_time_first,
		 status, last_update, clip_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, event_id) DO UPDATE SET
			class_names = excluded.class_names,
			confs = excluded.confs,
			bbox = excluded.bbox,
			frame_idx = excluded.frame_idx,
			time_s = excluded.time_s,
			wall_time_first = excluded.wall_time_first,
			status = excluded.status,
			last_update = excluded.last_update,
			clip_path = excluded.clip_path,
			updated_at = excluded.updated_at`

	_, err = d.db.Exec(query, e.TaskID, e.EventID, string(classes), string(confs), string(bbox),
		e.FrameIndex, e.TimeSec, e.WallTimeFirst.UTC(), e.Status, e.LastUpdate, e.ClipPath, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

const eventColumns = `id, task_id, event_id, class_names, confs, bbox, frame_idx, time_s,
	wall_time_first, status, last_update, clip_path, updated_at`

// GetEvent retrieves an event by ledger ID. Returns nil when it does not exist.
func (d *Database) GetEvent(id int64) (*EventRecord, error) {
	e, err := scanEvent(d.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// ListEvents returns events, newest update first, optionally for one task
func (d *Database) ListEvents(taskID string, limit int) ([]*EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}

	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}

	query += " ORDER BY updated_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*TaskRecord, error) {
	var (
		t                 TaskRecord
		started, finished sql.NullTime
	)
	if err := s.Scan(&t.ID, &t.Status, &t.VideoPath, &t.OutDir, &t.Message, &t.Frames,
		&t.Events, &t.Saved, &t.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if finished.Valid {
		t.FinishedAt = &finished.Time
	}
	return &t, nil
}

func scanEvent(s scanner) (*EventRecord, error) {
	var (
		e                    EventRecord
		classes, confs, bbox string
		wallFirst            sql.NullTime
	)
	if err := s.Scan(&e.ID, &e.TaskID, &e.EventID, &classes, &confs, &bbox, &e.FrameIndex,
		&e.TimeSec, &wallFirst, &e.Status, &e.LastUpdate, &e.ClipPath, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if wallFirst.Valid {
		e.WallTimeFirst = wallFirst.Time
	}

	if err := json.Unmarshal([]byte(classes), &e.Classes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classes: %w", err)
	}
	if err := json.Unmarshal([]byte(confs), &e.Confidences); err != nil {
		return nil, fmt.Errorf("failed to unmarshal confidences: %w", err)
	}
	var coords []int
	if err := json.Unmarshal([]byte(bbox), &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bbox: %w", err)
	}
	if len(coords) == 4 {
		e.BBox = pipeline.BBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
