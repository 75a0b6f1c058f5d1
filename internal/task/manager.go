package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"shiftwatch/internal/database"
	"shiftwatch/internal/metrics"
	"shiftwatch/internal/pipeline"
)

// ErrNotFound is returned for unknown task ids
var ErrNotFound = errors.New("task not found")

// ErrClosed is returned when submitting to a stopped manager
var ErrClosed = errors.New("task manager closed")

// Status is the lifecycle state of a task
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Task is one video processing request
type Task struct {
	ID         string     `json:"task_id"`
	Status     Status     `json:"status"`
	VideoPath  string     `json:"video_path"`
	OutDir     string     `json:"out_dir"`
	Message    string     `json:"message,omitempty"`
	Frames     int        `json:"frames"`
	Events     int        `json:"events"`
	Saved      int        `json:"saved"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job processes the task's video. progress reports frames read so far.
type Job func(ctx context.Context, t Task, progress func(frames int)) (*pipeline.Report, error)

// Store persists task state
type Store interface {
	SaveTask(t *database.TaskRecord) error
	GetTask(id string) (*database.TaskRecord, error)
}

// Manager runs tasks on a bounded executor
type Manager struct {
	outputDir string
	sem       *semaphore.Weighted
	store     Store
	logger    *zap.Logger

	tasks map[string]*Task
	mu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewManager creates a manager running at most maxConcurrent jobs.
// store may be nil.
func NewManager(outputDir string, maxConcurrent int, store Store, logger *zap.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		outputDir: outputDir,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		store:     store,
		logger:    logger.Named("task"),
		tasks:     make(map[string]*Task),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit creates a task for videoPath and schedules job. The task's
// output directory is created before Submit returns.
func (m *Manager) Submit(videoPath string, job Job) (Task, error) {
	id := "task_" + uuid.NewString()
	outDir := filepath.Join(m.outputDir, id)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Task{}, fmt.Errorf("failed to create task directory: %w", err)
	}

	t := &Task{
		ID:        id,
		Status:    StatusQueued,
		VideoPath: videoPath,
		OutDir:    outDir,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Task{}, ErrClosed
	}
	m.tasks[id] = t
	m.wg.Add(1)
	snap := *t
	m.mu.Unlock()

	m.persist(snap)
	metrics.TasksTotal.WithLabelValues(string(StatusQueued)).Inc()
	m.logger.Info("task queued", zap.String("task_id", id), zap.String("video", videoPath))

	go m.execute(id, job)
	return snap, nil
}

func (m *Manager) execute(id string, job Job) {
	defer m.wg.Done()

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		m.finish(id, nil, fmt.Errorf("task cancelled before start: %w", err))
		return
	}
	defer m.sem.Release(1)

	now := time.Now()
	snap := m.update(id, func(t *Task) {
		t.Status = StatusRunning
		t.StartedAt = &now
	})
	m.persist(snap)
	metrics.TasksTotal.WithLabelValues(string(StatusRunning)).Inc()
	metrics.ActiveTasks.Inc()
	defer metrics.ActiveTasks.Dec()

	m.logger.Info("task started", zap.String("task_id", id))

	progress := func(frames int) {
		m.update(id, func(t *Task) { t.Frames = frames })
	}

	report, err := job(m.ctx, snap, progress)
	m.finish(id, report, err)
}

func (m *Manager) finish(id string, report *pipeline.Report, err error) {
	now := time.Now()
	snap := m.update(id, func(t *Task) {
		t.FinishedAt = &now
		if err != nil {
			t.Status = StatusError
			t.Message = err.Error()
			return
		}
		t.Status = StatusDone
		if report != nil {
			t.Frames = report.Frames
			t.Events = len(report.Events)
			t.Saved = report.SavedCount()
		}
	})
	m.persist(snap)
	metrics.TasksTotal.WithLabelValues(string(snap.Status)).Inc()

	if err != nil {
		m.logger.Error("task failed", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.logger.Info("task finished",
		zap.String("task_id", id),
		zap.Int("frames", snap.Frames),
		zap.Int("events", snap.Events),
		zap.Int("saved", snap.Saved),
	)
}

// update applies fn under the lock and returns a copy of the result
func (m *Manager) update(id string, fn func(t *Task)) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	fn(t)
	return *t
}

func (m *Manager) persist(t Task) {
	if m.store == nil {
		return
	}
	rec := &database.TaskRecord{
		ID:         t.ID,
		Status:     string(t.Status),
		VideoPath:  t.VideoPath,
		OutDir:     t.OutDir,
		Message:    t.Message,
		Frames:     t.Frames,
		Events:     t.Events,
		Saved:      t.Saved,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if err := m.store.SaveTask(rec); err != nil {
		m.logger.Warn("failed to persist task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// Get returns a task by id. Tasks from earlier server runs are read
// from the store.
func (m *Manager) Get(id string) (Task, error) {
	m.mu.RLock()
	t, ok := m.tasks[id]
	if ok {
		snap := *t
		m.mu.RUnlock()
		return snap, nil
	}
	m.mu.RUnlock()

	if m.store == nil {
		return Task{}, ErrNotFound
	}
	rec, err := m.store.GetTask(id)
	if err != nil {
		return Task{}, err
	}
	if rec == nil {
		return Task{}, ErrNotFound
	}
	return Task{
		ID:         rec.ID,
		Status:     Status(rec.Status),
		VideoPath:  rec.VideoPath,
		OutDir:     rec.OutDir,
		Message:    rec.Message,
		Frames:     rec.Frames,
		Events:     rec.Events,
		Saved:      rec.Saved,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}, nil
}

// List returns the tasks of this server run, newest first
func (m *Manager) List() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Len returns the number of tasks of this server run
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Shutdown cancels running jobs and waits for them to return
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running: %w", ctx.Err())
	}
}
