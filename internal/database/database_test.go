package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftwatch/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "shiftwatch.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Migrate())
}

func TestTaskRoundTrip(t *testing.T) {
	db := openTestDB(t)

	created := time.Now().Add(-time.Minute)
	task := &TaskRecord{
		ID:        "task_a",
		Status:    "queued",
		VideoPath: "/videos/a.mp4",
		OutDir:    "/out/task_a",
		CreatedAt: created,
	}
	require.NoError(t, db.SaveTask(task))

	got, err := db.GetTask("task_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "/videos/a.mp4", got.VideoPath)
	assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	started := time.Now()
	task.Status = "done"
	task.StartedAt = &started
	task.FinishedAt = &started
	task.Frames, task.Events, task.Saved = 100, 2, 2
	require.NoError(t, db.SaveTask(task))

	got, err = db.GetTask("task_a")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 100, got.Frames)
	assert.Equal(t, 2, got.Saved)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)

	missing, err := db.GetTask("task_missing")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListTasksNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Now()
	for i, id := range []string{"task_old", "task_mid", "task_new"} {
		require.NoError(t, db.SaveTask(&TaskRecord{
			ID: id, Status: "done", VideoPath: "v", OutDir: "o",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	tasks, err := db.ListTasks(2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task_new", tasks[0].ID)
	assert.Equal(t, "task_mid", tasks[1].ID)
}

func TestLedgerUpsertsEvents(t *testing.T) {
	db := openTestDB(t)
	bus := pipeline.NewEventBus()
	ledger := NewLedger(db, nil)
	t.Cleanup(ledger.Close)
	unsubscribe := bus.Subscribe(ledger)
	defer unsubscribe()

	wall := time.Now().Add(-time.Hour)
	ev := pipeline.ViolationEvent{
		ID:            1,
		Classes:       []string{"no_glove"},
		Confidences:   []float64{0.8},
		BBox:          pipeline.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40},
		FrameIndex:    20,
		TimeSec:       2,
		WallTimeFirst: wall,
	}
	now := time.Now()
	bus.Publish(pipeline.EventUpdate{RunID: "task_a", Kind: pipeline.UpdateCreated, Event: ev, Timestamp: now})

	ev.Classes = append(ev.Classes, "no_head")
	ev.Confidences = append(ev.Confidences, 0.6)
	ev.Status = pipeline.StatusSaved
	ev.ClipPath = "/out/task_a/clips/event_1_no_glove_no_head_2s.mp4"
	bus.Publish(pipeline.EventUpdate{RunID: "task_a", Kind: pipeline.UpdateSaved, Event: ev, Timestamp: now.Add(time.Second)})

	bus.Publish(pipeline.EventUpdate{
		RunID: "task_b", Kind: pipeline.UpdateCreated, Timestamp: now.Add(2 * time.Second),
		Event: pipeline.ViolationEvent{ID: 1, Classes: []string{"floor"}, Confidences: []float64{0.9}},
	})
	ledger.Flush()

	events, err := db.ListEvents("task_a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "updates to the same event share one row")

	got := events[0]
	assert.Equal(t, []string{"no_glove", "no_head"}, got.Classes)
	assert.Equal(t, []float64{0.8, 0.6}, got.Confidences)
	assert.Equal(t, pipeline.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40}, got.BBox)
	assert.Equal(t, "saved", got.Status)
	assert.Equal(t, "saved", got.LastUpdate)
	assert.Equal(t, ev.ClipPath, got.ClipPath)
	assert.WithinDuration(t, wall, got.WallTimeFirst, time.Millisecond)

	all, err := db.ListEvents("", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "task_b", all[0].TaskID)

	byID, err := db.GetEvent(got.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "task_a", byID.TaskID)

	missing, err := db.GetEvent(9999)
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerKeepsLatestUpdate(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db, nil)

	now := time.Now()
	ev := pipeline.ViolationEvent{ID: 4, Classes: []string{"no_helmet"}, Confidences: []float64{0.7}}
	for i, st := range []pipeline.EventStatus{
		pipeline.StatusOpen, pipeline.StatusEnqueued, pipeline.StatusSaved, pipeline.StatusOpen,
	} {
		ev.Status = st
		ledger.OnEventUpdate(pipeline.EventUpdate{
			RunID: "task_a", Kind: pipeline.UpdateMerged, Event: ev,
			Timestamp: now.Add(time.Duration(i) * time.Millisecond),
		})
	}

	// Close stores whatever is still queued
	ledger.Close()
	ledger.Close()

	events, err := db.ListEvents("task_a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "open", events[0].Status)
}

func TestLedgerDoesNotWaitOnDatabase(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db, nil)
	t.Cleanup(ledger.Close)

	// Hold the writer so queued updates cannot reach sqlite yet
	ledger.writeMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 100; i++ {
			ledger.OnEventUpdate(pipeline.EventUpdate{
				RunID: "task_a", Kind: pipeline.UpdateCreated, Timestamp: time.Now(),
				Event: pipeline.ViolationEvent{ID: i, Classes: []string{"no_glove"}, Confidences: []float64{0.5}},
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEventUpdate blocked on the writer")
	}
	ledger.writeMu.Unlock()

	ledger.Flush()
	events, err := db.ListEvents("task_a", 0)
	require.NoError(t, err)
	assert.Len(t, events, 100)
}
