package database

import (
	"sync"

	"go.uber.org/zap"

	"shiftwatch/internal/pipeline"
)

type ledgerKey struct {
	taskID  string
	eventID int
}

// Ledger mirrors event lifecycle updates into the events table.
// Updates are queued and written by a background goroutine so the frame
// loop never waits on sqlite. Pending updates for the same event coalesce
// into the latest snapshot.
type Ledger struct {
	db     *Database
	logger *zap.Logger

	mu      sync.Mutex
	pending map[ledgerKey]*EventRecord
	order   []ledgerKey

	writeMu sync.Mutex
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLedger creates a ledger writing to db and starts its writer.
// Close must be called to flush and stop it.
func NewLedger(db *Database, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		db:      db,
		logger:  logger.Named("ledger"),
		pending: make(map[ledgerKey]*EventRecord),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// OnEventUpdate queues the event snapshot carried by update. It never
// blocks on the database.
func (l *Ledger) OnEventUpdate(update pipeline.EventUpdate) {
	ev := update.Event
	rec := &EventRecord{
		TaskID:        update.RunID,
		EventID:       ev.ID,
		Classes:       ev.Classes,
		Confidences:   ev.Confidences,
		BBox:          ev.BBox,
		FrameIndex:    ev.FrameIndex,
		TimeSec:       ev.TimeSec,
		WallTimeFirst: ev.WallTimeFirst,
		Status:        ev.Status.String(),
		LastUpdate:    string(update.Kind),
		ClipPath:      ev.ClipPath,
		UpdatedAt:     update.Timestamp,
	}
	key := ledgerKey{taskID: update.RunID, eventID: ev.ID}

	l.mu.Lock()
	if _, queued := l.pending[key]; !queued {
		l.order = append(l.order, key)
	}
	l.pending[key] = rec
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush writes every update queued so far and returns once they are stored
func (l *Ledger) Flush() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	batch := make([]*EventRecord, 0, len(l.order))
	for _, key := range l.order {
		batch = append(batch, l.pending[key])
	}
	l.pending = make(map[ledgerKey]*EventRecord)
	l.order = nil
	l.mu.Unlock()

	for _, rec := range batch {
		if err := l.db.SaveEvent(rec); err != nil {
			l.logger.Warn("failed to record event update",
				zap.String("run_id", rec.TaskID),
				zap.Int("event_id", rec.EventID),
				zap.String("kind", rec.LastUpdate),
				zap.Error(err),
			)
		}
	}
}

// Close stops the writer after storing everything still queued
func (l *Ledger) Close() {
	l.once.Do(func() { close(l.stopCh) })
	<-l.done
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stopCh:
			l.Flush()
			return
		case <-l.wake:
			l.Flush()
		}
	}
}

// Ensure Ledger implements pipeline.EventUpdateHandler
var _ pipeline.EventUpdateHandler = (*Ledger)(nil)
