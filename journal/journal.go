// Package journal stores pipeline events in SQLite so scheduling runs can be
// inspected and compared after the fact.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/transpipe/pipeline"
)

var log = commonlog.GetLogger("transpipe.journal")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

// Options tunes the background writer.
type Options struct {
	// Run identifies this run's events. A new UUID is used if zero.
	Run uuid.UUID
	// BatchSize is the number of events written per transaction.
	BatchSize int
	// FlushInterval bounds how long an event waits before being written.
	FlushInterval time.Duration
}

type row struct {
	seq     uint64
	kind    string
	method  string
	stage   string
	payload []byte

	// ack is set for Sync requests instead of an event.
	ack chan error
}

// Journal is a pipeline.EventSink backed by SQLite. Events are encoded and
// queued by Record and written in batches by one goroutine.
type Journal struct {
	db   *sql.DB
	path string
	run  uuid.UUID
	opts Options

	mu     sync.RWMutex
	closed bool
	rows   chan row
	seq    atomic.Uint64
	wg     sync.WaitGroup

	failed atomic.Uint64
}

// Open opens or creates the journal database at path.
func Open(path string, opts Options) (*Journal, error) {
	if opts.Run == uuid.Nil {
		opts.Run = uuid.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One writer goroutine; a single connection avoids SQLITE_BUSY between
	// the writer and queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS events (
		run TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		method TEXT NOT NULL,
		stage TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (run, seq)
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	j := &Journal{
		db:   db,
		path: path,
		run:  opts.Run,
		opts: opts,
		rows: make(chan row, 4*opts.BatchSize),
	}
	j.wg.Add(1)
	go j.writer()
	log.Infof("journal %s opened for run %s", path, j.run)
	return j, nil
}

// Run is the identifier of the events recorded by this journal.
func (j *Journal) Run() uuid.UUID {
	return j.run
}

// Record implements pipeline.EventSink. Events recorded after Close are
// dropped.
func (j *Journal) Record(ev pipeline.Event) {
	payload, err := marshalEvent(ev)
	if err != nil {
		j.failed.Add(1)
		log.Errorf("encoding %s event: %s", ev.Kind, err)
		return
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	j.rows <- row{
		seq:     j.seq.Add(1),
		kind:    string(ev.Kind),
		method:  ev.Method,
		stage:   ev.Stage.String(),
		payload: payload,
	}
}

// Sync blocks until every event recorded before it is written.
func (j *Journal) Sync() error {
	ack := make(chan error, 1)
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.rows <- row{ack: ack}
	j.mu.RUnlock()
	return <-ack
}

// Failed is the number of events that could not be encoded or written.
func (j *Journal) Failed() uint64 {
	return j.failed.Load()
}

// Close flushes pending events and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.rows)
	j.mu.Unlock()

	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writer() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	var batch []row
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := j.write(batch)
		if err != nil {
			j.failed.Add(uint64(len(batch)))
			log.Errorf("writing %d events: %s", len(batch), err)
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case r, ok := <-j.rows:
			if !ok {
				flush()
				return
			}
			if r.ack != nil {
				r.ack <- flush()
				continue
			}
			batch = append(batch, r)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (j *Journal) write(batch []row) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO events (run, seq, kind, method, stage, payload) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	run := j.run.String()
	for _, r := range batch {
		if _, err := stmt.Exec(run, int64(r.seq), r.kind, r.method, r.stage, r.payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting event %d: %w", r.seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	return nil
}
