package journal

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chazu/transpipe/pipeline"
)

// Counts returns the number of events per kind for run.
func (j *Journal) Counts(run uuid.UUID) (map[pipeline.EventKind]int, error) {
	rows, err := j.db.Query("SELECT kind, COUNT(*) FROM events WHERE run = ? GROUP BY kind", run.String())
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[pipeline.EventKind(kind)] = n
	}
	return counts, rows.Err()
}

// Order returns the methods of run's events of one kind in one stage, in
// the order they were recorded.
func (j *Journal) Order(run uuid.UUID, kind pipeline.EventKind, stage pipeline.StageKind) ([]string, error) {
	rows, err := j.db.Query(
		"SELECT method FROM events WHERE run = ? AND kind = ? AND stage = ? ORDER BY seq",
		run.String(), string(kind), stage.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	defer rows.Close()

	var methods []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scanning method: %w", err)
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// Events decodes every event of run in recording order.
func (j *Journal) Events(run uuid.UUID) ([]pipeline.Event, error) {
	rows, err := j.db.Query("SELECT payload FROM events WHERE run = ? ORDER BY seq", run.String())
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning payload: %w", err)
		}
		ev, err := unmarshalEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Runs lists the runs stored in the database.
func (j *Journal) Runs() ([]uuid.UUID, error) {
	rows, err := j.db.Query("SELECT DISTINCT run FROM events ORDER BY run")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing run %q: %w", s, err)
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}
