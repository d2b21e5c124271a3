package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/transpipe/pipeline"
)

func openTemp(t *testing.T, opts Options) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func event(kind pipeline.EventKind, method string, stage pipeline.StageKind, priority float64) pipeline.Event {
	return pipeline.Event{
		Kind:     kind,
		Ticket:   uuid.NewString(),
		Method:   method,
		Stage:    stage,
		Priority: priority,
		High:     priority >= 0.75,
		At:       time.Unix(1700000000, 42),
	}
}

func TestCodecRoundTrip(t *testing.T) {
	ev := event(pipeline.EventPromoted, "m", pipeline.StageOptimizer, 0.8)
	data, err := marshalEvent(ev)
	require.NoError(t, err)
	again, err := marshalEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical encoding must be deterministic")

	got, err := unmarshalEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, ev.Method, got.Method)
	assert.Equal(t, ev.Stage, got.Stage)
	assert.Equal(t, ev.Priority, got.Priority)
	assert.True(t, ev.At.Equal(got.At))
}

func TestRecordAndQuery(t *testing.T) {
	j := openTemp(t, Options{BatchSize: 2})

	j.Record(event(pipeline.EventEnqueued, "a", pipeline.StageCIL, 0.1))
	j.Record(event(pipeline.EventEnqueued, "b", pipeline.StageCIL, 0.9))
	j.Record(event(pipeline.EventDequeued, "b", pipeline.StageCIL, 0.9))
	j.Record(event(pipeline.EventDequeued, "a", pipeline.StageCIL, 0.1))
	j.Record(pipeline.Event{Kind: pipeline.EventPoolGrown, Stage: pipeline.StageCctor, Threads: 8})
	require.NoError(t, j.Sync())

	counts, err := j.Counts(j.Run())
	require.NoError(t, err)
	assert.Equal(t, map[pipeline.EventKind]int{
		pipeline.EventEnqueued:  2,
		pipeline.EventDequeued:  2,
		pipeline.EventPoolGrown: 1,
	}, counts)

	order, err := j.Order(j.Run(), pipeline.EventDequeued, pipeline.StageCIL)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)

	events, err := j.Events(j.Run())
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, pipeline.EventPoolGrown, events[4].Kind)
	assert.Equal(t, 8, events[4].Threads)
	assert.Zero(t, j.Failed())
}

func TestFlushInterval(t *testing.T) {
	j := openTemp(t, Options{BatchSize: 1000, FlushInterval: 10 * time.Millisecond})
	j.Record(event(pipeline.EventCreated, "a", pipeline.StageCIL, 0.5))

	assert.Eventually(t, func() bool {
		counts, err := j.Counts(j.Run())
		return err == nil && counts[pipeline.EventCreated] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunsAreSeparate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	first, err := Open(path, Options{})
	require.NoError(t, err)
	first.Record(event(pipeline.EventFinished, "a", pipeline.StageCctor, 1))
	require.NoError(t, first.Close())

	second, err := Open(path, Options{})
	require.NoError(t, err)
	defer second.Close()
	second.Record(event(pipeline.EventFinished, "b", pipeline.StageCctor, 1))
	second.Record(event(pipeline.EventFinished, "c", pipeline.StageCctor, 1))
	require.NoError(t, second.Sync())

	runs, err := second.Runs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{first.Run(), second.Run()}, runs)

	counts, err := second.Counts(first.Run())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[pipeline.EventFinished])
	counts, err = second.Counts(second.Run())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[pipeline.EventFinished])
}

func TestClosed(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), Options{})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	j.Record(event(pipeline.EventCreated, "late", pipeline.StageCIL, 0))
	assert.ErrorIs(t, j.Sync(), ErrClosed)
}
