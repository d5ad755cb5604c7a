package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gojobs/pkg/job"
)

func decodeLines(t *testing.T, s string) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), "line: %s", line)
		out = append(out, rec)
	}
	return out
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "diamond")

	assert.Equal(t, "run-123", w.RunID())
	assert.Equal(t, "diamond", w.workload)
}

func TestNewJSONLWriter_GeneratesRunID(t *testing.T) {
	w := NewJSONLWriter(io.Discard, "", "chain")

	_, err := uuid.Parse(w.RunID())
	assert.NoError(t, err)
	assert.NotEqual(t, w.RunID(), NewJSONLWriter(io.Discard, "", "chain").RunID())
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "batch")

	err := w.WriteJob(context.Background(), &JobRecord{Label: "physics", Count: 12, Average: 250 * time.Microsecond})
	require.NoError(t, err)

	records := decodeLines(t, buf.String())
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, TypeJob, rec.Type)
	assert.Equal(t, "run-123", rec.RunID)
	assert.Equal(t, "batch", rec.Workload)
	assert.False(t, rec.TS.IsZero())

	var data JobRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, "physics", data.Label)
	assert.Equal(t, int64(12), data.Count)
	assert.Equal(t, 250*time.Microsecond, data.Average)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "batch")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodePanic,
		Message: "kernel panicked",
		Label:   "render",
	})
	require.NoError(t, err)

	rec := decodeLines(t, buf.String())[0]
	assert.Equal(t, TypeError, rec.Type)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, ErrCodePanic, data.Code)
	assert.Equal(t, "render", data.Label)
}

func TestJSONLWriter_WriteProgressAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "random")
	ctx := context.Background()

	require.NoError(t, w.WriteProgress(ctx, &ProgressRecord{Phase: PhaseExecuting, Completed: 5, Total: 10, Pending: 5}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Jobs:          10,
		Workers:       4,
		Scheduler:     "round_robin",
		Stealing:      true,
		Duration:      2 * time.Second,
		DurationHuman: "2s",
		Labels:        []string{"a", "b"},
	}))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 2)
	assert.Equal(t, TypeProgress, records[0].Type)
	assert.Equal(t, TypeSummary, records[1].Type)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(records[1].Data, &sum))
	assert.Equal(t, int64(10), sum.Jobs)
	assert.Equal(t, 2*time.Second, sum.Duration)
	assert.Equal(t, []string{"a", "b"}, sum.Labels)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "chain")

	for i := range 3 {
		require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Label: "x", Count: int64(i)}))
	}

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "chain")

	require.NoError(t, w.Close())

	err := w.WriteJob(context.Background(), &JobRecord{Label: "x"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "batch")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	for i := range numWriters {
		wg.Go(func() {
			for j := range writesPerWriter {
				_ = w.WriteJob(context.Background(), &JobRecord{Label: "l", Count: int64(i*writesPerWriter + j)})
			}
		})
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "chain")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{Label: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "chain")

	err := w.WriteJob(context.Background(), &JobRecord{Label: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 7}
	w := NewJSONLWriter(sw, "run-123", "chain")

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{Jobs: 100, Workers: 8}))

	records := decodeLines(t, sw.buf.String())
	require.Len(t, records, 1)
	assert.Equal(t, TypeSummary, records[0].Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(zeroWriteWriter{}, "run-123", "chain")

	err := w.WriteJob(context.Background(), &JobRecord{Label: "x"})
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "report: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(&ErrorRecord{Code: ErrCodeInternal, Message: "boom"})
	require.NoError(t, err)

	assert.NotContains(t, string(b), "label")
	assert.NotContains(t, string(b), "details")
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "chain")

	stats := job.Stats{
		Workers: 2,
		PerWorker: []job.WorkerSnapshot{
			{TID: 0, State: "foreground", Executed: 3, Totals: job.WorkerStats{Executed: 3, Cycles: 3, ActiveTime: time.Second, IdleTime: time.Second}},
			{TID: 1, State: "running", Executed: 7, Stolen: 2, Totals: job.WorkerStats{Executed: 7, Cycles: 0}},
		},
	}
	require.NoError(t, WriteStats(context.Background(), w, stats))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 2)

	var first, second WorkerRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &first))
	require.NoError(t, json.Unmarshal(records[1].Data, &second))
	assert.Equal(t, TypeWorker, records[0].Type)
	assert.Equal(t, "foreground", first.State)
	assert.InDelta(t, 0.5, first.ActivityRatio, 1e-9)
	assert.InDelta(t, 1.0, first.JobsPerCycle, 1e-9)
	assert.Equal(t, int64(2), second.Stolen)
	assert.Zero(t, second.JobsPerCycle)
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	return sw.buf.Write(p[:min(len(p), sw.bytesPerWrite)])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) {
	return 0, nil
}
