package search

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Record is one measured candidate in the tuning log, one JSON object
// per line. Schedule carries the state's canonical encoding, so a log
// line is enough to replay the schedule.
type Record struct {
	ID          string          `json:"id"`
	WorkloadKey string          `json:"workload_key"`
	Schedule    json.RawMessage `json:"schedule"`
	Instance    []int64         `json:"instance,omitempty"`
	Costs       []float64       `json:"costs"`
	ErrNo       int             `json:"err_no,omitempty"`
	ErrMsg      string          `json:"err_msg,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RecordLog appends measurement records to a JSONL stream.
type RecordLog struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

// OpenRecordLog opens (or creates) a JSONL record file for appending.
func OpenRecordLog(path string) (*RecordLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record log: %w", err)
	}
	return &RecordLog{w: f, c: f}, nil
}

// NewRecordLog wraps an arbitrary writer, for tests and pipes.
func NewRecordLog(w io.Writer) *RecordLog {
	return &RecordLog{w: w}
}

// Append writes one line per measured input.
func (l *RecordLog) Append(inputs []MeasureInput, results []MeasureResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, in := range inputs {
		rec := Record{
			ID:          in.ID,
			WorkloadKey: in.Task.WorkloadKey,
			Schedule:    json.RawMessage(in.State.CanonKey()),
			Instance:    in.Instance,
			Costs:       results[i].Costs,
			ErrNo:       results[i].ErrNo,
			ErrMsg:      results[i].ErrMsg,
			Timestamp:   time.Now().UTC(),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := l.w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write record log: %w", err)
		}
	}
	return nil
}

func (l *RecordLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}

// ReadRecords parses a JSONL record stream back into records.
func ReadRecords(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("parse record log: %w", err)
		}
		out = append(out, rec)
	}
}
