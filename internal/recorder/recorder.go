// Package recorder shadows every broker call into an append-only JSONL
// file. Recording is asynchronous and lossy under pressure: a full
// queue drops entries rather than stalling the trading loop.
package recorder

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const queueCapacity = 10000

// Entry is one recorded broker call.
type Entry struct {
	TS        float64 `json:"ts"`
	Method    string  `json:"method"`
	Args      []any   `json:"args"`
	Result    any     `json:"result"`
	Error     *string `json:"error"`
	LatencyMS int64   `json:"latency_ms"`
}

type sessionMeta struct {
	Meta struct {
		SessionID string `json:"session_id"`
		CreatedAt string `json:"created_at"`
		Type      string `json:"type"`
	} `json:"meta"`
}

// AsyncRecorder owns the JSONL file and the background writer.
type AsyncRecorder struct {
	queue  chan Entry
	done   chan struct{}
	logger *log.Logger
}

// NewAsyncRecorder opens path for appending and starts the writer
// goroutine. A fresh file gets a session_start metadata line.
func NewAsyncRecorder(path string, logger *log.Logger) (*AsyncRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record file: %w", err)
	}

	r := &AsyncRecorder{
		queue:  make(chan Entry, queueCapacity),
		done:   make(chan struct{}),
		logger: logger,
	}

	if info, err := f.Stat(); err == nil && info.Size() == 0 {
		var meta sessionMeta
		meta.Meta.SessionID = uuid.NewString()
		meta.Meta.CreatedAt = time.Now().Format(time.RFC3339)
		meta.Meta.Type = "session_start"
		if raw, err := json.Marshal(meta); err == nil {
			_, _ = f.Write(append(raw, '\n'))
		}
	}

	go r.writeLoop(f)
	return r, nil
}

// Record enqueues an entry without blocking. Drops when the writer
// cannot keep up; trading takes priority over its shadow log.
func (r *AsyncRecorder) Record(method string, args []any, result any, callErr error, latency time.Duration) {
	entry := Entry{
		TS:        float64(time.Now().UnixNano()) / float64(time.Second),
		Method:    method,
		Args:      args,
		Result:    result,
		LatencyMS: latency.Milliseconds(),
	}
	if callErr != nil {
		msg := callErr.Error()
		entry.Error = &msg
	}

	select {
	case r.queue <- entry:
	default:
		r.logger.Printf("recorder queue full, dropping %s entry", method)
	}
}

func (r *AsyncRecorder) writeLoop(f *os.File) {
	defer close(r.done)
	defer func() {
		if err := f.Close(); err != nil {
			r.logger.Printf("failed to close record file: %v", err)
		}
	}()

	enc := json.NewEncoder(f)
	for entry := range r.queue {
		if err := enc.Encode(entry); err != nil {
			r.logger.Printf("record write error: %v", err)
		}
	}
}

// Close drains pending entries and closes the file. Waits at most five
// seconds for the writer to finish.
func (r *AsyncRecorder) Close() error {
	close(r.queue)
	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("recorder drain timed out")
	}
}
