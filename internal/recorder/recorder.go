// Package recorder writes reconciliation pass traces as rotated JSONL files
// and keeps the most recent entries in memory.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// MaxRotatedFiles is how many trace files survive rotation.
	MaxRotatedFiles = 3
	// DefaultDir is used when no trace directory is configured.
	DefaultDir = "data/traces"
	// RecentLimit bounds the in-memory tail.
	RecentLimit = 256
)

// Event is one trace line.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder appends events to the current trace file. It is safe for
// concurrent use by several session engines.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	path     string
	recent   []Event
}

// NewRecorder ensures basePath exists.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = DefaultDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a fresh trace file named after label, rotating old ones.
func (r *Recorder) Start(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file, r.encoder = nil, nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	path := filepath.Join(r.basePath, fmt.Sprintf("passes_%s_%d.jsonl", label, time.Now().UnixMilli()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	r.file = f
	r.path = path
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log records one event. Without an open file the event is only kept in memory.
func (r *Recorder) Log(eventType, sessionID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evt := Event{Timestamp: time.Now(), Type: eventType, SessionID: sessionID, Data: data}
	r.recent = append(r.recent, evt)
	if len(r.recent) > RecentLimit {
		r.recent = r.recent[len(r.recent)-RecentLimit:]
	}
	if r.encoder != nil {
		_ = r.encoder.Encode(evt)
	}
}

// Recent returns up to n of the newest events for sessionID, oldest first.
// An empty sessionID matches every session.
func (r *Recorder) Recent(sessionID string, n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for i := len(r.recent) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if sessionID == "" || r.recent[i].SessionID == sessionID {
			out = append(out, r.recent[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Path is the current trace file, "" before Start.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// rotate keeps the newest MaxRotatedFiles-1 traces to make room for a new one.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}
	if len(traces) < MaxRotatedFiles {
		return nil
	}

	sort.Slice(traces, func(i, j int) bool { return traces[i].mod.After(traces[j].mod) })
	for _, t := range traces[MaxRotatedFiles-1:] {
		_ = os.Remove(filepath.Join(r.basePath, t.name))
	}
	return nil
}

// Close finishes the current trace file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.encoder = nil, nil
	return err
}
