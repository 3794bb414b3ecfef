// Package ledger records everything a worker did — claims, invocations,
// terminal moves, queue snapshots — as one JSON document per worker. The
// ledger is diagnostic: it is never consulted for correctness, only for
// post-hoc debugging and liveness inspection. Every flush rewrites the whole
// document atomically (temp name, fsync, rename) so an external reader never
// observes a partial write.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// outputSnip bounds captured stdout/stderr per invocation entry.
const outputSnip = 2000

// Document is the serialized form of a worker ledger.
type Document struct {
	WorkerID      string            `json:"worker_id"`
	Hostname      string            `json:"hostname"`
	CorrelationID string            `json:"correlation_id"`
	StartTime     time.Time         `json:"start_time"`
	Params        map[string]string `json:"params,omitempty"`

	QueueSnapshots []QueueSnapshot   `json:"queue_snapshots"`
	Claims         []ClaimEntry      `json:"claims"`
	Invocations    []InvocationEntry `json:"invocations"`
	Moves          []MoveEntry       `json:"moves"`
	Messages       []Message         `json:"messages,omitempty"`
}

type QueueSnapshot struct {
	Timestamp time.Time `json:"ts"`
	Files     []string  `json:"files"`
}

type ClaimEntry struct {
	Timestamp time.Time `json:"ts"`
	Basename  string    `json:"basename"`
	Path      string    `json:"path"`
}

type InvocationEntry struct {
	Timestamp  time.Time `json:"ts"`
	Group      string    `json:"group"`
	InputFiles []string  `json:"input_files"`
	Attempt    int       `json:"attempt"`
	ExitCode   int       `json:"exit_code"`
	Success    bool      `json:"success"`
	StdoutSnip string    `json:"stdout_snip,omitempty"`
	StderrSnip string    `json:"stderr_snip,omitempty"`
}

type MoveEntry struct {
	Timestamp time.Time `json:"ts"`
	Basename  string    `json:"basename"`
	Src       string    `json:"src"`
	Dest      string    `json:"dest"`
	Result    string    `json:"result"`
}

type Message struct {
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"msg"`
}

// Move entry results.
const (
	MoveResultMoved    = "moved"
	MoveResultNotFound = "not_found"
)

// Ledger accumulates a worker's Document and flushes it atomically.
// Safe for concurrent use.
type Ledger struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// New creates a ledger that flushes to path.
func New(path, workerID string, params map[string]string) *Ledger {
	hostname, _ := os.Hostname()
	return &Ledger{
		path: path,
		doc: Document{
			WorkerID:      workerID,
			Hostname:      hostname,
			CorrelationID: uuid.New().String(),
			StartTime:     time.Now().UTC(),
			Params:        params,
		},
	}
}

// Path returns the flush destination.
func (l *Ledger) Path() string { return l.path }

func (l *Ledger) RecordQueueSnapshot(files []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.QueueSnapshots = append(l.doc.QueueSnapshots, QueueSnapshot{
		Timestamp: time.Now().UTC(),
		Files:     files,
	})
}

func (l *Ledger) RecordClaim(basename, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Claims = append(l.doc.Claims, ClaimEntry{
		Timestamp: time.Now().UTC(),
		Basename:  basename,
		Path:      path,
	})
}

func (l *Ledger) RecordInvocation(group string, inputFiles []string, attempt, exitCode int, success bool, stdout, stderr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Invocations = append(l.doc.Invocations, InvocationEntry{
		Timestamp:  time.Now().UTC(),
		Group:      group,
		InputFiles: inputFiles,
		Attempt:    attempt,
		ExitCode:   exitCode,
		Success:    success,
		StdoutSnip: snip(stdout),
		StderrSnip: snip(stderr),
	})
}

func (l *Ledger) RecordMove(basename, src, dest, result string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Moves = append(l.doc.Moves, MoveEntry{
		Timestamp: time.Now().UTC(),
		Basename:  basename,
		Src:       src,
		Dest:      dest,
		Result:    result,
	})
}

func (l *Ledger) Message(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Messages = append(l.doc.Messages, Message{
		Timestamp: time.Now().UTC(),
		Text:      text,
	})
}

// ClaimCount returns the number of recorded claims.
func (l *Ledger) ClaimCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Claims)
}

// Flush writes the document atomically: temp file in the same directory,
// fsync, then rename over the final name.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	data, err := json.MarshalIndent(l.doc, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d.%d", l.path, os.Getpid(), time.Now().UnixMilli())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename ledger file: %w", err)
	}
	return nil
}

// WriteHeartbeat rewrites the heartbeat file with the current timestamp.
// The heartbeat is a liveness probe for operators, not consumed by other
// actors.
func WriteHeartbeat(path string) error {
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

func snip(s string) string {
	if len(s) > outputSnip {
		return s[:outputSnip]
	}
	return s
}
