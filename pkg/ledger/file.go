package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileLedger appends JSON lines to a single file. The append lock is held
// for the duration of one write so a line is always complete on disk.
type FileLedger struct {
	path string
	mu   sync.Mutex
	seq  int64
	now  func() int64
}

// NewFileLedger opens (or creates) a JSONL ledger at path.
func NewFileLedger(path string) (*FileLedger, error) {
	return NewFileLedgerWithClock(path, func() int64 { return time.Now().UnixNano() })
}

// NewFileLedgerWithClock is NewFileLedger with an injectable clock.
func NewFileLedgerWithClock(path string, now func() int64) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	l := &FileLedger{path: path, now: now}
	// Recover the sequence from an existing file.
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		l.seq = events[n-1].Seq
	}
	return l, nil
}

func (l *FileLedger) Append(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.TsNS == 0 {
		ev.TsNS = l.now()
	}
	l.seq++
	ev.Seq = l.seq

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Event{}, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	// One Write call per line; O_APPEND makes it atomic for readers.
	if _, err := f.Write(line); err != nil {
		return Event{}, fmt.Errorf("ledger: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Event{}, fmt.Errorf("ledger: sync: %w", err)
	}
	return ev, nil
}

func (l *FileLedger) List(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

func (l *FileLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var kept []Event
	for _, ev := range events {
		if f.matches(ev) {
			kept = append(kept, ev)
		}
	}
	out := sortNewestFirst(kept)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *FileLedger) readAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line from a crashed writer is skipped, not fatal.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan %s: %w", l.path, err)
	}
	return events, nil
}
