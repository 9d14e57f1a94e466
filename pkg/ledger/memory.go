package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps the most recent events in a bounded ring.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []Event
	cap    int
	seq    int64
	now    func() int64
}

// NewMemoryLedger builds a ring holding up to capacity events (default 4096).
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemoryLedger{
		cap: capacity,
		now: func() int64 { return time.Now().UnixNano() },
	}
}

func (l *MemoryLedger) Append(ctx context.Context, ev Event) (Event, error) {
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
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	return ev, nil
}

func (l *MemoryLedger) List(ctx context.Context, limit int) ([]Event, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var kept []Event
	for _, ev := range l.events {
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
