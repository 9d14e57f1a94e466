// Package ledger provides the append-only index of receipt events. Events
// are totally ordered by ts_ns with insertion order breaking ties; readers
// never observe partial appends.
package ledger

import (
	"context"
	"strings"
)

// Event kinds.
const (
	KindTransformReceipt = "transform.receipt"
	KindHopReceipt       = "hop.receipt"
)

// Event is one ledger record.
type Event struct {
	Seq        int64          `json:"seq,omitempty"` // assigned by the backend
	TsNS       int64          `json:"ts_ns"`
	Kind       string         `json:"kind"`
	OutCID     string         `json:"out_cid"`
	InCID      string         `json:"in_cid,omitempty"`
	Map        string         `json:"map"`
	Stage      string         `json:"stage"`
	ReceiptKey string         `json:"receipt_key"`
	ReceiptURL string         `json:"receipt_url,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Filter narrows Query results. Zero values are ignored.
type Filter struct {
	Map       string
	CIDPrefix string
	SinceNS   int64
	Limit     int
}

// Ledger is the pluggable append-only backend.
type Ledger interface {
	// Append persists the event and returns it with its sequence assigned.
	Append(ctx context.Context, ev Event) (Event, error)

	// List returns up to limit events, newest first.
	List(ctx context.Context, limit int) ([]Event, error)

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Event, error)
}

func (f Filter) matches(ev Event) bool {
	if f.Map != "" && ev.Map != f.Map {
		return false
	}
	if f.CIDPrefix != "" && !strings.HasPrefix(ev.OutCID, f.CIDPrefix) {
		return false
	}
	if f.SinceNS > 0 && ev.TsNS < f.SinceNS {
		return false
	}
	return true
}

// sortNewestFirst orders events by ts_ns descending, later insertion first
// on ties. Events arrive in insertion order, so a stable reverse pass keeps
// the tie-break.
func sortNewestFirst(events []Event) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	// Insertion order already implies non-decreasing ts_ns in practice;
	// when clocks go backwards, a stable sort restores ts_ns ordering
	// without disturbing the tie-break.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].TsNS > out[j-1].TsNS; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
