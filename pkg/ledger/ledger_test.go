package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileLedger(t *testing.T) Ledger {
	t.Helper()
	var clock int64 = 1000
	l, err := NewFileLedgerWithClock(filepath.Join(t.TempDir(), "ledger.jsonl"), func() int64 {
		clock++
		return clock
	})
	require.NoError(t, err)
	return l
}

func ledgers(t *testing.T) map[string]Ledger {
	return map[string]Ledger{
		"file":   fileLedger(t),
		"memory": NewMemoryLedger(16),
	}
}

func TestLedger_AppendAndListNewestFirst(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, cid := range []string{"b111", "b222", "b333"} {
				ev, err := l.Append(ctx, Event{
					TsNS: int64(100 + i), Kind: KindTransformReceipt,
					OutCID: cid, Map: "alpha_to_beta", Stage: "translate",
					ReceiptKey: "receipts/transform/" + cid + ".json",
				})
				require.NoError(t, err)
				assert.Equal(t, int64(i+1), ev.Seq)
			}

			out, err := l.List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, out, 3)
			assert.Equal(t, "b333", out[0].OutCID)
			assert.Equal(t, "b111", out[2].OutCID)

			out, err = l.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, out, 2)
		})
	}
}

func TestLedger_TieBreakByInsertionOrder(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := l.Append(ctx, Event{TsNS: 500, OutCID: "bfirst", Kind: KindTransformReceipt, Map: "m", Stage: "s", ReceiptKey: "k1"})
			require.NoError(t, err)
			_, err = l.Append(ctx, Event{TsNS: 500, OutCID: "bsecond", Kind: KindTransformReceipt, Map: "m", Stage: "s", ReceiptKey: "k2"})
			require.NoError(t, err)

			out, err := l.List(ctx, 10)
			require.NoError(t, err)
			require.Len(t, out, 2)
			// Identical timestamps: later insertion comes first.
			assert.Equal(t, "bsecond", out[0].OutCID)
			assert.Equal(t, "bfirst", out[1].OutCID)
		})
	}
}

func TestLedger_Query(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			events := []Event{
				{TsNS: 10, OutCID: "baaa1", Map: "m1", Kind: KindTransformReceipt, Stage: "s", ReceiptKey: "k"},
				{TsNS: 20, OutCID: "baaa2", Map: "m2", Kind: KindTransformReceipt, Stage: "s", ReceiptKey: "k"},
				{TsNS: 30, OutCID: "bzzz1", Map: "m1", Kind: KindTransformReceipt, Stage: "s", ReceiptKey: "k"},
			}
			for _, ev := range events {
				_, err := l.Append(ctx, ev)
				require.NoError(t, err)
			}

			out, err := l.Query(ctx, Filter{Map: "m1"})
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.Equal(t, "bzzz1", out[0].OutCID)

			out, err = l.Query(ctx, Filter{CIDPrefix: "baaa"})
			require.NoError(t, err)
			assert.Len(t, out, 2)

			out, err = l.Query(ctx, Filter{SinceNS: 20})
			require.NoError(t, err)
			assert.Len(t, out, 2)

			out, err = l.Query(ctx, Filter{Map: "m1", SinceNS: 20})
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "bzzz1", out[0].OutCID)
		})
	}
}

func TestFileLedger_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	ctx := context.Background()

	l1, err := NewFileLedger(path)
	require.NoError(t, err)
	_, err = l1.Append(ctx, Event{TsNS: 1, OutCID: "b1", Kind: KindTransformReceipt, Map: "m", Stage: "s", ReceiptKey: "k"})
	require.NoError(t, err)

	l2, err := NewFileLedger(path)
	require.NoError(t, err)
	ev, err := l2.Append(ctx, Event{TsNS: 2, OutCID: "b2", Kind: KindTransformReceipt, Map: "m", Stage: "s", ReceiptKey: "k"})
	require.NoError(t, err)
	// Sequence continues across reopen.
	assert.Equal(t, int64(2), ev.Seq)

	out, err := l2.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestMemoryLedger_RingBounds(t *testing.T) {
	l := NewMemoryLedger(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Event{TsNS: int64(i + 1), OutCID: "b", Kind: KindTransformReceipt, Map: "m", Stage: "s", ReceiptKey: "k"})
		require.NoError(t, err)
	}
	out, err := l.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, int64(5), out[0].TsNS)
	assert.Equal(t, int64(3), out[2].TsNS)
}

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	l, err := NewSQLiteLedger(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	for i, cid := range []string{"b111", "b222"} {
		ev, err := l.Append(ctx, Event{
			TsNS: int64(i + 1), Kind: KindTransformReceipt, OutCID: cid,
			Map: "m", Stage: "translate", ReceiptKey: "k",
			Extra: map[string]any{"tenant": "t1"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	out, err := l.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b222", out[0].OutCID)
	assert.Equal(t, "t1", out[0].Extra["tenant"])

	out, err = l.Query(ctx, Filter{CIDPrefix: "b1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b111", out[0].OutCID)
}
