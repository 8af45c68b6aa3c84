package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Type: EventSent, Command: "Get"},
		{Seq: 2, Type: EventReceived, Command: "Retrieved"},
		{Seq: 3, Type: EventState, From: "main_menu", To: "waiting_for_load"},
		{Seq: 4, Type: EventState, From: "waiting_for_load", To: "normal"},
		{Seq: 5, Type: EventClassified, Index: 1, Item: "Rocket Skates", Category: "inventory", Outcome: "queued"},
		{Seq: 6, Type: EventClassified, Index: 2, Item: "Fudge Cake", Category: "floor", Outcome: "queued"},
		{Seq: 7, Type: EventApplied, Index: 1, Item: "Rocket Skates", Category: "inventory", Outcome: "ok"},
	}
}

func TestTraceEvent_Key(t *testing.T) {
	tests := []struct {
		event TraceEvent
		want  string
	}{
		{TraceEvent{Type: EventSent, Command: "Sync"}, "sent:Sync"},
		{TraceEvent{Type: EventSendFailed, Command: "Bounce"}, "send_failed:Bounce"},
		{TraceEvent{Type: EventReceived, Command: "Connected"}, "received:Connected"},
		{TraceEvent{Type: EventState, From: "normal", To: "ghost"}, "state:ghost"},
		{TraceEvent{Type: EventClassified, Outcome: "seen"}, "classified:seen"},
		{TraceEvent{Type: EventApplied, Outcome: "failed"}, "applied:failed"},
		{TraceEvent{Type: EventChecked, Location: 7}, "checked"},
		{TraceEvent{Type: EventClosed}, "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Key())
		})
	}
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:  AssertTraceContains,
		Event: EventApplied,
		Match: map[string]any{"item": "Rocket Skates"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_NotFound(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:  AssertTraceContains,
		Event: EventApplied,
		Match: map[string]any{"item": "Fudge Cake"},
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Equal(t, "trace_contains", assertErr.Type)
	assert.Contains(t, assertErr.Expected, "item=Fudge Cake")
	assert.Equal(t, "not found in trace", assertErr.Actual)
}

func TestAssertTraceContains_IntegerFieldsMatchYAMLInts(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Event: EventClassified,
		Match: map[string]any{"index": 2, "category": "floor"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_NoMatchRequired(t *testing.T) {
	assert.NoError(t, assertTraceContains(sampleTrace(), Assertion{Event: EventState}))
	assert.Error(t, assertTraceContains(sampleTrace(), Assertion{Event: EventChecked}))
}

func TestAssertTraceOrder_Correct(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Keys: []string{"sent:Get", "state:normal", "applied:ok"},
	})
	assert.NoError(t, err)
}

func TestAssertTraceOrder_WrongOrder(t *testing.T) {
	err := assertTraceOrder(sampleTrace(), Assertion{
		Keys: []string{"state:normal", "state:waiting_for_load"},
	})
	require.Error(t, err)

	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Equal(t, "trace_order", assertErr.Type)
	assert.Contains(t, assertErr.Actual, "state:waiting_for_load")
}

func TestAssertTraceOrder_RepeatedKeysConsumeEvents(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceOrder(trace, Assertion{Keys: []string{"classified:queued", "classified:queued"}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Keys: []string{"classified:queued", "classified:queued", "classified:queued"}}))
}

func TestAssertTraceCount(t *testing.T) {
	tests := []struct {
		name    string
		a       Assertion
		wantErr bool
	}{
		{"exact", Assertion{Event: EventClassified, Count: 2}, false},
		{"with match", Assertion{Event: EventClassified, Match: map[string]any{"category": "floor"}, Count: 1}, false},
		{"too few", Assertion{Event: EventClassified, Count: 3}, true},
		{"too many", Assertion{Event: EventState, Count: 1}, true},
		{"zero", Assertion{Event: EventSent, Match: map[string]any{"command": "Bounce"}, Count: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(sampleTrace(), tt.a)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var assertErr *AssertionError
			require.True(t, errors.As(err, &assertErr))
			assert.Equal(t, "trace_count", assertErr.Type)
			assert.Contains(t, assertErr.Actual, "occurrences")
		})
	}
}

func TestMatchFields_SubsetSemantics(t *testing.T) {
	actual := map[string]any{"item": "Rocket Skates", "index": int64(3), "outcome": "ok"}

	assert.True(t, matchFields(actual, nil))
	assert.True(t, matchFields(actual, map[string]any{"item": "Rocket Skates"}))
	assert.True(t, matchFields(actual, map[string]any{"index": 3, "outcome": "ok"}))
	assert.False(t, matchFields(actual, map[string]any{"index": 4}))
	assert.False(t, matchFields(actual, map[string]any{"player": 1}))
}

func TestLooseEqual(t *testing.T) {
	assert.True(t, looseEqual(int64(5), 5))
	assert.True(t, looseEqual("x", "x"))
	assert.True(t, looseEqual(true, true))
	assert.True(t, looseEqual(nil, nil))
	assert.False(t, looseEqual(int64(5), "6"))
	assert.False(t, looseEqual(nil, 0))
	assert.True(t, looseEqual([]int{1, 2}, []int{1, 2}))
	assert.False(t, looseEqual([]int{1, 2}, []int{2, 1}))
}

func TestAssertMemory(t *testing.T) {
	img := memory.NewImage(0)
	img.Set(0xF554, 0x05, 0xFF)

	assert.NoError(t, assertMemory(img, Assertion{Addr: 0xF554, Bytes: []int{0x05, 0xFF}}))

	err := assertMemory(img, Assertion{Addr: 0xF554, Bytes: []int{0x06}})
	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Equal(t, "memory", assertErr.Type)
	assert.Equal(t, "05", assertErr.Actual)
}

func TestAssertWrites(t *testing.T) {
	ctx := context.Background()
	img := memory.NewImage(0)
	img.Set(0xA252, 30)
	require.NoError(t, img.Write(ctx, 0xA252, []byte{10}))
	require.NoError(t, img.Write(ctx, 0xA252, []byte{0}))
	require.NoError(t, img.Write(ctx, 0xA253, []byte{7}))

	assert.NoError(t, assertWrites(img, Assertion{Addr: 0xA252, Count: 2}))
	assert.NoError(t, assertWrites(img, Assertion{Addr: 0xA252, Count: 2, Bytes: []int{0}}))
	assert.NoError(t, assertWrites(img, Assertion{Addr: 0xF554, Count: 0}))

	err := assertWrites(img, Assertion{Addr: 0xA252, Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 writes")

	err = assertWrites(img, Assertion{Addr: 0xA252, Count: 2, Bytes: []int{10}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last write")
}

func TestAssertStatus(t *testing.T) {
	status := &game.Status{
		State:      game.Normal,
		Level:      3,
		Counters:   game.Counters{Pieces: 2, Keys: 1},
		LastIndex:  4,
		Watermark:  4,
		Reconciled: true,
	}

	assert.NoError(t, assertStatus(status, Assertion{Expect: map[string]any{
		"state": "normal", "level": 3, "pieces": 2, "keys": 1, "last_index": 4, "reconciled": true, "awaiting_load": false,
	}}))

	err := assertStatus(status, Assertion{Expect: map[string]any{"level": 4}})
	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Equal(t, "level = 4", assertErr.Expected)
	assert.Equal(t, "level = 3", assertErr.Actual)
}

func TestAssertStatus_NeverConnected(t *testing.T) {
	err := assertStatus(nil, Assertion{Expect: map[string]any{"state": "normal"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session never connected")
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     "trace_contains",
		Expected: "applied event matching item=Rocket Skates",
		Actual:   "not found in trace",
		Trace: []TraceEvent{
			{Seq: 1, Type: EventSent, Command: "Get"},
			{Seq: 2, Type: EventState, From: "main_menu", To: "waiting_for_load"},
			{Seq: 3, Type: EventClassified, Index: 1, Item: "Rocket Skates", Category: "inventory", Outcome: "queued"},
			{Seq: 4, Type: EventChecked, Location: 25101991},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Expected: applied event matching item=Rocket Skates")
	assert.Contains(t, msg, "Actual: not found in trace")
	assert.Contains(t, msg, "[1] sent:Get")
	assert.Contains(t, msg, "[2] state main_menu -> waiting_for_load")
	assert.Contains(t, msg, "[3] classified #1 Rocket Skates (inventory) queued")
	assert.Contains(t, msg, "[4] checked 25101991")
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	sql, args, err = buildWhereClause(map[string]any{"seq": 1, "location": int64(25101991), "event": "checked"})
	require.NoError(t, err)
	assert.Equal(t, "event = ? AND location = ? AND seq = ?", sql)
	assert.Equal(t, []any{"checked", int64(25101991), 1}, args)
}

func TestBuildWhereClause_NoInterpolation(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"key": "'; DROP TABLE checks; --"})
	require.NoError(t, err)
	assert.Equal(t, "key = ?", sql)
	assert.Equal(t, []any{"'; DROP TABLE checks; --"}, args)
}

func TestBuildWhereClause_InvalidColumnName(t *testing.T) {
	for _, col := range []string{"1col", "a b", "x;--", "a.b", ""} {
		_, _, err := buildWhereClause(map[string]any{col: 1})
		assert.Error(t, err, "column %q", col)
	}
}

func TestToSQLValue(t *testing.T) {
	assert.Equal(t, "x", toSQLValue("x"))
	assert.Equal(t, 3, toSQLValue(3))
	assert.Equal(t, int64(3), toSQLValue(int64(3)))
	assert.Equal(t, true, toSQLValue(true))
	assert.Equal(t, "1.5", toSQLValue(1.5))
}

func TestFormatMap(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatMap(nil))
	assert.Equal(t, "event=applied AND idx=1", formatMap(map[string]any{"idx": 1, "event": "applied"}))
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("ok", "ok"))
	assert.True(t, stateValuesEqual("ok", []byte("ok")))
	assert.False(t, stateValuesEqual("ok", "failed"))
	assert.True(t, stateValuesEqual(1, int64(1)))
	assert.True(t, stateValuesEqual(int64(1), int64(1)))
	assert.False(t, stateValuesEqual(1, "1"))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(false, int64(0)))
	assert.False(t, stateValuesEqual(true, "true"))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual("value", nil))
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssertFinalState_InvalidTableName(t *testing.T) {
	err := assertFinalState(context.Background(), nil, "", Assertion{
		Table:  "checks; DROP TABLE checks",
		Expect: map[string]any{"seq": 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid table name")
}

func TestAssertFinalState_Checks(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	_, err := st.AddChecks(ctx, []int64{25101991, 25101992})
	require.NoError(t, err)

	assert.NoError(t, assertFinalState(ctx, st, "", Assertion{
		Table:  "checks",
		Where:  map[string]any{"location": 25101992},
		Expect: map[string]any{"seq": 2},
	}))

	err = assertFinalState(ctx, st, "", Assertion{
		Table:  "checks",
		Where:  map[string]any{"location": 25101992},
		Expect: map[string]any{"seq": 1},
	})
	var assertErr *AssertionError
	require.True(t, errors.As(err, &assertErr))
	assert.Contains(t, assertErr.Expected, `field "seq" = 1`)
	assert.Contains(t, assertErr.Actual, `field "seq" = 2`)
}

func TestAssertFinalState_Failures(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	_, err := st.AddChecks(ctx, []int64{1, 2})
	require.NoError(t, err)

	tests := []struct {
		name   string
		a      Assertion
		actual string
	}{
		{"row not found", Assertion{Table: "checks", Where: map[string]any{"location": 3}, Expect: map[string]any{"seq": 1}}, "row not found"},
		{"ambiguous", Assertion{Table: "checks", Expect: map[string]any{"seq": 1}}, "multiple rows matched"},
		{"missing column", Assertion{Table: "checks", Where: map[string]any{"location": 1}, Expect: map[string]any{"player": 1}}, "not present in result columns"},
		{"missing table", Assertion{Table: "nope", Expect: map[string]any{"seq": 1}}, "query error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, st, "", tt.a)
			var assertErr *AssertionError
			require.True(t, errors.As(err, &assertErr))
			assert.Equal(t, "final_state", assertErr.Type)
			assert.Contains(t, assertErr.Actual, tt.actual)
		})
	}
}

func TestAssertFinalState_JournalScopedToSession(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	for _, e := range []store.Entry{
		{Session: "old", Seq: 1, Event: store.EventApplied, Index: 1, Outcome: "failed"},
		{Session: "current", Seq: 1, Event: store.EventApplied, Index: 1, Outcome: "ok", Category: "inventory"},
	} {
		require.NoError(t, st.WriteEntry(ctx, e))
	}

	assert.NoError(t, assertFinalState(ctx, st, "current", Assertion{
		Table:  "journal",
		Where:  map[string]any{"event": "applied", "idx": 1},
		Expect: map[string]any{"outcome": "ok", "category": "inventory"},
	}))
	assert.NoError(t, assertFinalState(ctx, st, "current", Assertion{
		Table:  "journal",
		Where:  map[string]any{"event": "applied", "session": "old"},
		Expect: map[string]any{"outcome": "failed"},
	}))
}

func TestAssertFinalState_Items(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	_, err := st.AppendItems(ctx, []protocol.NetworkItem{{Item: 25102006, Location: 25101991, Player: 2}})
	require.NoError(t, err)

	assert.NoError(t, assertFinalState(ctx, st, "", Assertion{
		Table:  "items",
		Where:  map[string]any{"idx": 1},
		Expect: map[string]any{"item": 25102006, "player": 2},
	}))
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()
	result.Status = &game.Status{State: game.Normal}

	img := memory.NewImage(0)
	img.Set(0xF554, 0x05)

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Event: EventApplied},
		{Type: AssertTraceCount, Event: EventApplied, Count: 5},
		{Type: AssertMemory, Addr: 0xF554, Bytes: []int{0x05}},
		{Type: AssertStatus, Expect: map[string]any{"state": "normal"}},
		{Type: "bogus"},
	}, &AssertionContext{Ctx: context.Background(), Image: img})

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Assertion failed: trace_count")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}

func TestEvaluateAssertions_MissingContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Table: "checks", Expect: map[string]any{"seq": 1}},
		{Type: AssertWrites, Addr: 0xF554},
	}, nil)

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "final_state requires database context")
	assert.Contains(t, errs[1], "writes requires a memory image")
}

func TestEvaluateAssertions_FinalStateWithContext(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	_, err := st.AddChecks(ctx, []int64{42})
	require.NoError(t, err)

	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Table: "checks", Where: map[string]any{"location": 42}, Expect: map[string]any{"seq": 1}},
	}, &AssertionContext{Ctx: ctx, Store: st})
	assert.Empty(t, errs)
}
