package harness

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describe(event))
		}
	}

	return buf.String()
}

func describe(e TraceEvent) string {
	switch e.Type {
	case EventState:
		return fmt.Sprintf("state %s -> %s", e.From, e.To)
	case EventClassified, EventApplied:
		return fmt.Sprintf("%s #%d %s (%s) %s", e.Type, e.Index, e.Item, e.Category, e.Outcome)
	case EventChecked:
		return fmt.Sprintf("checked %d", e.Location)
	}
	return e.Key()
}

// traceFields exposes a trace event by its JSON field names.
func traceFields(e TraceEvent) map[string]any {
	return map[string]any{
		"seq":      e.Seq,
		"type":     e.Type,
		"command":  e.Command,
		"from":     e.From,
		"to":       e.To,
		"index":    e.Index,
		"item":     e.Item,
		"category": e.Category,
		"outcome":  e.Outcome,
		"location": e.Location,
	}
}

// statusFields exposes a controller status by assertion field name.
func statusFields(s game.Status) map[string]any {
	return map[string]any{
		"state":         s.State.String(),
		"level":         s.Level,
		"pieces":        s.Counters.Pieces,
		"keys":          s.Counters.Keys,
		"reveals":       s.Counters.Reveals,
		"pending":       s.Pending,
		"last_index":    s.LastIndex,
		"watermark":     s.Watermark,
		"reconciled":    s.Reconciled,
		"awaiting_load": s.AwaitingLoad,
		"goal_reached":  s.GoalReached,
	}
}

func matching(trace []TraceEvent, a Assertion) []TraceEvent {
	var out []TraceEvent
	for _, event := range trace {
		if event.Type == a.Event && matchFields(traceFields(event), a.Match) {
			out = append(out, event)
		}
	}
	return out
}

// assertTraceContains checks that the trace holds at least one event of
// the given type whose fields match (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	if len(matching(trace, assertion)) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     "trace_contains",
		Expected: fmt.Sprintf("%s event matching %v", assertion.Event, formatMap(assertion.Match)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if keys appear in the specified order.
// Keys don't need to be consecutive (intervening events are allowed), and
// each key is matched after the previous one's position.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, key := range assertion.Keys {
		found := false
		for pos < len(trace) {
			e := trace[pos]
			pos++
			if e.Key() == key {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     "trace_order",
				Expected: fmt.Sprintf("keys in order: %v", assertion.Keys),
				Actual:   fmt.Sprintf("%s not found after the previous key", key),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that matching events appear exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := len(matching(trace, assertion))
	if count != assertion.Count {
		return &AssertionError{
			Type:     "trace_count",
			Expected: fmt.Sprintf("%d %s events matching %s", assertion.Count, assertion.Event, formatMap(assertion.Match)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertMemory checks the final bytes at Addr.
func assertMemory(img *memory.Image, assertion Assertion) error {
	want := MemoryWrite{Bytes: assertion.Bytes}.Data()
	got := img.Get(assertion.Addr, len(want))
	if !bytes.Equal(got, want) {
		return &AssertionError{
			Type:     "memory",
			Expected: fmt.Sprintf("% X at %#x", want, assertion.Addr),
			Actual:   fmt.Sprintf("% X", got),
		}
	}
	return nil
}

// assertWrites checks how many writes landed at Addr and, when Bytes is
// set, what the last one stored.
func assertWrites(img *memory.Image, assertion Assertion) error {
	writes := img.WritesTo(assertion.Addr)
	if len(writes) != assertion.Count {
		return &AssertionError{
			Type:     "writes",
			Expected: fmt.Sprintf("%d writes to %#x", assertion.Count, assertion.Addr),
			Actual:   fmt.Sprintf("%d writes", len(writes)),
		}
	}
	if len(assertion.Bytes) == 0 || len(writes) == 0 {
		return nil
	}
	want := MemoryWrite{Bytes: assertion.Bytes}.Data()
	if last := writes[len(writes)-1].Data; !bytes.Equal(last, want) {
		return &AssertionError{
			Type:     "writes",
			Expected: fmt.Sprintf("last write to %#x of % X", assertion.Addr, want),
			Actual:   fmt.Sprintf("% X", last),
		}
	}
	return nil
}

// assertStatus checks the controller status (subset match).
func assertStatus(status *game.Status, assertion Assertion) error {
	if status == nil {
		return &AssertionError{
			Type:     "status",
			Expected: formatMap(assertion.Expect),
			Actual:   "session never connected",
		}
	}
	fields := statusFields(*status)
	for _, key := range sortedKeys(assertion.Expect) {
		if !looseEqual(fields[key], assertion.Expect[key]) {
			return &AssertionError{
				Type:     "status",
				Expected: fmt.Sprintf("%s = %v", key, assertion.Expect[key]),
				Actual:   fmt.Sprintf("%s = %v", key, fields[key]),
			}
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of a store table matches
// Where and holds the expected values. Queries are parameterized;
// identifiers are validated against a whitelist pattern since they can't be.
func assertFinalState(ctx context.Context, st *store.Store, session string, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	where := assertion.Where
	if assertion.Table == "journal" {
		// Journal rows are scoped to the scenario's current session.
		where = make(map[string]any, len(assertion.Where)+1)
		for k, v := range assertion.Where {
			where[k] = v
		}
		if _, ok := where["session"]; !ok {
			where["session"] = session
		}
	}

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     "final_state",
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     "final_state",
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatMap(where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     "final_state",
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatMap(where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     "final_state",
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     "final_state",
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from a condition map.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatMap creates a human-readable description of a condition map.
func formatMap(m map[string]any) string {
	if len(m) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares expected and actual values from store tables.
// SQLite returns int64 for integers, string or []byte for text and 0/1 for
// booleans.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		actualStr, ok := actual.(string)
		return ok && exp == actualStr
	case int:
		actualInt, ok := actual.(int64)
		return ok && int64(exp) == actualInt
	case int64:
		actualInt, ok := actual.(int64)
		return ok && exp == actualInt
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		if actualInt, ok := actual.(int64); ok {
			return exp == (actualInt != 0)
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// matchFields checks if actual contains all expected fields (subset match).
// Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists || !looseEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// looseEqual compares scalars by their printed form, so YAML ints match
// int64 fields.
func looseEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	switch actual.(type) {
	case string, bool, int, int64, float64:
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	}
	return reflect.DeepEqual(actual, expected)
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	Image   *memory.Image
	Session string
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertStatus:
			err = assertStatus(result.Status, assertion)
		case AssertMemory, AssertWrites:
			if actx == nil || actx.Image == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a memory image", i, assertion.Type)
			} else if assertion.Type == AssertMemory {
				err = assertMemory(actx.Image, assertion)
			} else {
				err = assertWrites(actx.Image, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, actx.Session, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
