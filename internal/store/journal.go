package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Journal event names.
const (
	EventClassified = "classified"
	EventApplied    = "applied"
	EventState      = "state"
	EventChecked    = "checked"
)

// Entry is one journal row.
type Entry struct {
	ID       string `json:"id"`
	Session  string `json:"session"`
	Seq      int64  `json:"seq"`
	Event    string `json:"event"`
	Index    int64  `json:"index,omitempty"`
	Item     int64  `json:"item,omitempty"`
	Location int64  `json:"location,omitempty"`
	Category string `json:"category,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	// CreatedAt is Unix milliseconds.
	CreatedAt int64 `json:"created_at"`
}

// Filter narrows ReadJournal. Zero fields match everything.
type Filter struct {
	Session string
	Event   string
	Limit   int
}

// WriteEntry appends an entry. A repeated (session, seq) pair is ignored.
// ID and CreatedAt are filled when empty.
func (s *Store) WriteEntry(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("journal id: %w", err)
		}
		e.ID = id.String()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = s.stamp()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (id, session, seq, event, idx, item, location, category, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.ID, e.Session, e.Seq, e.Event, e.Index, e.Item, e.Location, e.Category, e.Outcome, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// ReadJournal returns entries ordered by session, then seq.
func (s *Store) ReadJournal(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, f.Event)
	}

	q := `SELECT id, session, seq, event, idx, item, location, category, outcome, created_at FROM journal`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY session COLLATE BINARY ASC, seq ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Session, &e.Seq, &e.Event, &e.Index, &e.Item,
			&e.Location, &e.Category, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// NextSeq returns one past the highest seq recorded for session.
func (s *Store) NextSeq(ctx context.Context, session string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM journal WHERE session = ?`, session).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read journal seq: %w", err)
	}
	return seq + 1, nil
}
