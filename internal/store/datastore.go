package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ramlink/internal/protocol"
)

var jsonNull = json.RawMessage("null")

// Get returns the stored value for each key. Absent keys map to JSON null.
func (s *Store) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var value string
		err := s.db.QueryRowContext(ctx, `SELECT value FROM datastore WHERE key = ?`, key).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out[key] = jsonNull
		case err != nil:
			return nil, fmt.Errorf("read key %q: %w", key, err)
		default:
			out[key] = json.RawMessage(value)
		}
	}
	return out, nil
}

// Set replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("write key %q: value is not JSON", key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datastore (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), s.stamp())
	if err != nil {
		return fmt.Errorf("write key %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in ascending order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM datastore ORDER BY key COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// AppendItems adds items to the end of the stream and returns the number of
// items that preceded them.
func (s *Store) AppendItems(ctx context.Context, items []protocol.NetworkItem) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	for i, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO items (idx, item, location, player, flags) VALUES (?, ?, ?, ?, ?)
		`, count+int64(i)+1, it.Item, it.Location, it.Player, it.Flags)
		if err != nil {
			return 0, fmt.Errorf("write item %d: %w", count+int64(i)+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return count, nil
}

// Items returns the stream after the first from items, in index order.
func (s *Store) Items(ctx context.Context, from int64) ([]protocol.NetworkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item, location, player, flags FROM items WHERE idx > ? ORDER BY idx ASC
	`, from)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []protocol.NetworkItem{}
	for rows.Next() {
		var it protocol.NetworkItem
		if err := rows.Scan(&it.Item, &it.Location, &it.Player, &it.Flags); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// AddChecks records reported locations and returns the ones not seen before,
// in the order given.
func (s *Store) AddChecks(ctx context.Context, locations []int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin checks: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM checks`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("read check seq: %w", err)
	}

	added := []int64{}
	for _, loc := range locations {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO checks (location, seq) VALUES (?, ?)
			ON CONFLICT(location) DO NOTHING
		`, loc, seq+1)
		if err != nil {
			return nil, fmt.Errorf("write check %d: %w", loc, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			seq++
			added = append(added, loc)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checks: %w", err)
	}
	return added, nil
}

// Checks lists reported locations in the order they were first reported.
func (s *Store) Checks(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT location FROM checks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()

	locs := []int64{}
	for rows.Next() {
		var loc int64
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("scan check: %w", err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checks: %w", err)
	}
	return locs, nil
}
