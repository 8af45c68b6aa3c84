package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ramlink/internal/store"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ramlink.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for _, e := range []store.Entry{
		{Session: "s1", Seq: 1, Event: store.EventState, Outcome: "normal", CreatedAt: 1_700_000_000_000},
		{Session: "s1", Seq: 2, Event: store.EventClassified, Index: 1, Item: 25102006, Category: "inventory", Outcome: "queued", CreatedAt: 1_700_000_000_100},
		{Session: "s1", Seq: 3, Event: store.EventApplied, Index: 1, Item: 25102006, Category: "inventory", Outcome: "ok", CreatedAt: 1_700_000_000_200},
		{Session: "s2", Seq: 1, Event: store.EventChecked, Location: 25101991, CreatedAt: 1_700_000_001_000},
	} {
		require.NoError(t, st.WriteEntry(ctx, e))
	}
	return path
}

func runJournalCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"journal"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestJournal_Text(t *testing.T) {
	out, err := runJournalCmd(t, "--db", seedJournal(t))
	require.NoError(t, err)

	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "2023-11-14T22:13:20Z")
	assert.Contains(t, out, "#1 Rocket Skates (inventory) ok")
	assert.Contains(t, out, "location 25101991")
	assert.Contains(t, out, "normal")
}

func TestJournal_Filters(t *testing.T) {
	db := seedJournal(t)

	out, err := runJournalCmd(t, "--db", db, "--event", "applied", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   []store.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "ok", resp.Data[0].Outcome)
	assert.Equal(t, int64(25102006), resp.Data[0].Item)

	out, err = runJournalCmd(t, "--db", db, "--session", "s2", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, store.EventChecked, resp.Data[0].Event)

	out, err = runJournalCmd(t, "--db", db, "--limit", "2", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestJournal_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := runJournalCmd(t, "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No journal entries.")
}

func TestJournal_Errors(t *testing.T) {
	_, err := runJournalCmd(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")

	_, err = runJournalCmd(t, "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")

	_, err = runJournalCmd(t, "--db", seedJournal(t), "--event", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestJournalDetail(t *testing.T) {
	assert.Equal(t, "location 7", journalDetail(store.Entry{Event: store.EventChecked, Location: 7}))
	assert.Equal(t, "ghost", journalDetail(store.Entry{Event: store.EventState, Outcome: "ghost"}))
	assert.Equal(t, "#4 item 99 seen", journalDetail(store.Entry{Event: store.EventClassified, Index: 4, Item: 99, Outcome: "seen"}))
}
