package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ramlink/internal/protocol"
)

func TestGet_AbsentKeyIsNull(t *testing.T) {
	s := createTestStore(t)

	got, err := s.Get(context.Background(), []string{"missing"})
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(got["missing"]))
}

func TestSet_Replaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`1`)))
	require.NoError(t, s.Set(ctx, "k", json.RawMessage(`{"delivered":2,"through":7}`)))

	got, err := s.Get(ctx, []string{"k"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered":2,"through":7}`, string(got["k"]))
}

func TestSet_RejectsInvalidJSON(t *testing.T) {
	s := createTestStore(t)
	err := s.Set(context.Background(), "k", json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestKeys_Sorted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, s.Set(ctx, k, json.RawMessage(`0`)))
	}
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestAppendItems_IndexesContinue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	before, err := s.AppendItems(ctx, []protocol.NetworkItem{{Item: 1}, {Item: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), before)

	before, err = s.AppendItems(ctx, []protocol.NetworkItem{{Item: 3, Location: 9, Player: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), before)

	all, err := s.Items(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, protocol.NetworkItem{Item: 3, Location: 9, Player: 2}, all[2])

	tail, err := s.Items(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []protocol.NetworkItem{{Item: 3, Location: 9, Player: 2}}, tail)
}

func TestItems_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)
	items, err := s.Items(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestAddChecks_ReturnsOnlyNew(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	added, err := s.AddChecks(ctx, []int64{10, 11})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, added)

	added, err = s.AddChecks(ctx, []int64{11, 12, 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, added)

	all, err := s.Checks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11, 12}, all)
}
