package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ramlink/internal/memory"
)

type firing struct {
	index    int
	old, new []byte
}

func recorder(out *[]firing) Handler {
	return func(_ context.Context, index int, old, new []byte) {
		*out = append(*out, firing{index: index, old: old, new: new})
	}
}

func TestMonitor_BaselineThenChange(t *testing.T) {
	ctx := context.Background()
	img := memory.NewImage(0x100)
	img.Set(0x10, 1)

	var got []firing
	m := New("level", []uint32{0x10}, 1, nil, recorder(&got))

	assert.Equal(t, 0, m.Tick(ctx, img), "first sample is a baseline")
	assert.Equal(t, 0, m.Tick(ctx, img), "no change")

	img.Set(0x10, 2)
	assert.Equal(t, 1, m.Tick(ctx, img))
	require.Len(t, got, 1)
	assert.Equal(t, firing{index: 0, old: []byte{1}, new: []byte{2}}, got[0])

	assert.Equal(t, 0, m.Tick(ctx, img), "fires once per transition")
}

func TestMonitor_ReenableIsBaseline(t *testing.T) {
	ctx := context.Background()
	img := memory.NewImage(0x100)
	enabled := true

	var got []firing
	m := New("rank", []uint32{0x20}, 1, func() bool { return enabled }, recorder(&got))

	m.Tick(ctx, img)
	assert.True(t, m.Active())

	enabled = false
	m.Tick(ctx, img)
	m.Tick(ctx, img)
	assert.False(t, m.Active())
	assert.Nil(t, m.Current(0))

	img.Set(0x20, 9)
	enabled = true
	m.Tick(ctx, img)
	assert.Empty(t, got, "value changed while disabled must not fire")

	img.Set(0x20, 10)
	m.Tick(ctx, img)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{9}, got[0].old)
}

func TestMonitor_ReadFailureSkipsAddress(t *testing.T) {
	ctx := context.Background()
	img := memory.NewImage(0x100)

	var got []firing
	m := New("lives", []uint32{0x30}, 1, nil, recorder(&got))
	m.Tick(ctx, img)

	img.Set(0x30, 5)
	img.FailNextReads(1)
	assert.Equal(t, 0, m.Tick(ctx, img), "failed read is no observation")
	assert.Equal(t, []byte{0}, m.Current(0), "stale sample kept")

	assert.Equal(t, 1, m.Tick(ctx, img))
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0}, got[0].old)
	assert.Equal(t, []byte{5}, got[0].new)
}

func TestMonitor_MultipleAddresses(t *testing.T) {
	ctx := context.Background()
	img := memory.NewImage(0x100)

	var got []firing
	m := New("state", []uint32{0x40, 0x41}, 1, nil, recorder(&got))
	m.Tick(ctx, img)

	img.Set(0x41, 3)
	img.FailReadsAt(0x40, 1)
	m.Tick(ctx, img)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].index)

	img.Set(0x40, 7)
	m.Tick(ctx, img)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[1].index)
}

func TestMonitor_ChangeDetectionTable(t *testing.T) {
	tests := []struct {
		name   string
		seq    []byte
		expect int
	}{
		{"constant", []byte{1, 1, 1, 1}, 0},
		{"single step", []byte{1, 2, 2, 2}, 1},
		{"flip flop", []byte{1, 2, 1, 2}, 3},
		{"one sample", []byte{4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			img := memory.NewImage(0x10)
			var got []firing
			m := New("x", []uint32{0}, 1, nil, recorder(&got))
			for _, v := range tt.seq {
				img.Set(0, v)
				m.Tick(ctx, img)
			}
			assert.Len(t, got, tt.expect)
		})
	}
}

func TestMonitor_NoAddressesNeverEnabled(t *testing.T) {
	m := New("empty", nil, 1, nil, func(context.Context, int, []byte, []byte) {
		t.Fatal("must not fire")
	})
	m.Tick(context.Background(), memory.NewImage(0x10))
	assert.False(t, m.Active())
}
