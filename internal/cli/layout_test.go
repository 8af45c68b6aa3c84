package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLayoutCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"layout"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestLayout_Text(t *testing.T) {
	t.Setenv("RAMLINK_LAYOUT", "")

	out, err := runLayoutCmd(t)
	require.NoError(t, err)
	assert.Contains(t, out, "REGION")
	assert.Contains(t, out, "AP_GIVE_ITEM")
	assert.Contains(t, out, "0xf554")
	assert.Contains(t, out, "Ending patch: 4 bytes at 0x20cf8 (MD CART)")
}

func TestLayout_JSONWithOverlay(t *testing.T) {
	overlay := writeFile(t, t.TempDir(), "rev.cue", `regions: {
	AP_GIVE_ITEM: {base: 0xF700}
}
`)

	out, err := runLayoutCmd(t, "--file", overlay, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   LayoutResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	var give *RegionView
	for i := range resp.Data.Regions {
		if resp.Data.Regions[i].Name == "AP_GIVE_ITEM" {
			give = &resp.Data.Regions[i]
		}
	}
	require.NotNil(t, give)
	assert.Equal(t, uint32(0xF700), give.Base)
	assert.Equal(t, "global", give.Scope)
	assert.Equal(t, "MD CART", resp.Data.Ending.Domain)
}

func TestLayout_CheckFromEnv(t *testing.T) {
	overlay := writeFile(t, t.TempDir(), "rev.cue", `regions: X: {base: 1, scope: "team"}`)
	t.Setenv("RAMLINK_LAYOUT", overlay)

	out, err := runLayoutCmd(t, "--check")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid layout")
	assert.Empty(t, out)
}

func TestLayout_CheckValid(t *testing.T) {
	t.Setenv("RAMLINK_LAYOUT", "")

	out, err := runLayoutCmd(t, "--check", "--expanded-inventory")
	require.NoError(t, err)
	assert.Contains(t, out, "layout valid")
}

func TestLayout_MissingFile(t *testing.T) {
	_, err := runLayoutCmd(t, "--file", filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLayout_SavedRegionsMarked(t *testing.T) {
	t.Setenv("RAMLINK_LAYOUT", "")

	out, err := runLayoutCmd(t, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data LayoutResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))

	saved := 0
	for _, r := range resp.Data.Regions {
		if r.Saved {
			saved++
		}
	}
	assert.Positive(t, saved)
}
