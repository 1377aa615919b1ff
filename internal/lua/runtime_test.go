package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/oracle"
)

const routerScript = `
function complete(messages)
  local user = messages[#messages].content
  log("prompt size " .. string.len(user))
  if contains(user, "login") then
    return {lead = "backend", members = {"backend", "dba"}, rationale = "auth lives in the API"}
  end
  return "plain answer"
end
`

func TestCompleteReturnsTablesAsJSON(t *testing.T) {
	o, err := Compile("router.lua", routerScript, nil)
	require.NoError(t, err)

	res, err := o.Complete(context.Background(), oracle.Prompt("sys", "Fix the LOGIN bug"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lead":"backend","members":["backend","dba"],"rationale":"auth lives in the API"}`, res.Content)

	res, err = o.Complete(context.Background(), oracle.Prompt("sys", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Content)

	assert.Len(t, o.Logs(), 2)
}

func TestArrayEncodesEmptyTables(t *testing.T) {
	o, err := Compile("empty.lua", `
function complete(messages)
  return {lead = "ghost", members = array(), tags = {}, kept = array({"a", "b"})}
end`, nil)
	require.NoError(t, err)

	res, err := o.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lead":"ghost","members":[],"tags":{},"kept":["a","b"]}`, res.Content)
}

func TestSandboxRemovesUnsafeGlobals(t *testing.T) {
	o, err := Compile("unsafe.lua", `
function complete(messages)
  return json({dofile = dofile == nil, random = math.random == nil, print = print == nil, os = os == nil})
end`, nil)
	require.NoError(t, err)

	res, err := o.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dofile":true,"random":true,"print":true,"os":true}`, res.Content)
}

func TestScriptErrors(t *testing.T) {
	_, err := Compile("bad.lua", "function complete(", nil)
	require.Error(t, err)

	o, err := Compile("nofunc.lua", "x = 1", nil)
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), nil)
	assert.ErrorContains(t, err, "complete")

	o, err = Compile("raise.lua", `function complete(m) error("boom") end`, nil)
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oracle.lua")
	require.NoError(t, os.WriteFile(path, []byte(routerScript), 0644))
	assert.True(t, IsScript(path))

	o, err := Load(path, nil)
	require.NoError(t, err)
	res, err := o.Complete(context.Background(), oracle.Prompt("", "nothing"))
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Content)
}
