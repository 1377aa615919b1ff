package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/crew/internal/models"
)

func TestResolveFallsBackToDirectoryName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "billing-service")
	require.NoError(t, os.MkdirAll(dir, 0755))

	project, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, "billing-service", project.Title)
	assert.Empty(t, project.Repository)
}

func TestInitThenResolve(t *testing.T) {
	dir := t.TempDir()
	want := models.ProjectContext{Title: "Billing", Repository: "git@github.com:acme/billing.git"}
	require.NoError(t, Init(dir, want))

	assert.DirExists(t, filepath.Join(dir, ".crew", "agents"))
	assert.FileExists(t, filepath.Join(dir, ".crew", "PROTOCOL.md"))

	got, err := Resolve(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveRejectsBadProjectFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".crew"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".crew", "project.yaml"), []byte("title: [unclosed"), 0644))

	_, err := Resolve(dir)
	assert.Error(t, err)
}

func TestProtocolListsTransitions(t *testing.T) {
	p := Protocol()
	assert.Contains(t, p, "- `chat` → `plan`, `execute`")
	assert.Contains(t, p, "- `chores` → `end`")
}

func TestPhaseGuide(t *testing.T) {
	assert.Equal(t,
		"The conversation is in execute. Legal next phases: `review`. Unless waived, move to review next.",
		PhaseGuide(models.PhaseExecute))
	assert.Contains(t, PhaseGuide(models.PhaseEnd), "No further transitions")
}
