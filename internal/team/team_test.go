package team

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTeam = `
workLanguage: en
supportedLanguages: [en, zh]
diligencePushMax: 5
members:
  lead:
    name: Team Lead
    systemPrompt: You coordinate the team.
    fbrEffort: 3
  alice:
    systemPrompt: You build things.
    tools: [shell, editor]
`

func writeTeam(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "team.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	tm, err := Load(writeTeam(t, sampleTeam))
	require.NoError(t, err)

	assert.Equal(t, "en", tm.WorkLanguage)
	assert.Equal(t, 5, tm.DiligencePushMax)
	require.Len(t, tm.Members, 2)
	assert.Equal(t, "lead", tm.Members["lead"].AgentID, "agentId defaults to the map key")
	assert.Equal(t, 3, tm.Members["lead"].FBREffort)
}

func TestLoadRejectsBadEffort(t *testing.T) {
	_, err := Load(writeTeam(t, `
members:
  lead:
    systemPrompt: x
    fbrEffort: 101
`))
	assert.Error(t, err)
}

func TestLoadRejectsEmptyTeam(t *testing.T) {
	_, err := Load(writeTeam(t, `members: {}`))
	assert.Error(t, err)
}

func TestMinds(t *testing.T) {
	p, err := NewProvider(writeTeam(t, sampleTeam))
	require.NoError(t, err)

	m, err := p.Minds("alice")
	require.NoError(t, err)
	assert.Equal(t, "You build things.", m.SystemPrompt)
	assert.Equal(t, []string{"shell", "editor"}, m.Tools)
	assert.Equal(t, 0, m.FBREffort)

	_, err = p.Minds("ghost")
	assert.Error(t, err)
}

func TestReloadKeepsPriorOnFailure(t *testing.T) {
	path := writeTeam(t, sampleTeam)
	p, err := NewProvider(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{ definitely not yaml"), 0o644))
	assert.Error(t, p.Reload())

	m, err := p.Minds("lead")
	require.NoError(t, err)
	assert.Equal(t, "You coordinate the team.", m.SystemPrompt)
}
