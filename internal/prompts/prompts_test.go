package prompts

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedHasEveryTemplate(t *testing.T) {
	lib, err := Embedded()
	require.NoError(t, err)

	for _, name := range []string{ClassifyQuery, ScoreDocument, QualityGate, SkepticalComparison, SkillsMatching, ConfidenceGate, GenerateResults} {
		text, err := lib.Load(name, DefaultVariant)
		require.NoError(t, err, name)
		assert.Contains(t, text, "{{QUERY}}", name)
	}

	assert.Equal(t, []string{"concise", "default"}, lib.Variants())
}

func TestLoadFallsBackToDefaultVariant(t *testing.T) {
	lib, err := Embedded()
	require.NoError(t, err)

	concise, err := lib.Load(GenerateResults, "concise")
	require.NoError(t, err)
	full, err := lib.Load(GenerateResults, DefaultVariant)
	require.NoError(t, err)
	assert.NotEqual(t, full, concise)

	gate, err := lib.Load(QualityGate, "concise")
	require.NoError(t, err)
	defaultGate, err := lib.Load(QualityGate, "")
	require.NoError(t, err)
	assert.Equal(t, defaultGate, gate)

	unknown, err := lib.Load(QualityGate, "pirate")
	require.NoError(t, err)
	assert.Equal(t, defaultGate, unknown)
}

func TestLoadErrors(t *testing.T) {
	lib, err := NewLibrary(fstest.MapFS{
		"default/empty.md": &fstest.MapFile{Data: []byte("   ")},
	})
	require.NoError(t, err)

	_, err = lib.Load("missing", "")
	assert.ErrorContains(t, err, "not found")

	_, err = lib.Load("empty", "")
	assert.ErrorContains(t, err, "empty")

	_, err = lib.Load("", "")
	assert.Error(t, err)
}

func TestFallbackCycleTerminates(t *testing.T) {
	lib, err := NewLibrary(fstest.MapFS{
		"manifest.yaml": &fstest.MapFile{Data: []byte("default: a\nvariants:\n  a: {fallback: b}\n  b: {fallback: a}\n")},
	})
	require.NoError(t, err)

	_, err = lib.Load("anything", "a")
	assert.ErrorContains(t, err, "not found")
}

func TestInvalidManifest(t *testing.T) {
	_, err := NewLibrary(fstest.MapFS{
		"manifest.yaml": &fstest.MapFile{Data: []byte("variants: [oops")},
	})
	assert.Error(t, err)
}

func TestFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "default"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default", "score_document.md"), []byte("Score {{TITLE}}"), 0o644))

	lib, err := FromDir(dir)
	require.NoError(t, err)

	text, err := lib.Load(ScoreDocument, "")
	require.NoError(t, err)
	assert.Equal(t, "Score {{TITLE}}", text)

	_, err = FromDir(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	out := Render("Topic: {{QUERY}}\nUnknown: {{OTHER}}\nAgain: {{QUERY}}", map[string]string{
		"QUERY": "Acme {{OTHER}}",
	})

	assert.Equal(t, "Topic: Acme {{OTHER}}\nUnknown: {{OTHER}}\nAgain: Acme {{OTHER}}", out)
	assert.Equal(t, "same", Render("same", nil))
}
