package fixtures

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/govarlink/schema"
)

const sampleYAML = `
interfaces:
  - name: com.example.extra
    types:
      - name: Level
        type: "(low, medium, high)"
    methods:
      - name: Echo
        in:
          - {name: message, type: string}
        out:
          - {name: reply, type: string}
      - name: Stream
        more: true
        out:
          - {name: value, type: int}
      - name: Classify
        in:
          - {name: value, type: int}
        out:
          - {name: level, type: Level}
`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesInterfacesAndTypes(t *testing.T) {
	path := writeFixture(t, sampleYAML)

	ifaces, err := Load(path)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)

	iface := ifaces[0]
	assert.Equal(t, "com.example.extra", iface.Name)
	require.Len(t, iface.Types, 1)
	assert.Equal(t, schema.KindEnum, iface.Types[0].Type.Kind)

	stream, ok := iface.Method("Stream")
	require.True(t, ok)
	assert.True(t, stream.Flags.MayProduceMore)

	classify, ok := iface.Method("Classify")
	require.True(t, ok)
	assert.Equal(t, schema.KindRef, classify.Out[0].Type.Kind)
	assert.Equal(t, "Level", classify.Out[0].Type.Ref)
}

func TestLoadRejectsBadTypeExpression(t *testing.T) {
	path := writeFixture(t, `
interfaces:
  - name: com.example.bad
    methods:
      - name: Oops
        in:
          - {name: value, type: "not a type ["}
`)
	_, err := Load(path)
	assert.Error(t, err)
}
