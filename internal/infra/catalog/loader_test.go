package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pluginservers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullDefinition(t *testing.T) {
	path := writeConfig(t, `
- name: A
  socket: /tmp/a.sock
  exec: /bin/a
  args: [--verbose, --port=0]
  environment:
    PLUGIN_LOG_LEVEL: debug
  info_cmd: /bin/a -dump
- socket: /tmp/b.sock
`)

	defs, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	want := []domain.ServerDef{
		{
			Name:    "A",
			Socket:  "/tmp/a.sock",
			Exec:    "/bin/a",
			Args:    []string{"--verbose", "--port=0"},
			Env:     map[string]string{"PLUGIN_LOG_LEVEL": "debug"},
			InfoCmd: "/bin/a -dump",
		},
		{
			Name:   "plugin server #1",
			Socket: "/tmp/b.sock",
		},
	}
	if diff := cmp.Diff(want, defs); diff != "" {
		t.Fatalf("unexpected defs (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileDisablesHost(t *testing.T) {
	defs, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, defs)

	defs, err = Load("", zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, defs)
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "::: not yaml {{{"},
		{"missing socket", "- name: A\n  exec: /bin/a\n"},
		{"duplicate names", "- name: A\n  socket: /tmp/a.sock\n- name: A\n  socket: /tmp/b.sock\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), zap.NewNop())
			require.Error(t, err)
		})
	}
}
