package connections_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptserver/internal/connections"
)

const connectionsYAML = `
connections:
  home-plex:
    type: plex
    env_prefix: plex
    fields:
      url: http://plex:32400
      token: abc123
  gcp:
    type: service-account
    files:
      GOOGLE_APPLICATION_CREDENTIALS: '{"type": "service_account"}'
`

func newInjector(t *testing.T, content string) (*connections.Injector, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	tmp := filepath.Join(dir, "tmp")
	require.NoError(t, os.Mkdir(tmp, 0o700))
	return connections.NewInjector(path, tmp, nil), tmp
}

func TestInjectFieldsAndFiles(t *testing.T) {
	injector, tmp := newInjector(t, connectionsYAML)

	creds, err := injector.Inject(context.Background(), []string{"home-plex", "gcp", "unknown"})
	require.NoError(t, err)

	assert.Equal(t, "http://plex:32400", creds.Env["PLEX_URL"])
	assert.Equal(t, "abc123", creds.Env["PLEX_TOKEN"])
	require.Len(t, creds.TempFiles, 1)

	path := creds.Env["GOOGLE_APPLICATION_CREDENTIALS"]
	assert.Equal(t, creds.TempFiles[0], path)
	assert.Equal(t, tmp, filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "service_account"}`, string(data))
}

func TestInjectReportsBrokenFile(t *testing.T) {
	injector, _ := newInjector(t, "connections: [")
	_, err := injector.Inject(context.Background(), []string{"gcp"})
	require.Error(t, err)

	missing := connections.NewInjector(filepath.Join(t.TempDir(), "absent.yaml"), "", nil)
	_, err = missing.Inject(context.Background(), []string{"gcp"})
	require.Error(t, err)
}

func TestInjectLeavesNothingOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(connectionsYAML), 0o600))
	blocker := filepath.Join(dir, "tmp")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	injector := connections.NewInjector(path, blocker, nil)

	creds, err := injector.Inject(context.Background(), []string{"home-plex", "gcp"})
	require.Error(t, err)
	assert.Nil(t, creds)

	leftovers, err := filepath.Glob(filepath.Join(dir, "conn-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "only the connections file and the blocking file remain")
}

func TestInjectCreatesMissingTempDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "connections.yaml")
	require.NoError(t, os.WriteFile(path, []byte(connectionsYAML), 0o600))
	tmp := filepath.Join(dir, "state", "tmp")
	injector := connections.NewInjector(path, tmp, nil)

	creds, err := injector.Inject(context.Background(), []string{"gcp"})
	require.NoError(t, err)
	require.Len(t, creds.TempFiles, 1)
	assert.Equal(t, tmp, filepath.Dir(creds.TempFiles[0]))
}
