package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

func newDAVServer(t *testing.T) *httptest.Server {
	t.Helper()
	fs := webdav.NewMemFS()
	ctx := context.Background()
	require.NoError(t, fs.Mkdir(ctx, "/docs", 0o755))
	require.NoError(t, fs.Mkdir(ctx, "/docs/sub", 0o755))
	f, err := fs.OpenFile(ctx, "/docs/a.txt", os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	srv := httptest.NewServer(&webdav.Handler{FileSystem: fs, LockSystem: webdav.NewMemLS()})
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, url string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf("remote:\n  url: %s\n  maxRetries: 0\nlog:\n  level: error\n", url)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := GetRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vdfs "+Version)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make([]string, 0)
	for _, c := range GetRootCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"version", "mount", "ls", "warm"})
}

func TestLs(t *testing.T) {
	cfg := writeConfig(t, newDAVServer(t).URL)

	out, err := run(t, "ls", "/docs", "--config", cfg, "--marker", "")
	require.NoError(t, err)
	assert.Equal(t, ".\n..\na.txt\nsub/\n", out)

	out, err = run(t, "ls", "/docs", "--config", cfg, "--marker", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "sub/\n", out)
}

func TestLsMissingFolder(t *testing.T) {
	cfg := writeConfig(t, newDAVServer(t).URL)

	_, err := run(t, "ls", "/nope", "--config", cfg, "--marker", "")
	assert.Error(t, err)
}

func TestWarm(t *testing.T) {
	cfg := writeConfig(t, newDAVServer(t).URL)

	out, err := run(t, "warm", "/", "--config", cfg, "--depth", "-1")
	require.NoError(t, err)
	assert.Contains(t, out, "folders: 3\n")
	assert.Contains(t, out, "entries: 3\n")
	assert.Contains(t, out, "errors: 0\n")
}
