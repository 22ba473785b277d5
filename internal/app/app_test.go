package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/config"
	"lockbridge/internal/repo"
)

func TestOpenWithDefaults(t *testing.T) {
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir(), InMemory: true})
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.DB)
	assert.Equal(t, "powershell.exe", rt.Config.Interpreter.Path)
	assert.NotNil(t, rt.Engine.Metrics)

	rows, err := rt.Engine.Repo.ListInvocations(context.Background(), repo.InvocationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestOpenCreatesWorkspaceLedger(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	_, err = os.Stat(filepath.Join(dir, ".lockbridge", "lockbridge.db"))
	assert.NoError(t, err)
}

func TestRequireConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), Options{Workspace: dir, RequireConfig: true, NoLedger: true})
	assert.ErrorContains(t, err, "lb config init")

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("log:\n  level: warn\n"), 0o644))
	rt, err := Open(context.Background(), Options{Workspace: dir, RequireConfig: true, NoLedger: true})
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.DB)
	assert.Equal(t, "warn", rt.Config.Log.Level)
}

func TestBadLogLevel(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), NoLedger: true, LogLevel: "loud"})
	assert.Error(t, err)
}
