package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheckAcceptsValidConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", "storage:\n  driver: memory\nscheduler:\n  timezone: UTC\n")
	out, err := run(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestCheckRejectsInvalidConfig(t *testing.T) {
	path := writeFile(t, "config.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`)
	_, err := run(t, "check", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.timezone")
}

func TestMigrateSQLite(t *testing.T) {
	db := filepath.Join(t.TempDir(), "schedgate.db")
	path := writeFile(t, "config.json", `{"storage":{"driver":"sqlite","path":"`+filepath.ToSlash(db)+`"}}`)
	out, err := run(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite")
	_, err = os.Stat(db)
	assert.NoError(t, err)
}
