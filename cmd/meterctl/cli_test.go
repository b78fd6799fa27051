package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/auth"
)

func TestHashTokenGeneratesVerifiableHash(t *testing.T) {
	stdout, _, err := executeCLI(t, "hash-token")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	token := strings.TrimSpace(strings.TrimPrefix(lines[0], "token:"))
	hash := strings.TrimSpace(strings.TrimPrefix(lines[1], "hash:"))
	require.True(t, strings.HasPrefix(token, "mgw_"))

	ok, err := auth.VerifyToken(token, hash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHashTokenUsesGivenToken(t *testing.T) {
	stdout, _, err := executeCLI(t, "hash-token", "mgw_fixed")
	require.NoError(t, err)
	require.Contains(t, stdout, "token: mgw_fixed")
}

func TestEstimateReadsRequestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"` + strings.Repeat("a", 4000) + `"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	stdout, _, err := executeCLI(t, "estimate", path)
	require.NoError(t, err)
	require.Contains(t, stdout, "estimate: 1500 tokens")
	require.Contains(t, stdout, "(gpt-4)")
}

func TestEstimateAppliesFloor(t *testing.T) {
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetIn(strings.NewReader(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}]}`))
	root.SetArgs([]string{"estimate", "-"})
	require.NoError(t, root.Execute())
	require.Contains(t, stdout.String(), "estimate: 100 tokens")
}

func TestAccountLifecycleAgainstSQLite(t *testing.T) {
	useSQLite(t)

	stdout, _, err := executeCLI(t, "accounts", "create", "u1", "--email", "u1@example.com")
	require.NoError(t, err)
	require.Contains(t, stdout, "u1\tu1@example.com\t1000 tokens")

	stdout, _, err = executeCLI(t, "accounts", "credit", "u1", "500", "--reason", "bonus")
	require.NoError(t, err)
	require.Contains(t, stdout, "credited 500 tokens to u1")
	require.Contains(t, stdout, "remaining 1500 of 1500")

	stdout, _, err = executeCLI(t, "accounts", "show", "u1")
	require.NoError(t, err)
	require.Contains(t, stdout, "u1@example.com")
	require.Contains(t, stdout, "credit")

	stdout, _, err = executeCLI(t, "accounts", "list")
	require.NoError(t, err)
	require.Contains(t, stdout, "page 1/1, 1 accounts")

	stdout, _, err = executeCLI(t, "accounts", "reconcile", "u1")
	require.NoError(t, err)
	require.Contains(t, stdout, "balanced=true")

	stdout, _, err = executeCLI(t, "accounts", "set-active", "u1", "false")
	require.NoError(t, err)
	require.Contains(t, stdout, "u1 active=false")

	stdout, _, err = executeCLI(t, "stats")
	require.NoError(t, err)
	require.Contains(t, stdout, "users: 1 total, 0 active")
	require.Contains(t, stdout, "1500 distributed")
}

func TestAccountCommandsRejectBadInput(t *testing.T) {
	useSQLite(t)

	_, _, err := executeCLI(t, "accounts", "credit", "u1", "-5")
	require.Error(t, err)

	_, _, err = executeCLI(t, "accounts", "credit", "ghost", "10")
	require.Error(t, err)

	_, _, err = executeCLI(t, "accounts", "set-active", "u1", "maybe")
	require.Error(t, err)
}

func TestSettingsCommands(t *testing.T) {
	useSQLite(t)

	stdout, _, err := executeCLI(t, "settings", "set", "conversion_factor", "0.5")
	require.NoError(t, err)
	require.Contains(t, stdout, "conversion_factor = 0.5")

	stdout, _, err = executeCLI(t, "settings", "get", "conversion_factor")
	require.NoError(t, err)
	require.Equal(t, "0.5", strings.TrimSpace(stdout))

	_, _, err = executeCLI(t, "settings", "set", "conversion_factor", "abc")
	require.Error(t, err)

	stdout, _, err = executeCLI(t, "settings", "list")
	require.NoError(t, err)
	require.Contains(t, stdout, "default_tokens_per_user")
}

func TestExportWritesToLocalStorage(t *testing.T) {
	exportDir := useSQLite(t)

	_, _, err := executeCLI(t, "accounts", "create", "u1")
	require.NoError(t, err)
	_, _, err = executeCLI(t, "accounts", "credit", "u1", "100")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, "export", "--account", "u1")
	require.NoError(t, err)
	require.Contains(t, stdout, "(1 rows")

	key := strings.Fields(stdout)[0]
	require.True(t, strings.HasPrefix(key, "exports/"))
	_, statErr := os.Stat(filepath.Join(exportDir, filepath.FromSlash(key)))
	require.NoError(t, statErr)

	stdout, _, err = executeCLI(t, "export", "list")
	require.NoError(t, err)
	require.Contains(t, stdout, key)

	_, _, err = executeCLI(t, "export", "delete", key)
	require.NoError(t, err)
	stdout, _, err = executeCLI(t, "export", "list")
	require.NoError(t, err)
	require.NotContains(t, stdout, key)

	_, _, err = executeCLI(t, "export", "--from", "yesterday")
	require.Error(t, err)
}

func TestMigrateIsNoopForSQLite(t *testing.T) {
	useSQLite(t)

	stdout, _, err := executeCLI(t, "migrate")
	require.NoError(t, err)
	require.Contains(t, stdout, "nothing to migrate")
}

// useSQLite points the CLI at a fresh file database and export directory.
func useSQLite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "exports")
	t.Setenv("METER_DATABASE_DRIVER", "sqlite")
	t.Setenv("METER_DATABASE_URL", filepath.Join(dir, "meter.db"))
	t.Setenv("METER_EXPORTS_STORAGE", "local")
	t.Setenv("METER_EXPORTS_LOCAL_DIRECTORY", exportDir)
	return exportDir
}

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}
