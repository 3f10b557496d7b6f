// Package testutil provides shared helpers for tests.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

// Logger returns a slog.Logger that discards all output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WriteUsersCSV writes the given rows to a temp users file and returns
// its path. The file is removed when the test finishes.
func WriteUsersCSV(t testing.TB, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.csv")
	OverwriteUsersCSV(t, path, rows...)
	return path
}

// OverwriteUsersCSV replaces the contents of an existing users file.
func OverwriteUsersCSV(t testing.TB, path string, rows ...string) {
	t.Helper()
	content := strings.Join(rows, "\n")
	if len(rows) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write users file: %v", err)
	}
}
