package testutil

import (
	"path/filepath"
	"runtime"
	"testing"
)

// ScriptPath returns the absolute path to a fixture script under
// tests/scripts/ at the project root, given just its file name.
func ScriptPath(t *testing.T, name string) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to determine testutil package location")
	}
	root := filepath.Dir(filepath.Dir(filename))
	return filepath.Join(root, "tests", "scripts", name)
}
