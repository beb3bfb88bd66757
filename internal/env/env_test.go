package env

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func asMap(t *testing.T, list []string) Vars {
	t.Helper()
	m := make(Vars, len(list))
	for _, kv := range list {
		i := -1
		for j := range kv {
			if kv[j] == '=' {
				i = j
				break
			}
		}
		require.GreaterOrEqual(t, i, 1, "entry %q", kv)
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func TestMergePrecedence(t *testing.T) {
	e := New(false)
	e.Set("A", "global")
	e.Set("B", "global")
	e.Set("C", "global")

	got := asMap(t, e.Merge([]string{"B=proc", "C=proc", "C=last"}))
	require.Equal(t, "global", got["A"])
	require.Equal(t, "proc", got["B"])
	require.Equal(t, "last", got["C"], "later per-process entries win")
}

func TestMergeWithoutOSEnvIsClean(t *testing.T) {
	t.Setenv("ENV_TEST_LEAK", "nope")
	e := New(false)
	e.Set("ONLY", "this")

	got := asMap(t, e.Merge(nil))
	require.Equal(t, Vars{"ONLY": "this"}, got)
}

func TestMergeInheritsOSEnv(t *testing.T) {
	t.Setenv("ENV_TEST_INHERIT", "yes")
	e := New(true)
	got := asMap(t, e.Merge(nil))
	require.Equal(t, "yes", got["ENV_TEST_INHERIT"])
}

func TestExpansion(t *testing.T) {
	e := New(false)
	e.Set("HOST", "localhost")
	e.Set("URL", "http://${HOST}:8080")

	got := asMap(t, e.Merge(nil))
	require.Equal(t, "http://localhost:8080", got["URL"])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nPLAIN=one\nexport EXPORTED=two\nQUOTED=\"three four\"\nSINGLE='five'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	e := New(false)
	require.NoError(t, e.LoadFile(path))
	got := asMap(t, e.Merge(nil))
	require.Equal(t, "one", got["PLAIN"])
	require.Equal(t, "two", got["EXPORTED"])
	require.Equal(t, "three four", got["QUOTED"])
	require.Equal(t, "five", got["SINGLE"])
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOEQUALS\n"), 0o644))
	require.Error(t, New(false).LoadFile(path))
}

func TestGlobalsOverrideFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("X=file\nY=file\n"), 0o644))

	e := New(false)
	require.NoError(t, e.LoadFile(path))
	e.Set("Y", "global")

	got := asMap(t, e.Merge(nil))
	require.Equal(t, "file", got["X"])
	require.Equal(t, "global", got["Y"])
}

func TestMergeOutputIsWellFormed(t *testing.T) {
	e := New(false)
	e.Set("B", "2")
	e.Set("A", "1")
	list := e.Merge(nil)
	sort.Strings(list)
	require.Equal(t, []string{"A=1", "B=2"}, list)
}
