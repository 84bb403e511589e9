package pathsafe

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateFolder(t *testing.T) {
	valid := []string{"main", "family-chat", "group_2", "a.b", "Group-1"}
	for _, name := range valid {
		require.NoError(t, ValidateFolder(name), "expected %q to be valid", name)
	}

	invalid := []string{"", ".", "..", "../etc", "a/b", "a\\b", "a b", "a..b", "グループ"}
	for _, name := range invalid {
		require.Error(t, ValidateFolder(name), "expected %q to be rejected", name)
	}
}

func TestResolveStaysInsideRoot(t *testing.T) {
	root := t.TempDir()

	got, err := Resolve(root, "family")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "family"), got)

	_, err = Resolve(root, "../outside")
	require.Error(t, err)
}
