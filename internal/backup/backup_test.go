package backup_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/internal/backup"
)

func writeFile(t *testing.T, root string, rel string, content string) {
	t.Helper()

	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root string, rel string) string {
	t.Helper()

	content, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)

	return string(content)
}

func TestCreateRestore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := backup.NewStore(t.TempDir(), 1)

	writeFile(t, root, "usr/bin/app", "old binary")
	writeFile(t, root, "etc/app.conf", "old config")
	require.NoError(t, os.Symlink("app", filepath.Join(root, "usr/bin/app-link")))

	gen, err := store.Create(root, "1.1.0", "1.0.0", []string{"/usr/bin/app", "etc/app.conf", "usr/bin/app-link", "usr/bin/new-tool", "usr/bin/app"})
	require.NoError(t, err)
	require.Equal(t, "1.1.0", gen.Manifest.Version)
	require.Equal(t, "1.0.0", gen.Manifest.PreviousVersion)
	require.ElementsMatch(t, []string{"usr/bin/app", "etc/app.conf", "usr/bin/app-link"}, gen.Manifest.Files)
	require.Equal(t, []string{"usr/bin/new-tool"}, gen.Manifest.Created)
	require.FileExists(t, filepath.Join(gen.Path, backup.ManifestName))

	// Simulate an update.
	writeFile(t, root, "usr/bin/app", "new binary")
	writeFile(t, root, "etc/app.conf", "new config")
	writeFile(t, root, "usr/bin/new-tool", "tool")
	require.NoError(t, os.Remove(filepath.Join(root, "usr/bin/app-link")))

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, gen.Name, latest.Name)

	require.NoError(t, store.Restore(root, latest))

	require.Equal(t, "old binary", readFile(t, root, "usr/bin/app"))
	require.Equal(t, "old config", readFile(t, root, "etc/app.conf"))
	require.NoFileExists(t, filepath.Join(root, "usr/bin/new-tool"))

	target, err := os.Readlink(filepath.Join(root, "usr/bin/app-link"))
	require.NoError(t, err)
	require.Equal(t, "app", target)
}

func TestRing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := backup.NewStore(t.TempDir(), 2)

	for _, v := range []string{"1.0.1", "1.0.2", "1.0.3"} {
		writeFile(t, root, "etc/version", v)

		_, err := store.Create(root, v, "", []string{"etc/version"})
		require.NoError(t, err)
	}

	gens, err := store.List()
	require.NoError(t, err)
	require.Len(t, gens, 2)
	require.Equal(t, "1.0.2", gens[0].Manifest.Version)
	require.Equal(t, "1.0.3", gens[1].Manifest.Version)

	// Older generations can still be restored.
	require.NoError(t, store.Restore(root, &gens[0]))
	require.Equal(t, "1.0.2", readFile(t, root, "etc/version"))

	require.NoError(t, store.Delete(&gens[1]))

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, "1.0.2", latest.Manifest.Version)
}

func TestNoBackup(t *testing.T) {
	t.Parallel()

	store := backup.NewStore(filepath.Join(t.TempDir(), "missing"), 0)

	gens, err := store.List()
	require.NoError(t, err)
	require.Empty(t, gens)

	_, err = store.Latest()
	require.ErrorIs(t, err, backup.ErrNoBackup)

	require.ErrorIs(t, store.Restore(t.TempDir(), nil), backup.ErrNoBackup)
}

func TestUnsafeManifestSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := backup.NewStore(dir, 1)

	writeFile(t, dir, "bad/"+backup.ManifestName, `{"version":"1.0.0","files":["../../etc/shadow"]}`)
	writeFile(t, dir, "broken/"+backup.ManifestName, `{`)

	gens, err := store.List()
	require.NoError(t, err)
	require.Empty(t, gens)
}

func TestCreateRestoreDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := backup.NewStore(t.TempDir(), 1)

	writeFile(t, root, "usr/share/old-theme/a.png", "a")
	writeFile(t, root, "usr/share/old-theme/icons/b.png", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/share/old-theme/empty"), 0o755))

	gen, err := store.Create(root, "1.1.0", "1.0.0", []string{"usr/share/old-theme", "usr/share/old-theme/a.png"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"usr/share/old-theme",
		"usr/share/old-theme/a.png",
		"usr/share/old-theme/empty",
		"usr/share/old-theme/icons",
		"usr/share/old-theme/icons/b.png",
	}, gen.Manifest.Files)
	require.Empty(t, gen.Manifest.Created)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "usr/share/old-theme")))

	require.NoError(t, store.Restore(root, gen))
	require.Equal(t, "a", readFile(t, root, "usr/share/old-theme/a.png"))
	require.Equal(t, "b", readFile(t, root, "usr/share/old-theme/icons/b.png"))
	require.DirExists(t, filepath.Join(root, "usr/share/old-theme/empty"))
}

func TestRestoreRemovesCreatedDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := backup.NewStore(t.TempDir(), 1)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/lib"), 0o755))

	gen, err := store.Create(root, "1.1.0", "1.0.0", []string{"usr/lib/rexos/plugins/a.so", "usr/lib/rexos/b.so"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"usr/lib/rexos/plugins/a.so",
		"usr/lib/rexos/plugins",
		"usr/lib/rexos",
		"usr/lib/rexos/b.so",
	}, gen.Manifest.Created)

	writeFile(t, root, "usr/lib/rexos/plugins/a.so", "a")
	writeFile(t, root, "usr/lib/rexos/b.so", "b")

	require.NoError(t, store.Restore(root, gen))
	require.NoDirExists(t, filepath.Join(root, "usr/lib/rexos"))
	require.DirExists(t, filepath.Join(root, "usr/lib"))
}

func TestRestoreKeepsForeignContent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := backup.NewStore(t.TempDir(), 1)

	gen, err := store.Create(root, "1.1.0", "1.0.0", []string{"var/lib/rexos/state.db"})
	require.NoError(t, err)

	writeFile(t, root, "var/lib/rexos/state.db", "new")
	writeFile(t, root, "var/lib/rexos/saves/slot1", "user data")

	require.NoError(t, store.Restore(root, gen))
	require.NoFileExists(t, filepath.Join(root, "var/lib/rexos/state.db"))
	require.Equal(t, "user data", readFile(t, root, "var/lib/rexos/saves/slot1"))
}
