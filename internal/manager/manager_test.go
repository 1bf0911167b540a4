package manager_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/downloader"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/verify"
)

// buildPackage returns a gzip-compressed tar archive holding files.
func buildPackage(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))

		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

type updateServer struct {
	t        *testing.T
	server   *httptest.Server
	release  *updates.ReleaseInfo
	manifest *updates.Manifest
	pkg      []byte

	// gate, when set, holds the package download until closed.
	gate     chan struct{}
	requests atomic.Int32
}

func newUpdateServer(t *testing.T, privateKey string, version string, files map[string]string) *updateServer {
	t.Helper()

	s := &updateServer{t: t, pkg: buildPackage(t, files)}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/updates/{channel}/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("channel") != "stable" || s.release == nil {
			http.NotFound(w, r)

			return
		}

		_ = json.NewEncoder(w).Encode(s.release)
	})

	mux.HandleFunc("GET /manifests/{version}", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(s.manifest)
	})

	mux.HandleFunc("GET /packages/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)

		if s.gate != nil {
			w.Header().Set("Content-Length", "1048576")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(make([]byte, 1024))
			w.(http.Flusher).Flush()

			select {
			case <-s.gate:
			case <-r.Context().Done():
			}

			return
		}

		http.ServeContent(w, r, r.PathValue("name"), time.Time{}, bytes.NewReader(s.pkg))
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	signature, err := verify.SignData(s.pkg, privateKey)
	require.NoError(t, err)

	s.release = &updates.ReleaseInfo{
		Version:     version,
		Channel:     updates.ChannelStable,
		DownloadURL: s.server.URL + "/packages/" + downloader.FileName(version),
		Size:        int64(len(s.pkg)),
		SHA256:      verify.SHA256Data(s.pkg),
		Signature:   signature,
		ReleaseDate: "2026-10-01",
	}

	return s
}

type env struct {
	cfg  manager.Config
	root string
	mgr  *manager.Manager
}

func newEnv(t *testing.T, publicKey string, serverURL string, current string) *env {
	t.Helper()

	base := t.TempDir()

	releaseFile := filepath.Join(base, "rexos-release")
	require.NoError(t, os.WriteFile(releaseFile, []byte("NAME=RexOS\nVERSION=\""+current+"\"\n"), 0o644))

	root := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))

	cfg := manager.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.PublicKey = publicKey
	cfg.DownloadDir = filepath.Join(base, "downloads")
	cfg.StagingDir = filepath.Join(base, "staging")
	cfg.ReleaseFile = releaseFile
	cfg.Root = root
	cfg.Architecture = "aarch64"
	cfg.DeviceID = "rg353"
	cfg.RetryInterval = time.Millisecond
	cfg.RunFunc = func(context.Context, []string, string, ...string) error { return nil }

	mgr, err := manager.New(cfg)
	require.NoError(t, err)

	return &env{cfg: cfg, root: root, mgr: mgr}
}

func keypair(t *testing.T) (string, string) {
	t.Helper()

	priv, pub, err := verify.GenerateKeypair()
	require.NoError(t, err)

	return priv, pub
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)
	srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})
	e := newEnv(t, pub, srv.server.URL, "1.0.0")

	current, err := e.mgr.CurrentVersion()
	require.NoError(t, err)
	require.Equal(t, "1.0.0", current)

	release, err := e.mgr.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, release)
	require.Equal(t, "1.1.0", release.Version)

	result, err := e.mgr.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.1.0", result.Version)
	require.Equal(t, 1, result.FilesAdded)

	content, err := os.ReadFile(filepath.Join(e.root, "bin/app"))
	require.NoError(t, err)
	require.Equal(t, "new app", string(content))

	// The package is removed once installed.
	require.NoFileExists(t, filepath.Join(e.cfg.DownloadDir, downloader.FileName("1.1.0")))

	require.Equal(t, updates.DownloadStateCompleted, e.mgr.DownloadProgress().State)
	require.Equal(t, updates.InstallStepDone, e.mgr.InstallProgress().Step)

	// Cancelling with nothing running leaves the last download alone.
	e.mgr.Cancel()
	require.Equal(t, updates.DownloadStateCompleted, e.mgr.DownloadProgress().State)

	backups, err := e.mgr.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)

	_, err = e.mgr.Rollback(context.Background())
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(e.root, "bin/app"))
}

func TestUpdateNoUpdate(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)
	srv := newUpdateServer(t, priv, "1.0.0", map[string]string{"bin/app": "same"})

	// Same version as running.
	e := newEnv(t, pub, srv.server.URL, "1.0.0")

	_, err := e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrNoUpdate)

	// Nothing published.
	empty := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "newer"})
	empty.release = nil

	e = newEnv(t, pub, empty.server.URL, "1.0.0")

	_, err = e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrNoUpdate)
	require.Equal(t, int32(0), srv.requests.Load())
	require.Equal(t, int32(0), empty.requests.Load())
}

func TestUpdateCorruptedPackage(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)
	srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})
	e := newEnv(t, pub, srv.server.URL, "1.0.0")

	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "bin/app"), []byte("old app"), 0o644))

	// Flip one byte after the release was published.
	srv.pkg = bytes.Clone(srv.pkg)
	srv.pkg[len(srv.pkg)/2] ^= 0x01

	_, err := e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrVerificationFailed)
	require.ErrorIs(t, err, verify.ErrHashMismatch)

	// The installer never ran.
	require.Nil(t, e.mgr.InstallProgress())

	content, err := os.ReadFile(filepath.Join(e.root, "bin/app"))
	require.NoError(t, err)
	require.Equal(t, "old app", string(content))
}

func TestUpdateBadSignature(t *testing.T) {
	t.Parallel()

	priv, _ := keypair(t)
	_, otherPub := keypair(t)
	srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})
	e := newEnv(t, otherPub, srv.server.URL, "1.0.0")

	_, err := e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrVerificationFailed)
	require.ErrorIs(t, err, verify.ErrSignatureMismatch)
	require.NoFileExists(t, filepath.Join(e.root, "bin/app"))
	require.Equal(t, updates.DownloadStateFailed, e.mgr.DownloadProgress().State)
}

func TestUpdateManifestChecks(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)

	tests := []struct {
		name    string
		modify  func(m *updates.Manifest)
		wantErr bool
	}{
		{name: "compatible", modify: func(*updates.Manifest) {}},
		{name: "version too old", modify: func(m *updates.Manifest) { m.MinVersion = "2.0.0" }, wantErr: true},
		{name: "version too new", modify: func(m *updates.Manifest) { m.MaxVersion = "1.0.0" }, wantErr: true},
		{name: "other device", modify: func(m *updates.Manifest) { m.TargetDevices = []string{"rg35xx"} }, wantErr: true},
		{name: "other architecture", modify: func(m *updates.Manifest) { m.Architecture = "x86_64" }, wantErr: true},
		{name: "unsigned", modify: func(m *updates.Manifest) { m.Signature = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})

			manifest := updates.NewManifest("1.1.0")
			manifest.Architecture = "aarch64"
			manifest.SHA256 = srv.release.SHA256
			manifest.Signature = srv.release.Signature
			manifest.AddFile(updates.FileEntry{Path: "bin/app", Size: 7, SHA256: verify.SHA256Data([]byte("new app"))})
			tt.modify(manifest)

			srv.manifest = manifest
			srv.release.ManifestURL = srv.server.URL + "/manifests/1.1.0"

			e := newEnv(t, pub, srv.server.URL, "1.0.0")

			_, err := e.mgr.Update(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, manager.ErrInvalidManifest)
				require.Equal(t, int32(0), srv.requests.Load())

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestUpdateInsufficientSpace(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)
	srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})
	srv.release.Size = 1 << 60

	e := newEnv(t, pub, srv.server.URL, "1.0.0")

	_, err := e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrInsufficientSpace)

	var spaceErr *manager.InsufficientSpaceError
	require.ErrorAs(t, err, &spaceErr)
	require.Equal(t, uint64(1<<61), spaceErr.Needed)
	require.Less(t, spaceErr.Available, spaceErr.Needed)
	require.Equal(t, int32(0), srv.requests.Load())
}

func TestBusyAndCancel(t *testing.T) {
	t.Parallel()

	priv, pub := keypair(t)
	srv := newUpdateServer(t, priv, "1.1.0", map[string]string{"bin/app": "new app"})
	srv.gate = make(chan struct{})
	srv.release.Size = 1048576

	t.Cleanup(func() { close(srv.gate) })

	e := newEnv(t, pub, srv.server.URL, "1.0.0")

	errCh := make(chan error, 1)

	go func() {
		_, err := e.mgr.Update(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return srv.requests.Load() > 0 && e.mgr.Busy() }, 5*time.Second, 5*time.Millisecond)

	_, err := e.mgr.Update(context.Background())
	require.ErrorIs(t, err, manager.ErrBusy)

	_, err = e.mgr.Rollback(context.Background())
	require.ErrorIs(t, err, manager.ErrBusy)

	_, err = e.mgr.Install(context.Background(), "/nonexistent")
	require.ErrorIs(t, err, manager.ErrBusy)

	e.mgr.Cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, downloader.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("update didn't stop after cancel")
	}

	require.False(t, e.mgr.Busy())
	require.NoError(t, e.mgr.Cleanup())
}

func TestNewRequiresDirectories(t *testing.T) {
	t.Parallel()

	_, err := manager.New(manager.Config{})
	require.Error(t, err)

	cfg := manager.DefaultConfig()
	cfg.Channel = "edge"

	_, err = manager.New(cfg)
	require.Error(t, err)
}
