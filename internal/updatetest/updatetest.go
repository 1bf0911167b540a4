// Package updatetest provides an in-process update server and matching
// manager configuration for tests.
package updatetest

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/downloader"
	"github.com/rexos/rexos-updated/internal/manager"
	"github.com/rexos/rexos-updated/internal/verify"
)

// ReleaseFile is where the release file lives under the test root.
const ReleaseFile = "etc/rexos-release"

// BuildPackage returns a gzip-compressed tar archive holding files.
func BuildPackage(t *testing.T, files map[string]string) []byte {
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

// ReleaseContent returns a release file announcing v.
func ReleaseContent(v string) string {
	return "NAME=RexOS\nVERSION=\"" + v + "\"\n"
}

// Server serves a single release on the stable channel.
type Server struct {
	URL       string
	PublicKey string

	mu      sync.Mutex
	release *updates.ReleaseInfo
	pkg     []byte
	gate    chan struct{}
}

// NewServer publishes a signed package holding files as version v. The
// package also carries a release file announcing v.
func NewServer(t *testing.T, v string, files map[string]string) *Server {
	t.Helper()

	priv, pub, err := verify.GenerateKeypair()
	require.NoError(t, err)

	all := map[string]string{ReleaseFile: ReleaseContent(v)}
	for name, content := range files {
		all[name] = content
	}

	pkg := BuildPackage(t, all)

	s := &Server{PublicKey: pub, pkg: pkg}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/updates/{channel}/latest", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		release := s.release
		s.mu.Unlock()

		if r.PathValue("channel") != string(updates.ChannelStable) || release == nil {
			http.NotFound(w, r)

			return
		}

		_ = json.NewEncoder(w).Encode(release)
	})

	mux.HandleFunc("GET /packages/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()

		if gate != nil {
			w.Header().Set("Content-Length", "1048576")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(make([]byte, 1024))
			w.(http.Flusher).Flush()

			select {
			case <-gate:
			case <-r.Context().Done():
			}

			return
		}

		http.ServeContent(w, r, r.PathValue("name"), time.Time{}, bytes.NewReader(pkg))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s.URL = server.URL

	signature, err := verify.SignData(pkg, priv)
	require.NoError(t, err)

	s.release = &updates.ReleaseInfo{
		Version:     v,
		Channel:     updates.ChannelStable,
		DownloadURL: server.URL + "/packages/" + downloader.FileName(v),
		Size:        int64(len(pkg)),
		SHA256:      verify.SHA256Data(pkg),
		Signature:   signature,
		ReleaseDate: "2026-10-01",
	}

	return s
}

// Release returns the published release.
func (s *Server) Release() updates.ReleaseInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.release
}

// Hold makes package downloads stall until the returned function is called.
func (s *Server) Hold() func() {
	gate := make(chan struct{})

	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	return sync.OnceFunc(func() {
		s.mu.Lock()
		s.gate = nil
		s.mu.Unlock()

		close(gate)
	})
}

// ManagerConfig returns a manager configuration rooted in a temporary
// directory whose release file announces current.
func ManagerConfig(t *testing.T, s *Server, current string) manager.Config {
	t.Helper()

	base := t.TempDir()
	root := filepath.Join(base, "root")
	releaseFile := filepath.Join(root, ReleaseFile)

	require.NoError(t, os.MkdirAll(filepath.Dir(releaseFile), 0o755))
	require.NoError(t, os.WriteFile(releaseFile, []byte(ReleaseContent(current)), 0o644))

	cfg := manager.DefaultConfig()
	cfg.ServerURL = s.URL
	cfg.PublicKey = s.PublicKey
	cfg.DownloadDir = filepath.Join(base, "downloads")
	cfg.StagingDir = filepath.Join(base, "staging")
	cfg.ReleaseFile = releaseFile
	cfg.Root = root
	cfg.Architecture = "aarch64"
	cfg.RetryInterval = time.Millisecond
	cfg.RunFunc = func(context.Context, []string, string, ...string) error { return nil }

	return cfg
}
