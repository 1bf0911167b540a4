package downloader_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/api/updates"
	"github.com/rexos/rexos-updated/internal/downloader"
)

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}

	return data
}

type rangeServer struct {
	data          []byte
	ignoreRange   bool
	failFirst     int32
	requests      atomic.Int32
	mu            sync.Mutex
	rangeRequests []string
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	if n <= s.failFirst {
		http.Error(w, "try again", http.StatusServiceUnavailable)

		return
	}

	s.mu.Lock()
	s.rangeRequests = append(s.rangeRequests, r.Header.Get("Range"))
	s.mu.Unlock()

	if s.ignoreRange {
		r.Header.Del("Range")
	}

	http.ServeContent(w, r, "package.tar.gz", time.Time{}, bytes.NewReader(s.data))
}

func newDownloader(t *testing.T, dir string, retries int) *downloader.Downloader {
	t.Helper()

	return downloader.New(dir, retries,
		downloader.WithRetryInterval(time.Millisecond),
		downloader.WithProgressInterval(0),
	)
}

func TestDownload(t *testing.T) {
	t.Parallel()

	data := payload(200 * 1024)
	srv := &rangeServer{data: data}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	d := newDownloader(t, dir, 3)
	require.Nil(t, d.Progress())

	release := &updates.ReleaseInfo{Version: "1.2.0", DownloadURL: server.URL, Size: int64(len(data))}

	path, err := d.Download(context.Background(), release)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "rexos-1.2.0.tar.gz"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, content)

	progress := d.Progress()
	require.NotNil(t, progress)
	require.Equal(t, updates.DownloadStateCompleted, progress.State)
	require.Equal(t, int64(len(data)), progress.Downloaded)
	require.Equal(t, 100, progress.Percent())

	require.NoFileExists(t, path+".partial")
	require.Equal(t, []string{""}, srv.rangeRequests)
}

func TestDownloadResume(t *testing.T) {
	t.Parallel()

	data := payload(100 * 1024)

	for _, k := range []int{1, 4096, 50 * 1024, len(data) - 1} {
		srv := &rangeServer{data: data}
		server := httptest.NewServer(srv)
		t.Cleanup(server.Close)

		dir := t.TempDir()

		err := os.WriteFile(filepath.Join(dir, "rexos-2.0.0.tar.gz.partial"), data[:k], 0o644)
		require.NoError(t, err)

		d := newDownloader(t, dir, 1)

		path, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "2.0.0", DownloadURL: server.URL, Size: int64(len(data))})
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, data, content, "resume from %d", k)
		require.Len(t, srv.rangeRequests, 1)
		require.Equal(t, "bytes="+strconv.Itoa(k)+"-", srv.rangeRequests[0])
	}
}

func TestDownloadServerIgnoresRange(t *testing.T) {
	t.Parallel()

	data := payload(64 * 1024)
	srv := &rangeServer{data: data, ignoreRange: true}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "rexos-2.0.0.tar.gz.partial"), data[:1000], 0o644)
	require.NoError(t, err)

	d := newDownloader(t, dir, 1)

	path, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "2.0.0", DownloadURL: server.URL, Size: int64(len(data))})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, content)
}

func TestDownloadCompletePartial(t *testing.T) {
	t.Parallel()

	data := payload(1024)
	srv := &rangeServer{data: data}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "rexos-2.0.0.tar.gz.partial"), data, 0o644)
	require.NoError(t, err)

	d := newDownloader(t, dir, 1)

	path, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "2.0.0", DownloadURL: server.URL, Size: int64(len(data))})
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, int32(0), srv.requests.Load())
}

func TestDownloadCompletePartialUnknownSize(t *testing.T) {
	t.Parallel()

	data := payload(1024)
	srv := &rangeServer{data: data}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, "rexos-2.0.0.tar.gz.partial"), data, 0o644)
	require.NoError(t, err)

	d := newDownloader(t, dir, 1)

	path, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "2.0.0", DownloadURL: server.URL})
	require.NoError(t, err)
	require.Equal(t, int32(1), srv.requests.Load())
	require.Equal(t, []string{"bytes=1024-"}, srv.rangeRequests)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, content)
	require.Equal(t, updates.DownloadStateCompleted, d.Progress().State)
}

func TestCancelWithoutDownload(t *testing.T) {
	t.Parallel()

	data := payload(1024)
	server := httptest.NewServer(&rangeServer{data: data})
	t.Cleanup(server.Close)

	d := newDownloader(t, t.TempDir(), 1)

	// Nothing to cancel yet.
	d.Cancel()
	require.Nil(t, d.Progress())

	_, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "2.0.0", DownloadURL: server.URL, Size: int64(len(data))})
	require.NoError(t, err)

	d.Cancel()
	require.Equal(t, updates.DownloadStateCompleted, d.Progress().State)
}

func TestDownloadRetries(t *testing.T) {
	t.Parallel()

	data := payload(8 * 1024)
	srv := &rangeServer{data: data, failFirst: 2}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	d := newDownloader(t, t.TempDir(), 3)

	path, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "1.0.1", DownloadURL: server.URL, Size: int64(len(data))})
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, int32(3), srv.requests.Load())
}

func TestDownloadRetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := &rangeServer{data: payload(10), failFirst: 100}
	server := httptest.NewServer(srv)
	t.Cleanup(server.Close)

	d := newDownloader(t, t.TempDir(), 3)

	_, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "1.0.1", DownloadURL: server.URL, Size: 10})
	require.ErrorIs(t, err, downloader.ErrDownloadFailed)
	require.Contains(t, err.Error(), "503")
	require.Equal(t, int32(3), srv.requests.Load())
	require.Equal(t, updates.DownloadStateFailed, d.Progress().State)
}

func TestDownloadCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write(payload(4096))
		w.(http.Flusher).Flush()
		close(started)

		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	d := newDownloader(t, dir, 5)

	errCh := make(chan error, 1)

	go func() {
		_, err := d.Download(context.Background(), &updates.ReleaseInfo{Version: "3.0.0", DownloadURL: server.URL, Size: 1048576})
		errCh <- err
	}()

	<-started

	require.Eventually(t, func() bool {
		p := d.Progress()

		return p != nil && p.Downloaded > 0
	}, 5*time.Second, 5*time.Millisecond)

	d.Cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, downloader.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download didn't stop after cancel")
	}

	require.Equal(t, updates.DownloadStateFailed, d.Progress().State)

	// The partial file is kept for a later resume, until cleaned up.
	require.FileExists(t, filepath.Join(dir, "rexos-3.0.0.tar.gz.partial"))
	require.NoError(t, d.Cleanup())
	require.NoFileExists(t, filepath.Join(dir, "rexos-3.0.0.tar.gz.partial"))
}

func TestCleanupAndSpace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, name := range []string{"a.partial", "rexos-1.0.0.tar.gz", "b.partial"} {
		err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
		require.NoError(t, err)
	}

	d := downloader.New(dir, 1)
	require.NoError(t, d.Cleanup())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "rexos-1.0.0.tar.gz", entries[0].Name())

	space, err := d.AvailableSpace()
	require.NoError(t, err)
	require.Positive(t, space)

	require.NoError(t, downloader.New(filepath.Join(dir, "missing"), 1).Cleanup())
}
