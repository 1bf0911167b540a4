package util_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rexos/rexos-updated/internal/util"
)

func TestCopyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src", "run.sh")
	dst := filepath.Join(dir, "dst", "nested", "run.sh")

	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.Chmod(src, 0o750))

	require.NoError(t, util.CopyFile(src, dst))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\n", string(content))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	// Overwrite an existing symlink rather than writing through it.
	victim := filepath.Join(dir, "victim")
	require.NoError(t, os.WriteFile(victim, []byte("keep"), 0o644))
	require.NoError(t, os.Remove(dst))
	require.NoError(t, os.Symlink(victim, dst))

	require.NoError(t, util.CopyFile(src, dst))

	content, err = os.ReadFile(victim)
	require.NoError(t, err)
	require.Equal(t, "keep", string(content))
}

func TestCopySymlink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "link")
	dst := filepath.Join(dir, "copy", "link")

	require.NoError(t, os.Symlink("target/file", src))
	require.NoError(t, util.CopyFile(src, dst))

	target, err := os.Readlink(dst)
	require.NoError(t, err)
	require.Equal(t, "target/file", target)
	require.True(t, util.PathExists(dst))
	require.False(t, util.PathExists(filepath.Join(dir, "missing")))
}

func TestCertPool(t *testing.T) {
	t.Parallel()

	_, err := util.CertPool([]string{"garbage"})
	require.Error(t, err)

	_, err = util.CertPool([]string{string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}))})
	require.Error(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "RexOS test CA"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	pool, err := util.CertPool([]string{string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))})
	require.NoError(t, err)
	require.NotNil(t, pool)
}
