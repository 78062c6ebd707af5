//go:build integration

package integration

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"oras.land/oras-go/v2/registry/remote"

	"github.com/meigma/iosocket/internal/testutil"
	"github.com/meigma/iosocket/oci"
)

// --- Registry Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error
)

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()

	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}

	registryOnce.Do(func() {
		registryAddr, registryErr = startRegistryContainer(context.Background())
	})

	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}

	return registryAddr
}

// startRegistryContainer starts a registry:2 container and returns the host:port address.
func startRegistryContainer(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "registry:2",
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start registry container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5000/tcp")
	if err != nil {
		return "", fmt.Errorf("resolve registry port: %w", err)
	}

	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < 300
}

// newRepository returns a repository named after the test in the local registry.
func newRepository(tb testing.TB, name string) *remote.Repository {
	tb.Helper()
	addr := getRegistry(tb)
	ref := fmt.Sprintf("%s/test/%s", addr, strings.ToLower(name))
	repo, err := oci.NewRepository(ref, oci.WithPlainHTTP(true))
	require.NoError(tb, err, "create repository")
	return repo
}

// --- Test Data Helpers ---

// buildLayer returns an eStargz layer and the files it holds.
func buildLayer(tb testing.TB) ([]byte, map[string][]byte) {
	tb.Helper()
	files := map[string][]byte{
		"etc/config.yaml":  testutil.Text(2 << 10),
		"usr/bin/tool":     testutil.Data(200<<10, 3),
		"usr/share/readme": testutil.Text(64 << 10),
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range files {
		require.NoError(tb, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(data)),
		}))
		_, err := tw.Write(data)
		require.NoError(tb, err)
	}
	require.NoError(tb, tw.Close())

	tarData := buf.Bytes()
	blob, err := estargz.Build(io.NewSectionReader(bytes.NewReader(tarData), 0, int64(len(tarData))))
	require.NoError(tb, err)
	defer blob.Close()
	layer, err := io.ReadAll(blob)
	require.NoError(tb, err)
	return layer, files
}

// assertDirContents checks that dir holds exactly the expected files.
func assertDirContents(tb testing.TB, dir string, expected map[string][]byte) {
	tb.Helper()
	found := 0
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Clean(filepath.ToSlash(rel))
		want, ok := expected[name]
		if assert.True(tb, ok, "unexpected file %s", name) {
			got, err := os.ReadFile(p)
			require.NoError(tb, err)
			assert.Equal(tb, want, got, name)
		}
		found++
		return nil
	})
	require.NoError(tb, err)
	assert.Equal(tb, len(expected), found)
}
