//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/archive"
	"github.com/meigma/iosocket/file"
	"github.com/meigma/iosocket/internal/testutil"
	"github.com/meigma/iosocket/memory"
	"github.com/meigma/iosocket/oci"
	"github.com/meigma/iosocket/stargz"
)

func TestArchiveEntryRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newRepository(t, "archive-roundtrip")

	data := testutil.Text(512 << 10)
	src := archive.New()
	in := memory.NewInputSocket[archive.Entry](memory.NewBuffer("src", data))
	require.NoError(t, iosocket.Copy(in, archive.NewOutputSocket[memory.Info](src, "notes.txt")))

	out := oci.NewOutputSocket[archive.Entry](ctx, repo, oci.WithMediaType("text/plain"))
	require.NoError(t, iosocket.Copy(archive.NewInputSocket[ocispec.Descriptor](src, "notes.txt"), out))

	desc, err := out.LocalTarget()
	require.NoError(t, err)
	entry, _ := src.Entry("notes.txt")
	assert.Equal(t, entry.Digest, desc.Digest)
	assert.Equal(t, "text/plain", desc.MediaType)

	dst := archive.New()
	require.NoError(t, iosocket.Copy(
		oci.NewInputSocket[archive.Entry](ctx, repo, desc),
		archive.NewOutputSocket[ocispec.Descriptor](dst, "notes.txt"),
	))
	got, _ := dst.Entry("notes.txt")
	assert.Equal(t, entry.Digest, got.Digest)
	assert.Equal(t, entry.Size, got.Size)
}

func TestCopyBetweenRepositories(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srcRepo := newRepository(t, "copy-src")
	dstRepo := newRepository(t, "copy-dst")

	data := testutil.Data(2<<20, 42)
	desc := content.NewDescriptorFromBytes("application/vnd.example.data", data)
	require.NoError(t, srcRepo.Push(ctx, desc, bytes.NewReader(data)))

	in := oci.NewInputSocket[ocispec.Descriptor](ctx, srcRepo, desc)
	out := oci.NewOutputSocket[ocispec.Descriptor](ctx, dstRepo)
	require.NoError(t, iosocket.Copy(in, out))

	exists, err := dstRepo.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, exists)

	// Copying again finds the blob in place.
	require.NoError(t, iosocket.Copy(in, out))
	pushed, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, pushed.Digest)
	assert.Equal(t, desc.MediaType, pushed.MediaType)
}

func TestFetchMissingBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newRepository(t, "missing")

	desc := content.NewDescriptorFromBytes("application/octet-stream", []byte("never pushed"))
	dst := memory.NewBuffer("dst", []byte("keep"))
	err := iosocket.Copy(oci.NewInputSocket[memory.Info](ctx, repo, desc), memory.NewOutputSocket[ocispec.Descriptor](dst))
	require.Error(t, err)
	assert.True(t, iosocket.IsInputError(err))
	assert.ErrorIs(t, err, oci.ErrNotFound)
	assert.Equal(t, []byte("keep"), dst.Bytes())
}

func TestExtractStargzLayerFromRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newRepository(t, "stargz")

	layer, files := buildLayer(t)
	desc := content.NewDescriptorFromBytes("application/vnd.oci.image.layer.v1.tar+gzip", layer)
	require.NoError(t, repo.Push(ctx, desc, bytes.NewReader(layer)))

	fetched := memory.NewBuffer("layer", nil)
	require.NoError(t, iosocket.Copy(oci.NewInputSocket[memory.Info](ctx, repo, desc), memory.NewOutputSocket[ocispec.Descriptor](fetched)))

	raw := fetched.Bytes()
	l, err := stargz.Open(io.NewSectionReader(bytes.NewReader(raw), 0, int64(len(raw))))
	require.NoError(t, err)

	destPath := t.TempDir()
	dest, err := file.Open(destPath)
	require.NoError(t, err)
	defer dest.Close()

	for _, e := range l.Entries() {
		require.NoError(t, iosocket.Copy(stargz.NewInputSocket[file.Target](l, e.Name), file.NewOutputSocket[stargz.Entry](dest, e.Name)))
	}
	assertDirContents(t, destPath, files)
}
