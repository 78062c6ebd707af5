package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content"
	orasmemory "oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/internal/testutil"
	"github.com/meigma/iosocket/memory"
)

const layerType = "application/vnd.example.layer.v1+zstd"

// seed pushes data to a new store and returns the store and descriptor.
func seed(t *testing.T, data []byte) (*orasmemory.Store, ocispec.Descriptor) {
	t.Helper()
	store := orasmemory.New()
	desc := content.NewDescriptorFromBytes(layerType, data)
	desc.Annotations = map[string]string{"org.example.name": "layer"}
	require.NoError(t, store.Push(context.Background(), desc, bytes.NewReader(data)))
	return store, desc
}

// countingPusher counts pushes made to the wrapped store.
type countingPusher struct {
	*orasmemory.Store
	pushes atomic.Int32
}

func (p *countingPusher) Push(ctx context.Context, expected ocispec.Descriptor, r io.Reader) error {
	p.pushes.Add(1)
	return p.Store.Push(ctx, expected, r)
}

func TestPushBuffered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	data := testutil.Data(64<<10, 11)
	store := orasmemory.New()

	in := memory.NewInputSocket[ocispec.Descriptor](memory.NewBuffer("src", data))
	out := NewOutputSocket[memory.Info](ctx, store)

	lt, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Empty(t, lt.Digest)

	require.NoError(t, iosocket.Copy(in, out))

	desc, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(data), desc.Digest)
	assert.Equal(t, int64(len(data)), desc.Size)
	assert.Equal(t, DefaultMediaType, desc.MediaType)

	got, err := content.FetchAll(ctx, store, desc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPushOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := orasmemory.New()
	in := memory.NewInputSocket[ocispec.Descriptor](memory.NewBuffer("src", []byte("config")))
	out := NewOutputSocket[memory.Info](ctx, store,
		WithMediaType(ocispec.MediaTypeImageConfig),
		WithAnnotations(map[string]string{"k": "v"}),
	)
	require.NoError(t, iosocket.Copy(in, out))

	desc, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Equal(t, ocispec.MediaTypeImageConfig, desc.MediaType)
	assert.Equal(t, map[string]string{"k": "v"}, desc.Annotations)

	exists, err := store.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCopyBetweenStores(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	data := testutil.Text(200 << 10)
	src, desc := seed(t, data)
	dst := &countingPusher{Store: orasmemory.New()}

	in := NewInputSocket[ocispec.Descriptor](ctx, src, desc)
	out := NewOutputSocket[ocispec.Descriptor](ctx, dst, WithAnnotations(map[string]string{"copied": "true"}))
	require.NoError(t, iosocket.Copy(in, out))
	assert.Equal(t, int32(1), dst.pushes.Load())

	pushed, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, pushed.Digest)
	assert.Equal(t, desc.Size, pushed.Size)
	assert.Equal(t, layerType, pushed.MediaType)
	assert.Equal(t, map[string]string{"org.example.name": "layer", "copied": "true"}, pushed.Annotations)
	assert.Equal(t, map[string]string{"org.example.name": "layer"}, desc.Annotations)

	got, err := content.FetchAll(ctx, dst, pushed)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The store now holds the blob, so a second copy pushes nothing.
	require.NoError(t, iosocket.Copy(in, out))
	assert.Equal(t, int32(1), dst.pushes.Load())
}

func TestInputErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	data := []byte("hello world")
	store, desc := seed(t, data)

	missing := content.NewDescriptorFromBytes(layerType, []byte("other"))
	invalid := ocispec.Descriptor{MediaType: layerType, Digest: "sha256:nope", Size: 3}

	tests := []struct {
		name    string
		fetcher content.Fetcher
		desc    ocispec.Descriptor
		wantErr error
	}{
		{"not found", store, missing, ErrNotFound},
		{"invalid descriptor", store, invalid, ErrInvalidDescriptor},
		{"tampered content", staticFetcher([]byte("hello there")), desc, content.ErrMismatchedDigest},
		{"short content", staticFetcher([]byte("hello")), desc, io.ErrUnexpectedEOF},
		{"trailing content", staticFetcher([]byte("hello world!")), desc, content.ErrTrailingData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dst := memory.NewBuffer("dst", []byte("keep"))
			in := NewInputSocket[memory.Info](ctx, tt.fetcher, tt.desc)
			err := iosocket.Copy(in, memory.NewOutputSocket[ocispec.Descriptor](dst))
			require.Error(t, err)
			assert.True(t, iosocket.IsInputError(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, []byte("keep"), dst.Bytes())
		})
	}
}

func TestStreamPushRejectsMismatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	claimed := content.NewDescriptorFromBytes(layerType, []byte("expected content"))
	dst := orasmemory.New()

	in := iosocket.NewInputSocket[ocispec.Descriptor, ocispec.Descriptor](&lyingInput{desc: claimed, data: []byte("actual content!!")})
	out := NewOutputSocket[ocispec.Descriptor](ctx, dst)
	err := iosocket.Copy(in, out)
	require.Error(t, err)
	assert.False(t, iosocket.IsInputError(err))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	exists, err := dst.Exists(ctx, claimed)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStreamPushAlreadyExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	data := testutil.Text(300 << 10)
	src, desc := seed(t, data)

	in := NewInputSocket[ocispec.Descriptor](ctx, src, desc)
	out := NewOutputSocket[ocispec.Descriptor](ctx, existingPusher{})
	require.NoError(t, iosocket.Copy(in, out))

	pushed, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Equal(t, desc.Digest, pushed.Digest)
	assert.Equal(t, desc.Size, pushed.Size)
}

func TestStreamPushAlreadyExistsStillVerifies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	claimed := content.NewDescriptorFromBytes(layerType, []byte("expected content"))
	in := iosocket.NewInputSocket[ocispec.Descriptor, ocispec.Descriptor](&lyingInput{desc: claimed, data: []byte("actual content!!")})
	out := NewOutputSocket[ocispec.Descriptor](ctx, existingPusher{})

	err := iosocket.Copy(in, out)
	require.Error(t, err)
	assert.False(t, iosocket.IsInputError(err))
	assert.ErrorIs(t, err, ErrDigestMismatch)

	lt, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Empty(t, lt.Digest)
}

func TestStreamPushDiscardedOnInputFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	data := testutil.Data(256<<10, 2)
	desc := content.NewDescriptorFromBytes(layerType, data)
	dst := orasmemory.New()
	failing := errors.New("connection reset")

	in := iosocket.NewInputSocket[ocispec.Descriptor, ocispec.Descriptor](&lyingInput{desc: desc, data: data, err: failing, failAfter: 100 << 10})
	out := NewOutputSocket[ocispec.Descriptor](ctx, dst)
	err := iosocket.Copy(in, out)
	require.Error(t, err)
	assert.True(t, iosocket.IsInputError(err))
	assert.ErrorIs(t, err, failing)

	exists, err := dst.Exists(ctx, desc)
	require.NoError(t, err)
	assert.False(t, exists)

	lt, err := out.LocalTarget()
	require.NoError(t, err)
	assert.Empty(t, lt.Digest)
}

func TestNewRepository(t *testing.T) {
	t.Parallel()

	repo, err := NewRepository("localhost:5000/example/repo:v1", WithPlainHTTP(true), WithStaticCredentials("localhost:5000", "user", "pass"))
	require.NoError(t, err)
	assert.True(t, repo.PlainHTTP)
	assert.Equal(t, "localhost:5000", repo.Reference.Registry)
	assert.Equal(t, "example/repo", repo.Reference.Repository)

	_, err = NewRepository("not a reference")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(errdef.ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, mapError(&errcode.ErrorResponse{StatusCode: http.StatusUnauthorized}), ErrUnauthorized)
	assert.ErrorIs(t, mapError(&errcode.ErrorResponse{StatusCode: http.StatusForbidden}), ErrForbidden)
	assert.ErrorIs(t, mapError(&errcode.ErrorResponse{StatusCode: http.StatusNotFound}), ErrNotFound)

	other := errors.New("other")
	assert.Equal(t, other, mapError(other))
}

// existingPusher reports every blob as already present without reading it.
type existingPusher struct{}

func (existingPusher) Push(_ context.Context, expected ocispec.Descriptor, _ io.Reader) error {
	return fmt.Errorf("%s: %w", expected.Digest, errdef.ErrAlreadyExists)
}

// staticFetcher serves the same bytes for every descriptor.
type staticFetcher []byte

func (f staticFetcher) Fetch(context.Context, ocispec.Descriptor) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f)), nil
}

// lyingInput reports desc as its target but streams data, optionally
// failing after failAfter bytes.
type lyingInput struct {
	desc      ocispec.Descriptor
	data      []byte
	err       error
	failAfter int64
}

func (f *lyingInput) LocalTarget() (ocispec.Descriptor, error) {
	return f.desc, nil
}

func (f *lyingInput) NewReader(*iosocket.InputSocket[ocispec.Descriptor, ocispec.Descriptor]) (io.ReadCloser, error) {
	r := testutil.NewReader(f.data)
	r.ReadErr = f.err
	r.FailAfter = f.failAfter
	return r, nil
}
