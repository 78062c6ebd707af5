package stargz

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/containerd/stargz-snapshotter/estargz"
	"github.com/containerd/stargz-snapshotter/estargz/zstdchunked"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/file"
	"github.com/meigma/iosocket/internal/testutil"
	"github.com/meigma/iosocket/memory"
)

var modTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type tarFile struct {
	name string
	mode int64
	data []byte
}

func testFiles() []tarFile {
	return []tarFile{
		{"readme.txt", 0o644, testutil.Text(10 << 10)},
		{"bin/run.sh", 0o755, []byte("#!/bin/sh\necho hello\n")},
		{"data/blob.bin", 0o600, testutil.Data(300<<10, 9)},
	}
}

func buildTar(t *testing.T, files []tarFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, f := range files {
		if dir := filepath.Dir(f.name); dir != "." && !dirs[dir] {
			dirs[dir] = true
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  modTime,
			}))
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     f.name,
			Mode:     f.mode,
			Size:     int64(len(f.data)),
			ModTime:  modTime,
		}))
		_, err := tw.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

type zstdChunkedCompression struct {
	*zstdchunked.Compressor
	*zstdchunked.Decompressor
}

func buildLayer(t *testing.T, files []tarFile, opts ...estargz.Option) ([]byte, digest.Digest) {
	t.Helper()
	tarData := buildTar(t, files)
	blob, err := estargz.Build(io.NewSectionReader(bytes.NewReader(tarData), 0, int64(len(tarData))), opts...)
	require.NoError(t, err)
	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	require.NoError(t, blob.Close())
	return data, blob.TOCDigest()
}

func openLayer(t *testing.T, data []byte, opts ...Option) *Layer {
	t.Helper()
	l, err := Open(io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))), opts...)
	require.NoError(t, err)
	return l
}

func TestReadEntries(t *testing.T) {
	t.Parallel()

	formats := []struct {
		name string
		opts []estargz.Option
	}{
		{"gzip", nil},
		{"zstd chunked", []estargz.Option{estargz.WithCompression(&zstdChunkedCompression{
			Compressor:   &zstdchunked.Compressor{CompressionLevel: zstd.SpeedDefault},
			Decompressor: &zstdchunked.Decompressor{},
		})}},
		{"small chunks", []estargz.Option{estargz.WithChunkSize(4096)}},
	}

	for _, format := range formats {
		t.Run(format.name, func(t *testing.T) {
			t.Parallel()
			files := testFiles()
			data, _ := buildLayer(t, files, format.opts...)
			l := openLayer(t, data)

			entries := l.Entries()
			require.Len(t, entries, 3)
			assert.Equal(t, "bin/run.sh", entries[0].Name)
			assert.Equal(t, "data/blob.bin", entries[1].Name)
			assert.Equal(t, "readme.txt", entries[2].Name)

			for _, f := range files {
				e, err := l.Entry(f.name)
				require.NoError(t, err)
				assert.Equal(t, int64(len(f.data)), e.Size)
				assert.Equal(t, digest.FromBytes(f.data), e.Digest)
				assert.Equal(t, fs.FileMode(f.mode), e.Mode().Perm())
				assert.True(t, modTime.Equal(e.ModTime()))

				dst := memory.NewBuffer("dst", nil)
				require.NoError(t, iosocket.Copy(NewInputSocket[memory.Info](l, f.name), memory.NewOutputSocket[Entry](dst)))
				assert.Equal(t, f.data, dst.Bytes(), f.name)
			}
		})
	}
}

func TestExtractPreservesMetadata(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not preserved on windows")
	}
	t.Parallel()

	data, _ := buildLayer(t, testFiles())
	l := openLayer(t, data)

	destPath := t.TempDir()
	dest, err := file.Open(destPath, file.WithPreserveMode(true), file.WithPreserveTimes(true))
	require.NoError(t, err)
	defer dest.Close()

	for _, e := range l.Entries() {
		require.NoError(t, iosocket.Copy(NewInputSocket[file.Target](l, e.Name), file.NewOutputSocket[Entry](dest, e.Name)))
	}

	info, err := os.Stat(filepath.Join(destPath, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
	assert.True(t, modTime.Equal(info.ModTime()))

	got, err := os.ReadFile(filepath.Join(destPath, "data", "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, testutil.Data(300<<10, 9), got)
}

func TestInputErrors(t *testing.T) {
	t.Parallel()

	data, _ := buildLayer(t, testFiles())
	l := openLayer(t, data)

	tests := []struct {
		name    string
		entry   string
		wantErr error
	}{
		{"missing", "nope.txt", fs.ErrNotExist},
		{"directory", "bin", ErrNotRegular},
		{"invalid", "../escape", fs.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := NewInputSocket[memory.Info](l, tt.entry)
			_, err := in.LocalTarget()
			assert.ErrorIs(t, err, tt.wantErr)

			dst := memory.NewBuffer("dst", []byte("keep"))
			err = iosocket.Copy(in, memory.NewOutputSocket[Entry](dst))
			require.Error(t, err)
			assert.True(t, iosocket.IsInputError(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, []byte("keep"), dst.Bytes())
		})
	}
}

func TestTOCDigest(t *testing.T) {
	t.Parallel()

	data, tocDigest := buildLayer(t, testFiles())

	l := openLayer(t, data, WithTOCDigest(tocDigest))
	assert.Equal(t, tocDigest, l.TOCDigest())

	_, err := Open(io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))), WithTOCDigest(digest.FromString("other")))
	assert.ErrorIs(t, err, ErrInvalidLayer)
}

func TestOpenInvalidLayer(t *testing.T) {
	t.Parallel()

	data := testutil.Data(4096, 1)
	_, err := Open(io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))))
	assert.ErrorIs(t, err, ErrInvalidLayer)
}
