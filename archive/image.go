package archive

import (
	"fmt"
	"io/fs"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/iosocket/internal/fb"
	"github.com/meigma/iosocket/internal/sizing"
)

// imageVersion is the version of the serialized archive format.
const imageVersion = 1

// MarshalBinary serializes the archive to FlatBuffers format.
//
// Entries are written sorted by name with their stored bytes, so loading the
// image does not recompress anything.
func (a *Archive) MarshalBinary() ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	recs := a.sorted()
	builder := flatbuffers.NewBuilder(1024)

	// Build entries in reverse order (FlatBuffers requirement)
	offsets := make([]flatbuffers.UOffsetT, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		size, err := sizing.ToUint64(rec.entry.Size, fmt.Errorf("entry %s: negative size", rec.entry.Name))
		if err != nil {
			return nil, err
		}

		nameOffset := builder.CreateString(rec.entry.Name)
		digestOffset := builder.CreateString(rec.entry.Digest.String())
		dataOffset := builder.CreateByteVector(rec.data)

		var mtime int64
		if !rec.entry.ModTime.IsZero() {
			mtime = rec.entry.ModTime.UnixNano()
		}

		fb.EntryStart(builder)
		fb.EntryAddName(builder, nameOffset)
		fb.EntryAddCompression(builder, byte(rec.entry.Compression))
		fb.EntryAddSize(builder, size)
		fb.EntryAddDigest(builder, digestOffset)
		fb.EntryAddModTime(builder, mtime)
		fb.EntryAddData(builder, dataOffset)
		offsets[i] = fb.EntryEnd(builder)
	}

	fb.ArchiveStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesOffset := builder.EndVector(len(offsets))

	fb.ArchiveStart(builder)
	fb.ArchiveAddVersion(builder, imageVersion)
	fb.ArchiveAddEntries(builder, entriesOffset)
	builder.Finish(fb.ArchiveEnd(builder))
	return builder.FinishedBytes(), nil
}

// Load reads an archive image produced by MarshalBinary.
//
// Options configure the returned archive the same way they configure New.
// The stored bytes of every entry are kept as they are.
func Load(data []byte, opts ...Option) (a *Archive, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: image too short", ErrInvalidImage)
	}
	// Malformed buffers make the generated accessors panic.
	defer func() {
		if r := recover(); r != nil {
			a, err = nil, fmt.Errorf("%w: %v", ErrInvalidImage, r)
		}
	}()

	root := fb.GetRootAsArchive(data, 0)
	if v := root.Version(); v != imageVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidImage, v)
	}

	a = New(opts...)
	var e fb.Entry
	for i := range root.EntriesLength() {
		if !root.Entries(&e, i) {
			return nil, fmt.Errorf("%w: missing entry %d", ErrInvalidImage, i)
		}
		rec, err := loadRecord(&e)
		if err != nil {
			return nil, err
		}
		a.entries[rec.entry.Name] = rec
	}
	return a, nil
}

func loadRecord(e *fb.Entry) (*record, error) {
	name := string(e.Name())
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("%w: invalid entry name %q", ErrInvalidImage, name)
	}
	size, err := sizing.ToInt64(e.Size(), fmt.Errorf("%w: entry %s: size overflows int64", ErrInvalidImage, name))
	if err != nil {
		return nil, err
	}
	compression := Compression(e.Compression())
	if compression != CompressionNone && compression != CompressionZstd {
		return nil, fmt.Errorf("%w: entry %s: unknown compression %d", ErrInvalidImage, name, compression)
	}
	dgst := digest.Digest(e.Digest())
	if dgst != "" {
		if err := dgst.Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrInvalidImage, name, err)
		}
	}

	// Copy the data so the archive does not alias the caller's buffer.
	var data []byte
	if raw := e.DataBytes(); len(raw) > 0 {
		data = make([]byte, len(raw))
		copy(data, raw)
	}

	var mtime time.Time
	if ns := e.ModTime(); ns != 0 {
		mtime = time.Unix(0, ns).UTC()
	}

	return &record{
		entry: Entry{
			Name:        name,
			Compression: compression,
			Size:        size,
			StoredSize:  int64(len(data)),
			Digest:      dgst,
			ModTime:     mtime,
		},
		data: data,
	}, nil
}
