package oci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"

	"github.com/meigma/iosocket"
)

// NewInputSocket returns a socket reading the blob desc from f.
//
// ctx bounds every fetch made through the socket. Readers verify the size
// and digest of the content against desc before reporting EOF.
func NewInputSocket[PT any](ctx context.Context, f content.Fetcher, desc ocispec.Descriptor, opts ...Option) *iosocket.InputSocket[ocispec.Descriptor, PT] {
	return iosocket.NewInputSocket[ocispec.Descriptor, PT](&blobReader[PT]{
		ctx:     ctx,
		fetcher: f,
		desc:    desc,
		config:  newConfig(opts),
	})
}

// NewOutputSocket returns a socket pushing content to p.
//
// ctx bounds every push made through the socket. The local target of the
// socket is the descriptor of the last content pushed, or a descriptor
// holding only the media type before that.
//
// If the connected input socket reports a valid descriptor, writers push
// while the content is being copied and skip content p already holds, when
// p can tell. Otherwise they buffer the content to compute its descriptor
// and push it on Close.
func NewOutputSocket[PT any](ctx context.Context, p content.Pusher, opts ...Option) *iosocket.OutputSocket[ocispec.Descriptor, PT] {
	return iosocket.NewOutputSocket[ocispec.Descriptor, PT](&blobWriter[PT]{
		ctx:    ctx,
		pusher: p,
		config: newConfig(opts),
	})
}

type blobReader[PT any] struct {
	ctx     context.Context
	fetcher content.Fetcher
	desc    ocispec.Descriptor
	config
}

func (f *blobReader[PT]) LocalTarget() (ocispec.Descriptor, error) {
	return f.desc, nil
}

func (f *blobReader[PT]) NewReader(*iosocket.InputSocket[ocispec.Descriptor, PT]) (io.ReadCloser, error) {
	if err := validateDescriptor(f.desc); err != nil {
		return nil, err
	}
	rc, err := f.fetcher.Fetch(f.ctx, f.desc)
	if err != nil {
		return nil, mapError(err)
	}
	f.log().Debug("fetching blob", "digest", f.desc.Digest, "size", f.desc.Size)
	return &verifiedReader{vr: content.NewVerifyReader(rc, f.desc), rc: rc}, nil
}

// verifiedReader reports EOF only after the content has been verified.
type verifiedReader struct {
	vr *content.VerifyReader
	rc io.ReadCloser
}

func (r *verifiedReader) Read(p []byte) (int, error) {
	n, err := r.vr.Read(p)
	if errors.Is(err, io.EOF) {
		if verr := r.vr.Verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (r *verifiedReader) Close() error {
	return r.rc.Close()
}

type blobWriter[PT any] struct {
	ctx    context.Context
	pusher content.Pusher
	config

	mu     sync.Mutex
	pushed ocispec.Descriptor
}

func (f *blobWriter[PT]) LocalTarget() (ocispec.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushed.Digest != "" {
		return f.pushed, nil
	}
	return ocispec.Descriptor{MediaType: f.mediaType}, nil
}

func (f *blobWriter[PT]) setPushed(desc ocispec.Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = desc
}

func (f *blobWriter[PT]) NewWriter(s *iosocket.OutputSocket[ocispec.Descriptor, PT]) (io.WriteCloser, error) {
	var peer ocispec.Descriptor
	if pt, err := s.PeerTarget(); err == nil {
		if d, ok := any(pt).(ocispec.Descriptor); ok {
			peer = d
		}
	}

	template := ocispec.Descriptor{
		MediaType:    DefaultMediaType,
		ArtifactType: peer.ArtifactType,
		Annotations:  maps.Clone(peer.Annotations),
	}
	if peer.MediaType != "" {
		template.MediaType = peer.MediaType
	}
	if f.mediaType != "" {
		template.MediaType = f.mediaType
	}
	if len(f.annotations) > 0 {
		if template.Annotations == nil {
			template.Annotations = make(map[string]string, len(f.annotations))
		}
		maps.Copy(template.Annotations, f.annotations)
	}

	if validateDescriptor(peer) != nil {
		return &bufferedWriter{publish: f.push, template: template, digester: digest.Canonical.Digester()}, nil
	}

	expected := template
	expected.Digest = peer.Digest
	expected.Size = peer.Size

	if exists, err := f.exists(expected); err != nil {
		return nil, err
	} else if exists {
		f.log().Debug("blob exists, skipping push", "digest", expected.Digest)
		return &skipWriter{expected: expected, verifier: expected.Digest.Verifier(), done: f.setPushed}, nil
	}

	return newStreamWriter(f.ctx, f.pusher, expected, f.setPushed, f.log()), nil
}

// exists reports whether the pusher already holds desc, if it can tell.
func (f *blobWriter[PT]) exists(desc ocispec.Descriptor) (bool, error) {
	store, ok := f.pusher.(interface {
		Exists(ctx context.Context, target ocispec.Descriptor) (bool, error)
	})
	if !ok {
		return false, nil
	}
	exists, err := store.Exists(f.ctx, desc)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// push pushes buffered content, tolerating content that already exists.
func (f *blobWriter[PT]) push(desc ocispec.Descriptor, data []byte) error {
	err := f.pusher.Push(f.ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return mapError(err)
	}
	f.setPushed(desc)
	f.log().Debug("blob pushed", "digest", desc.Digest, "size", desc.Size, "mediaType", desc.MediaType)
	return nil
}

// bufferedWriter collects content of unknown digest and pushes it on Close.
type bufferedWriter struct {
	publish  func(ocispec.Descriptor, []byte) error
	template ocispec.Descriptor
	digester digest.Digester
	buf      bytes.Buffer
	done     bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrClosed
	}
	_, _ = w.digester.Hash().Write(p) //nolint:errcheck // hash writes never fail
	return w.buf.Write(p)
}

func (w *bufferedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	desc := w.template
	desc.Digest = w.digester.Digest()
	desc.Size = int64(w.buf.Len())
	return w.publish(desc, w.buf.Bytes())
}

func (w *bufferedWriter) Discard() error {
	w.done = true
	w.buf.Reset()
	return nil
}

// skipWriter verifies content the store already holds without pushing it.
type skipWriter struct {
	expected ocispec.Descriptor
	verifier digest.Verifier
	n        int64
	done     func(ocispec.Descriptor)
	closed   bool
}

func (w *skipWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.n += int64(len(p))
	return w.verifier.Write(p)
}

func (w *skipWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.n != w.expected.Size || !w.verifier.Verified() {
		return fmt.Errorf("%w: content does not match %s", ErrDigestMismatch, w.expected.Digest)
	}
	w.done(w.expected)
	return nil
}

func (w *skipWriter) Discard() error {
	w.closed = true
	return nil
}

// errDiscarded aborts a streaming push when the copy fails.
var errDiscarded = errors.New("oci: push discarded")

// streamWriter pushes content of known descriptor while it is written.
// If the store turns out to hold the content already, the rest of the content
// is only verified.
type streamWriter struct {
	pw       *io.PipeWriter
	expected ocispec.Descriptor
	verifier digest.Verifier
	n        int64
	result   chan error
	done     func(ocispec.Descriptor)
	stored   bool
	closed   bool
}

func newStreamWriter(ctx context.Context, p content.Pusher, expected ocispec.Descriptor, done func(ocispec.Descriptor), logger *slog.Logger) *streamWriter {
	pr, pw := io.Pipe()
	w := &streamWriter{
		pw:       pw,
		expected: expected,
		verifier: expected.Digest.Verifier(),
		result:   make(chan error, 1),
		done:     done,
	}
	go func() {
		err := p.Push(ctx, expected, pr)
		switch {
		case errors.Is(err, errdef.ErrAlreadyExists):
			logger.Debug("blob exists, verifying only", "digest", expected.Digest)
			err = nil
		case err == nil:
			logger.Debug("blob pushed", "digest", expected.Digest, "size", expected.Size, "mediaType", expected.MediaType)
		}
		// Unblock pending writes if Push returned early.
		pr.CloseWithError(errDiscarded)
		w.result <- mapError(err)
	}()
	return w
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.n += int64(len(p))
	_, _ = w.verifier.Write(p) //nolint:errcheck // hash writes never fail
	if w.stored {
		return len(p), nil
	}
	n, err := w.pw.Write(p)
	if err != nil {
		// The push ended early; its error explains why.
		_ = w.pw.Close() //nolint:errcheck // already failing
		if perr := <-w.result; perr != nil {
			w.closed = true
			return n, perr
		}
		w.stored = true
		return len(p), nil
	}
	return n, nil
}

// Close completes the push and reports its outcome.
func (w *streamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.n != w.expected.Size || !w.verifier.Verified() {
		if !w.stored {
			w.pw.CloseWithError(ErrDigestMismatch)
			<-w.result
		}
		return fmt.Errorf("%w: content does not match %s", ErrDigestMismatch, w.expected.Digest)
	}
	if !w.stored {
		_ = w.pw.Close() //nolint:errcheck // PipeWriter.Close never fails
		if err := <-w.result; err != nil {
			return err
		}
	}
	w.done(w.expected)
	return nil
}

// Discard aborts the push.
func (w *streamWriter) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.stored {
		w.pw.CloseWithError(errDiscarded)
		<-w.result
	}
	return nil
}
