// Package zstdpool manages reusable zstd encoders and decoders.
package zstdpool

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Pool hands out zstd encoders and decoders and recycles them on release.
type Pool struct {
	decoders         sync.Pool
	encoders         sync.Pool
	level            zstd.EncoderLevel
	maxDecoderMemory uint64
	lowmem           bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithEncoderLevel sets the compression level of pooled encoders.
func WithEncoderLevel(level zstd.EncoderLevel) Option {
	return func(p *Pool) {
		p.level = level
	}
}

// WithMaxDecoderMemory caps the memory a decoder may allocate.
// Zero disables the limit.
func WithMaxDecoderMemory(limit uint64) Option {
	return func(p *Pool) {
		p.maxDecoderMemory = limit
	}
}

// WithLowmem enables low-memory mode for encoders and decoders.
func WithLowmem(enabled bool) Option {
	return func(p *Pool) {
		p.lowmem = enabled
	}
}

// New creates a pool.
func New(opts ...Option) *Pool {
	p := &Pool{level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decoder returns a decoder reading from r.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *Pool) Decoder(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := p.decoders.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err == nil {
			return dec, func() {
				_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
				p.decoders.Put(dec)
			}, nil
		}
		// Reset failed, close this one and create new
		dec.Close()
	}

	dec, err := p.newDecoder(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, func() {
		_ = dec.Reset(nil) //nolint:errcheck // clearing state before pool return
		p.decoders.Put(dec)
	}, nil
}

// Encoder returns an encoder writing to w.
// The caller must Close the encoder to flush it, then call release.
func (p *Pool) Encoder(w io.Writer) (*zstd.Encoder, func(), error) {
	enc, ok := p.encoders.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(w)
	} else {
		var err error
		enc, err = zstd.NewWriter(w,
			zstd.WithEncoderLevel(p.level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(p.lowmem),
		)
		if err != nil {
			return nil, nil, err
		}
	}
	return enc, func() {
		enc.Reset(nil)
		p.encoders.Put(enc)
	}, nil
}

// newDecoder creates a decoder with the configured limits.
func (p *Pool) newDecoder(r io.Reader) (*zstd.Decoder, error) {
	opts := []zstd.DOption{
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(p.lowmem),
	}
	if p.maxDecoderMemory != 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(p.maxDecoderMemory))
	}
	return zstd.NewReader(r, opts...)
}
