package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBufferSize is the size of each pooled transfer buffer (32KB).
	DefaultBufferSize = 32 << 10

	// DefaultQueueLength is the number of filled buffers the producer may run
	// ahead of the consumer.
	DefaultQueueLength = 4

	// maxEmptyReads bounds consecutive (0, nil) reads before giving up.
	maxEmptyReads = 100
)

// Discarder is implemented by writers that can drop everything written so
// far instead of committing it.
//
// When a transfer fails, [Engine.Copy] calls Discard instead of Close on
// writers implementing it. Discard must release the writer like Close does.
type Discarder interface {
	Discard() error
}

// Engine transfers bytes from a reader to a writer through a bounded queue of
// pooled buffers.
//
// An Engine is safe for concurrent use; concurrent transfers share the
// engine's buffer pool.
type Engine struct {
	pool        *BufferPool
	bufferSize  int
	queueLength int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBufferSize sets the size of each transfer buffer.
// Values < 1 are ignored. Ignored when WithBufferPool is also given.
func WithBufferSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bufferSize = n
		}
	}
}

// WithQueueLength sets how many filled buffers may wait for the writer.
// Values < 1 are treated as 1.
func WithQueueLength(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.queueLength = n
	}
}

// WithBufferPool makes the engine draw its buffers from pool.
// The engine's buffer size becomes pool.Size().
func WithBufferPool(pool *BufferPool) Option {
	return func(e *Engine) {
		e.pool = pool
	}
}

// WithLogger sets the logger for transfer events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine with the given options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		bufferSize:  DefaultBufferSize,
		queueLength: DefaultQueueLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = NewBufferPool(e.bufferSize)
	}
	e.bufferSize = e.pool.Size()
	return e
}

var defaultEngine = NewEngine()

// Default returns the engine used by the package-level Copy and Cat.
func Default() *Engine {
	return defaultEngine
}

// Copy transfers r to w with the default engine. See [Engine.Copy].
func Copy(r io.ReadCloser, w io.WriteCloser) (int64, error) {
	return defaultEngine.Copy(r, w)
}

// Cat transfers r to w with the default engine. See [Engine.Cat].
func Cat(r io.Reader, w io.Writer) (int64, error) {
	return defaultEngine.Cat(r, w)
}

// log returns the logger, falling back to a discard logger if nil.
func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// BufferSize returns the size of the engine's transfer buffers.
func (e *Engine) BufferSize() int {
	return e.bufferSize
}

// Copy transfers all bytes from r to w and closes both.
//
// Both streams are closed under every outcome; callers must not use them
// afterwards. If the transfer fails and w implements [Discarder], w is
// discarded instead of closed.
//
// The first failure wins. Failures reading or closing r are returned as an
// [*InputError]; failures writing or closing w are returned unwrapped.
func (e *Engine) Copy(r io.ReadCloser, w io.WriteCloser) (int64, error) {
	var (
		closeOnce sync.Once
		closeErr  error
	)
	closeReader := func() {
		closeOnce.Do(func() {
			closeErr = r.Close()
		})
	}

	n, err := e.pipe(r, w, closeReader)
	closeReader()
	if err == nil && closeErr != nil {
		err = &InputError{Err: closeErr}
	}

	var werr error
	if d, ok := w.(Discarder); ok && err != nil {
		werr = d.Discard()
	} else {
		werr = w.Close()
	}
	if err == nil && werr != nil {
		err = werr
	}

	if err != nil {
		e.log().Debug("stream copy failed", "bytes", n, "input", IsInputError(err), "error", err)
		return n, err
	}
	e.log().Debug("stream copy finished", "bytes", n)
	return n, nil
}

// Cat transfers all bytes from r to w without closing either.
//
// Read failures are returned as an [*InputError]. When writing fails, Cat
// waits for the pending read to return before reporting the failure.
func (e *Engine) Cat(r io.Reader, w io.Writer) (int64, error) {
	return e.pipe(r, w, nil)
}

// chunk is one queue element: a filled buffer, or a read failure.
// A closed queue marks the end of the input.
type chunk struct {
	buf *[]byte
	n   int
	err error
}

// pipe runs the producer in its own goroutine and the consumer in the
// calling one. abort, if set, is called on failure before waiting for the
// producer so that a blocked read can return.
func (e *Engine) pipe(r io.Reader, w io.Writer, abort func()) (int64, error) {
	queue := make(chan chunk, e.queueLength)
	stop := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		return e.produce(r, queue, stop)
	})

	n, err := e.consume(w, queue)
	if err != nil {
		close(stop)
		if abort != nil {
			abort()
		}
	}
	// A read failure has already reached the consumer through the queue
	// unless the consumer failed first.
	if perr := g.Wait(); perr != nil && err == nil {
		err = perr
	}

	// Return buffers the consumer never got to.
	for c := range queue {
		if c.buf != nil {
			e.pool.Put(c.buf)
		}
	}
	return n, err
}

// produce reads r into pooled buffers until end of input, a read failure, or
// stop is closed. A read failure is queued for the consumer and returned.
// It always closes queue on return.
func (e *Engine) produce(r io.Reader, queue chan<- chunk, stop <-chan struct{}) error {
	defer close(queue)

	empty := 0
	for {
		buf := e.pool.Get()
		n, err := r.Read(*buf)
		if n > 0 {
			empty = 0
			if !send(queue, stop, chunk{buf: buf, n: n}) {
				e.pool.Put(buf)
				return nil
			}
		} else {
			e.pool.Put(buf)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			ierr := &InputError{Err: err}
			send(queue, stop, chunk{err: ierr})
			return ierr
		}
		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				ierr := &InputError{Err: io.ErrNoProgress}
				send(queue, stop, chunk{err: ierr})
				return ierr
			}
		}
	}
}

// consume writes queued buffers to w until the queue is closed or a failure
// occurs, returning each buffer to the pool once written.
func (e *Engine) consume(w io.Writer, queue <-chan chunk) (int64, error) {
	var total int64
	for c := range queue {
		if c.err != nil {
			return total, c.err
		}
		err := writeAll(w, (*c.buf)[:c.n])
		e.pool.Put(c.buf)
		if err != nil {
			return total, err
		}
		total += int64(c.n)
	}
	return total, nil
}

// send queues c unless stop is closed first.
func send(queue chan<- chunk, stop <-chan struct{}, c chunk) bool {
	select {
	case queue <- c:
		return true
	case <-stop:
		return false
	}
}

// writeAll writes all data to w, handling partial writes.
func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
