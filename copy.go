package iosocket

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/meigma/iosocket/stream"
)

// Engine transfers all bytes between two open streams.
//
// Copy must close both streams under every outcome. It must report failures
// of the reading side as an [InputError] and failures of the writing side
// unwrapped. [stream.Engine] is the default implementation.
type Engine interface {
	Copy(r io.ReadCloser, w io.WriteCloser) (int64, error)
}

// CopyOption configures Copy.
type CopyOption func(*copyConfig)

type copyConfig struct {
	engine Engine
	logger *slog.Logger
}

// CopyWithEngine sets the engine performing the transfer.
// By default, the shared [stream.Default] engine is used.
func CopyWithEngine(e Engine) CopyOption {
	return func(c *copyConfig) {
		c.engine = e
	}
}

// CopyWithLogger sets the logger for copy events.
// If not set, logging is disabled.
func CopyWithLogger(logger *slog.Logger) CopyOption {
	return func(c *copyConfig) {
		c.logger = logger
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (c *copyConfig) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Copy copies the content of input's local target to output's local target.
//
// Copy connects input to output, so that both factories can see their peer
// target while creating their streams, and disconnects them again before it
// returns, whatever the outcome. No retries are made.
//
// Errors:
//   - ErrInvalidArgument if input or output is nil; nothing else happens.
//   - An [InputError] if creating, reading, or closing the input stream fails.
//   - The unwrapped error if creating, writing, or closing the output stream
//     fails.
//
// If the output stream cannot be created, the input stream is closed before
// Copy returns. A failure closing it supersedes the output failure.
func Copy[I, O any](input *InputSocket[I, O], output *OutputSocket[O, I], opts ...CopyOption) error {
	if output == nil {
		return fmt.Errorf("%w: nil output socket", ErrInvalidArgument)
	}
	if input == nil {
		return fmt.Errorf("%w: nil input socket", ErrInvalidArgument)
	}

	cfg := copyConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.engine == nil {
		cfg.engine = stream.Default()
	}

	// Disconnect for subsequent use.
	defer input.Connect(nil)

	in, err := input.Connect(output).NewReader()
	if err != nil {
		cfg.log().Debug("open input failed", "input", input, "error", err)
		return &InputError{Err: err}
	}

	// output already sees input as its peer.
	out, err := output.NewWriter()
	if err != nil {
		cfg.log().Debug("open output failed", "output", output, "error", err)
		if cerr := in.Close(); cerr != nil {
			return &InputError{Err: cerr}
		}
		return err
	}

	n, err := cfg.engine.Copy(in, out)
	if err != nil {
		return err
	}
	cfg.log().Debug("copied", "bytes", n)
	return nil
}
