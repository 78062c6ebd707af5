// Package sockettest provides scriptable socket factories for tests.
package sockettest

import (
	"io"
	"sync/atomic"

	"github.com/meigma/iosocket"
	"github.com/meigma/iosocket/internal/testutil"
)

// Target is a plain local target used by test factories.
type Target struct {
	Name string
}

// InputFactory is a scriptable iosocket.InputFactory that counts its calls.
type InputFactory struct {
	Target    Target
	TargetErr error

	// Open creates the stream; it defaults to an empty Reader.
	Open func() (io.ReadCloser, error)
	// OnOpen, if set, is called with the socket before Open.
	OnOpen func(s *iosocket.InputSocket[Target, Target])

	targets atomic.Int32
	opens   atomic.Int32
}

// LocalTarget implements iosocket.InputFactory.
func (f *InputFactory) LocalTarget() (Target, error) {
	f.targets.Add(1)
	return f.Target, f.TargetErr
}

// NewReader implements iosocket.InputFactory.
func (f *InputFactory) NewReader(s *iosocket.InputSocket[Target, Target]) (io.ReadCloser, error) {
	f.opens.Add(1)
	if f.OnOpen != nil {
		f.OnOpen(s)
	}
	if f.Open == nil {
		return testutil.NewReader(nil), nil
	}
	return f.Open()
}

// TargetCalls returns the number of LocalTarget calls.
func (f *InputFactory) TargetCalls() int {
	return int(f.targets.Load())
}

// Opens returns the number of NewReader calls.
func (f *InputFactory) Opens() int {
	return int(f.opens.Load())
}

// OutputFactory is a scriptable iosocket.OutputFactory that counts its calls.
type OutputFactory struct {
	Target    Target
	TargetErr error

	// Create creates the stream; it defaults to a fresh Writer.
	Create func() (io.WriteCloser, error)
	// OnCreate, if set, is called with the socket before Create.
	OnCreate func(s *iosocket.OutputSocket[Target, Target])

	targets atomic.Int32
	creates atomic.Int32
}

// LocalTarget implements iosocket.OutputFactory.
func (f *OutputFactory) LocalTarget() (Target, error) {
	f.targets.Add(1)
	return f.Target, f.TargetErr
}

// NewWriter implements iosocket.OutputFactory.
func (f *OutputFactory) NewWriter(s *iosocket.OutputSocket[Target, Target]) (io.WriteCloser, error) {
	f.creates.Add(1)
	if f.OnCreate != nil {
		f.OnCreate(s)
	}
	if f.Create == nil {
		return testutil.NewWriter(), nil
	}
	return f.Create()
}

// TargetCalls returns the number of LocalTarget calls.
func (f *OutputFactory) TargetCalls() int {
	return int(f.targets.Load())
}

// Creates returns the number of NewWriter calls.
func (f *OutputFactory) Creates() int {
	return int(f.creates.Load())
}
