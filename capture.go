package mirror

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// CaptureState represents the activation state of a Capture.
type CaptureState int32

const (
	CaptureStateIdle         CaptureState = iota // No backend
	CaptureStateActivating                       // Backend starting
	CaptureStateActive                           // Backend producing frames
	CaptureStateDeactivating                     // Backend stopping
)

func (s CaptureState) String() string {
	switch s {
	case CaptureStateIdle:
		return "idle"
	case CaptureStateActivating:
		return "activating"
	case CaptureStateActive:
		return "active"
	case CaptureStateDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Capture owns the active capture backend and the dispatcher its frames go
// through. All transitions are serialized by one mutex, so at most one
// backend is ever active.
type Capture struct {
	mu      sync.Mutex
	engines Engines
	backend Backend
	source  SourceDescriptor
	closed  bool

	state      atomic.Int32
	dispatcher *Dispatcher
	log        *logrus.Entry
}

// NewCapture creates an idle capture. Frames are not dispatched until Init.
func NewCapture(engines Engines) *Capture {
	return &Capture{
		engines:    engines,
		dispatcher: NewDispatcher(),
		log:        componentLog("capture"),
	}
}

// Init allows dispatch. It fails after Teardown.
func (c *Capture) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &CaptureError{Op: "init", Err: ErrCaptureClosed}
	}
	c.dispatcher.SetAllowed(true)
	return nil
}

// State returns the current state.
func (c *Capture) State() CaptureState { return CaptureState(c.state.Load()) }

func (c *Capture) setState(s CaptureState) { c.state.Store(int32(s)) }

// Dispatcher returns the dispatcher frames are delivered through.
func (c *Capture) Dispatcher() *Dispatcher { return c.dispatcher }

// SetSink registers the frame sink and returns the previous one.
func (c *Capture) SetSink(s FrameSink) FrameSink { return c.dispatcher.SetSink(s) }

// ActiveSource returns the source being captured.
func (c *Capture) ActiveSource() (SourceDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.backend != nil
}

// ActiveBackend returns the kind of the running backend, BackendNone when idle.
func (c *Capture) ActiveBackend() BackendKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return BackendNone
	}
	return c.backend.Kind()
}

// SetInput makes src the captured source. A running backend of a different
// kind is fully stopped before the new one starts; a compositor backend is
// retargeted in place. On failure the capture is left Idle.
func (c *Capture) SetInput(ctx context.Context, src SourceDescriptor, settings CaptureSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return &CaptureError{Op: "set input", SourceID: src.ID, Err: ErrCaptureClosed}
	}
	settings = settings.withDefaults()
	want := SelectBackend(src.Kind, settings.Method)
	log := c.log.WithFields(logrus.Fields{"backend": want, "source": src.ID, "kind": src.Kind})

	if c.backend != nil && c.backend.Kind() == want {
		if r, ok := c.backend.(Retargeter); ok {
			c.setState(CaptureStateActivating)
			if err := r.Retarget(ctx, src, settings); err != nil {
				log.WithError(err).Warn("retarget failed")
				stopErr := c.deactivateLocked()
				return &CaptureError{Op: "set input", Backend: want, SourceID: src.ID, Err: combineErrors(err, stopErr)}
			}
			c.source = src
			c.setState(CaptureStateActive)
			log.Info("capture retargeted")
			return nil
		}
	}

	if c.backend != nil {
		if err := c.deactivateLocked(); err != nil {
			log.WithError(err).Warn("previous backend stopped with error")
		}
	}

	c.setState(CaptureStateActivating)
	b, err := c.engines.newBackend(want)
	if err != nil {
		c.setState(CaptureStateIdle)
		return &CaptureError{Op: "set input", Backend: want, SourceID: src.ID, Err: err}
	}

	c.dispatcher.Expect(want)
	if err := b.Start(ctx, src, settings, &captureWriter{c: c, b: b}); err != nil {
		c.dispatcher.Expect(BackendNone)
		stopErr := b.Stop()
		c.setState(CaptureStateIdle)
		log.WithError(err).Warn("backend failed to start")
		return &CaptureError{Op: "set input", Backend: want, SourceID: src.ID, Err: combineErrors(err, stopErr)}
	}

	c.backend = b
	c.source = src
	c.setState(CaptureStateActive)
	log.Info("capture active")
	return nil
}

// Stop deactivates the running backend, if any. It returns after the
// backend's goroutines have exited.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deactivateLocked()
}

// Teardown stops the backend, disallows dispatch, and signals end of stream
// to the sink. The capture rejects Init and SetInput afterwards.
func (c *Capture) Teardown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.deactivateLocked()
	c.dispatcher.SetAllowed(false)
	c.mu.Unlock()

	// The sink may call back into the capture from OnClose.
	c.dispatcher.closeSink(nil)
	return err
}

func (c *Capture) deactivateLocked() error {
	if c.backend == nil {
		c.setState(CaptureStateIdle)
		return nil
	}
	b := c.backend
	c.setState(CaptureStateDeactivating)
	c.dispatcher.Expect(BackendNone)
	err := b.Stop()
	c.backend = nil
	c.source = SourceDescriptor{}
	c.setState(CaptureStateIdle)
	c.log.WithField("backend", b.Kind()).Info("capture stopped")
	return err
}

// retire deactivates b after it reported a failure, unless it has already
// been replaced.
func (c *Capture) retire(b Backend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != b {
		return
	}
	if err := c.deactivateLocked(); err != nil {
		c.log.WithError(err).Warn("failed backend stopped with error")
	}
}

// captureWriter binds one backend instance to the dispatcher so a close
// signal can retire exactly that instance.
type captureWriter struct {
	c    *Capture
	b    Backend
	once sync.Once
}

func (w *captureWriter) WriteVideo(origin BackendKind, f *VideoFrame) bool {
	return w.c.dispatcher.WriteVideo(origin, f)
}

func (w *captureWriter) WriteAudio(origin BackendKind, f *AudioFrame) bool {
	return w.c.dispatcher.WriteAudio(origin, f)
}

// Close signals the sink and then retires the backend, both on a new
// goroutine. The caller is the backend's own worker, which Stop waits for, and
// the sink may call Stop, SetInput or Teardown from OnClose.
func (w *captureWriter) Close(origin BackendKind, err error) {
	w.once.Do(func() {
		go func() {
			w.c.dispatcher.Close(origin, err)
			w.c.retire(w.b)
		}()
	})
}
