package mirror

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// FrameSink receives raw frames from the active capture backend.
// OnVideo and OnAudio are called on the backend's goroutine and must return
// quickly; the frame is only valid for the duration of the call. The return
// value is a flow hint and never blocks the producer. OnClose is called once
// when the backend stops because of a failure or end of stream; no frames
// follow it until a sink is registered again.
type FrameSink interface {
	OnVideo(f *VideoFrame) bool
	OnAudio(f *AudioFrame) bool
	OnClose(err error)
}

// SinkFuncs adapts plain functions to FrameSink. Nil fields ignore the event.
type SinkFuncs struct {
	Video func(*VideoFrame) bool
	Audio func(*AudioFrame) bool
	Close func(error)
}

func (s SinkFuncs) OnVideo(f *VideoFrame) bool {
	if s.Video == nil {
		return false
	}
	return s.Video(f)
}

func (s SinkFuncs) OnAudio(f *AudioFrame) bool {
	if s.Audio == nil {
		return false
	}
	return s.Audio(f)
}

func (s SinkFuncs) OnClose(err error) {
	if s.Close != nil {
		s.Close(err)
	}
}

// DispatchStats counts frame deliveries and drops.
type DispatchStats struct {
	VideoDelivered    uint64 // Handed to the sink
	AudioDelivered    uint64
	Rejected          uint64 // Sink returned false
	DroppedContended  uint64 // Delivery already in progress
	DroppedSuppressed uint64 // Dispatch disallowed, no sink, or sink closed
	DroppedForeign    uint64 // Origin is not the expected backend
}

// Dispatcher hands frames from the active backend to the registered sink.
// A frame that arrives while another delivery holds the lock is dropped
// rather than queued: the producer never waits on the consumer.
type Dispatcher struct {
	mu         sync.Mutex // held for the whole of each delivery
	sink       FrameSink
	closeFired bool

	allowed  atomic.Bool
	expected atomic.Int32 // BackendKind

	videoDelivered    atomic.Uint64
	audioDelivered    atomic.Uint64
	rejected          atomic.Uint64
	droppedContended  atomic.Uint64
	droppedSuppressed atomic.Uint64
	droppedForeign    atomic.Uint64

	log *logrus.Entry
}

// NewDispatcher creates a dispatcher that accepts no origin and has dispatch
// disallowed.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{log: componentLog("dispatcher")}
}

// SetSink registers s and returns the previously registered sink. A nil
// sink discards frames. It waits for an in-flight delivery to finish.
func (d *Dispatcher) SetSink(s FrameSink) FrameSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.sink
	d.sink = s
	d.closeFired = false
	return prev
}

// Sink returns the registered sink.
func (d *Dispatcher) Sink() FrameSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// SetAllowed toggles whether frames are dispatched at all.
func (d *Dispatcher) SetAllowed(allowed bool) { d.allowed.Store(allowed) }

// Allowed reports whether frames are dispatched.
func (d *Dispatcher) Allowed() bool { return d.allowed.Load() }

// Expect sets the only backend whose frames are accepted.
func (d *Dispatcher) Expect(origin BackendKind) { d.expected.Store(int32(origin)) }

// Expected returns the backend whose frames are accepted.
func (d *Dispatcher) Expected() BackendKind { return BackendKind(d.expected.Load()) }

// WriteVideo implements FrameWriter.
func (d *Dispatcher) WriteVideo(origin BackendKind, f *VideoFrame) bool {
	if !d.mu.TryLock() {
		d.droppedContended.Add(1)
		return false
	}
	defer d.mu.Unlock()

	if !d.admit(origin) {
		return false
	}
	if !d.sink.OnVideo(f) {
		d.rejected.Add(1)
		return false
	}
	d.videoDelivered.Add(1)
	return true
}

// WriteAudio implements FrameWriter.
func (d *Dispatcher) WriteAudio(origin BackendKind, f *AudioFrame) bool {
	if !d.mu.TryLock() {
		d.droppedContended.Add(1)
		return false
	}
	defer d.mu.Unlock()

	if !d.admit(origin) {
		return false
	}
	if !d.sink.OnAudio(f) {
		d.rejected.Add(1)
		return false
	}
	d.audioDelivered.Add(1)
	return true
}

// admit must be called with d.mu held.
func (d *Dispatcher) admit(origin BackendKind) bool {
	if !d.allowed.Load() || d.sink == nil || d.closeFired {
		d.droppedSuppressed.Add(1)
		return false
	}
	if origin != d.Expected() {
		d.droppedForeign.Add(1)
		return false
	}
	return true
}

// Close implements FrameWriter. Unlike frames, the close signal waits for the
// lock so it is never lost. It is ignored for backends that are no longer
// expected.
func (d *Dispatcher) Close(origin BackendKind, err error) {
	if origin != d.Expected() {
		d.log.WithField("backend", origin).Debug("close from inactive backend ignored")
		return
	}
	d.closeSink(err)
}

// closeSink signals OnClose once per registered sink. OnClose runs without
// the delivery lock held, so the sink may call SetSink or back into the
// capture; no frame reaches the sink after the close was claimed.
func (d *Dispatcher) closeSink(err error) {
	d.mu.Lock()
	sink := d.sink
	if sink == nil || d.closeFired {
		d.mu.Unlock()
		return
	}
	d.closeFired = true
	d.mu.Unlock()

	if err != nil {
		d.log.WithError(err).Error("capture closed")
	}
	sink.OnClose(err)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		VideoDelivered:    d.videoDelivered.Load(),
		AudioDelivered:    d.audioDelivered.Load(),
		Rejected:          d.rejected.Load(),
		DroppedContended:  d.droppedContended.Load(),
		DroppedSuppressed: d.droppedSuppressed.Load(),
		DroppedForeign:    d.droppedForeign.Load(),
	}
}
