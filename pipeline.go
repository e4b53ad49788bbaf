package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PipelineState represents the state of a Sender.
type PipelineState int32

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Processing media
	PipelineStateStopped                      // Stopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PacketSink receives encoded packets from a Sender. Packets are valid only
// for the call.
type PacketSink interface {
	WriteVideoPacket(p *Packet) error
	WriteAudioPacket(p *Packet) error
}

// SenderStats provides pipeline statistics.
type SenderStats struct {
	VideoFramesIn      uint64 // Frames accepted from capture
	VideoFramesDropped uint64 // Frames overwritten before the encoder took them
	AudioFramesIn      uint64
	AudioFramesDropped uint64
	VideoPackets       uint64
	AudioPackets       uint64
	Bytes              uint64
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	Engine      CodecEngine
	AudioEngine AudioEngine // nil disables audio
	Video       VideoEncoderSettings
	Audio       AudioEncoderSettings
	Sink        PacketSink

	// AudioQueue bounds the audio frames waiting for the encoder.
	AudioQueue int
	OnError    func(error)
}

// Sender is a FrameSink that encodes captured frames and writes the packets
// to a PacketSink. Frames are copied out of the capture callback into a
// single-slot mailbox: if the encoder falls behind, the older frame is
// replaced so latency never builds up.
type Sender struct {
	id    uuid.UUID
	video *VideoEncoder
	audio *AudioEncoder
	sink  PacketSink
	log   *logrus.Entry

	state   atomic.Int32
	videoIn *frameSlot
	audioIn chan *AudioFrame

	cancel context.CancelFunc
	group  *errgroup.Group

	stats   SenderStats
	statsMu sync.Mutex

	onError   func(error)
	closeOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// NewSender opens the encoder sessions.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Engine == nil {
		return nil, errors.New("codec engine is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("packet sink is required")
	}

	video, err := NewVideoEncoder(cfg.Engine, cfg.Video)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		id:      uuid.New(),
		video:   video,
		sink:    cfg.Sink,
		videoIn: newFrameSlot(),
		onError: cfg.OnError,
	}
	if cfg.AudioEngine != nil {
		audio, err := NewAudioEncoder(cfg.AudioEngine, cfg.Audio)
		if err != nil {
			_ = video.Close()
			return nil, err
		}
		s.audio = audio
		queue := cfg.AudioQueue
		if queue <= 0 {
			queue = 32
		}
		s.audioIn = make(chan *AudioFrame, queue)
	}
	s.log = componentLog("sender").WithField("pipeline", s.id.String())
	s.state.Store(int32(PipelineStateIdle))
	return s, nil
}

// ID returns the pipeline ID.
func (s *Sender) ID() uuid.UUID { return s.id }

// State returns the pipeline state.
func (s *Sender) State() PipelineState { return PipelineState(s.state.Load()) }

// Start launches the encode workers.
func (s *Sender) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(PipelineStateIdle), int32(PipelineStateRunning)) {
		return fmt.Errorf("sender is %s", s.State())
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.videoLoop(ctx) })
	if s.audio != nil {
		s.group.Go(func() error { return s.audioLoop(ctx) })
	}
	s.log.Info("sender started")
	return nil
}

// OnVideo implements FrameSink.
func (s *Sender) OnVideo(f *VideoFrame) bool {
	if s.State() != PipelineStateRunning {
		return false
	}
	replaced := s.videoIn.put(f.Clone())
	s.statsMu.Lock()
	s.stats.VideoFramesIn++
	if replaced {
		s.stats.VideoFramesDropped++
	}
	s.statsMu.Unlock()
	return true
}

// OnAudio implements FrameSink.
func (s *Sender) OnAudio(f *AudioFrame) bool {
	if s.audio == nil || s.State() != PipelineStateRunning {
		return false
	}
	select {
	case s.audioIn <- f.Clone():
		s.statsMu.Lock()
		s.stats.AudioFramesIn++
		s.statsMu.Unlock()
		return true
	default:
		s.statsMu.Lock()
		s.stats.AudioFramesDropped++
		s.statsMu.Unlock()
		return false
	}
}

// OnClose implements FrameSink. The workers are stopped; Wait returns err.
func (s *Sender) OnClose(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.log.WithError(err).Warn("capture closed")
			s.handleError(err)
		}
		s.state.CompareAndSwap(int32(PipelineStateRunning), int32(PipelineStateStopped))
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Sender) videoLoop(ctx context.Context) error {
	for {
		f, err := s.videoIn.take(ctx)
		if err != nil {
			return nil
		}
		if err := s.video.SendFrame(f); err != nil {
			s.handleError(err)
			return err
		}
		if err := s.drainVideo(); err != nil {
			s.handleError(err)
			return err
		}
	}
}

func (s *Sender) drainVideo() error {
	for {
		p, err := s.video.ReadPacket()
		if err != nil || p == nil {
			return err
		}
		if err := s.sink.WriteVideoPacket(p); err != nil {
			return fmt.Errorf("write video packet: %w", err)
		}
		s.statsMu.Lock()
		s.stats.VideoPackets++
		s.stats.Bytes += uint64(len(p.Data))
		s.statsMu.Unlock()
	}
}

func (s *Sender) audioLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.audioIn:
			if err := s.audio.SendFrame(f); err != nil {
				s.handleError(err)
				return err
			}
			if err := s.drainAudio(); err != nil {
				s.handleError(err)
				return err
			}
		}
	}
}

func (s *Sender) drainAudio() error {
	for {
		p, err := s.audio.ReadPacket()
		if err != nil || p == nil {
			return err
		}
		if err := s.sink.WriteAudioPacket(p); err != nil {
			return fmt.Errorf("write audio packet: %w", err)
		}
		s.statsMu.Lock()
		s.stats.AudioPackets++
		s.stats.Bytes += uint64(len(p.Data))
		s.statsMu.Unlock()
	}
}

func (s *Sender) handleError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// Wait blocks until the workers exit and returns the first worker error.
func (s *Sender) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop stops the workers and closes the encoder sessions.
func (s *Sender) Stop() error {
	s.stopOnce.Do(func() {
		s.state.Store(int32(PipelineStateStopped))
		if s.cancel != nil {
			s.cancel()
		}
		errs := []error{s.Wait(), s.video.Close()}
		if s.audio != nil {
			errs = append(errs, s.audio.Close())
		}
		s.stopErr = combineErrors(errs...)
		s.log.Info("sender stopped")
	})
	return s.stopErr
}

// Stats returns a snapshot of the pipeline counters.
func (s *Sender) Stats() SenderStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// frameSlot is a single-frame mailbox. put replaces an untaken frame.
type frameSlot struct {
	mu    sync.Mutex
	frame *VideoFrame
	ready chan struct{}
}

func newFrameSlot() *frameSlot {
	return &frameSlot{ready: make(chan struct{}, 1)}
}

func (s *frameSlot) put(f *VideoFrame) (replaced bool) {
	s.mu.Lock()
	replaced = s.frame != nil
	s.frame = f
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

func (s *frameSlot) take(ctx context.Context) (*VideoFrame, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
		s.mu.Lock()
		f := s.frame
		s.frame = nil
		s.mu.Unlock()
		if f != nil {
			return f, nil
		}
	}
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	Engine      CodecEngine
	AudioEngine AudioEngine // nil disables audio
	Video       VideoDecoderSettings
	Audio       AudioDecoderSettings
	Sink        FrameSink // renderer
}

// Receiver decodes packets from a remote Sender and hands the frames to a
// FrameSink. A decoder failure that leaves a session unusable is reported
// once through the sink's OnClose.
type Receiver struct {
	mu     sync.Mutex
	video  *VideoDecoder
	audio  *AudioDecoder
	sink   FrameSink
	closed bool
	log    *logrus.Entry
}

// NewReceiver opens the decoder sessions.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Engine == nil {
		return nil, errors.New("codec engine is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("frame sink is required")
	}
	video, err := NewVideoDecoder(cfg.Engine, cfg.Video)
	if err != nil {
		return nil, err
	}
	r := &Receiver{video: video, sink: cfg.Sink, log: componentLog("receiver")}
	if cfg.AudioEngine != nil {
		audio, err := NewAudioDecoder(cfg.AudioEngine, cfg.Audio)
		if err != nil {
			_ = video.Close()
			return nil, err
		}
		r.audio = audio
	}
	return r, nil
}

// HandleVideoPacket decodes p and delivers every frame that became ready.
func (r *Receiver) HandleVideoPacket(p *Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	if err := r.video.SendPacket(p.Data, p.Timestamp); err != nil {
		return r.failLocked(err)
	}
	return r.deliverVideoLocked()
}

// HandleAudioPacket decodes p and delivers every frame that became ready.
// Configuration packets carry no audio and are ignored.
func (r *Receiver) HandleAudioPacket(p *Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	if r.audio == nil || p.IsConfig() {
		return nil
	}
	if err := r.audio.SendPacket(p.Data, p.Timestamp); err != nil {
		return r.failLocked(err)
	}
	for {
		f, err := r.audio.ReadFrame()
		if err != nil {
			return r.failLocked(err)
		}
		if f == nil {
			return nil
		}
		r.sink.OnAudio(f)
	}
}

func (r *Receiver) deliverVideoLocked() error {
	for {
		f, err := r.video.ReadFrame()
		if err != nil {
			if IsCodecKind(err, CodecReceiveEmpty) {
				return nil
			}
			return r.failLocked(err)
		}
		if f == nil {
			return nil
		}
		r.sink.OnVideo(f)
	}
}

func (r *Receiver) failLocked(err error) error {
	r.log.WithError(err).Error("decode failed")
	r.closeLocked(err)
	return err
}

// Close flushes the video decoder, delivers the remaining frames, releases
// the sessions and signals end of stream to the sink.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var errs []error
	if err := r.video.Flush(); err == nil {
		errs = append(errs, r.deliverVideoLocked())
	} else {
		errs = append(errs, err)
	}
	if !r.closed {
		r.closeLocked(nil)
	}
	return combineErrors(errs...)
}

func (r *Receiver) closeLocked(cause error) {
	if r.closed {
		return
	}
	r.closed = true
	errs := []error{r.video.Close()}
	if r.audio != nil {
		errs = append(errs, r.audio.Close())
	}
	if err := combineErrors(errs...); err != nil {
		r.log.WithError(err).Warn("decoder teardown")
	}
	r.sink.OnClose(cause)
}
