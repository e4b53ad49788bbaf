package mirror

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesSent       uint64 // Frames accepted by the engine
	PacketsRead      uint64 // Media packets read, config excluded
	KeyframesEncoded uint64
	BytesEncoded     uint64
}

// VideoEncoder is an H.264 encoder session tuned for low latency.
// A session is used from one goroutine at a time.
//
// The first packet read from a session is always the codec configuration
// packet, ahead of any media packet.
type VideoEncoder struct {
	id       uuid.UUID
	provider Provider
	settings VideoEncoderSettings
	enc      EngineEncoder
	log      *logrus.Entry

	device      DeviceContext
	ownsDevice  bool
	pool        FramePool
	poolSurface *HardwareSurface
	passthrough HardwareSurface

	// input is the one frame buffer reused for every SendFrame.
	input  *VideoFrame
	bridge *FormatBridge

	extradata  []byte
	configSent bool
	held       bool // pkt is a media packet whose config has just been returned
	pkt        Packet

	frames  int64
	stats   EncoderStats
	flushed bool
	closed  bool
}

// NewVideoEncoder opens an encoder session. With ProviderAuto the first
// hardware encoder whose device can be opened is used, libx264 otherwise.
func NewVideoEncoder(engine CodecEngine, settings VideoEncoderSettings) (*VideoEncoder, error) {
	p := settings.Provider
	if p == ProviderAuto {
		p = FindVideoEncoder(engine)
	}
	if !p.CanEncode() || p.meta().Audio {
		return nil, codecErr("open encoder", CodecOpenFailed, p, ErrCodecNotSupported)
	}
	if settings.Width <= 0 || settings.Height <= 0 || settings.Width%2 != 0 || settings.Height%2 != 0 {
		return nil, codecErr("open encoder", CodecConfigRejected, p,
			fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, settings.Width, settings.Height))
	}
	defaults := DefaultVideoEncoderSettings(settings.Width, settings.Height)
	if settings.FPS <= 0 {
		settings.FPS = defaults.FPS
	}
	if settings.Bitrate <= 0 {
		settings.Bitrate = defaults.Bitrate
	}
	if settings.KeyFrameInterval <= 0 {
		settings.KeyFrameInterval = defaults.KeyFrameInterval
	}
	if settings.PoolSize <= 0 {
		settings.PoolSize = defaults.PoolSize
	}

	id := uuid.New()
	e := &VideoEncoder{
		id:       id,
		provider: p,
		settings: settings,
		log: componentLog("encoder").WithFields(logrus.Fields{
			"codec":   p,
			"session": id.String(),
		}),
	}

	if p.Hardware() {
		if err := e.openDevice(engine); err != nil {
			_ = e.releaseResources()
			return nil, err
		}
	}

	params := encoderParams(p, settings)
	params.Device = e.device
	params.Frames = e.pool
	enc, err := engine.OpenEncoder(p.CodecName(), params)
	if err != nil {
		_ = e.releaseResources()
		return nil, codecErr("open encoder", openErrorKind(err), p, err)
	}
	e.enc = enc
	if extra := enc.Extradata(); len(extra) > 0 {
		e.extradata = append([]byte(nil), extra...)
	}

	if e.poolSurface != nil {
		e.input = &VideoFrame{Format: PixelFormatHardware, Width: settings.Width, Height: settings.Height, Payload: e.poolSurface}
	} else {
		e.input = NewVideoFrameBuffer(PixelFormatNV12, settings.Width, settings.Height)
	}

	e.log.WithFields(logrus.Fields{
		"width":   settings.Width,
		"height":  settings.Height,
		"fps":     settings.FPS,
		"bitrate": params.Bitrate,
		"gop":     params.GOPSize,
	}).Info("encoder opened")
	return e, nil
}

func (e *VideoEncoder) openDevice(engine CodecEngine) error {
	want := e.provider.Device()
	dev := e.settings.Device
	if dev != nil && dev.Type() != want {
		return codecErr("open encoder", CodecHardwareUnavailable, e.provider,
			fmt.Errorf("shared device is %s, need %s", dev.Type(), want))
	}
	if dev == nil {
		var err error
		dev, err = engine.NewDevice(want)
		if err != nil {
			return codecErr("open encoder", CodecHardwareUnavailable, e.provider, err)
		}
		e.ownsDevice = true
	}
	e.device = dev

	pool, err := dev.NewFramePool(e.settings.Width, e.settings.Height, PixelFormatNV12, e.settings.PoolSize)
	if err != nil {
		return codecErr("open encoder", CodecHardwareUnavailable, e.provider, fmt.Errorf("frame pool: %w", err))
	}
	e.pool = pool
	surface, err := pool.Get()
	if err != nil {
		return codecErr("open encoder", CodecHardwareUnavailable, e.provider, fmt.Errorf("frame pool surface: %w", err))
	}
	e.poolSurface = surface
	return nil
}

// ID returns the session ID.
func (e *VideoEncoder) ID() uuid.UUID { return e.id }

// Provider returns the codec implementation in use.
func (e *VideoEncoder) Provider() Provider { return e.provider }

// Settings returns the resolved session settings.
func (e *VideoEncoder) Settings() VideoEncoderSettings { return e.settings }

// Stats returns encoding statistics.
func (e *VideoEncoder) Stats() EncoderStats { return e.stats }

// SendFrame submits one frame. Software frames are copied into the session's
// input buffer, converting to NV12 first when needed; hardware frames are
// passed by handle. The frame may be released as soon as SendFrame returns.
func (e *VideoEncoder) SendFrame(f *VideoFrame) error {
	switch {
	case e.closed:
		return codecErr("send frame", CodecSendFailed, e.provider, ErrSessionClosed)
	case e.flushed:
		return codecErr("send frame", CodecSendFailed, e.provider, ErrSessionFlushed)
	case f == nil:
		return codecErr("send frame", CodecSendFailed, e.provider, ErrUnsupportedInput)
	}

	if err := e.fill(f); err != nil {
		return codecErr("send frame", CodecSendFailed, e.provider, err)
	}
	e.input.Timestamp = e.frames
	if err := e.enc.SendFrame(e.input); err != nil {
		return codecErr("send frame", CodecSendFailed, e.provider, err)
	}
	e.frames++
	e.stats.FramesSent++
	return nil
}

func (e *VideoEncoder) fill(f *VideoFrame) error {
	if f.Width != e.settings.Width || f.Height != e.settings.Height {
		if _, hw := f.Hardware(); hw || !f.Format.Packed() {
			return fmt.Errorf("%w: got %dx%d, session is %dx%d",
				ErrInvalidDimensions, f.Width, f.Height, e.settings.Width, e.settings.Height)
		}
	}

	switch p := f.Payload.(type) {
	case *HardwareSurface:
		if e.poolSurface == nil {
			return fmt.Errorf("%w: hardware frame on a software session", ErrUnsupportedInput)
		}
		e.passthrough = *p
		e.input.Payload = &e.passthrough
		return nil
	case *SoftwareBuffer:
		if err := checkPlanes(f, p); err != nil {
			return &ConversionError{From: f.Format, To: PixelFormatNV12, Width: f.Width, Height: f.Height, Err: err}
		}
		src := f
		if f.Format != PixelFormatNV12 {
			if e.bridge == nil {
				e.bridge = NewFormatBridge(PixelFormatNV12, e.settings.Width, e.settings.Height)
			}
			conv, err := e.bridge.Convert(f)
			if err != nil {
				return err
			}
			src = conv
		}
		if e.poolSurface != nil {
			e.input.Payload = e.poolSurface
			return e.pool.Upload(e.poolSurface, src)
		}
		return ConvertPlanes(src, e.input)
	default:
		return ErrUnsupportedInput
	}
}

// ReadPacket returns the next packet, or nil and no error when nothing is
// ready. After Flush, once every packet has been read, it returns a
// CodecError of kind CodecReceiveEmpty. The packet is valid until the next
// ReadPacket call.
func (e *VideoEncoder) ReadPacket() (*Packet, error) {
	if e.closed {
		return nil, codecErr("read packet", CodecReceiveFailed, e.provider, ErrSessionClosed)
	}
	if e.held {
		e.held = false
		return e.media(), nil
	}
	if !e.configSent && len(e.extradata) > 0 {
		e.configSent = true
		return &Packet{Data: e.extradata, Flags: PacketFlagConfig}, nil
	}

	err := e.enc.ReceivePacket(&e.pkt)
	switch {
	case err == nil:
	case errors.Is(err, ErrEngineAgain):
		return nil, nil
	case errors.Is(err, ErrEngineEOF):
		return nil, codecErr("read packet", CodecReceiveEmpty, e.provider, err)
	default:
		return nil, codecErr("read packet", CodecReceiveFailed, e.provider, err)
	}

	if !e.configSent {
		// No global header: the parameter sets travel in-band, so lift them
		// out of the first packet and hold the packet back one read.
		e.configSent = true
		e.held = true
		e.extradata = parameterSets(e.pkt.Data)
		return &Packet{Data: e.extradata, Flags: PacketFlagConfig, Timestamp: e.pkt.Timestamp}, nil
	}
	return e.media(), nil
}

func (e *VideoEncoder) media() *Packet {
	e.pkt.Flags &^= PacketFlagConfig
	e.stats.PacketsRead++
	e.stats.BytesEncoded += uint64(len(e.pkt.Data))
	if e.pkt.IsKeyframe() {
		e.stats.KeyframesEncoded++
	}
	return &e.pkt
}

// Flush puts the engine in drain mode. No frame may be sent afterwards.
func (e *VideoEncoder) Flush() error {
	if e.closed {
		return codecErr("flush", CodecSendFailed, e.provider, ErrSessionClosed)
	}
	if e.flushed {
		return nil
	}
	e.flushed = true
	if err := e.enc.SendFrame(nil); err != nil && !errors.Is(err, ErrEngineEOF) {
		return codecErr("flush", CodecSendFailed, e.provider, err)
	}
	return nil
}

// Close releases the session: frame pool and device first, then the engine
// encoder, then the staging buffers.
func (e *VideoEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.releaseResources()
	e.log.WithField("frames", e.stats.FramesSent).Info("encoder closed")
	return err
}

func (e *VideoEncoder) releaseResources() error {
	var errs []error
	if e.pool != nil {
		errs = append(errs, e.pool.Release())
		e.pool = nil
		e.poolSurface = nil
	}
	if e.device != nil {
		if e.ownsDevice {
			errs = append(errs, e.device.Release())
		}
		e.device = nil
	}
	if e.enc != nil {
		errs = append(errs, e.enc.Close())
		e.enc = nil
	}
	e.input = nil
	e.bridge = nil
	e.extradata = nil
	return combineErrors(errs...)
}
