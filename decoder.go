package mirror

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	UnitsSent     uint64 // Access units accepted by the engine
	UnitsSkipped  uint64 // Access units the engine rejected as invalid
	FramesDecoded uint64
	BytesReceived uint64
}

// VideoDecoder is an H.264 decoder session. Packets may split or merge
// access units arbitrarily; the session reassembles them before decoding.
// A session is used from one goroutine at a time.
type VideoDecoder struct {
	id         uuid.UUID
	provider   Provider
	dec        EngineDecoder
	device     DeviceContext
	ownsDevice bool
	parser     accessUnitParser
	log        *logrus.Entry

	// Planar engine output is converted to NV12; the bridge is created on
	// the first planar frame.
	bridge *FormatBridge

	// queued holds frames pulled early to make room for input.
	queued []*VideoFrame

	stats   DecoderStats
	flushed bool
	closed  bool
}

// NewVideoDecoder opens a decoder session. With ProviderAuto the first
// hardware decoder whose device can be opened is used.
func NewVideoDecoder(engine CodecEngine, settings VideoDecoderSettings) (*VideoDecoder, error) {
	p := settings.Provider
	if p == ProviderAuto {
		p = FindVideoDecoder(engine)
	}
	if !p.CanDecode() || p.meta().Audio {
		return nil, codecErr("open decoder", CodecOpenFailed, p, ErrCodecNotSupported)
	}

	id := uuid.New()
	d := &VideoDecoder{
		id:       id,
		provider: p,
		log: componentLog("decoder").WithFields(logrus.Fields{
			"codec":   p,
			"session": id.String(),
		}),
	}

	if p.Hardware() {
		dev := settings.Device
		if dev == nil {
			var err error
			dev, err = engine.NewDevice(p.Device())
			if err != nil {
				return nil, codecErr("open decoder", CodecHardwareUnavailable, p, err)
			}
			d.ownsDevice = true
		}
		d.device = dev
	}

	threads := settings.Threads
	if threads <= 0 {
		threads = 1
	}
	dec, err := engine.OpenDecoder(p.CodecName(), DecoderParams{Device: d.device, Threads: threads})
	if err != nil {
		_ = d.releaseResources()
		return nil, codecErr("open decoder", openErrorKind(err), p, err)
	}
	d.dec = dec
	d.log.Info("decoder opened")
	return d, nil
}

// ID returns the session ID.
func (d *VideoDecoder) ID() uuid.UUID { return d.id }

// Provider returns the codec implementation in use.
func (d *VideoDecoder) Provider() Provider { return d.provider }

// Stats returns decoding statistics.
func (d *VideoDecoder) Stats() DecoderStats { return d.stats }

// SendPacket feeds Annex-B data. An empty buffer is accepted and does
// nothing. Access units the engine reports as invalid are skipped; any other
// engine failure leaves the session unusable.
func (d *VideoDecoder) SendPacket(data []byte, pts int64) error {
	switch {
	case d.closed:
		return codecErr("send packet", CodecSendFailed, d.provider, ErrSessionClosed)
	case d.flushed:
		return codecErr("send packet", CodecSendFailed, d.provider, ErrSessionFlushed)
	case len(data) == 0:
		return nil
	}
	d.stats.BytesReceived += uint64(len(data))

	for {
		n, unit := d.parser.Parse(data, pts)
		data = data[n:]
		if unit != nil {
			if err := d.submit(unit); err != nil {
				return err
			}
		}
		if unit == nil && len(data) == 0 {
			return nil
		}
	}
}

func (d *VideoDecoder) submit(unit *accessUnit) error {
	err := d.dec.SendPacket(unit.Data, unit.PTS)
	if errors.Is(err, ErrEngineAgain) {
		// Output is full: pull what is ready, then retry once.
		if err := d.drainReady(); err != nil {
			return err
		}
		err = d.dec.SendPacket(unit.Data, unit.PTS)
	}
	switch {
	case err == nil:
		d.stats.UnitsSent++
		return nil
	case errors.Is(err, ErrEngineInvalidData):
		d.stats.UnitsSkipped++
		d.log.WithError(err).WithField("bytes", len(unit.Data)).Debug("access unit skipped")
		return nil
	default:
		return codecErr("send packet", CodecSendFailed, d.provider, err)
	}
}

func (d *VideoDecoder) drainReady() error {
	for {
		f, err := d.receive()
		if err != nil {
			if IsCodecKind(err, CodecReceiveEmpty) {
				return nil
			}
			return err
		}
		if f == nil {
			return nil
		}
		d.queued = append(d.queued, f.Clone())
	}
}

// Flush submits the buffered partial access unit and puts the engine in
// drain mode. Remaining frames are then read with ReadFrame.
func (d *VideoDecoder) Flush() error {
	if d.closed {
		return codecErr("flush", CodecSendFailed, d.provider, ErrSessionClosed)
	}
	if d.flushed {
		return nil
	}
	if unit := d.parser.Flush(); unit != nil {
		if err := d.submit(unit); err != nil {
			return err
		}
	}
	d.flushed = true
	if err := d.dec.SendPacket(nil, 0); err != nil && !errors.Is(err, ErrEngineEOF) {
		return codecErr("flush", CodecSendFailed, d.provider, err)
	}
	return nil
}

// ReadFrame returns the next decoded frame, or nil and no error when none is
// ready. Software frames are NV12; hardware frames are returned as the
// engine's surfaces. After Flush, once drained, it returns a CodecError of
// kind CodecReceiveEmpty. The frame is valid until the next ReadFrame.
func (d *VideoDecoder) ReadFrame() (*VideoFrame, error) {
	if d.closed {
		return nil, codecErr("read frame", CodecReceiveFailed, d.provider, ErrSessionClosed)
	}
	if len(d.queued) > 0 {
		f := d.queued[0]
		d.queued = d.queued[1:]
		return f, nil
	}
	return d.receive()
}

func (d *VideoDecoder) receive() (*VideoFrame, error) {
	f, err := d.dec.ReceiveFrame()
	switch {
	case err == nil:
	case errors.Is(err, ErrEngineAgain):
		return nil, nil
	case errors.Is(err, ErrEngineEOF):
		return nil, codecErr("read frame", CodecReceiveEmpty, d.provider, err)
	default:
		return nil, codecErr("read frame", CodecReceiveFailed, d.provider, err)
	}

	out, err := d.output(f)
	if err != nil {
		return nil, codecErr("read frame", CodecReceiveFailed, d.provider, err)
	}
	d.stats.FramesDecoded++
	return out, nil
}

func (d *VideoDecoder) output(f *VideoFrame) (*VideoFrame, error) {
	if _, hw := f.Hardware(); hw || f.Format == PixelFormatNV12 {
		return f, nil
	}
	if d.bridge == nil {
		d.bridge = NewFormatBridge(PixelFormatNV12, f.Width, f.Height)
		d.log.WithField("format", f.Format).Debug("converting decoder output to NV12")
	}
	return d.bridge.Convert(f)
}

// Close releases the device first, then the engine decoder, then the
// staging buffers.
func (d *VideoDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.releaseResources()
	d.log.WithField("frames", d.stats.FramesDecoded).Info("decoder closed")
	return err
}

func (d *VideoDecoder) releaseResources() error {
	var errs []error
	if d.device != nil {
		if d.ownsDevice {
			errs = append(errs, d.device.Release())
		}
		d.device = nil
	}
	if d.dec != nil {
		errs = append(errs, d.dec.Close())
		d.dec = nil
	}
	d.bridge = nil
	d.queued = nil
	d.parser.Reset()
	return combineErrors(errs...)
}
