package mirror

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AudioEncoderSettings configure an audio encoder session.
type AudioEncoderSettings struct {
	SampleRate  int `mapstructure:"sample_rate"`
	Channels    int `mapstructure:"channels"`
	Bitrate     int `mapstructure:"bitrate"`       // bits per second
	FrameSizeMs int `mapstructure:"frame_size_ms"` // packet duration
}

// DefaultAudioEncoderSettings returns 48 kHz mono Opus in 20 ms packets,
// matching the compositor's raw audio output.
func DefaultAudioEncoderSettings() AudioEncoderSettings {
	return AudioEncoderSettings{
		SampleRate:  48000,
		Channels:    1,
		Bitrate:     64000,
		FrameSizeMs: 20,
	}
}

func (s AudioEncoderSettings) frameSize() int {
	return s.SampleRate * s.FrameSizeMs / 1000
}

// AudioEncoder is an Opus encoder session. Capture delivers audio in
// arbitrary chunk sizes; the session regroups samples into fixed packets.
// The first packet read is always the configuration packet.
type AudioEncoder struct {
	id       uuid.UUID
	settings AudioEncoderSettings
	enc      EngineAudioEncoder
	log      *logrus.Entry

	pending []int16 // interleaved samples not yet submitted
	chunk   AudioFrame
	samples int64 // samples per channel submitted so far

	extradata  []byte
	configSent bool
	pkt        Packet
	flushed    bool
	closed     bool
}

// NewAudioEncoder opens an audio encoder session.
func NewAudioEncoder(engine AudioEngine, settings AudioEncoderSettings) (*AudioEncoder, error) {
	d := DefaultAudioEncoderSettings()
	if settings.SampleRate <= 0 {
		settings.SampleRate = d.SampleRate
	}
	if settings.Channels <= 0 {
		settings.Channels = d.Channels
	}
	if settings.Bitrate <= 0 {
		settings.Bitrate = d.Bitrate
	}
	if settings.FrameSizeMs <= 0 {
		settings.FrameSizeMs = d.FrameSizeMs
	}

	p := ProviderOpus
	enc, err := engine.OpenAudioEncoder(p.CodecName(), AudioParams{
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
		Bitrate:    settings.Bitrate,
		FrameSize:  settings.frameSize(),
		Options:    map[string]string{"application": "lowdelay"},
	})
	if err != nil {
		return nil, codecErr("open audio encoder", openErrorKind(err), p, err)
	}

	id := uuid.New()
	e := &AudioEncoder{
		id:       id,
		settings: settings,
		enc:      enc,
		log:      componentLog("audio-encoder").WithField("session", id.String()),
	}
	if extra := enc.Extradata(); len(extra) > 0 {
		e.extradata = append([]byte(nil), extra...)
	}
	e.chunk = AudioFrame{
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
		Frames:     settings.frameSize(),
		Data:       make([]int16, settings.frameSize()*settings.Channels),
	}
	e.log.WithFields(logrus.Fields{"rate": settings.SampleRate, "channels": settings.Channels}).Info("audio encoder opened")
	return e, nil
}

// ID returns the session ID.
func (e *AudioEncoder) ID() uuid.UUID { return e.id }

// Settings returns the resolved session settings.
func (e *AudioEncoder) Settings() AudioEncoderSettings { return e.settings }

// SendFrame buffers f and submits every complete packet's worth of samples.
func (e *AudioEncoder) SendFrame(f *AudioFrame) error {
	switch {
	case e.closed:
		return codecErr("send audio", CodecSendFailed, ProviderOpus, ErrSessionClosed)
	case e.flushed:
		return codecErr("send audio", CodecSendFailed, ProviderOpus, ErrSessionFlushed)
	case f == nil:
		return codecErr("send audio", CodecSendFailed, ProviderOpus, ErrUnsupportedInput)
	case f.SampleRate != e.settings.SampleRate || f.Channels != e.settings.Channels:
		return codecErr("send audio", CodecSendFailed, ProviderOpus,
			fmt.Errorf("%w: %d Hz x%d, session is %d Hz x%d", ErrUnsupportedInput,
				f.SampleRate, f.Channels, e.settings.SampleRate, e.settings.Channels))
	}

	e.pending = append(e.pending, f.Data[:f.Frames*f.Channels]...)
	return e.submitPending()
}

func (e *AudioEncoder) submitPending() error {
	n := len(e.chunk.Data)
	sent := 0
	for len(e.pending)-sent >= n {
		copy(e.chunk.Data, e.pending[sent:sent+n])
		e.chunk.Timestamp = e.samples
		if err := e.enc.SendFrame(&e.chunk); err != nil {
			return codecErr("send audio", CodecSendFailed, ProviderOpus, err)
		}
		e.samples += int64(e.chunk.Frames)
		sent += n
	}
	e.pending = append(e.pending[:0], e.pending[sent:]...)
	return nil
}

// ReadPacket returns the next packet, or nil and no error when nothing is
// ready. The first packet is the configuration packet, possibly empty.
func (e *AudioEncoder) ReadPacket() (*Packet, error) {
	if e.closed {
		return nil, codecErr("read audio", CodecReceiveFailed, ProviderOpus, ErrSessionClosed)
	}
	if !e.configSent {
		e.configSent = true
		return &Packet{Data: e.extradata, Flags: PacketFlagConfig}, nil
	}
	err := e.enc.ReceivePacket(&e.pkt)
	switch {
	case err == nil:
		e.pkt.Flags = PacketFlagKey
		return &e.pkt, nil
	case errors.Is(err, ErrEngineAgain):
		return nil, nil
	case errors.Is(err, ErrEngineEOF):
		return nil, codecErr("read audio", CodecReceiveEmpty, ProviderOpus, err)
	default:
		return nil, codecErr("read audio", CodecReceiveFailed, ProviderOpus, err)
	}
}

// Flush pads the buffered tail with silence to a full packet, submits it,
// and puts the engine in drain mode.
func (e *AudioEncoder) Flush() error {
	if e.closed {
		return codecErr("flush audio", CodecSendFailed, ProviderOpus, ErrSessionClosed)
	}
	if e.flushed {
		return nil
	}
	if len(e.pending) > 0 {
		e.pending = append(e.pending, make([]int16, len(e.chunk.Data)-len(e.pending))...)
		if err := e.submitPending(); err != nil {
			return err
		}
	}
	e.flushed = true
	if err := e.enc.SendFrame(nil); err != nil && !errors.Is(err, ErrEngineEOF) {
		return codecErr("flush audio", CodecSendFailed, ProviderOpus, err)
	}
	return nil
}

// Close releases the engine encoder, then the staging buffers.
func (e *AudioEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.enc.Close()
	e.pending = nil
	e.chunk.Data = nil
	return err
}

// AudioDecoderSettings configure an audio decoder session.
type AudioDecoderSettings struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
}

// DefaultAudioDecoderSettings returns 48 kHz mono output.
func DefaultAudioDecoderSettings() AudioDecoderSettings {
	return AudioDecoderSettings{SampleRate: 48000, Channels: 1}
}

// AudioDecoder is an Opus decoder session.
type AudioDecoder struct {
	id      uuid.UUID
	dec     EngineAudioDecoder
	log     *logrus.Entry
	skipped uint64
	closed  bool
}

// NewAudioDecoder opens an audio decoder session.
func NewAudioDecoder(engine AudioEngine, settings AudioDecoderSettings) (*AudioDecoder, error) {
	d := DefaultAudioDecoderSettings()
	if settings.SampleRate <= 0 {
		settings.SampleRate = d.SampleRate
	}
	if settings.Channels <= 0 {
		settings.Channels = d.Channels
	}
	dec, err := engine.OpenAudioDecoder(ProviderOpus.CodecName(), AudioParams{
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
	})
	if err != nil {
		return nil, codecErr("open audio decoder", openErrorKind(err), ProviderOpus, err)
	}
	id := uuid.New()
	return &AudioDecoder{
		id:  id,
		dec: dec,
		log: componentLog("audio-decoder").WithField("session", id.String()),
	}, nil
}

// ID returns the session ID.
func (d *AudioDecoder) ID() uuid.UUID { return d.id }

// SendPacket decodes one packet. Empty packets are accepted and ignored;
// packets the engine rejects as invalid are skipped.
func (d *AudioDecoder) SendPacket(data []byte, pts int64) error {
	if d.closed {
		return codecErr("send audio packet", CodecSendFailed, ProviderOpus, ErrSessionClosed)
	}
	if len(data) == 0 {
		return nil
	}
	err := d.dec.SendPacket(data, pts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrEngineInvalidData):
		d.skipped++
		d.log.WithError(err).Debug("audio packet skipped")
		return nil
	default:
		return codecErr("send audio packet", CodecSendFailed, ProviderOpus, err)
	}
}

// ReadFrame returns the next decoded frame, or nil and no error when none is
// ready. The frame is valid until the next ReadFrame.
func (d *AudioDecoder) ReadFrame() (*AudioFrame, error) {
	if d.closed {
		return nil, codecErr("read audio frame", CodecReceiveFailed, ProviderOpus, ErrSessionClosed)
	}
	f, err := d.dec.ReceiveFrame()
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, ErrEngineAgain):
		return nil, nil
	case errors.Is(err, ErrEngineEOF):
		return nil, codecErr("read audio frame", CodecReceiveEmpty, ProviderOpus, err)
	default:
		return nil, codecErr("read audio frame", CodecReceiveFailed, ProviderOpus, err)
	}
}

// Close releases the engine decoder.
func (d *AudioDecoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.dec.Close()
}
