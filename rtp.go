package mirror

import (
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTP clock rates for the payloads produced by the encoder sessions.
const (
	videoClockRate = 90000
	audioClockRate = 48000
)

// RTPSinkConfig configures an RTPSink.
type RTPSinkConfig struct {
	VideoSSRC        uint32 `mapstructure:"video_ssrc"`
	AudioSSRC        uint32 `mapstructure:"audio_ssrc"`
	VideoPayloadType uint8  `mapstructure:"video_payload_type"`
	AudioPayloadType uint8  `mapstructure:"audio_payload_type"`
	MTU              uint16 `mapstructure:"mtu"`
	FPS              int    `mapstructure:"fps"`
	AudioFrameMs     int    `mapstructure:"audio_frame_ms"`
}

// DefaultRTPSinkConfig returns dynamic payload types 96 (H.264) and 111
// (Opus) with a 1200 byte MTU.
func DefaultRTPSinkConfig() RTPSinkConfig {
	return RTPSinkConfig{
		VideoSSRC:        0x4d495252,
		AudioSSRC:        0x4d495253,
		VideoPayloadType: 96,
		AudioPayloadType: 111,
		MTU:              1200,
		FPS:              30,
		AudioFrameMs:     20,
	}
}

// RTPStats counts packets written by an RTPSink.
type RTPStats struct {
	VideoPackets uint64
	AudioPackets uint64
	Bytes        uint64
}

// RTPSink is a PacketSink that packetizes H.264 and Opus packets into RTP
// and writes each marshaled RTP packet to an io.Writer, such as a UDP
// connection. Configuration packets are held and sent in front of the next
// key frame.
type RTPSink struct {
	mu     sync.Mutex
	w      io.Writer
	video  rtp.Packetizer
	audio  rtp.Packetizer
	config []byte

	videoSamples uint32
	audioSamples uint32
	stats        RTPStats
}

// NewRTPSink creates an RTPSink writing to w.
func NewRTPSink(w io.Writer, cfg RTPSinkConfig) *RTPSink {
	d := DefaultRTPSinkConfig()
	if cfg.MTU == 0 {
		cfg.MTU = d.MTU
	}
	if cfg.FPS <= 0 {
		cfg.FPS = d.FPS
	}
	if cfg.AudioFrameMs <= 0 {
		cfg.AudioFrameMs = d.AudioFrameMs
	}
	return &RTPSink{
		w:            w,
		video:        rtp.NewPacketizer(cfg.MTU, cfg.VideoPayloadType, cfg.VideoSSRC, &codecs.H264Payloader{}, rtp.NewRandomSequencer(), videoClockRate),
		audio:        rtp.NewPacketizer(cfg.MTU, cfg.AudioPayloadType, cfg.AudioSSRC, &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), audioClockRate),
		videoSamples: uint32(videoClockRate / cfg.FPS),
		audioSamples: uint32(audioClockRate * cfg.AudioFrameMs / 1000),
	}
}

// WriteVideoPacket implements PacketSink.
func (s *RTPSink) WriteVideoPacket(p *Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsConfig() {
		s.config = append(s.config[:0], p.Data...)
		return nil
	}
	payload := p.Data
	if p.IsKeyframe() && len(s.config) > 0 {
		payload = append(append([]byte(nil), s.config...), p.Data...)
	}
	n, err := s.write(s.video.Packetize(payload, s.videoSamples))
	s.stats.VideoPackets += uint64(n)
	return err
}

// WriteAudioPacket implements PacketSink.
func (s *RTPSink) WriteAudioPacket(p *Packet) error {
	if p.IsConfig() || len(p.Data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.write(s.audio.Packetize(p.Data, s.audioSamples))
	s.stats.AudioPackets += uint64(n)
	return err
}

func (s *RTPSink) write(packets []*rtp.Packet) (int, error) {
	for i, pkt := range packets {
		buf, err := pkt.Marshal()
		if err != nil {
			return i, fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := s.w.Write(buf); err != nil {
			return i, fmt.Errorf("write rtp: %w", err)
		}
		s.stats.Bytes += uint64(len(buf))
	}
	return len(packets), nil
}

// Stats returns a snapshot of the counters.
func (s *RTPSink) Stats() RTPStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RTPDepacketizer turns RTP packets from an RTPSink back into packets for a
// Receiver.
type RTPDepacketizer struct {
	receiver         *Receiver
	videoPayloadType uint8
	audioPayloadType uint8
	h264             codecs.H264Packet
	opus             codecs.OpusPacket
}

// NewRTPDepacketizer creates a depacketizer feeding r.
func NewRTPDepacketizer(r *Receiver, cfg RTPSinkConfig) *RTPDepacketizer {
	return &RTPDepacketizer{
		receiver:         r,
		videoPayloadType: cfg.VideoPayloadType,
		audioPayloadType: cfg.AudioPayloadType,
	}
}

// HandleRTP parses one marshaled RTP packet and forwards its payload.
// Packets of unknown payload types are ignored.
func (d *RTPDepacketizer) HandleRTP(buf []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}

	switch pkt.PayloadType {
	case d.videoPayloadType:
		data, err := d.h264.Unmarshal(pkt.Payload)
		if err != nil {
			return fmt.Errorf("depacketize h264: %w", err)
		}
		if len(data) == 0 {
			return nil // fragment of a larger NAL
		}
		return d.receiver.HandleVideoPacket(&Packet{Data: data, Timestamp: int64(pkt.Timestamp)})
	case d.audioPayloadType:
		data, err := d.opus.Unmarshal(pkt.Payload)
		if err != nil {
			return fmt.Errorf("depacketize opus: %w", err)
		}
		return d.receiver.HandleAudioPacket(&Packet{Data: data, Flags: PacketFlagKey, Timestamp: int64(pkt.Timestamp)})
	default:
		return nil
	}
}
