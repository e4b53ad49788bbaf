package mirror

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// TrackSinkConfig configures the WebRTC tracks of a TrackSink.
type TrackSinkConfig struct {
	StreamID     string
	FPS          int
	AudioFrameMs int
	Audio        bool // create an Opus track
}

// TrackSink is a PacketSink that writes encoded packets as samples to local
// WebRTC tracks. Add the tracks to a peer connection with
// PeerConnection.AddTrack; pion packetizes the samples per negotiated codec.
type TrackSink struct {
	mu     sync.Mutex
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample
	config []byte

	videoDuration time.Duration
	audioDuration time.Duration
}

// NewTrackSink creates an H.264 track and, if cfg.Audio is set, an Opus
// track sharing one stream ID.
func NewTrackSink(cfg TrackSinkConfig) (*TrackSink, error) {
	if cfg.StreamID == "" {
		cfg.StreamID = "mirror-" + uuid.NewString()
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.AudioFrameMs <= 0 {
		cfg.AudioFrameMs = 20
	}

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   videoClockRate,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}, "video", cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	s := &TrackSink{
		video:         video,
		videoDuration: time.Second / time.Duration(cfg.FPS),
		audioDuration: time.Duration(cfg.AudioFrameMs) * time.Millisecond,
	}
	if cfg.Audio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: audioClockRate,
			Channels:  2,
		}, "audio", cfg.StreamID)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
	}
	return s, nil
}

// VideoTrack returns the H.264 track.
func (s *TrackSink) VideoTrack() *webrtc.TrackLocalStaticSample { return s.video }

// AudioTrack returns the Opus track, or nil if audio is disabled.
func (s *TrackSink) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audio }

// Tracks returns every track of the sink.
func (s *TrackSink) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.video}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// WriteVideoPacket implements PacketSink. The configuration packet is held
// and written in front of each key frame so late joiners can decode.
func (s *TrackSink) WriteVideoPacket(p *Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsConfig() {
		s.config = append(s.config[:0], p.Data...)
		return nil
	}
	data := p.Data
	if p.IsKeyframe() && len(s.config) > 0 {
		data = append(append([]byte(nil), s.config...), p.Data...)
	}
	if err := s.video.WriteSample(media.Sample{Data: data, Duration: s.videoDuration}); err != nil {
		return fmt.Errorf("write video sample: %w", err)
	}
	return nil
}

// WriteAudioPacket implements PacketSink.
func (s *TrackSink) WriteAudioPacket(p *Packet) error {
	if s.audio == nil || p.IsConfig() || len(p.Data) == 0 {
		return nil
	}
	if err := s.audio.WriteSample(media.Sample{Data: p.Data, Duration: s.audioDuration}); err != nil {
		return fmt.Errorf("write audio sample: %w", err)
	}
	return nil
}
